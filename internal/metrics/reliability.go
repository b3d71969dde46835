// Package metrics tracks cache backend reliability counters and exposes them
// both as the dashboard's JSON snapshot and as Prometheus series.
package metrics

import (
	"sync/atomic"
	"time"
)

// Backend identifies which cache tier an operation ran against.
type Backend int

const (
	BackendPrimary Backend = iota
	BackendFallback
	backendCount
)

// String returns the label used in logs and Prometheus series.
func (b Backend) String() string {
	switch b {
	case BackendPrimary:
		return "primary"
	case BackendFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// Operation identifies the cache operation being counted.
type Operation int

const (
	OpGet Operation = iota
	OpSet
	OpDelete
	operationCount
)

// String returns the label used in logs and Prometheus series.
func (o Operation) String() string {
	switch o {
	case OpGet:
		return "get"
	case OpSet:
		return "set"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Outcome identifies how an operation resolved.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRoutedToFallback
	OutcomeFailure
	outcomeCount
)

// String returns the label used in logs and Prometheus series.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRoutedToFallback:
		return "routed_to_fallback"
	case OutcomeFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Snapshot is the point-in-time reliability view consumed by the dashboard's
// fallback-metrics panel. The field set and JSON names are a wire contract;
// do not rename them.
type Snapshot struct {
	Available            bool       `json:"available"`
	FallbackActive       bool       `json:"fallback_active"`
	FallbackCacheEntries int        `json:"fallback_cache_entries"`
	GetSuccessCount      uint64     `json:"get_success_count"`
	GetFallbackCount     uint64     `json:"get_fallback_count"`
	SetSuccessCount      uint64     `json:"set_success_count"`
	SetFallbackCount     uint64     `json:"set_fallback_count"`
	DeleteSuccessCount   uint64     `json:"delete_success_count"`
	DeleteFallbackCount  uint64     `json:"delete_fallback_count"`
	FailureCount         uint64     `json:"failure_count"`
	LastFailureTime      *time.Time `json:"last_failure_time"`
}

// Reliability holds monotonic per-backend, per-operation counters. Counts
// reset only on process restart and are never rewound. All methods are safe
// for concurrent use; readers never block writers.
type Reliability struct {
	counters [backendCount][operationCount][outcomeCount]atomic.Uint64

	// failures counts primary backend errors regardless of whether the
	// fallback tier rescued the operation.
	failures            atomic.Uint64
	lastFailureUnixNano atomic.Int64

	// Breaker-derived flags, pushed by the owning gateway.
	available      atomic.Bool
	fallbackActive atomic.Bool

	// entryCount reports the fallback cache's current size; set once at
	// wiring time, before concurrent use.
	entryCount func() int

	prom *promExporter
}

// NewReliability creates a reliability tracker. The primary backend is
// considered available until the gateway reports otherwise.
func NewReliability() *Reliability {
	r := &Reliability{}
	r.available.Store(true)
	return r
}

// Record increments exactly one (backend, operation, outcome) counter.
func (r *Reliability) Record(backend Backend, op Operation, outcome Outcome) {
	if backend < 0 || backend >= backendCount || op < 0 || op >= operationCount ||
		outcome < 0 || outcome >= outcomeCount {
		return
	}
	r.counters[backend][op][outcome].Add(1)
	if outcome == OutcomeFailure {
		r.lastFailureUnixNano.Store(time.Now().UnixNano())
	}
	if r.prom != nil {
		r.prom.record(backend, op, outcome)
	}
}

// MarkPrimaryFailure notes a primary backend error. Called for every failed
// primary operation, including ones the fallback tier subsequently served.
func (r *Reliability) MarkPrimaryFailure() {
	r.failures.Add(1)
	r.lastFailureUnixNano.Store(time.Now().UnixNano())
	if r.prom != nil {
		r.prom.markFailure()
	}
}

// Count returns one counter's current value.
func (r *Reliability) Count(backend Backend, op Operation, outcome Outcome) uint64 {
	if backend < 0 || backend >= backendCount || op < 0 || op >= operationCount ||
		outcome < 0 || outcome >= outcomeCount {
		return 0
	}
	return r.counters[backend][op][outcome].Load()
}

// SetBreakerState records the breaker-derived availability flags.
// available is true while the breaker is not open; fallbackActive is true
// while the breaker is not closed.
func (r *Reliability) SetBreakerState(available, fallbackActive bool) {
	r.available.Store(available)
	r.fallbackActive.Store(fallbackActive)
	if r.prom != nil {
		r.prom.setBreakerState(available, fallbackActive)
	}
}

// SetEntryCountFunc wires the fallback cache's size provider. Must be called
// during construction, before the tracker is shared.
func (r *Reliability) SetEntryCountFunc(fn func() int) {
	r.entryCount = fn
}

// GetSnapshot assembles the dashboard snapshot.
func (r *Reliability) GetSnapshot() Snapshot {
	snap := Snapshot{
		Available:           r.available.Load(),
		FallbackActive:      r.fallbackActive.Load(),
		GetSuccessCount:     r.Count(BackendPrimary, OpGet, OutcomeSuccess),
		GetFallbackCount:    r.Count(BackendFallback, OpGet, OutcomeSuccess),
		SetSuccessCount:     r.Count(BackendPrimary, OpSet, OutcomeSuccess),
		SetFallbackCount:    r.Count(BackendFallback, OpSet, OutcomeSuccess),
		DeleteSuccessCount:  r.Count(BackendPrimary, OpDelete, OutcomeSuccess),
		DeleteFallbackCount: r.Count(BackendFallback, OpDelete, OutcomeSuccess),
	}

	snap.FailureCount = r.failures.Load()

	if ns := r.lastFailureUnixNano.Load(); ns > 0 {
		t := time.Unix(0, ns)
		snap.LastFailureTime = &t
	}
	if r.entryCount != nil {
		snap.FallbackCacheEntries = r.entryCount()
	}
	return snap
}
