// Package stat defines the identity and value types for cached statistics.
package stat

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Key is the composite identity of one cached statistic. Equality is
// structural; no two distinct logical statistics may share a key.
type Key struct {
	StatType string `json:"stat_type"`
	Scope    string `json:"scope"`
	Window   string `json:"window"`
}

// String renders the key in its canonical cache-key form.
func (k Key) String() string {
	return fmt.Sprintf("stats:%s:%s:%s", k.StatType, k.Scope, k.Window)
}

// Validate checks that every component of the key is present and free of the
// separator character used by the canonical form.
func (k Key) Validate() error {
	if k.StatType == "" {
		return fmt.Errorf("stat type is empty")
	}
	if k.Scope == "" {
		return fmt.Errorf("scope is empty")
	}
	if k.Window == "" {
		return fmt.Errorf("window is empty")
	}
	for _, part := range []string{k.StatType, k.Window} {
		if strings.Contains(part, ":") {
			return fmt.Errorf("key component %q contains reserved separator ':'", part)
		}
	}
	return nil
}

// Snapshot is an immutable computed result. A new computation produces a new
// snapshot, never mutates an old one in place.
type Snapshot struct {
	Key           Key       `json:"key"`
	Payload       []byte    `json:"payload"`
	ComputedAt    time.Time `json:"computed_at"`
	ComputeCostMs int64     `json:"compute_cost_ms"`
	Version       int64     `json:"version"`
}

// Entry pairs a snapshot with its expiry thresholds. SoftExpiry triggers
// asynchronous background refresh while the value is still served; HardExpiry
// forces synchronous recompute on next access.
type Entry struct {
	Snapshot   `json:"snapshot"`
	SoftExpiry time.Time `json:"soft_expiry"`
	HardExpiry time.Time `json:"hard_expiry"`
}

// Fresh reports whether the entry is within its soft TTL.
func (e Entry) Fresh(now time.Time) bool {
	return now.Before(e.SoftExpiry)
}

// Usable reports whether the entry may still be served, possibly stale.
func (e Entry) Usable(now time.Time) bool {
	return now.Before(e.HardExpiry)
}

// TTLPolicy holds the soft/hard TTL pair applied to snapshots of one stat
// type. Policy is configuration, not a property of individual entries.
type TTLPolicy struct {
	Soft time.Duration `yaml:"soft" json:"soft"`
	Hard time.Duration `yaml:"hard" json:"hard"`
}

// Normalize fills zero values with defaults and guarantees Hard >= Soft.
func (p TTLPolicy) Normalize() TTLPolicy {
	if p.Soft <= 0 {
		p.Soft = time.Hour
	}
	if p.Hard <= 0 {
		p.Hard = 24 * time.Hour
	}
	if p.Hard < p.Soft {
		p.Hard = p.Soft
	}
	return p
}

// Entry builds a cache entry for a snapshot under this policy.
func (p TTLPolicy) Entry(snap Snapshot) Entry {
	p = p.Normalize()
	return Entry{
		Snapshot:   snap,
		SoftExpiry: snap.ComputedAt.Add(p.Soft),
		HardExpiry: snap.ComputedAt.Add(p.Hard),
	}
}

// AggregationSource computes a named statistic on demand. Implementations may
// take seconds per call and must honor context cancellation.
type AggregationSource interface {
	Compute(ctx context.Context, key Key) (payload []byte, costMs int64, err error)
}

// SourceFunc adapts a plain function to the AggregationSource interface.
type SourceFunc func(ctx context.Context, key Key) ([]byte, int64, error)

// Compute implements AggregationSource.
func (f SourceFunc) Compute(ctx context.Context, key Key) ([]byte, int64, error) {
	return f(ctx, key)
}

// Freshness describes the age characteristics of a served payload.
type Freshness struct {
	ComputedAt time.Time `json:"computed_at"`
	Stale      bool      `json:"stale"`
}
