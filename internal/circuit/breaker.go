// Package circuit implements the circuit breaker protecting the primary
// cache backend from repeated calls while it is down.
package circuit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/reviewpulse/statcache/pkg/utils"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - requests pass through to the primary backend
	StateClosed State = iota
	// StateOpen - primary calls are rejected until the cooldown elapses
	StateOpen
	// StateHalfOpen - exactly one trial operation is allowed through
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Errors
var (
	// ErrOpenState is returned when the breaker rejects a call outright
	ErrOpenState = errors.New("circuit breaker is open")

	// ErrProbeInFlight is returned in half-open state while the single
	// allowed trial operation has not yet resolved
	ErrProbeInFlight = errors.New("half-open probe already in flight")
)

// maxListeners caps state-change subscriptions; registration past the cap
// fails loudly instead of growing without bound.
const maxListeners = 32

// Config contains circuit breaker thresholds. The breaker opens when at
// least FailureThreshold of the last Window operations failed.
type Config struct {
	Window           int           `yaml:"window"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// Transition describes one breaker state change, delivered to subscribers.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// Stats is a point-in-time view of the breaker, safe to expose to metrics.
type Stats struct {
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	WindowFailures      int       `json:"window_failures"`
	WindowSize          int       `json:"window_size"`
	OpenedAt            time.Time `json:"opened_at"`
}

// Breaker implements the circuit breaker pattern with a sliding window over
// the outcomes of the last W primary operations.
type Breaker struct {
	name   string
	config Config
	logger *utils.Logger

	mu                  sync.Mutex
	state               State
	outcomes            []bool // ring buffer, true = failure
	pos                 int
	filled              int
	windowFailures      int
	consecutiveFailures int
	openedAt            time.Time
	probeInFlight       bool

	listeners map[int]func(Transition)
	nextSubID int
}

// NewBreaker creates a new circuit breaker instance
func NewBreaker(name string, config Config, logger *utils.Logger) *Breaker {
	if config.Window <= 0 {
		config.Window = 20
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.FailureThreshold > config.Window {
		config.FailureThreshold = config.Window
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}
	if logger == nil {
		logger = utils.Discard()
	}

	return &Breaker{
		name:      name,
		config:    config,
		logger:    logger.WithComponent("breaker:" + name),
		state:     StateClosed,
		outcomes:  make([]bool, config.Window),
		listeners: make(map[int]func(Transition)),
	}
}

// Allow reports whether a primary call may proceed right now. In half-open
// state a successful Allow claims the single probe slot; the caller must
// resolve it with OnSuccess or OnFailure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.transitionLocked(now)

	switch b.state {
	case StateOpen:
		return ErrOpenState
	case StateHalfOpen:
		if b.probeInFlight {
			return ErrProbeInFlight
		}
		b.probeInFlight = true
	}
	return nil
}

// OnSuccess records a successful primary operation.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	now := time.Now()
	b.consecutiveFailures = 0

	var t *Transition
	switch b.state {
	case StateHalfOpen:
		b.probeInFlight = false
		t = b.setStateLocked(StateClosed, now)
	case StateClosed:
		b.recordOutcomeLocked(false)
	}
	b.mu.Unlock()

	b.notify(t)
}

// OnFailure records a failed primary operation and opens the breaker when
// the window threshold is crossed.
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	now := time.Now()
	b.consecutiveFailures++

	var t *Transition
	switch b.state {
	case StateHalfOpen:
		// The probe failed: reopen and restart the cooldown.
		b.probeInFlight = false
		t = b.setStateLocked(StateOpen, now)
	case StateClosed:
		b.recordOutcomeLocked(true)
		if b.windowFailures >= b.config.FailureThreshold {
			t = b.setStateLocked(StateOpen, now)
		}
	}
	b.mu.Unlock()

	b.notify(t)
}

// Execute runs fn under the breaker's supervision.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	if err != nil {
		b.OnFailure()
		return err
	}
	b.OnSuccess()
	return nil
}

// State returns the current state, applying any due cooldown transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(time.Now())
	return b.state
}

// GetStats returns a copy of the breaker's current counters.
func (b *Breaker) GetStats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(time.Now())
	return Stats{
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		WindowFailures:      b.windowFailures,
		WindowSize:          b.filled,
		OpenedAt:            b.openedAt,
	}
}

// Reset returns the breaker to its initial closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	t := b.setStateLocked(StateClosed, time.Now())
	b.consecutiveFailures = 0
	b.mu.Unlock()

	b.notify(t)
}

// Name returns the breaker's name.
func (b *Breaker) Name() string {
	return b.name
}

// Subscribe registers a state-change listener and returns a cancel handle.
// Listeners are invoked outside the breaker's lock; a panicking listener is
// logged and does not disturb the others.
func (b *Breaker) Subscribe(fn func(Transition)) (func(), error) {
	if fn == nil {
		return nil, fmt.Errorf("nil listener")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.listeners) >= maxListeners {
		return nil, fmt.Errorf("listener cap (%d) reached", maxListeners)
	}

	id := b.nextSubID
	b.nextSubID++
	b.listeners[id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.listeners, id)
	}, nil
}

// transitionLocked applies the Open -> HalfOpen cooldown transition.
func (b *Breaker) transitionLocked(now time.Time) {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.config.Cooldown {
		b.state = StateHalfOpen
		b.probeInFlight = false
		b.logger.Info("cooldown elapsed, entering half-open")
	}
}

// recordOutcomeLocked pushes one operation outcome into the sliding window.
func (b *Breaker) recordOutcomeLocked(failure bool) {
	if b.filled == len(b.outcomes) {
		if b.outcomes[b.pos] {
			b.windowFailures--
		}
	} else {
		b.filled++
	}
	b.outcomes[b.pos] = failure
	if failure {
		b.windowFailures++
	}
	b.pos = (b.pos + 1) % len(b.outcomes)
}

// setStateLocked changes state and returns the transition for notification,
// or nil when the state did not change.
func (b *Breaker) setStateLocked(state State, now time.Time) *Transition {
	if b.state == state {
		return nil
	}
	prev := b.state
	b.state = state

	// The window restarts on every transition.
	for i := range b.outcomes {
		b.outcomes[i] = false
	}
	b.pos, b.filled, b.windowFailures = 0, 0, 0
	b.probeInFlight = false

	if state == StateOpen {
		b.openedAt = now
	}

	b.logger.Warn("state %s -> %s", prev, state)
	return &Transition{From: prev, To: state, At: now}
}

// notify fans a transition out to subscribers without holding the lock.
func (b *Breaker) notify(t *Transition) {
	if t == nil {
		return
	}

	b.mu.Lock()
	fns := make([]func(Transition), 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("state listener panicked: %v", r)
				}
			}()
			fn(*t)
		}()
	}
}
