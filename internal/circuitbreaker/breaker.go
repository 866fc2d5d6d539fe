// Package circuitbreaker stops calling an endpoint that keeps failing. Each
// key (a webhook subscription ID) moves through closed, open and half-open.
package circuitbreaker

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Do when the circuit for a key rejects the call.
var ErrOpen = errors.New("circuit open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls are rejected
	StateHalfOpen              // one trial call is in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var stateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "phraseclaim",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit breaker state transitions by endpoint and target state.",
}, []string{"endpoint", "to_state"})

func init() {
	prometheus.MustRegister(stateTransitions)
}

type entry struct {
	state    State
	failures int
	since    time.Time // last failure while closed or open, trial start while half-open
}

// Status is a read-only view of one circuit.
type Status struct {
	Key      string    `json:"key"`
	State    State     `json:"state"`
	Failures int       `json:"failures"`
	Since    time.Time `json:"since"`
}

// TransitionFunc observes a state change. It runs after the breaker's lock
// is released.
type TransitionFunc func(key string, from, to State)

// Breaker trips a key open after threshold consecutive failures. Once
// cooldown has passed the next call becomes the half-open trial. A trial
// that never reports back is replaced after another cooldown.
type Breaker struct {
	mu           sync.Mutex
	entries      map[string]*entry
	threshold    int
	cooldown     time.Duration
	now          func() time.Time
	onTransition TransitionFunc
}

// New creates a breaker. Non-positive arguments fall back to 5 failures and
// 30 seconds.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		entries:   make(map[string]*entry),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// WithClock replaces time.Now, for tests.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// OnTransition sets a callback invoked on state changes.
func (b *Breaker) OnTransition(fn TransitionFunc) *Breaker {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
	return b
}

// Do runs fn if the circuit for key allows it and records the outcome.
func (b *Breaker) Do(key string, fn func() error) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure(key)
		return err
	}
	b.RecordSuccess(key)
	return nil
}

// Allow reports whether a call to key may proceed. Admitting the trial
// moves an open circuit to half-open.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok || e.state == StateClosed {
		b.mu.Unlock()
		return true
	}

	now := b.now()
	if now.Sub(e.since) < b.cooldown {
		b.mu.Unlock()
		return false
	}
	e.since = now
	fire := b.transition(e, key, StateHalfOpen)
	b.mu.Unlock()

	fire()
	return true
}

// RecordSuccess closes the circuit and forgets past failures.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	fire := b.transition(e, key, StateClosed)
	delete(b.entries, key)
	b.mu.Unlock()

	fire()
}

// RecordFailure counts a failure. A failed trial reopens the circuit.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[key] = e
	}
	e.failures++
	e.since = b.now()

	fire := func() {}
	if e.state == StateHalfOpen || e.failures >= b.threshold {
		fire = b.transition(e, key, StateOpen)
	}
	b.mu.Unlock()

	fire()
}

// Reset closes the circuit for key.
func (b *Breaker) Reset(key string) {
	b.RecordSuccess(key)
}

// State returns the current state for a key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[key]; ok {
		return e.state
	}
	return StateClosed
}

// Snapshot lists every key with recorded failures, sorted by key.
func (b *Breaker) Snapshot() []Status {
	b.mu.Lock()
	out := make([]Status, 0, len(b.entries))
	for k, e := range b.entries {
		out = append(out, Status{Key: k, State: e.state, Failures: e.failures, Since: e.since})
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// transition changes state and returns the callback to run once b.mu is
// released. Caller must hold b.mu.
func (b *Breaker) transition(e *entry, key string, to State) func() {
	from := e.state
	if from == to {
		return func() {}
	}
	e.state = to
	stateTransitions.WithLabelValues(key, to.String()).Inc()
	fn := b.onTransition
	if fn == nil {
		return func() {}
	}
	return func() { fn(key, from, to) }
}
