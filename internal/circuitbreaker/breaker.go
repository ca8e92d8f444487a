// Package circuitbreaker guards outbound transfer rails with a per-key
// closed/open/half-open circuit.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State is the position of one circuit.
type State int

const (
	StateClosed   State = iota // requests flow through
	StateOpen                  // requests are rejected
	StateHalfOpen              // one probe is allowed through
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

var transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "escrowd",
	Subsystem: "circuitbreaker",
	Name:      "state_transitions_total",
	Help:      "Circuit state transitions by key, from-state, and to-state.",
}, []string{"key", "from_state", "to_state"})

func init() {
	prometheus.MustRegister(transitionsTotal)
}

// circuit is the tracked state for one key.
type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker trips a key open after a run of consecutive failures and lets a
// single probe through once the cooldown has passed. The zero value is not
// usable; construct with New.
type Breaker struct {
	mu       sync.Mutex
	circuits map[string]*circuit
	trip     int
	cooldown time.Duration
	notify   func(key string, from, to State)
	now      func() time.Time
}

// New returns a breaker that opens a key after trip consecutive failures
// and keeps it open for cooldown before admitting a probe.
func New(trip int, cooldown time.Duration) *Breaker {
	if trip <= 0 {
		trip = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		circuits: make(map[string]*circuit),
		trip:     trip,
		cooldown: cooldown,
		now:      time.Now,
	}
}

// OnTransition registers a callback fired on every state change. The
// callback runs outside the breaker lock, so it may call back into the
// breaker.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.notify = fn
	b.mu.Unlock()
}

// Allow reports whether a request for key may proceed. An open circuit
// whose cooldown has elapsed moves to half-open and admits one probe;
// further requests are rejected until the probe reports back.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	c, ok := b.circuits[key]
	if !ok {
		b.mu.Unlock()
		return true
	}

	allowed := true
	var fired func()
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) >= b.cooldown {
			fired = b.setState(key, c, StateHalfOpen)
		} else {
			allowed = false
		}
	case StateHalfOpen:
		allowed = false
	}
	b.mu.Unlock()

	if fired != nil {
		fired()
	}
	return allowed
}

// RecordSuccess clears the failure run for key. A half-open circuit whose
// probe succeeded closes again.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	c, ok := b.circuits[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	var fired func()
	if c.state == StateHalfOpen {
		fired = b.setState(key, c, StateClosed)
	}
	c.failures = 0
	b.mu.Unlock()

	if fired != nil {
		fired()
	}
}

// RecordFailure notes a failed request for key. A failed probe reopens the
// circuit immediately; in the closed state the circuit opens once the run
// of consecutive failures reaches the trip threshold.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++

	var fired func()
	switch {
	case c.state == StateHalfOpen:
		fired = b.setState(key, c, StateOpen)
	case c.state == StateClosed && c.failures >= b.trip:
		fired = b.setState(key, c, StateOpen)
	}
	b.mu.Unlock()

	if fired != nil {
		fired()
	}
}

// State returns the current state for key. Unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return c.state
	}
	return StateClosed
}

// setState moves c to its new state, stamps openedAt on entry to open, and
// counts the transition. It returns the notification thunk for the caller
// to run once the lock is released. Caller must hold b.mu.
func (b *Breaker) setState(key string, c *circuit, to State) func() {
	from := c.state
	if from == to {
		return nil
	}
	c.state = to
	if to == StateOpen {
		c.openedAt = b.now()
	}
	transitionsTotal.WithLabelValues(key, from.String(), to.String()).Inc()
	if b.notify == nil {
		return nil
	}
	fn := b.notify
	return func() { fn(key, from, to) }
}
