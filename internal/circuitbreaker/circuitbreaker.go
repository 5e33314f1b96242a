// Package circuitbreaker tracks per-gateway health and short-circuits
// calls to gateways that keep failing at the network level. Declines do
// not count as failures; only transport and protocol errors do.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/yourorg/checkout-payments/internal/gateway"
)

// State is the circuit state for one gateway.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

const (
	defaultFailureThreshold         = 5
	defaultOpenStateTimeout         = 30 * time.Second
	defaultHalfOpenSuccessThreshold = 2
)

type gatewayState struct {
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	lastFailureTime      time.Time
	openUntil            time.Time
}

// CircuitBreaker is the in-memory breaker shared by all orchestrator
// calls in a process.
type CircuitBreaker struct {
	mu                       sync.RWMutex
	gateways                 map[gateway.Type]*gatewayState
	failureThreshold         int
	openStateTimeout         time.Duration
	halfOpenSuccessThreshold int
}

// New creates a breaker with default thresholds.
func New() *CircuitBreaker {
	return NewWithSettings(defaultFailureThreshold, defaultOpenStateTimeout, defaultHalfOpenSuccessThreshold)
}

// NewWithSettings creates a breaker with custom thresholds.
func NewWithSettings(failureThreshold int, openTimeout time.Duration, halfOpenSuccesses int) *CircuitBreaker {
	return &CircuitBreaker{
		gateways:                 make(map[gateway.Type]*gatewayState),
		failureThreshold:         failureThreshold,
		openStateTimeout:         openTimeout,
		halfOpenSuccessThreshold: halfOpenSuccesses,
	}
}

// Caller must hold the write lock.
func (cb *CircuitBreaker) state(gw gateway.Type) *gatewayState {
	gs, ok := cb.gateways[gw]
	if !ok {
		gs = &gatewayState{state: Closed}
		cb.gateways[gw] = gs
	}
	return gs
}

// Allow reports whether a call to the gateway may proceed. An Open
// circuit whose timeout has elapsed transitions to HalfOpen here, so the
// probe request is the one that asked.
func (cb *CircuitBreaker) Allow(gw gateway.Type) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	gs := cb.state(gw)
	switch gs.state {
	case Closed:
		return true
	case Open:
		if time.Now().After(gs.openUntil) {
			gs.state = HalfOpen
			gs.consecutiveSuccesses = 0
			return true
		}
		return false
	case HalfOpen:
		return true
	default:
		gs.state = Closed
		return true
	}
}

// RecordFailure notes a network-level failure for the gateway.
func (cb *CircuitBreaker) RecordFailure(gw gateway.Type) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	gs := cb.state(gw)
	gs.lastFailureTime = time.Now()

	switch gs.state {
	case Closed:
		gs.consecutiveFailures++
		if gs.consecutiveFailures >= cb.failureThreshold {
			gs.state = Open
			gs.openUntil = time.Now().Add(cb.openStateTimeout)
		}
	case HalfOpen:
		// Probe failed: straight back to Open.
		gs.state = Open
		gs.openUntil = time.Now().Add(cb.openStateTimeout)
		gs.consecutiveFailures = 0
		gs.consecutiveSuccesses = 0
	case Open:
		return
	}
}

// RecordSuccess notes a completed call, whether approved or declined.
func (cb *CircuitBreaker) RecordSuccess(gw gateway.Type) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	gs := cb.state(gw)
	switch gs.state {
	case Closed:
		gs.consecutiveFailures = 0
	case HalfOpen:
		gs.consecutiveSuccesses++
		if gs.consecutiveSuccesses >= cb.halfOpenSuccessThreshold {
			gs.state = Closed
			gs.consecutiveFailures = 0
			gs.consecutiveSuccesses = 0
		}
	case Open:
		return
	}
}

// GetState reads the current circuit state without triggering the
// Open to HalfOpen transition.
func (cb *CircuitBreaker) GetState(gw gateway.Type) State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	gs, ok := cb.gateways[gw]
	if !ok {
		return Closed
	}
	return gs.state
}
