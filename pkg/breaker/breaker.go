// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package breaker wraps the gateway's upstream dial in a circuit breaker
// so a broker outage fails new connections fast instead of piling up dial
// timeouts behind a dead upstream.
package breaker

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"aegisgate/pkg/config"
)

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards the upstream dial. It reads its tuning straight
// from config.BreakerConfig's duration helpers rather than a parallel
// settings type, so there is exactly one place (the YAML document) where
// max_failures/reset_timeout_ms/success_threshold/call_timeout_ms live.
type CircuitBreaker struct {
	mu sync.RWMutex

	maxFailures      int
	resetTimeout     time.Duration
	successThreshold int
	dialTimeout      time.Duration

	state           State
	failures        int
	successes       int
	lastFailureTime time.Time
	lastStateChange time.Time
	onStateChange   func(from, to State)
}

// New builds a CircuitBreaker from the breaker section of the
// configuration snapshot.
func New(cfg config.BreakerConfig) *CircuitBreaker {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	resetTimeout := cfg.ResetTimeout()
	if resetTimeout == 0 {
		resetTimeout = 60 * time.Second
	}
	successThreshold := cfg.SuccessThreshold
	if successThreshold == 0 {
		successThreshold = 2
	}
	dialTimeout := cfg.CallTimeout()
	if dialTimeout == 0 {
		dialTimeout = 30 * time.Second
	}

	return &CircuitBreaker{
		maxFailures:      maxFailures,
		resetTimeout:     resetTimeout,
		successThreshold: successThreshold,
		dialTimeout:      dialTimeout,
		state:            StateClosed,
		lastStateChange:  time.Now(),
	}
}

// Dial runs dial if the circuit admits it, bounding it by the breaker's
// configured call timeout. A dial that outlives the timeout counts as a
// failure, same as one dial returns directly.
func (cb *CircuitBreaker) Dial(ctx context.Context, dial func(context.Context) (net.Conn, error)) (net.Conn, error) {
	if err := cb.beforeCall(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, cb.dialTimeout)
	defer cancel()

	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := dial(ctx)
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		cb.afterCall(r.err)
		return r.conn, r.err
	case <-ctx.Done():
		cb.afterCall(ctx.Err())
		return nil, ctx.Err()
	}
}

// beforeCall checks if the call is allowed.
func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastStateChange) > cb.resetTimeout {
			cb.setState(StateHalfOpen)
			return nil
		}
		return ErrCircuitOpen

	case StateHalfOpen:
		return nil

	case StateClosed:
		return nil

	default:
		return ErrCircuitOpen
	}
}

// afterCall records the result of the call.
func (cb *CircuitBreaker) afterCall(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.onFailure()
	} else {
		cb.onSuccess()
	}
}

// onFailure handles a failed call.
func (cb *CircuitBreaker) onFailure() {
	cb.failures++
	cb.successes = 0
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.maxFailures {
			cb.setState(StateOpen)
		}

	case StateHalfOpen:
		cb.setState(StateOpen)
	}
}

// onSuccess handles a successful call.
func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateClosed:
		cb.failures = 0

	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.setState(StateClosed)
		}
	}
}

// setState changes the circuit breaker state.
func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = time.Now()

	if newState == StateClosed {
		cb.failures = 0
		cb.successes = 0
	} else if newState == StateHalfOpen {
		cb.successes = 0
	}

	if cb.onStateChange != nil {
		go cb.onStateChange(oldState, newState)
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// OnStateChange registers a callback for state changes.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Stats returns circuit breaker statistics.
func (cb *CircuitBreaker) Stats() (state State, failures, successes int) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state, cb.failures, cb.successes
}
