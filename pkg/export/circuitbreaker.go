// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitState represents the circuit breaker state.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // batches flow to the sink
	CircuitOpen                         // batches are dropped without an attempt
	CircuitHalfOpen                     // next batch probes the sink
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards one sink. After failureThreshold consecutive failed
// exports it rejects batches until resetTimeout has passed, then admits a
// single probe batch.
type CircuitBreaker struct {
	sink   string
	logger *zap.Logger

	mu               sync.Mutex
	state            CircuitState
	failureCount     int
	failureThreshold int
	resetTimeout     time.Duration
	openedAt         time.Time
	rejected         int64
	now              func() time.Time
}

// NewCircuitBreaker creates a closed breaker for the named sink.
func NewCircuitBreaker(sink string, failureThreshold int, resetTimeout time.Duration, logger *zap.Logger) *CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{
		sink:             sink,
		logger:           logger,
		state:            CircuitClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		now:              time.Now,
	}
}

// setState must be called with cb.mu held.
func (cb *CircuitBreaker) setState(s CircuitState) {
	if s == cb.state {
		return
	}
	prev := cb.state
	cb.state = s
	fields := []zap.Field{
		zap.String("sink", cb.sink),
		zap.Stringer("from", prev),
		zap.Stringer("to", s),
	}
	if s == CircuitOpen {
		cb.logger.Warn("sink circuit opened", append(fields,
			zap.Int("failures", cb.failureCount),
			zap.Duration("retry_after", cb.resetTimeout))...)
		return
	}
	cb.logger.Info("sink circuit changed", fields...)
}

// advance moves Open to HalfOpen once the reset timeout has elapsed.
// Must be called with cb.mu held.
func (cb *CircuitBreaker) advance() {
	if cb.state == CircuitOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		cb.setState(CircuitHalfOpen)
	}
}

// Admit reports whether a batch of n records may be sent. Rejected records
// are counted.
func (cb *CircuitBreaker) Admit(n int) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advance()
	if cb.state == CircuitOpen {
		cb.rejected += int64(n)
		return false
	}
	return true
}

// RecordSuccess closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount = 0
	cb.setState(CircuitClosed)
}

// RecordFailure counts a failure; a failed probe reopens the circuit at once.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	if cb.state == CircuitHalfOpen || cb.failureCount >= cb.failureThreshold {
		cb.openedAt = cb.now()
		cb.setState(CircuitOpen)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advance()
	return cb.state
}

// FailureCount returns the number of consecutive failures.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}

// Rejected returns how many records were refused while open.
func (cb *CircuitBreaker) Rejected() int64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.rejected
}
