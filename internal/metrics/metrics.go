package metrics

import (
	"time"
)

// Collector defines the interface for collecting ledger metrics.
// Implementations can export metrics to various backends (Prometheus, in-memory for tests).
type Collector interface {
	// Orchestrated writes: outcome is "committed" or an error class.
	RecordWrite(operation string, outcome string, duration time.Duration)

	// Idempotency outcomes: executed, replayed, key_reuse, in_progress, reopened.
	RecordIdempotency(operation string, outcome string)

	// Reconciliation
	RecordReconciliation(checked int, drifts int)
	RecordDrift(source string)

	// Event delivery
	RecordPublish(topic string, success bool)
	RecordCircuitState(name string, state CircuitState)
}

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed means the circuit breaker is allowing requests through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the circuit breaker is blocking requests.
	CircuitOpen
	// CircuitHalfOpen means the circuit breaker is testing if the broker has recovered.
	CircuitHalfOpen
)

// String returns the string representation of the circuit state.
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

// NoOpCollector is the default collector when metrics are not needed.
type NoOpCollector struct{}

func (NoOpCollector) RecordWrite(operation string, outcome string, duration time.Duration) {}
func (NoOpCollector) RecordIdempotency(operation string, outcome string)                   {}
func (NoOpCollector) RecordReconciliation(checked int, drifts int)                         {}
func (NoOpCollector) RecordDrift(source string)                                            {}
func (NoOpCollector) RecordPublish(topic string, success bool)                             {}
func (NoOpCollector) RecordCircuitState(name string, state CircuitState)                   {}
