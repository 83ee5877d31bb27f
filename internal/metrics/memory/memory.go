package memory

import (
	"sync"
	"time"

	"github.com/sheikh-saqib/finance-ledger/internal/metrics"
)

// MemoryCollector implements metrics.Collector for in-memory testing.
type MemoryCollector struct {
	mu sync.RWMutex

	writes        map[string]map[string]int64 // operation -> outcome -> count
	idempotency   map[string]map[string]int64
	drifts        map[string]int64
	published     map[string]int64
	publishFailed map[string]int64
	circuit       map[string]metrics.CircuitState
	lastChecked   int
}

// NewMemoryCollector creates a new in-memory metrics collector.
func NewMemoryCollector() *MemoryCollector {
	return &MemoryCollector{
		writes:        make(map[string]map[string]int64),
		idempotency:   make(map[string]map[string]int64),
		drifts:        make(map[string]int64),
		published:     make(map[string]int64),
		publishFailed: make(map[string]int64),
		circuit:       make(map[string]metrics.CircuitState),
	}
}

func bump(m map[string]map[string]int64, a, b string) {
	inner, ok := m[a]
	if !ok {
		inner = make(map[string]int64)
		m[a] = inner
	}
	inner[b]++
}

func (c *MemoryCollector) RecordWrite(operation string, outcome string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bump(c.writes, operation, outcome)
}

func (c *MemoryCollector) RecordIdempotency(operation string, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bump(c.idempotency, operation, outcome)
}

func (c *MemoryCollector) RecordReconciliation(checked int, drifts int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastChecked = checked
}

func (c *MemoryCollector) RecordDrift(source string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drifts[source]++
}

func (c *MemoryCollector) RecordPublish(topic string, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if success {
		c.published[topic]++
	} else {
		c.publishFailed[topic]++
	}
}

func (c *MemoryCollector) RecordCircuitState(name string, state metrics.CircuitState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.circuit[name] = state
}

// Writes returns how many writes of operation ended with outcome.
func (c *MemoryCollector) Writes(operation, outcome string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.writes[operation][outcome]
}

// Idempotency returns how many requests for operation ended with outcome.
func (c *MemoryCollector) Idempotency(operation, outcome string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.idempotency[operation][outcome]
}

// Drifts returns the number of drift alarms raised for source.
func (c *MemoryCollector) Drifts(source string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.drifts[source]
}

// Published returns successful and failed publish counts for topic.
func (c *MemoryCollector) Published(topic string) (ok int64, failed int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.published[topic], c.publishFailed[topic]
}

// CircuitState returns the last reported state of the named breaker.
func (c *MemoryCollector) CircuitState(name string) metrics.CircuitState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.circuit[name]
}

// LastChecked returns the item count of the most recent reconciliation run.
func (c *MemoryCollector) LastChecked() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastChecked
}

var _ metrics.Collector = (*MemoryCollector)(nil)
