package engine

import (
	"sync/atomic"
	"time"
)

// Metrics is a thread-safe counter set for engine activity.
type Metrics struct {
	runsStarted   atomic.Int64
	runsSucceeded atomic.Int64
	runsFailed    atomic.Int64
	nodesExecuted atomic.Int64
	nodesFailed   atomic.Int64
	nodesSkipped  atomic.Int64
	nodeTimeNs    atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of the engine counters.
type MetricsSnapshot struct {
	RunsStarted   int64
	RunsSucceeded int64
	RunsFailed    int64
	NodesExecuted int64
	NodesFailed   int64
	NodesSkipped  int64
	NodeTimeNs    int64
}

// NewMetrics creates a zeroed metrics set.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordRunStart records a run entering the engine.
func (m *Metrics) RecordRunStart() {
	m.runsStarted.Add(1)
}

// RecordRunSuccess records a run that merged cleanly.
func (m *Metrics) RecordRunSuccess() {
	m.runsSucceeded.Add(1)
}

// RecordRunFailure records a run that surfaced an error.
func (m *Metrics) RecordRunFailure() {
	m.runsFailed.Add(1)
}

// RecordNodeSuccess records a completed node body and its duration.
func (m *Metrics) RecordNodeSuccess(durationNs int64) {
	m.nodesExecuted.Add(1)
	m.nodeTimeNs.Add(durationNs)
}

// RecordNodeFailure records a node body that returned an error or panicked.
func (m *Metrics) RecordNodeFailure() {
	m.nodesFailed.Add(1)
}

// RecordNodeSkipped records a node that never ran because an earlier node
// failed.
func (m *Metrics) RecordNodeSkipped() {
	m.nodesSkipped.Add(1)
}

// Snapshot returns the current counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		RunsStarted:   m.runsStarted.Load(),
		RunsSucceeded: m.runsSucceeded.Load(),
		RunsFailed:    m.runsFailed.Load(),
		NodesExecuted: m.nodesExecuted.Load(),
		NodesFailed:   m.nodesFailed.Load(),
		NodesSkipped:  m.nodesSkipped.Load(),
		NodeTimeNs:    m.nodeTimeNs.Load(),
	}
}

// AverageNodeTime returns the mean duration of successful node bodies.
func (m *Metrics) AverageNodeTime() time.Duration {
	executed := m.nodesExecuted.Load()
	if executed == 0 {
		return 0
	}
	return time.Duration(m.nodeTimeNs.Load() / executed)
}

// ErrorRate returns the node failure rate as a percentage.
func (m *Metrics) ErrorRate() float64 {
	executed := m.nodesExecuted.Load()
	failed := m.nodesFailed.Load()
	total := executed + failed
	if total == 0 {
		return 0
	}
	return float64(failed) / float64(total) * 100
}

// Reset zeroes all counters.
func (m *Metrics) Reset() {
	m.runsStarted.Store(0)
	m.runsSucceeded.Store(0)
	m.runsFailed.Store(0)
	m.nodesExecuted.Store(0)
	m.nodesFailed.Store(0)
	m.nodesSkipped.Store(0)
	m.nodeTimeNs.Store(0)
}
