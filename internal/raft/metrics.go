package raft

import "sync/atomic"

// Metrics counts consensus activity on one node. Counters are cumulative and
// safe to read from any goroutine; the benchmark harness aggregates them
// across a cluster.
type Metrics struct {
	Elections          atomic.Uint64
	Heartbeats         atomic.Uint64
	EntriesReplicated  atomic.Uint64
	LeaderChanges      atomic.Uint64
	SnapshotsTaken     atomic.Uint64
	SnapshotsInstalled atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	Elections          uint64 `json:"elections"`
	Heartbeats         uint64 `json:"heartbeats"`
	EntriesReplicated  uint64 `json:"log_entries_replicated"`
	LeaderChanges      uint64 `json:"leader_changes"`
	SnapshotsTaken     uint64 `json:"snapshots_taken"`
	SnapshotsInstalled uint64 `json:"snapshots_installed"`
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Elections:          m.Elections.Load(),
		Heartbeats:         m.Heartbeats.Load(),
		EntriesReplicated:  m.EntriesReplicated.Load(),
		LeaderChanges:      m.LeaderChanges.Load(),
		SnapshotsTaken:     m.SnapshotsTaken.Load(),
		SnapshotsInstalled: m.SnapshotsInstalled.Load(),
	}
}
