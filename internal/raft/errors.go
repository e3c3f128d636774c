package raft

import "errors"

var (
	// ErrNotLeader is returned for client operations on a non-leader; the
	// caller should follow the node's LeaderHint.
	ErrNotLeader = errors.New("not leader")

	// ErrUnavailable is returned when the leader cannot currently prove a
	// quorum; the operation is safe to retry.
	ErrUnavailable = errors.New("quorum unavailable")

	// ErrConfigInFlight is returned when a membership change is proposed
	// while an earlier one has not finished its joint phase.
	ErrConfigInFlight = errors.New("configuration change in flight")

	// ErrShutdown is returned once the node has stopped.
	ErrShutdown = errors.New("node is shut down")
)
