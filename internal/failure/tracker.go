// Package failure tracks per-agent consecutive failures and decides failover.
package failure

import (
	"sync"

	"github.com/ralphloop/ralph/internal/task"
)

// DefaultThreshold is the number of consecutive failures that triggers failover.
const DefaultThreshold = 3

// Tracker is a pure, concurrency-safe data structure: it performs no I/O.
// The IterationDriver calls its methods after every iteration.
type Tracker struct {
	mu         sync.Mutex
	counts     map[task.AgentKind]int
	lastErrors map[task.AgentKind]string
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{
		counts:     make(map[task.AgentKind]int),
		lastErrors: make(map[task.AgentKind]string),
	}
}

// RecordFailure increments the failure count for agent a and stores msg as
// its last error.
func (t *Tracker) RecordFailure(a task.AgentKind, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[a]++
	t.lastErrors[a] = msg
}

// Reset zeroes the count and last error for agent a. Invariant: called after
// every successful iteration by a.
func (t *Tracker) Reset(a task.AgentKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[a] = 0
	t.lastErrors[a] = ""
}

// Count returns the current consecutive-failure count for agent a.
func (t *Tracker) Count(a task.AgentKind) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[a]
}

// LastError returns the last recorded error message for agent a.
func (t *Tracker) LastError(a task.AgentKind) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErrors[a]
}

// ShouldFailover reports whether agent a has met or exceeded thr consecutive
// failures.
func (t *Tracker) ShouldFailover(a task.AgentKind, thr int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[a] >= thr
}

// AllFailed reports whether every agent in the closed set has met or
// exceeded thr consecutive failures.
func (t *Tracker) AllFailed(thr int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, a := range task.Kinds {
		if t.counts[a] < thr {
			return false
		}
	}
	return true
}

// GetAlternate returns the first agent in the closed set that is not
// current. The closed set's order (task.Kinds) makes this deterministic.
func GetAlternate(current task.AgentKind) task.AgentKind {
	for _, a := range task.Kinds {
		if a != current {
			return a
		}
	}
	return current
}
