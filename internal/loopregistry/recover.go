package loopregistry

import (
	"context"
	"os"
	"syscall"
	"time"
)

// Pruner is the subset of workspace.Manager the recovery sweep needs, kept
// narrow so this package does not import workspace directly.
type Pruner interface {
	PruneStaleWorktrees(ctx context.Context) (int, error)
}

// orphanKillTimeout is how long a reaped orphan is given to exit after
// SIGTERM before SIGKILL is sent.
const orphanKillTimeout = 10 * time.Second

// RecoverOrphans implements the daemon-startup orphan sweep (§4.9): for
// every persisted entry, check whether its agent-server process still
// lives; if so, terminate it (SIGTERM, then SIGKILL after a short wait).
// Worktrees are retained for post-mortem. Once every entry has been
// handled, stale worktrees are pruned and the registry is cleared.
func RecoverOrphans(ctx context.Context, reg *Registry, pruner Pruner) error {
	for _, e := range reg.All() {
		if e.AgentPID == 0 {
			continue
		}
		if processAlive(e.AgentPID) {
			reapOrphan(e.AgentPID)
		}
	}

	if pruner != nil {
		if _, err := pruner.PruneStaleWorktrees(ctx); err != nil {
			return err
		}
	}

	return reg.Clear()
}

// reapOrphan sends SIGTERM to pid's process group, polls for exit up to
// orphanKillTimeout, then escalates to SIGKILL. Safe on an already-exited
// pid: signalling a dead process is a harmless no-op.
func reapOrphan(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGTERM)

	deadline := time.Now().Add(orphanKillTimeout)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return
		}
		time.Sleep(200 * time.Millisecond)
	}

	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

// processAlive reports whether pid refers to a live process, via the
// classic signal-0 probe.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
