package scheduler

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/ralphloop/ralph/internal/task"
)

// AgentStatus is one row of the get_agents result.
type AgentStatus struct {
	Name      task.AgentKind
	Available bool
	Path      string
	Version   string
}

// binaryNames maps an AgentKind to the executable probed for availability.
// opencode's binary is the agent-server itself (internal/agentserver spawns
// it); claude is invoked directly per iteration.
var binaryNames = map[task.AgentKind]string{
	task.AgentClaude:   "claude",
	task.AgentOpencode: "opencode",
}

var probeTimeout = 3 * time.Second

// GetAgents probes each supported AgentKind's binary with exec.LookPath and
// a best-effort --version call, matching the capability probing the original
// implementation performs before offering an agent as a choice.
func (s *Scheduler) GetAgents() []AgentStatus {
	out := make([]AgentStatus, 0, len(task.Kinds))
	for _, kind := range task.Kinds {
		bin := binaryNames[kind]
		status := AgentStatus{Name: kind}

		path, err := exec.LookPath(bin)
		if err != nil {
			out = append(out, status)
			continue
		}
		status.Available = true
		status.Path = path
		status.Version = probeVersion(path)
		out = append(out, status)
	}
	return out
}

func probeVersion(path string) string {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, path, "--version").CombinedOutput()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
