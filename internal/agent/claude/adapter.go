// Package claude implements the Adapter for the claude AgentKind, invoking
// the `claude` CLI as a short-lived subprocess per iteration. Grounded on the
// teacher's claudecode.Adapter command-construction style, adapted from a
// Docker-container invocation to a direct subprocess invocation.
package claude

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/ralphloop/ralph/internal/agent"
	"github.com/ralphloop/ralph/internal/procutil"
	"github.com/ralphloop/ralph/internal/task"
)

func init() {
	agent.Register(task.AgentClaude, func() agent.Adapter { return New() })
}

// BinaryName is the executable invoked for this agent kind. Overridable for
// tests.
var BinaryName = "claude"

// Adapter runs the claude CLI as a subprocess.
type Adapter struct{}

// New creates a claude Adapter.
func New() *Adapter { return &Adapter{} }

type handle struct {
	cmd     *exec.Cmd
	stdout  *bytes.Buffer
	stderr  *bytes.Buffer
	started time.Time
	exited  chan struct{}
	waitErr error
}

func (*handle) isHandle() {}

// buildArgs assembles the claude CLI invocation: --print plus a permission
// bypass flag when Permissive is set, an optional --model flag, and the
// prompt as the final positional argument.
func buildArgs(cfg agent.Config) []string {
	args := []string{"--print"}
	if cfg.Permissive {
		args = append(args, "--dangerously-skip-permissions")
	}
	if cfg.Verbose {
		args = append(args, "--verbose")
	}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	args = append(args, cfg.Prompt)
	return args
}

// Start begins executing claude as a subprocess in its own process group.
func (a *Adapter) Start(ctx context.Context, cfg agent.Config) (agent.Handle, error) {
	cmd := exec.Command(BinaryName, buildArgs(cfg)...)
	cmd.Dir = cfg.WorkDir

	h := &handle{
		cmd:     cmd,
		stdout:  &bytes.Buffer{},
		stderr:  &bytes.Buffer{},
		started: time.Now(),
		exited:  make(chan struct{}),
	}
	cmd.Stdout = h.stdout
	cmd.Stderr = h.stderr

	procutil.StartInNewGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start claude: %w", err)
	}

	go func() {
		h.waitErr = cmd.Wait()
		close(h.exited)
	}()
	go procutil.WatchCancellation(ctx, cmd.Process.Pid, h.exited)

	return h, nil
}

// IsDone performs a non-blocking poll.
func (a *Adapter) IsDone(h agent.Handle) bool {
	hh := h.(*handle)
	select {
	case <-hh.exited:
		return true
	default:
		return false
	}
}

// GetOutput waits for termination and classifies the result.
func (a *Adapter) GetOutput(ctx context.Context, h agent.Handle) (*agent.IterationResult, error) {
	hh := h.(*handle)

	select {
	case <-hh.exited:
	case <-ctx.Done():
		<-hh.exited // watchCancellation already kills on ctx.Done(); wait for it to land
	}

	duration := time.Since(hh.started)
	exitCode := 0
	if hh.waitErr != nil {
		if exitErr, ok := hh.waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	combined := hh.stdout.String() + hh.stderr.String()
	result := &agent.IterationResult{
		Output:    hh.stdout.String(),
		ExitCode:  exitCode,
		Duration:  duration,
		Completed: agent.IsComplete(combined),
	}
	result.Failed = agent.ClassifyFailure(combined, exitCode)
	if result.Failed {
		result.ErrorMessage = agent.ExtractErrorMessage(exitCode, hh.stdout.String(), hh.stderr.String())
	}
	return result, nil
}

// Run is the convenience start+poll+wait path.
func (a *Adapter) Run(ctx context.Context, cfg agent.Config) (*agent.IterationResult, error) {
	h, err := a.Start(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return a.GetOutput(ctx, h)
}
