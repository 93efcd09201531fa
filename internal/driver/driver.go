// Package driver implements the per-loop iteration state machine: read the
// task descriptor, pick the next incomplete story, build a prompt, invoke an
// agent, classify the outcome, and repeat until the stories pass, the loop is
// stopped, or the iteration budget is exhausted.
package driver

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ralphloop/ralph/internal/agent"
	"github.com/ralphloop/ralph/internal/failure"
	"github.com/ralphloop/ralph/internal/observability"
	"github.com/ralphloop/ralph/internal/progress"
	"github.com/ralphloop/ralph/internal/prompt"
	"github.com/ralphloop/ralph/internal/registry"
	"github.com/ralphloop/ralph/internal/task"
)

// Status is the terminal or in-progress state of a loop.
type Status string

const (
	StatusRunning   Status = "running"
	StatusStopping  Status = "stopping"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusExhausted Status = "exhausted"
)

// MaxConsecutiveFailures is the per-agent failure budget before failover.
const MaxConsecutiveFailures = 3

// Backoff parameters for consecutive-failure retries, per iteration §4.8.
const (
	backoffBase = 5 * time.Second
	backoffMax  = 60 * time.Second
)

// InterIterationSleep is the fixed pause between iterations.
const InterIterationSleep = 2 * time.Second

// DefaultIterationDeadline and DefaultLoopDeadline bound a single iteration
// and an entire loop's wall-clock time respectively. A zero loop deadline
// disables the wall-clock check.
const (
	DefaultIterationDeadline = time.Hour
	DefaultLoopDeadline      = 24 * time.Hour
)

// Event is the LoopEvent emitted at notable lifecycle transitions.
type Event struct {
	LoopID         string         `json:"loop_id"`
	Type           string         `json:"type"`
	Status         Status         `json:"status"`
	IterationsUsed int            `json:"iterations_used"`
	TaskName       string         `json:"task_name"`
	Branch         string         `json:"branch"`
	FinalStory     string         `json:"final_story,omitempty"`
	Agent          task.AgentKind `json:"agent,omitempty"`
	Message        string         `json:"error,omitempty"`
	At             time.Time      `json:"at,omitempty"`
}

// Broadcaster receives lifecycle events; the scheduler implements this to
// fan events out to subscribed control-plane clients.
type Broadcaster interface {
	Broadcast(Event)
}

// Config holds everything the driver needs for one loop's lifetime.
type Config struct {
	LoopID         string
	TaskDir        string
	WorkDir        string // worktree path the agent operates in
	BranchName     string
	MaxIterations  int
	PushFrequency  int
	DefaultAgent   task.AgentKind
	CLIAgentOverride string
	Permissive     bool
	Verbose        bool
	Model          string
	// AgentBaseURL is passed through to HTTP-mode adapters (opencode); it is
	// the address of the AgentServerSupervisor instance backing this loop.
	AgentBaseURL      string
	IterationDeadline time.Duration
	LoopDeadline      time.Duration

	ProgressStore *progress.Store
	PromptBuilder *prompt.Builder
	Broadcaster   Broadcaster

	// TaskName and Registry back the local-mode SessionRegistry (C5):
	// status/iteration bookkeeping and the stop/checkpoint signal file
	// (§4.5, §4.6). Both nil-safe — a daemon-managed loop that has no
	// per-task registry row simply skips this bookkeeping.
	TaskName string
	Registry *registry.Store

	// Tracer records one span per iteration. Defaults to a no-op tracer
	// when unset, so callers without a configured Langfuse project pay no
	// cost and need no nil checks here.
	Tracer observability.Tracer

	// Push, when non-nil, is invoked after every PushFrequency'th iteration
	// to push the worktree's branch to origin. Failures are logged, never
	// fatal. Out of scope to implement here (§1); callers supply it.
	Push func(ctx context.Context, workDir, branch string) error
}

// Result is returned once a loop reaches a terminal state.
type Result struct {
	Status         Status
	FinalStory     string
	IterationsUsed int
	LastError      string
}

// outcome classifies a single run_iteration call.
type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeSuccess
	outcomeFailed
	outcomeAborted
)

// Driver runs the state machine for one loop.
type Driver struct {
	cfg Config

	stopRequested bool
	currentAgent  task.AgentKind
	tracker       *failure.Tracker
	startedAt     time.Time

	consecutiveFailures int
	finalStory          string
	iterationsUsed      int

	trace observability.TraceContext
}

// New constructs a Driver. cfg.DefaultAgent must be a valid AgentKind.
func New(cfg Config) *Driver {
	if cfg.IterationDeadline == 0 {
		cfg.IterationDeadline = DefaultIterationDeadline
	}
	if cfg.PushFrequency == 0 {
		cfg.PushFrequency = 1
	}
	if cfg.Tracer == nil {
		cfg.Tracer = &observability.NoOpTracer{}
	}
	return &Driver{
		cfg:       cfg,
		tracker:   failure.New(),
		startedAt: time.Now(),
	}
}

// Stop requests cooperative cancellation; observed at the driver's next
// check point (start of the next iteration, or a suspension point within
// run_iteration).
func (d *Driver) Stop() {
	d.stopRequested = true
}

// IsTimedOut reports whether the loop has exceeded its wall-clock deadline.
func (d *Driver) isTimedOut() bool {
	if d.cfg.LoopDeadline == 0 {
		return false
	}
	return time.Since(d.startedAt) > d.cfg.LoopDeadline
}

// Run executes the state machine to completion (terminal status) or until
// ctx is cancelled, which is treated as an abort.
func (d *Driver) Run(ctx context.Context) (*Result, error) {
	prdPath := filepath.Join(d.cfg.TaskDir, task.Filename)

	d.trace = d.cfg.Tracer.StartTrace(d.cfg.LoopID, observability.TraceOptions{
		Workflow:  "ralph-loop",
		SessionID: d.cfg.LoopID,
	})

	for iteration := 1; ; iteration++ {
		d.pollSignal()
		if d.stopRequested {
			return d.terminate(StatusStopping), nil
		}
		if d.isTimedOut() {
			d.emit("loop_timed_out", StatusTimedOut, "")
			return d.terminate(StatusTimedOut), nil
		}
		if ctx.Err() != nil {
			return d.terminate(StatusStopping), nil
		}

		prd, err := task.Load(prdPath)
		if err != nil {
			d.emit("loop_failed", StatusFailed, fmt.Sprintf("read prd: %v", err))
			return d.terminate(StatusFailed), nil
		}

		story := task.NextStory(prd)
		if story == nil {
			d.emit("loop_completed", StatusCompleted, d.finalStory)
			return d.terminate(StatusCompleted), nil
		}

		d.currentAgent = task.ResolveAgent(d.cfg.CLIAgentOverride, story, prd, d.cfg.DefaultAgent)

		d.cfg.ProgressStore.RotateIfNeeded()

		builtPrompt, err := d.buildPrompt(prd, story, iteration)
		if err != nil {
			d.emit("loop_failed", StatusFailed, fmt.Sprintf("build prompt: %v", err))
			return d.terminate(StatusFailed), nil
		}

		d.iterationsUsed = iteration
		span := d.cfg.Tracer.StartPhase(d.trace, "RUN", observability.SpanOptions{
			Iteration:     iteration,
			MaxIterations: d.cfg.MaxIterations,
			Metadata:      map[string]string{"story_id": story.ID, "agent": string(d.currentAgent)},
		})
		iterStart := time.Now()
		result, oc := d.runIteration(ctx, builtPrompt, story)
		d.recordIteration(span, builtPrompt, result, oc, time.Since(iterStart))
		switch oc {
		case outcomeCompleted:
			d.finalStory = story.ID
			d.emit("loop_completed", StatusCompleted, d.finalStory)
			return d.terminate(StatusCompleted), nil
		case outcomeSuccess:
			d.tracker.Reset(d.currentAgent)
			d.consecutiveFailures = 0
			d.finalStory = story.ID
		case outcomeFailed:
			d.consecutiveFailures++
			msg := ""
			if result != nil {
				msg = result.ErrorMessage
			}
			d.tracker.RecordFailure(d.currentAgent, msg)
			_ = d.cfg.ProgressStore.AppendFailure(string(d.currentAgent), msg)

			if d.tracker.ShouldFailover(d.currentAgent, MaxConsecutiveFailures) {
				if d.tracker.AllFailed(MaxConsecutiveFailures) {
					d.emit("loop_failed", StatusFailed, "all agents exhausted their failure budget")
					return d.terminate(StatusFailed), nil
				}
				alt := failure.GetAlternate(d.currentAgent)
				_ = d.cfg.ProgressStore.AppendFailover(string(d.currentAgent), string(alt), "consecutive failure threshold reached")
				d.currentAgent = alt
				d.tracker.Reset(d.currentAgent)
			}

			d.sleep(ctx, backoffDuration(d.consecutiveFailures))
		case outcomeAborted:
			d.emit("loop_stopping", StatusStopping, "")
			return d.terminate(StatusStopping), nil
		}

		if d.cfg.Registry != nil && d.cfg.TaskName != "" {
			_ = d.cfg.Registry.UpdateProgress(d.cfg.TaskName, iteration, d.finalStory)
		}

		checkpointRequested := d.pollSignal()
		if d.stopRequested {
			return d.terminate(StatusStopping), nil
		}

		if (checkpointRequested || iteration%d.cfg.PushFrequency == 0) && d.cfg.Push != nil {
			_ = d.cfg.Push(ctx, d.cfg.WorkDir, d.cfg.BranchName) // non-fatal per §7
		}

		if iteration == d.cfg.MaxIterations {
			d.emit("loop_exhausted", StatusExhausted, d.finalStory)
			return d.terminate(StatusExhausted), nil
		}

		d.sleep(ctx, InterIterationSleep)
	}
}

// pollSignal reads and consumes a pending signal file (§4.5/§4.6): a stop
// signal sets stopRequested for the caller's next check, a checkpoint
// signal is reported back so the caller can force an immediate push.
// A missing or unreadable signal file is not an error — it just means no
// signal is pending.
func (d *Driver) pollSignal() (checkpointRequested bool) {
	if d.cfg.TaskDir == "" {
		return false
	}
	sig, err := registry.ReadSignal(d.cfg.TaskDir)
	if err != nil || sig == nil {
		return false
	}
	switch sig.Kind {
	case registry.SignalStop:
		d.Stop()
	case registry.SignalCheckpoint:
		checkpointRequested = true
	}
	return checkpointRequested
}

func (d *Driver) buildPrompt(prd *task.PRD, story *task.Story, iteration int) (string, error) {
	ctx := prompt.Context{
		TaskDir:      d.cfg.TaskDir,
		PRDFile:      filepath.Join(d.cfg.TaskDir, task.Filename),
		ProgressFile: filepath.Join(d.cfg.TaskDir, progress.Filename),
		BranchName:   d.cfg.BranchName,
		Agent:        d.currentAgent,
	}
	built, err := d.cfg.PromptBuilder.Build(ctx)
	if err != nil {
		return "", err
	}
	if iteration == 1 {
		passing := 0
		for _, s := range prd.UserStories {
			if s.Passes {
				passing++
			}
		}
		setup := prompt.FirstRunSetup(d.cfg.WorkDir, d.cfg.BranchName, prd.Description, passing, len(prd.UserStories))
		built = setup + "\n" + built
	}
	return built, nil
}

// runIteration invokes the adapter once, waits for completion, and
// classifies the result per §4.8.
func (d *Driver) runIteration(ctx context.Context, builtPrompt string, story *task.Story) (*agent.IterationResult, outcome) {
	adapter, err := agent.Get(d.currentAgent)
	if err != nil {
		return nil, outcomeFailed
	}

	iterCtx, cancel := context.WithTimeout(ctx, d.cfg.IterationDeadline)
	defer cancel()

	result, err := adapter.Run(iterCtx, agent.Config{
		Prompt:     builtPrompt,
		WorkDir:    d.cfg.WorkDir,
		Permissive: d.cfg.Permissive,
		Verbose:    d.cfg.Verbose,
		Model:      d.cfg.Model,
		BaseURL:    d.cfg.AgentBaseURL,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, outcomeAborted
		}
		return nil, outcomeFailed
	}

	if result.Completed {
		return result, outcomeCompleted
	}
	if result.Failed {
		return result, outcomeFailed
	}
	return result, outcomeSuccess
}

// recordIteration reports the iteration's agent invocation as a generation
// on span, then ends the span with a status derived from oc.
func (d *Driver) recordIteration(span observability.SpanContext, promptText string, result *agent.IterationResult, oc outcome, dur time.Duration) {
	status := "completed"
	output := ""
	errMsg := ""
	if result != nil {
		output = result.Output
		errMsg = result.ErrorMessage
	}
	if oc == outcomeFailed || oc == outcomeAborted {
		status = "error"
	}

	if result != nil {
		d.cfg.Tracer.RecordGeneration(span, observability.GenerationInput{
			Name:       "Worker",
			Model:      d.cfg.Model,
			Input:      promptText,
			Output:     output,
			Status:     status,
			DurationMs: dur.Milliseconds(),
		})
	} else {
		d.cfg.Tracer.RecordSkipped(span, "Worker", errMsg)
	}

	d.cfg.Tracer.EndPhase(span, status, dur.Milliseconds())
}

func backoffDuration(failures int) time.Duration {
	d := backoffBase * time.Duration(1<<uint(failures-1))
	if d > backoffMax {
		return backoffMax
	}
	return d
}

func (d *Driver) sleep(ctx context.Context, dur time.Duration) {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (d *Driver) emit(eventType string, status Status, message string) {
	if d.cfg.Broadcaster == nil {
		return
	}
	d.cfg.Broadcaster.Broadcast(Event{
		LoopID:         d.cfg.LoopID,
		Type:           eventType,
		Status:         status,
		IterationsUsed: d.iterationsUsed,
		TaskName:       d.cfg.TaskName,
		Branch:         d.cfg.BranchName,
		FinalStory:     d.finalStory,
		Agent:          d.currentAgent,
		Message:        message,
		At:             time.Now(),
	})
}

func (d *Driver) terminate(status Status) *Result {
	d.cfg.Tracer.CompleteTrace(d.trace, observability.CompleteOptions{
		Status: string(status),
	})
	_ = d.cfg.Tracer.Flush(context.Background())

	if d.cfg.Registry != nil && d.cfg.TaskName != "" {
		_ = d.cfg.Registry.UpdateStatus(d.cfg.TaskName, string(status))
	}

	lastError := ""
	if status == StatusFailed {
		lastError = d.tracker.LastError(d.currentAgent)
	}

	return &Result{
		Status:         status,
		FinalStory:     d.finalStory,
		IterationsUsed: d.iterationsUsed,
		LastError:      lastError,
	}
}
