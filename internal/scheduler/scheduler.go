// Package scheduler implements the LoopScheduler (C9): admission control,
// the concurrency cap, the in-memory loop table, orphan recovery at
// startup, and the event broadcaster that fans LoopEvents out to subscribed
// ControlPlane streams.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ralphloop/ralph/internal/agentserver"
	"github.com/ralphloop/ralph/internal/driver"
	"github.com/ralphloop/ralph/internal/loopregistry"
	"github.com/ralphloop/ralph/internal/observability"
	"github.com/ralphloop/ralph/internal/progress"
	"github.com/ralphloop/ralph/internal/prompt"
	"github.com/ralphloop/ralph/internal/sysinfo"
	"github.com/ralphloop/ralph/internal/task"
	"github.com/ralphloop/ralph/internal/workspace"
)

// ErrKind mirrors the control-plane error taxonomy (§6) so the RPC layer can
// map scheduler failures to the right JSON-RPC error code without string
// sniffing.
type ErrKind string

const (
	ErrAgentUnavailable ErrKind = "agent_unavailable"
	ErrMaxLoops         ErrKind = "max_loops"
	ErrLoopNotFound     ErrKind = "loop_not_found"
	ErrWorkspace        ErrKind = "workspace_error"
	ErrOriginMismatch   ErrKind = "origin_mismatch"
	ErrBranchNotFound   ErrKind = "branch_not_found"
	ErrDiskFull         ErrKind = "disk_full"
)

// Error is a classified scheduler failure.
type Error struct {
	Kind    ErrKind
	Message string
}

func (e *Error) Error() string { return e.Message }

// LoopInfo is the in-memory, externally visible record of one active loop.
type LoopInfo struct {
	LoopID        string
	TaskName      string
	TaskDir       string
	OriginURL     string
	Branch        string
	Agent         task.AgentKind
	Status        driver.Status
	Iteration     int
	MaxIterations int
	PushFrequency int
	TimeoutHours  int
	WorktreePath  string
	ServiceName   string
	Port          int
	AgentPID      int
	FinalStory    string
	LastError     string
	StartedAt     time.Time
}

// StartParams are the validated inputs to start_loop.
type StartParams struct {
	OriginURL     string
	Branch        string
	TaskDir       string
	MaxIterations int
	Agent         task.AgentKind
	PushFrequency int
}

// HealthInfo is the get_health result.
type HealthInfo struct {
	Hostname           string
	StartedAt          time.Time
	UptimeSeconds      float64
	ActiveLoops        int
	MaxConcurrentLoops int
	WorkspaceDir       string
	OverlayEnabled     bool
	Platform           string
	NumCPU             int
	MemTotalBytes      uint64
	MemAvailableBytes  uint64
	MemInfoAvailable   bool
	LoadAverage1       float64
	LoadAverageAvailable bool
}

// Subscriber receives broadcast events; ControlPlane connections implement this.
type Subscriber interface {
	Send(driver.Event) error
}

// Config configures a Scheduler.
type Config struct {
	WorkspaceDir       string
	MaxConcurrentLoops int
	LoopTimeoutHours   int
	AgentServerBinary  string
	AgentServerArgs    []string
	OverlayEnabled     bool

	// GitHubTokens supplies installation tokens for authenticated pushes to
	// origin (a *github.TokenManager in production). Nil means every loop's
	// push falls back to ambient git credentials (SSH agent, credential
	// helper) instead.
	GitHubTokens workspace.TokenSource

	// Tracer records one span per loop iteration. Defaults to a no-op
	// tracer (see internal/driver) when unset, so an unconfigured daemon
	// pays no tracing cost.
	Tracer observability.Tracer
}

// Scheduler owns the set of active loops.
type Scheduler struct {
	cfg Config

	mu    sync.Mutex
	loops map[string]*activeLoop

	subMu sync.Mutex
	subs  map[Subscriber]struct{}

	workspaceMgr *workspace.Manager
	loopRegistry *loopregistry.Registry

	startedAt time.Time
}

type activeLoop struct {
	info     LoopInfo
	driver   *driver.Driver
	supervisor *agentserver.Supervisor
	worktree *workspace.WorktreeInfo
	cancel   context.CancelFunc
	done     chan struct{}
}

// New constructs a Scheduler. loopRegPath is where the persisted LoopRegistry lives.
func New(cfg Config, loopRegPath string) (*Scheduler, error) {
	reg, err := loopregistry.Open(loopRegPath)
	if err != nil {
		return nil, fmt.Errorf("open loop registry: %w", err)
	}
	if cfg.Tracer == nil {
		cfg.Tracer = &observability.NoOpTracer{}
	}
	return &Scheduler{
		cfg:          cfg,
		loops:        make(map[string]*activeLoop),
		subs:         make(map[Subscriber]struct{}),
		workspaceMgr: workspace.New(cfg.WorkspaceDir),
		loopRegistry: reg,
		startedAt:    time.Now(),
	}, nil
}

// RecoverOrphans runs the startup orphan sweep documented in §4.9. Call once
// before accepting any start_loop requests.
func (s *Scheduler) RecoverOrphans(ctx context.Context) error {
	return loopregistry.RecoverOrphans(ctx, s.loopRegistry, s.workspaceMgr)
}

func newLoopID() string {
	return "loop-" + uuid.New().String()[:8]
}

// StartLoop implements the 9-step admission sequence. Any step's failure
// tears down prior steps in reverse order.
func (s *Scheduler) StartLoop(ctx context.Context, p StartParams) (*LoopInfo, error) {
	if p.OriginURL == "" || p.Branch == "" || p.TaskDir == "" {
		return nil, &Error{Kind: ErrWorkspace, Message: "origin_url, branch, and task_dir are required"}
	}
	if p.MaxIterations == 0 {
		p.MaxIterations = 50
	}
	if p.PushFrequency == 0 {
		p.PushFrequency = 1
	}
	if !p.Agent.Valid() {
		p.Agent = task.AgentOpencode
	}

	if err := s.ensureAgentAvailable(p.Agent); err != nil {
		return nil, err
	}

	loopID := newLoopID()
	taskName := fmt.Sprintf("%s-%s", p.Branch, loopID)

	// Reserve this loop's slot against the concurrency cap and the slot map
	// in one critical section, so two start_loop calls racing past the cap
	// check can't both be admitted before either registers.
	s.mu.Lock()
	if len(s.loops) >= s.cfg.MaxConcurrentLoops {
		s.mu.Unlock()
		return nil, &Error{Kind: ErrMaxLoops, Message: fmt.Sprintf("max concurrent loops (%d) reached", s.cfg.MaxConcurrentLoops)}
	}
	s.loops[loopID] = &activeLoop{info: LoopInfo{LoopID: loopID}}
	s.mu.Unlock()

	info, err := s.workspaceMgr.SetupWorkspace(ctx, p.OriginURL, p.Branch, taskName)
	if err != nil {
		s.mu.Lock()
		delete(s.loops, loopID)
		s.mu.Unlock()
		return nil, classifyWorkspaceError(err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	if s.cfg.LoopTimeoutHours > 0 {
		loopCtx, cancel = context.WithTimeout(loopCtx, time.Duration(s.cfg.LoopTimeoutHours)*time.Hour)
	}

	loop := &activeLoop{
		info: LoopInfo{
			LoopID:        loopID,
			TaskName:      taskName,
			TaskDir:       p.TaskDir,
			OriginURL:     p.OriginURL,
			Branch:        p.Branch,
			Agent:         p.Agent,
			Status:        driver.StatusRunning,
			MaxIterations: p.MaxIterations,
			PushFrequency: p.PushFrequency,
			TimeoutHours:  s.cfg.LoopTimeoutHours,
			WorktreePath:  info.Path,
			StartedAt:     time.Now(),
		},
		worktree: info,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	s.loops[loopID] = loop
	s.mu.Unlock()

	if err := s.loopRegistry.Put(loopregistry.Entry{
		LoopID: loopID, TaskName: taskName, OriginURL: p.OriginURL,
		Branch: p.Branch, WorktreePath: info.Path, StartedAt: loop.info.StartedAt,
	}); err != nil {
		s.teardownFailedStart(ctx, loop)
		return nil, fmt.Errorf("persist loop registry entry: %w", err)
	}

	if s.cfg.AgentServerBinary != "" {
		sup, err := agentserver.Start(ctx, agentserver.Config{
			Binary:  s.cfg.AgentServerBinary,
			Args:    s.cfg.AgentServerArgs,
			WorkDir: info.Path,
		})
		if err != nil {
			s.teardownFailedStart(ctx, loop)
			return nil, fmt.Errorf("start agent server: %w", err)
		}
		loop.supervisor = sup
		loop.info.Port = sup.Port()
		loop.info.AgentPID = sup.PID()
		_ = s.loopRegistry.Put(loopregistry.Entry{
			LoopID: loopID, TaskName: taskName, OriginURL: p.OriginURL, Branch: p.Branch,
			WorktreePath: info.Path, AgentPID: sup.PID(), Port: sup.Port(), StartedAt: loop.info.StartedAt,
		})
	}

	baseURL := ""
	if loop.supervisor != nil {
		baseURL = loop.supervisor.BaseURL()
	}

	d := driver.New(driver.Config{
		LoopID:        loopID,
		TaskDir:       p.TaskDir,
		WorkDir:       info.Path,
		BranchName:    p.Branch,
		MaxIterations: p.MaxIterations,
		PushFrequency: p.PushFrequency,
		DefaultAgent:  p.Agent,
		AgentBaseURL:  baseURL,
		ProgressStore: progress.New(p.TaskDir, p.Branch, "loop"),
		PromptBuilder: prompt.New(prompt.Locations{TaskDir: p.TaskDir}),
		Broadcaster:   s,
		Tracer:        s.cfg.Tracer,
		Push:          workspace.NewPush(s.cfg.GitHubTokens),
		TaskName:      taskName,
	})
	loop.driver = d

	go s.runLoop(loopCtx, loop)

	result := loop.info
	return &result, nil
}

func (s *Scheduler) teardownFailedStart(ctx context.Context, loop *activeLoop) {
	s.mu.Lock()
	delete(s.loops, loop.info.LoopID)
	s.mu.Unlock()
	if loop.cancel != nil {
		loop.cancel()
	}
	_ = s.loopRegistry.Remove(loop.info.LoopID)
	if loop.worktree != nil {
		_ = s.workspaceMgr.CleanupWorkspace(ctx, loop.worktree)
	}
}

func (s *Scheduler) runLoop(ctx context.Context, loop *activeLoop) {
	defer close(loop.done)
	defer loop.cancel()

	result, err := loop.driver.Run(ctx)
	status := driver.StatusFailed
	if err == nil && result != nil {
		status = result.Status
	}

	s.mu.Lock()
	loop.info.Status = status
	if result != nil {
		loop.info.Iteration = result.IterationsUsed
		loop.info.FinalStory = result.FinalStory
		loop.info.LastError = result.LastError
	}
	s.mu.Unlock()

	if loop.supervisor != nil {
		loop.supervisor.Stop()
	}
	_ = s.loopRegistry.Remove(loop.info.LoopID)

	// The driver itself already broadcast the terminal loop_completed/
	// loop_failed/loop_exhausted/loop_timed_out/loop_stopping event before
	// Run returned; nothing further to emit here.

	s.mu.Lock()
	delete(s.loops, loop.info.LoopID)
	s.mu.Unlock()
}

// StopLoop marks the loop as stopping and signals its driver; it does not
// block for termination (callers await that separately if needed).
func (s *Scheduler) StopLoop(loopID string) (*LoopInfo, error) {
	s.mu.Lock()
	loop, ok := s.loops[loopID]
	if ok {
		loop.info.Status = driver.StatusStopping
	}
	s.mu.Unlock()

	if !ok {
		return nil, &Error{Kind: ErrLoopNotFound, Message: fmt.Sprintf("loop not found: %s", loopID)}
	}

	loop.driver.Stop()
	loop.cancel()

	result := loop.info
	return &result, nil
}

// ListLoops returns a snapshot of the in-memory table.
func (s *Scheduler) ListLoops() []LoopInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LoopInfo, 0, len(s.loops))
	for _, l := range s.loops {
		out = append(out, l.info)
	}
	return out
}

// GetHealth reports daemon health and resource info.
func (s *Scheduler) GetHealth() HealthInfo {
	hostname, _ := os.Hostname()
	s.mu.Lock()
	active := len(s.loops)
	s.mu.Unlock()

	mem, memOK := sysinfo.ReadMemory()
	load, loadOK := sysinfo.LoadAverage1()

	return HealthInfo{
		Hostname:             hostname,
		StartedAt:            s.startedAt,
		UptimeSeconds:        time.Since(s.startedAt).Seconds(),
		ActiveLoops:          active,
		MaxConcurrentLoops:   s.cfg.MaxConcurrentLoops,
		WorkspaceDir:         s.cfg.WorkspaceDir,
		OverlayEnabled:       s.cfg.OverlayEnabled,
		Platform:             runtime.GOOS,
		NumCPU:               runtime.NumCPU(),
		MemTotalBytes:        mem.TotalBytes,
		MemAvailableBytes:    mem.AvailableBytes,
		MemInfoAvailable:     memOK,
		LoadAverage1:         load,
		LoadAverageAvailable: loadOK,
	}
}

// Subscribe registers sub to receive future broadcast events until
// Unsubscribe is called (normally on stream close).
func (s *Scheduler) Subscribe(sub Subscriber) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subs[sub] = struct{}{}
}

// Unsubscribe removes sub from the broadcast set.
func (s *Scheduler) Unsubscribe(sub Subscriber) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	delete(s.subs, sub)
}

// Broadcast fans ev out to every subscriber. Subscribers that error are
// dropped silently. Events are not queued: zero subscribers means the event
// is simply discarded.
func (s *Scheduler) Broadcast(ev driver.Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for sub := range s.subs {
		if err := sub.Send(ev); err != nil {
			delete(s.subs, sub)
		}
	}
}

// ensureAgentAvailable implements admission step 3: the chosen agent's
// binary must be on PATH, or start_loop is rejected with an install hint.
// Auto-install is not implemented; the error message carries that install
// hint instead.
func (s *Scheduler) ensureAgentAvailable(kind task.AgentKind) error {
	bin, known := binaryNames[kind]
	if !known {
		return &Error{Kind: ErrAgentUnavailable, Message: fmt.Sprintf("unknown agent kind: %s", kind)}
	}
	if _, err := exec.LookPath(bin); err != nil {
		return &Error{Kind: ErrAgentUnavailable, Message: fmt.Sprintf("agent %q binary %q not found on PATH; install it and retry", kind, bin)}
	}
	return nil
}

func classifyWorkspaceError(err error) error {
	wsErr, ok := err.(*workspace.Error)
	if !ok {
		return &Error{Kind: ErrWorkspace, Message: err.Error()}
	}
	switch wsErr.Kind {
	case workspace.KindOriginMismatch:
		return &Error{Kind: ErrOriginMismatch, Message: wsErr.Message}
	case workspace.KindBranchNotFound:
		return &Error{Kind: ErrBranchNotFound, Message: wsErr.Message}
	case workspace.KindDiskFull:
		return &Error{Kind: ErrDiskFull, Message: wsErr.Message}
	default:
		return &Error{Kind: ErrWorkspace, Message: wsErr.Message}
	}
}
