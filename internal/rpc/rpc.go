// Package rpc implements the ControlPlane (C10): an NDJSON JSON-RPC 2.0
// server exposing start_loop, stop_loop, list_loops, get_health, get_agents,
// and subscribe_events over any io.ReadWriteCloser stream (a unix socket
// connection locally, or an overlay-network connection when the daemon's
// ziti identity is configured — the stream abstraction here is identical
// either way).
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/ralphloop/ralph/internal/driver"
	"github.com/ralphloop/ralph/internal/scheduler"
	"github.com/ralphloop/ralph/internal/security"
	"github.com/ralphloop/ralph/internal/task"
)

// Error codes per the control-plane wire protocol.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeAgentUnavailable = -32001
	CodeMaxLoops         = -32002
	CodeLoopNotFound     = -32003
	CodeWorkspaceError   = -32004
	CodeOriginMismatch   = -32005
	CodeBranchNotFound   = -32006
	CodeDiskFull         = -32007
	CodeRateLimited      = -32008
)

// startLoopRate bounds how often a single connection may call start_loop,
// to absorb a misbehaving client retrying admission failures in a tight
// loop rather than letting it hammer the workspace manager.
const (
	startLoopRate     = 5
	startLoopInterval = time.Minute
)

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Server dispatches JSON-RPC requests against a Scheduler.
type Server struct {
	sched   *scheduler.Scheduler
	log     *log.Logger
	limiter *security.RateLimiter
}

// New creates a Server backed by sched. logger may be nil (discards).
func New(sched *scheduler.Scheduler, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		sched:   sched,
		log:     logger,
		limiter: security.NewRateLimiter(startLoopRate, startLoopInterval),
	}
}

// Serve accepts connections on ln until ctx is cancelled, handling each on
// its own goroutine.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.HandleConn(ctx, conn)
	}
}

// HandleConn serves one NDJSON JSON-RPC connection until the stream closes
// or ctx is cancelled. A connection that calls subscribe_events remains open
// and receives "event" notifications for its lifetime.
func (s *Server) HandleConn(ctx context.Context, conn io.ReadWriteCloser) {
	defer conn.Close()

	sub := &connSubscriber{
		writeMu: &sync.Mutex{},
		w:       conn,
	}
	defer s.sched.Unsubscribe(sub)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeResponse(sub, nil, nil, &rpcError{Code: CodeParseError, Message: "parse error"})
			continue
		}
		if req.JSONRPC != "2.0" || req.Method == "" {
			s.writeResponse(sub, req.ID, nil, &rpcError{Code: CodeInvalidRequest, Message: "invalid request"})
			continue
		}

		result, rpcErr := s.dispatch(ctx, sub, req.Method, req.Params)

		// A request with no id is a notification: JSON-RPC 2.0 forbids a reply.
		if len(req.ID) == 0 {
			continue
		}
		s.writeResponse(sub, req.ID, result, rpcErr)
	}
}

func (s *Server) dispatch(ctx context.Context, sub *connSubscriber, method string, params json.RawMessage) (interface{}, *rpcError) {
	switch method {
	case "start_loop":
		if !s.limiter.Allow(fmt.Sprintf("%p", sub)) {
			return nil, &rpcError{Code: CodeRateLimited, Message: "start_loop rate limit exceeded for this connection"}
		}
		return s.startLoop(ctx, params)
	case "stop_loop":
		return s.stopLoop(params)
	case "list_loops":
		return s.listLoops()
	case "get_health":
		return s.getHealth()
	case "get_agents":
		return s.getAgents()
	case "subscribe_events":
		s.sched.Subscribe(sub)
		return map[string]bool{"subscribed": true}, nil
	default:
		return nil, &rpcError{Code: CodeMethodNotFound, Message: fmt.Sprintf("unknown method: %s", method)}
	}
}

type startLoopParams struct {
	OriginURL     string `json:"origin_url"`
	Branch        string `json:"branch"`
	TaskDir       string `json:"task_dir"`
	MaxIterations int    `json:"max_iterations"`
	Agent         string `json:"agent"`
	PushFrequency int    `json:"push_frequency"`
}

func (s *Server) startLoop(ctx context.Context, raw json.RawMessage) (interface{}, *rpcError) {
	var p startLoopParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, &rpcError{Code: CodeInvalidParams, Message: err.Error()}
		}
	}
	agentKind := task.AgentOpencode
	if p.Agent != "" {
		agentKind = task.AgentKind(p.Agent)
	}

	info, err := s.sched.StartLoop(ctx, scheduler.StartParams{
		OriginURL:     p.OriginURL,
		Branch:        p.Branch,
		TaskDir:       p.TaskDir,
		MaxIterations: p.MaxIterations,
		Agent:         agentKind,
		PushFrequency: p.PushFrequency,
	})
	if err != nil {
		return nil, classifySchedulerError(err)
	}

	return map[string]interface{}{
		"loop_id":        info.LoopID,
		"status":         info.Status,
		"task_name":      info.TaskName,
		"branch":         info.Branch,
		"agent":          info.Agent,
		"max_iterations": info.MaxIterations,
		"worktree_path":  info.WorktreePath,
	}, nil
}

type stopLoopParams struct {
	LoopID string `json:"loop_id"`
}

func (s *Server) stopLoop(raw json.RawMessage) (interface{}, *rpcError) {
	var p stopLoopParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, &rpcError{Code: CodeInvalidParams, Message: err.Error()}
		}
	}
	info, err := s.sched.StopLoop(p.LoopID)
	if err != nil {
		return nil, classifySchedulerError(err)
	}
	return map[string]interface{}{
		"loop_id":   info.LoopID,
		"status":    info.Status,
		"task_name": info.TaskName,
	}, nil
}

func (s *Server) listLoops() (interface{}, *rpcError) {
	loops := s.sched.ListLoops()
	out := make([]map[string]interface{}, 0, len(loops))
	for _, info := range loops {
		out = append(out, loopInfoToMap(info))
	}
	return map[string]interface{}{
		"loops": out,
		"count": len(out),
	}, nil
}

// loopInfoToMap renders a scheduler.LoopInfo as the wire-format LoopInfo
// dict: snake_case keys, opencode_port/opencode_pid instead of Go's
// Port/AgentPID, and the optional fields only present once they're
// populated (a running loop has no final_story/last_error yet).
func loopInfoToMap(info scheduler.LoopInfo) map[string]interface{} {
	m := map[string]interface{}{
		"loop_id":        info.LoopID,
		"task_name":      info.TaskName,
		"task_dir":       info.TaskDir,
		"branch":         info.Branch,
		"iteration":      info.Iteration,
		"max_iterations": info.MaxIterations,
		"push_frequency": info.PushFrequency,
		"timeout_hours":  info.TimeoutHours,
		"agent":          info.Agent,
		"status":         info.Status,
		"started_at":     info.StartedAt,
	}
	if info.WorktreePath != "" {
		m["worktree_path"] = info.WorktreePath
	}
	if info.ServiceName != "" {
		m["service_name"] = info.ServiceName
	}
	if info.Port != 0 {
		m["opencode_port"] = info.Port
	}
	if info.AgentPID != 0 {
		m["opencode_pid"] = info.AgentPID
	}
	if info.FinalStory != "" {
		m["final_story"] = info.FinalStory
	}
	if info.LastError != "" {
		m["last_error"] = info.LastError
	}
	return m
}

func (s *Server) getHealth() (interface{}, *rpcError) {
	h := s.sched.GetHealth()
	system := map[string]interface{}{
		"platform": h.Platform,
		"num_cpu":  h.NumCPU,
	}
	if h.MemInfoAvailable {
		system["mem_total_bytes"] = h.MemTotalBytes
		system["mem_available_bytes"] = h.MemAvailableBytes
	}
	if h.LoadAverageAvailable {
		system["load_average_1m"] = h.LoadAverage1
	}

	zitiStatus := "disabled"
	if h.OverlayEnabled {
		zitiStatus = "enabled"
	}

	return map[string]interface{}{
		"hostname":             h.Hostname,
		"started_at":           h.StartedAt,
		"uptime_seconds":       h.UptimeSeconds,
		"active_loops":         h.ActiveLoops,
		"max_concurrent_loops": h.MaxConcurrentLoops,
		"workspace_dir":        h.WorkspaceDir,
		"ziti_status":          zitiStatus,
		"control_service":      "running",
		"system":               system,
	}, nil
}

func (s *Server) getAgents() (interface{}, *rpcError) {
	statuses := s.sched.GetAgents()
	agents := make([]map[string]interface{}, 0, len(statuses))
	for _, a := range statuses {
		entry := map[string]interface{}{
			"name":      a.Name,
			"available": a.Available,
		}
		if a.Path != "" {
			entry["path"] = a.Path
		}
		if a.Version != "" {
			entry["version"] = a.Version
		}
		agents = append(agents, entry)
	}
	return map[string]interface{}{"agents": agents}, nil
}

func classifySchedulerError(err error) *rpcError {
	schedErr, ok := err.(*scheduler.Error)
	if !ok {
		return &rpcError{Code: CodeInternalError, Message: err.Error()}
	}
	code := CodeWorkspaceError
	switch schedErr.Kind {
	case scheduler.ErrAgentUnavailable:
		code = CodeAgentUnavailable
	case scheduler.ErrMaxLoops:
		code = CodeMaxLoops
	case scheduler.ErrLoopNotFound:
		code = CodeLoopNotFound
	case scheduler.ErrOriginMismatch:
		code = CodeOriginMismatch
	case scheduler.ErrBranchNotFound:
		code = CodeBranchNotFound
	case scheduler.ErrDiskFull:
		code = CodeDiskFull
	case scheduler.ErrWorkspace:
		code = CodeWorkspaceError
	}
	return &rpcError{Code: code, Message: schedErr.Message}
}

func (s *Server) writeResponse(sub *connSubscriber, id json.RawMessage, result interface{}, rpcErr *rpcError) {
	resp := response{JSONRPC: "2.0", ID: id, Result: result, Error: rpcErr}
	raw, err := json.Marshal(resp)
	if err != nil {
		s.log.Printf("rpc: marshal response: %v", err)
		return
	}
	if err := sub.writeLine(raw); err != nil {
		s.log.Printf("rpc: write response: %v", err)
	}
}

// connSubscriber adapts one connection into a scheduler.Subscriber,
// serializing writes since Broadcast and request handling can both write
// concurrently to the same connection.
type connSubscriber struct {
	writeMu *sync.Mutex
	w       io.Writer
}

func (c *connSubscriber) writeLine(raw []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(raw); err != nil {
		return err
	}
	_, err := c.w.Write([]byte("\n"))
	return err
}

// Send implements scheduler.Subscriber by wrapping ev as an "event" notification.
func (c *connSubscriber) Send(ev driver.Event) error {
	note := notification{JSONRPC: "2.0", Method: "event", Params: ev}
	raw, err := json.Marshal(note)
	if err != nil {
		return err
	}
	return c.writeLine(raw)
}
