// Package opencode implements the Adapter for the opencode AgentKind. Unlike
// claude, opencode is driven over HTTP against an already-running
// `opencode serve` instance (see internal/agentserver): the adapter creates a
// session, sends the prompt synchronously, and concurrently watches both the
// server's SSE event stream and the worktree for a dropped idle-marker file
// as belt-and-suspenders completion detectors.
package opencode

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/ralphloop/ralph/internal/agent"
	"github.com/ralphloop/ralph/internal/task"
)

// IdleMarkerName is the file a plugin drops in the worktree to signal that
// opencode has gone idle, as a third, filesystem-level completion detector
// alongside the synchronous response and the SSE session.idle event.
const IdleMarkerName = ".opencode-idle"

func init() {
	agent.Register(task.AgentOpencode, func() agent.Adapter { return New() })
}

// IterationDeadline bounds both the synchronous message call and the SSE
// watch for a single iteration.
var IterationDeadline = time.Hour

// HTTPClient is overridable for tests.
var HTTPClient = &http.Client{}

// Adapter talks to a running opencode serve process over HTTP. BaseURL must
// be set (by the caller, typically from an AgentServerSupervisor) before
// Start is called; Config.WorkDir is unused since the server already owns a
// working directory.
type Adapter struct {
	BaseURL string
}

// New creates an opencode Adapter. Callers must set BaseURL before use.
func New() *Adapter { return &Adapter{} }

type handle struct {
	sessionID string
	baseURL   string
	started   time.Time
	output    string
	idleSeen  chan struct{}
	watchers  *errgroup.Group
	cancelSSE context.CancelFunc
	err       error
}

func (*handle) isHandle() {}

type createSessionResponse struct {
	ID string `json:"id"`
}

// Start creates a session and sends the prompt synchronously. The SSE
// subscription and the idle-marker file watch both run concurrently purely
// as secondary idle detectors; Start itself returns once the synchronous
// message response lands (or errors).
func (a *Adapter) Start(ctx context.Context, cfg agent.Config) (agent.Handle, error) {
	if a.BaseURL == "" {
		a.BaseURL = cfg.BaseURL
	}
	if a.BaseURL == "" {
		return nil, fmt.Errorf("opencode adapter: BaseURL not set")
	}

	iterCtx, cancel := context.WithTimeout(ctx, IterationDeadline)

	sessionID, err := a.createSession(iterCtx)
	if err != nil {
		cancel()
		return nil, err
	}

	sseCtx, sseCancel := context.WithCancel(iterCtx)

	var watchers errgroup.Group
	h := &handle{
		sessionID: sessionID,
		baseURL:   a.BaseURL,
		started:   time.Now(),
		idleSeen:  make(chan struct{}),
		watchers:  &watchers,
		cancelSSE: func() {
			sseCancel()
			cancel()
		},
	}
	watchers.Go(func() error {
		a.watchIdle(sseCtx, sessionID, h.idleSeen)
		return nil
	})
	watchers.Go(func() error {
		a.watchIdleMarker(sseCtx, cfg.WorkDir, h.idleSeen)
		return nil
	})

	output, sendErr := a.sendPrompt(iterCtx, sessionID, cfg.Prompt)
	h.output = output
	h.err = sendErr

	return h, nil
}

// IsDone reports true once the synchronous send has returned, which is
// always the case by the time Start returns for this adapter.
func (a *Adapter) IsDone(h agent.Handle) bool {
	_, ok := h.(*handle)
	return ok
}

// GetOutput finalizes the result from the synchronous response already
// captured during Start, then tears down the idle-detector goroutines and
// waits for both to exit so none outlive the iteration.
func (a *Adapter) GetOutput(ctx context.Context, h agent.Handle) (*agent.IterationResult, error) {
	hh := h.(*handle)
	hh.cancelSSE()
	_ = hh.watchers.Wait()

	duration := time.Since(hh.started)

	if hh.err != nil {
		return &agent.IterationResult{
			Output:       hh.output,
			ExitCode:     -1,
			Duration:     duration,
			Failed:       true,
			ErrorMessage: truncate(hh.err.Error()),
		}, nil
	}

	result := &agent.IterationResult{
		Output:    hh.output,
		ExitCode:  0,
		Duration:  duration,
		Completed: agent.IsComplete(hh.output),
	}
	result.Failed = agent.ClassifyFailure(hh.output, 0)
	if result.Failed {
		result.ErrorMessage = agent.ExtractErrorMessage(0, hh.output, "")
	}
	return result, nil
}

// Run is the convenience start+finalize path.
func (a *Adapter) Run(ctx context.Context, cfg agent.Config) (*agent.IterationResult, error) {
	h, err := a.Start(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return a.GetOutput(ctx, h)
}

func (a *Adapter) createSession(ctx context.Context) (string, error) {
	var resp createSessionResponse
	if err := a.postJSON(ctx, a.BaseURL+"/session", map[string]any{}, &resp); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("create session: no id in response")
	}
	return resp.ID, nil
}

func (a *Adapter) sendPrompt(ctx context.Context, sessionID, prompt string) (string, error) {
	payload := map[string]any{
		"parts": []map[string]any{
			{"type": "text", "text": prompt},
		},
	}
	var raw json.RawMessage
	url := fmt.Sprintf("%s/session/%s/message", a.BaseURL, sessionID)
	if err := a.postJSON(ctx, url, payload, &raw); err != nil {
		return "", fmt.Errorf("send prompt: %w", err)
	}
	return extractText(raw), nil
}

// watchIdle subscribes to the SSE event stream and closes idleSeen the first
// time a session.idle event matching sessionID (or carrying no sessionID at
// all) is observed. It is a secondary detector only: completion in GetOutput
// is driven by the synchronous response, not by this channel.
func (a *Adapter) watchIdle(ctx context.Context, sessionID string, idleSeen chan struct{}) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURLValue()+"/event", nil)
	if err != nil {
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := HTTPClient.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventType string
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if eventType == "session.idle" {
				var payload struct {
					SessionID string `json:"sessionID"`
				}
				if err := json.Unmarshal([]byte(data), &payload); err != nil || payload.SessionID == "" || payload.SessionID == sessionID {
					signalIdle(idleSeen)
					return
				}
			}
			eventType = ""
		case line == "":
			eventType = ""
		}
	}
}

// watchIdleMarker watches workDir for IdleMarkerName and signals idleSeen the
// moment it appears. Some opencode plugins finish their own cleanup work
// after the model stops streaming and drop this marker to say so explicitly,
// which the synchronous response and the SSE stream can't observe directly.
func (a *Adapter) watchIdleMarker(ctx context.Context, workDir string, idleSeen chan struct{}) {
	if workDir == "" {
		return
	}

	markerPath := filepath.Join(workDir, IdleMarkerName)
	if _, err := os.Stat(markerPath); err == nil {
		signalIdle(idleSeen)
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return
	}
	defer watcher.Close()

	if err := watcher.Add(workDir); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Name == markerPath && (ev.Op&(fsnotify.Create|fsnotify.Write) != 0) {
				signalIdle(idleSeen)
				return
			}
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// signalIdle closes idleSeen exactly once, tolerating concurrent callers
// from the SSE watcher and the idle-marker watcher racing to report first.
func signalIdle(idleSeen chan struct{}) {
	select {
	case <-idleSeen:
	default:
		close(idleSeen)
	}
}

func (a *Adapter) baseURLValue() string { return a.BaseURL }

func (a *Adapter) postJSON(ctx context.Context, url string, body any, out any) error {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(body); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %d: %s", resp.StatusCode, truncate(string(respBody)))
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

// extractText pulls a human-readable transcript out of an opencode message
// response for failure-pattern scanning; the exact response shape is an
// implementation detail of the server, so this degrades gracefully to the
// raw JSON when no recognizable text field is present.
func extractText(raw json.RawMessage) string {
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return string(raw)
	}
	if parts, ok := generic["parts"].([]any); ok {
		var sb strings.Builder
		for _, p := range parts {
			pm, ok := p.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := pm["text"].(string); ok {
				sb.WriteString(text)
				sb.WriteString("\n")
			}
		}
		if sb.Len() > 0 {
			return sb.String()
		}
	}
	return string(raw)
}

const maxErrLen = 100

func truncate(s string) string {
	if len(s) <= maxErrLen {
		return s
	}
	return s[:maxErrLen]
}
