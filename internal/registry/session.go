// Package registry implements the local-mode SessionRegistry: a small
// durable store mapping task_name to SessionInfo, plus the per-task signal
// file mechanism used by the CLI and the IterationDriver to request a stop
// or a checkpoint.
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ralphloop/ralph/internal/task"
)

// SessionInfo is one row of the registry.
type SessionInfo struct {
	TaskName         string         `json:"taskName"`
	TaskDir          string         `json:"taskDir"`
	PID              int            `json:"pid"`
	MultiplexSession string         `json:"multiplexSession,omitempty"`
	Agent            task.AgentKind `json:"agent"`
	Status           string         `json:"status"`
	StartedAt        time.Time      `json:"startedAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
	Iteration        int            `json:"iteration"`
	CurrentStory     string         `json:"currentStory,omitempty"`
	MaxIterations    int            `json:"maxIterations"`
	SessionType      string         `json:"sessionType"`
	ServerPort       int            `json:"serverPort,omitempty"`
}

// LiveChecker reports whether a session's external process/handle is still
// alive. list_running uses this to demote stale rows to "failed".
type LiveChecker func(SessionInfo) bool

// Store is a JSON-file-backed, mutex-guarded registry. Crash safety: every
// write goes to a temp file and is renamed into place, so a partial write
// never corrupts the live file — losing only the latest update is acceptable.
type Store struct {
	mu   sync.Mutex
	path string
	data map[string]SessionInfo
}

// Open loads an existing registry file, or starts empty if absent.
func Open(path string) (*Store, error) {
	s := &Store{path: path, data: make(map[string]SessionInfo)}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	var data map[string]SessionInfo
	if err := json.Unmarshal(raw, &data); err != nil {
		// Corrupt file: start fresh rather than fail the whole daemon.
		return s, nil
	}
	s.data = data
	return s, nil
}

func (s *Store) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Register inserts or replaces a session row.
func (s *Store) Register(info SessionInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	info.StartedAt = time.Now()
	info.UpdatedAt = info.StartedAt
	s.data[info.TaskName] = info
	return s.save()
}

// UpdateStatus sets the status field and bumps updatedAt.
func (s *Store) UpdateStatus(taskName, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.data[taskName]
	if !ok {
		return nil
	}
	info.Status = status
	info.UpdatedAt = time.Now()
	s.data[taskName] = info
	return s.save()
}

// UpdateProgress sets the iteration and current story, and bumps updatedAt.
func (s *Store) UpdateProgress(taskName string, iteration int, story string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.data[taskName]
	if !ok {
		return nil
	}
	info.Iteration = iteration
	info.CurrentStory = story
	info.UpdatedAt = time.Now()
	s.data[taskName] = info
	return s.save()
}

// Get returns the row for taskName, or false if absent.
func (s *Store) Get(taskName string) (SessionInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.data[taskName]
	return info, ok
}

// ListAll returns every row, in no particular order.
func (s *Store) ListAll() []SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionInfo, 0, len(s.data))
	for _, info := range s.data {
		out = append(out, info)
	}
	return out
}

// ListRunning returns rows with status "running", demoting any row whose
// live external state (per check) no longer checks out to "failed" first.
func (s *Store) ListRunning(check LiveChecker) []SessionInfo {
	s.mu.Lock()
	stale := []string{}
	for name, info := range s.data {
		if info.Status != "running" {
			continue
		}
		if check != nil && !check(info) {
			info.Status = "failed"
			info.UpdatedAt = time.Now()
			s.data[name] = info
			stale = append(stale, name)
		}
	}
	if len(stale) > 0 {
		_ = s.save()
	}
	var out []SessionInfo
	for _, info := range s.data {
		if info.Status == "running" {
			out = append(out, info)
		}
	}
	s.mu.Unlock()
	return out
}

// Remove deletes taskName's row.
func (s *Store) Remove(taskName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, taskName)
	return s.save()
}
