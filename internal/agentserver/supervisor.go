// Package agentserver supervises the lifecycle of per-loop HTTP agent
// daemons — local processes such as `opencode serve` that the IterationDriver
// talks to via the opencode Adapter rather than invoking as a short-lived
// subprocess per iteration.
package agentserver

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"time"

	"github.com/ralphloop/ralph/internal/procutil"
)

// PortRangeStart and PortRangeEnd bound the TCP ports tried before falling
// back to an OS-assigned port.
const (
	PortRangeStart = 14096
	PortRangeEnd   = 14196
)

// HealthCheckInterval and HealthCheckTimeout govern the warmup probe loop.
const (
	HealthCheckInterval = 500 * time.Millisecond
	HealthCheckTimeout  = 30 * time.Second
)

// StderrCaptureLimit bounds the stderr excerpt captured on a warmup death.
const StderrCaptureLimit = 500

// Config describes how to spawn the agent-server binary.
type Config struct {
	Binary  string
	Args    []string
	WorkDir string
	Port    int // 0 selects a free port from the configured range
}

// Supervisor owns a single spawned agent-server process for one loop.
type Supervisor struct {
	cmd     *exec.Cmd
	stderr  *bytes.Buffer
	port    int
	baseURL string
	exited  chan struct{}
}

// Start allocates a port, spawns the binary in its own process group, and
// blocks until the health endpoint responds or the warmup timeout elapses.
func Start(ctx context.Context, cfg Config) (*Supervisor, error) {
	port := cfg.Port
	if port == 0 {
		p, err := allocatePort()
		if err != nil {
			return nil, fmt.Errorf("allocate port: %w", err)
		}
		port = p
	}

	args := append([]string{}, cfg.Args...)
	cmd := exec.Command(cfg.Binary, args...)
	cmd.Dir = cfg.WorkDir

	s := &Supervisor{
		cmd:     cmd,
		stderr:  &bytes.Buffer{},
		port:    port,
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		exited:  make(chan struct{}),
	}
	cmd.Stdout = &bytes.Buffer{}
	cmd.Stderr = s.stderr

	procutil.StartInNewGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent server: %w", err)
	}

	go func() {
		_ = cmd.Wait()
		close(s.exited)
	}()

	if err := s.waitUntilHealthy(ctx); err != nil {
		procutil.KillGroup(cmd.Process.Pid, s.exited)
		return nil, err
	}

	return s, nil
}

// allocatePort tries each port in [PortRangeStart, PortRangeEnd) and falls
// back to an OS-assigned ephemeral port if all are taken.
func allocatePort() (int, error) {
	for p := PortRangeStart; p < PortRangeEnd; p++ {
		if ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p)); err == nil {
			ln.Close()
			return p, nil
		}
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

func (s *Supervisor) waitUntilHealthy(ctx context.Context) error {
	deadline := time.Now().Add(HealthCheckTimeout)
	client := &http.Client{Timeout: HealthCheckInterval}

	for time.Now().Before(deadline) {
		select {
		case <-s.exited:
			excerpt := s.stderr.String()
			if len(excerpt) > StderrCaptureLimit {
				excerpt = excerpt[:StderrCaptureLimit]
			}
			return fmt.Errorf("agent server died during startup: %s", excerpt)
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		resp, err := client.Get(s.baseURL + "/global/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		time.Sleep(HealthCheckInterval)
	}

	return fmt.Errorf("health check timeout after %s: server at %s not responding", HealthCheckTimeout, s.baseURL)
}

// BaseURL returns the server's HTTP base URL.
func (s *Supervisor) BaseURL() string { return s.baseURL }

// PID returns the agent-server process id.
func (s *Supervisor) PID() int { return s.cmd.Process.Pid }

// Port returns the allocated TCP port.
func (s *Supervisor) Port() int { return s.port }

// Stop sends SIGTERM to the process group, waits up to procutil.KillTimeout,
// then escalates to SIGKILL. Safe to call on an already-exited process.
func (s *Supervisor) Stop() {
	procutil.KillGroup(s.cmd.Process.Pid, s.exited)
}

// Wait blocks until the process has exited.
func (s *Supervisor) Wait() {
	<-s.exited
}
