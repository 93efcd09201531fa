package scheduler

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/ralphloop/ralph/internal/driver"
)

func initBareOrigin(t *testing.T, dir string) string {
	t.Helper()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	src := filepath.Join(dir, "src")
	if err := exec.Command("mkdir", "-p", src).Run(); err != nil {
		t.Fatal(err)
	}
	srcCmd := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = src
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	srcCmd("init", "-b", "main")
	srcCmd("config", "user.email", "a@b.c")
	srcCmd("config", "user.name", "tester")
	if err := exec.Command("sh", "-c", "echo hi > "+filepath.Join(src, "f.txt")).Run(); err != nil {
		t.Fatal(err)
	}
	srcCmd("add", ".")
	srcCmd("commit", "-m", "init")

	origin := filepath.Join(dir, "origin.git")
	run("init", "--bare", "-b", "main", origin)
	srcCmd("remote", "add", "origin", origin)
	srcCmd("push", "origin", "main")
	return origin
}

// withFakeAgentBinaries puts stub "claude" and "opencode" executables on
// PATH so StartLoop's agent-availability admission check (step 3) succeeds
// without depending on the host actually having either installed.
func withFakeAgentBinaries(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	for _, name := range []string{"claude", "opencode"} {
		path := filepath.Join(dir, name)
		script := "#!/bin/sh\necho fake-" + name + "-1.0.0\n"
		if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func TestEnsureAgentAvailableRejectsMissingBinary(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	root := t.TempDir()
	s, err := New(Config{WorkspaceDir: root, MaxConcurrentLoops: 2}, filepath.Join(root, "loops.json"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.StartLoop(context.Background(), StartParams{
		OriginURL: "https://example.test/repo.git", Branch: "main", TaskDir: root,
	})
	schedErr, ok := err.(*Error)
	if !ok || schedErr.Kind != ErrAgentUnavailable {
		t.Fatalf("expected agent_unavailable error, got %v", err)
	}
}

func TestStartLoopRejectsMissingParams(t *testing.T) {
	root := t.TempDir()
	s, err := New(Config{WorkspaceDir: root, MaxConcurrentLoops: 2}, filepath.Join(root, "loops.json"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.StartLoop(context.Background(), StartParams{}); err == nil {
		t.Fatal("expected error for missing params")
	}
}

func TestStartLoopEnforcesConcurrencyCap(t *testing.T) {
	root := t.TempDir()
	s, err := New(Config{WorkspaceDir: filepath.Join(root, "ws"), MaxConcurrentLoops: 0}, filepath.Join(root, "loops.json"))
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.StartLoop(context.Background(), StartParams{
		OriginURL: "https://example.test/repo.git", Branch: "main", TaskDir: root,
	})
	schedErr, ok := err.(*Error)
	if !ok || schedErr.Kind != ErrMaxLoops {
		t.Fatalf("expected max_loops error, got %v", err)
	}
}

func TestStartLoopRunsToCompletion(t *testing.T) {
	withFakeAgentBinaries(t)
	root := t.TempDir()
	origin := initBareOrigin(t, root)

	taskDir := filepath.Join(root, "task")
	if err := exec.Command("mkdir", "-p", taskDir).Run(); err != nil {
		t.Fatal(err)
	}
	prd := `{"userStories":[{"id":"S1","passes":true}]}`
	if err := os.WriteFile(filepath.Join(taskDir, "prd.json"), []byte(prd), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := New(Config{WorkspaceDir: filepath.Join(root, "ws"), MaxConcurrentLoops: 2}, filepath.Join(root, "loops.json"))
	if err != nil {
		t.Fatal(err)
	}

	info, err := s.StartLoop(context.Background(), StartParams{
		OriginURL: origin, Branch: "main", TaskDir: taskDir, MaxIterations: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if info.LoopID == "" {
		t.Fatal("expected loop id")
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(s.ListLoops()) == 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if loops := s.ListLoops(); len(loops) != 0 {
		t.Fatalf("expected loop to finish, still active: %+v", loops)
	}
}

func TestStopLoopUnknownID(t *testing.T) {
	root := t.TempDir()
	s, err := New(Config{WorkspaceDir: root, MaxConcurrentLoops: 2}, filepath.Join(root, "loops.json"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.StopLoop("does-not-exist"); err == nil {
		t.Fatal("expected loop_not_found error")
	}
}

type recordingSubscriber struct {
	events []driver.Event
}

func (r *recordingSubscriber) Send(ev driver.Event) error {
	r.events = append(r.events, ev)
	return nil
}

func TestBroadcastFansOutToSubscribers(t *testing.T) {
	root := t.TempDir()
	s, err := New(Config{WorkspaceDir: root, MaxConcurrentLoops: 2}, filepath.Join(root, "loops.json"))
	if err != nil {
		t.Fatal(err)
	}
	sub := &recordingSubscriber{}
	s.Subscribe(sub)
	s.Broadcast(driver.Event{LoopID: "x", Type: "test"})
	if len(sub.events) != 1 {
		t.Fatalf("expected 1 event delivered, got %d", len(sub.events))
	}

	s.Unsubscribe(sub)
	s.Broadcast(driver.Event{LoopID: "x", Type: "test2"})
	if len(sub.events) != 1 {
		t.Fatal("expected no further events after unsubscribe")
	}
}

func TestGetHealthReportsActiveLoops(t *testing.T) {
	root := t.TempDir()
	s, err := New(Config{WorkspaceDir: root, MaxConcurrentLoops: 3}, filepath.Join(root, "loops.json"))
	if err != nil {
		t.Fatal(err)
	}
	h := s.GetHealth()
	if h.MaxConcurrentLoops != 3 {
		t.Fatalf("expected max 3, got %d", h.MaxConcurrentLoops)
	}
	if h.ActiveLoops != 0 {
		t.Fatalf("expected 0 active loops, got %d", h.ActiveLoops)
	}
}
