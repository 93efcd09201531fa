package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func TestResolveProjectName(t *testing.T) {
	cases := map[string]string{
		"https://h/u/r.git": "r",
		"git@h:u/r.git":      "r",
		"/a/b/r":             "r",
		"https://h/u/r":      "r",
	}
	for in, want := range cases {
		got, err := ResolveProjectName(in)
		if err != nil {
			t.Fatalf("ResolveProjectName(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ResolveProjectName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestResolveProjectNameEmptyErrors(t *testing.T) {
	if _, err := ResolveProjectName(""); err == nil {
		t.Fatal("expected error for empty origin")
	}
}

// initLocalRepo creates a minimal local git repo usable as an origin for
// setup-workspace tests, avoiding any network dependency.
func initLocalRepo(t *testing.T, branch string) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test.com")
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", branch)
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", ".")
	run("commit", "-m", "init")
	return dir
}

func TestSetupWorkspaceCloneFetchWorktree(t *testing.T) {
	origin := initLocalRepo(t, "main")
	root := t.TempDir()
	m := New(root)

	info, err := m.SetupWorkspace(context.Background(), origin, "main", "task1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(info.Path); err != nil {
		t.Fatalf("expected worktree dir to exist: %v", err)
	}
	if info.ProjectName != filepath.Base(origin) {
		t.Fatalf("unexpected project name: %q", info.ProjectName)
	}

	if err := m.CleanupWorkspace(context.Background(), info); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(info.Path); !os.IsNotExist(err) {
		t.Fatal("expected worktree path removed after cleanup")
	}
}

func TestSetupWorkspaceOriginMismatch(t *testing.T) {
	originA := initLocalRepo(t, "main")
	originB := initLocalRepo(t, "main")
	root := t.TempDir()
	m := New(root)

	if _, err := m.SetupWorkspace(context.Background(), originA, "main", "task1"); err != nil {
		t.Fatal(err)
	}
	_, err := m.SetupWorkspace(context.Background(), originB, "main", "task2")
	if err == nil {
		t.Fatal("expected origin mismatch error")
	}
	wsErr, ok := err.(*Error)
	if !ok || wsErr.Kind != KindOriginMismatch {
		t.Fatalf("expected OriginMismatch, got %v", err)
	}
}

func TestSetupWorkspaceBranchNotFound(t *testing.T) {
	origin := initLocalRepo(t, "main")
	root := t.TempDir()
	m := New(root)

	_, err := m.SetupWorkspace(context.Background(), origin, "does-not-exist", "task1")
	if err == nil {
		t.Fatal("expected branch-not-found error")
	}
	wsErr, ok := err.(*Error)
	if !ok || wsErr.Kind != KindBranchNotFound {
		t.Fatalf("expected BranchNotFound, got %v", err)
	}
}

func TestCleanupWorkspaceIdempotent(t *testing.T) {
	origin := initLocalRepo(t, "main")
	root := t.TempDir()
	m := New(root)

	info, err := m.SetupWorkspace(context.Background(), origin, "main", "task1")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.CleanupWorkspace(context.Background(), info); err != nil {
		t.Fatal(err)
	}
	// Second cleanup of an already-removed worktree must be a no-op success.
	if err := m.CleanupWorkspace(context.Background(), info); err != nil {
		t.Fatalf("expected idempotent cleanup, got %v", err)
	}
}

func TestPruneStaleWorktreesOnEmptyRoot(t *testing.T) {
	m := New(filepath.Join(t.TempDir(), "does-not-exist"))
	n, err := m.PruneStaleWorktrees(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected 0 pruned, got %d", n)
	}
}
