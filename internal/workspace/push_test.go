package workspace

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

type stubTokenSource struct {
	token string
	err   error
}

func (s stubTokenSource) Token() (string, error) { return s.token, s.err }

func initRepoWithRemote(t *testing.T) (workDir, remoteDir, branch string) {
	t.Helper()
	remoteDir = filepath.Join(t.TempDir(), "remote.git")
	if err := exec.Command("git", "init", "--bare", remoteDir).Run(); err != nil {
		t.Fatalf("init bare remote: %v", err)
	}

	workDir = filepath.Join(t.TempDir(), "work")
	run := func(args ...string) string {
		cmd := exec.Command("git", args...)
		cmd.Dir = workDir
		out, err := cmd.CombinedOutput()
		if err != nil {
			t.Fatalf("git %v: %v (%s)", args, err, out)
		}
		return string(out)
	}
	if err := exec.Command("git", "init", workDir).Run(); err != nil {
		t.Fatalf("init workdir: %v", err)
	}
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	run("commit", "--allow-empty", "-m", "initial")
	run("remote", "add", "origin", remoteDir)
	branch = strings.TrimSpace(run("branch", "--show-current"))
	return workDir, remoteDir, branch
}

func TestNewPushWithoutTokenUsesAmbientCredentials(t *testing.T) {
	workDir, _, branch := initRepoWithRemote(t)

	push := NewPush(nil)
	if err := push(context.Background(), workDir, branch); err != nil {
		t.Fatalf("expected push to succeed, got %v", err)
	}
}

func TestNewPushWithTokenSourceErrorPropagates(t *testing.T) {
	workDir, _, branch := initRepoWithRemote(t)

	push := NewPush(stubTokenSource{err: context.DeadlineExceeded})
	if err := push(context.Background(), workDir, branch); err == nil {
		t.Fatal("expected token resolution error to propagate")
	}
}
