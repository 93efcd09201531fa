package claude

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ralphloop/ralph/internal/agent"
)

// fakeClaude is a tiny shell script standing in for the real claude binary,
// so tests never depend on the actual CLI being installed.
func writeFakeBinary(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "claude")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunCompletionDetected(t *testing.T) {
	orig := BinaryName
	BinaryName = writeFakeBinary(t, `echo "working... <promise>COMPLETE</promise>"`)
	defer func() { BinaryName = orig }()

	a := New()
	result, err := a.Run(context.Background(), agent.Config{Prompt: "do it", WorkDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Completed {
		t.Fatal("expected completion detected")
	}
	if result.Failed {
		t.Fatal("did not expect failure")
	}
}

func TestRunNonzeroExitClassifiedAsFailure(t *testing.T) {
	orig := BinaryName
	BinaryName = writeFakeBinary(t, `echo "boom" 1>&2; exit 3`)
	defer func() { BinaryName = orig }()

	a := New()
	result, err := a.Run(context.Background(), agent.Config{Prompt: "do it", WorkDir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if !result.Failed {
		t.Fatal("expected failure on nonzero exit")
	}
	if result.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", result.ExitCode)
	}
	if result.ErrorMessage != "Exit code 3: boom" {
		t.Fatalf("unexpected error message: %q", result.ErrorMessage)
	}
}

func TestBuildArgsPermissiveAndModel(t *testing.T) {
	args := buildArgs(agent.Config{Prompt: "p", Permissive: true, Model: "opus"})
	joined := ""
	for _, a := range args {
		joined += a + " "
	}
	if !containsAll(joined, "--print", "--dangerously-skip-permissions", "--model", "opus", "p") {
		t.Fatalf("unexpected args: %v", args)
	}
}

func containsAll(haystack string, needles ...string) bool {
	for _, n := range needles {
		if !contains(haystack, n) {
			return false
		}
	}
	return true
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}
