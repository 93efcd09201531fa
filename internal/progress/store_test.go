package progress

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRotationIdempotentBelowThreshold(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "feat/x", "loop")
	for i := 0; i < 5; i++ {
		if err := s.Append("hello"); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.RotateIfNeeded(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "progress-1.txt")); !os.IsNotExist(err) {
		t.Fatal("expected no rotation below threshold")
	}
}

func TestRotationExtractsPatternsAndNumbers(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "feat/x", "loop")
	s.rotateThreshold = 3

	body := "## Codebase Patterns\nUse repository pattern for DB access.\n\n## Something Else\nirrelevant\n"
	if err := os.WriteFile(s.path(), []byte(strings.Repeat("x\n", 10)+body), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := s.RotateIfNeeded(); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(dir, "progress-1.txt")); err != nil {
		t.Fatalf("expected progress-1.txt to exist: %v", err)
	}

	newContent, err := os.ReadFile(s.path())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(newContent), "Use repository pattern") {
		t.Fatal("expected extracted codebase patterns in new log")
	}
	if strings.Contains(string(newContent), "Something Else") {
		t.Fatal("did not expect unrelated section to carry over")
	}

	// Second rotation should pick progress-2.txt and reference progress-1.txt.
	s2 := New(dir, "feat/x", "loop")
	s2.rotateThreshold = 0
	for i := 0; i < 5; i++ {
		s2.Append("more")
	}
	if err := s2.RotateIfNeeded(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "progress-2.txt")); err != nil {
		t.Fatalf("expected progress-2.txt: %v", err)
	}
	final, _ := os.ReadFile(s.path())
	if !strings.Contains(string(final), "progress-1.txt") {
		t.Fatal("expected pointer to previous rotation")
	}
}
