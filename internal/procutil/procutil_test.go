package procutil

import (
	"os"
	"testing"
)

func TestIsAliveCurrentProcess(t *testing.T) {
	if !IsAlive(os.Getpid()) {
		t.Fatal("expected current process to report alive")
	}
}

func TestIsAliveRejectsNonPositivePID(t *testing.T) {
	if IsAlive(0) || IsAlive(-1) {
		t.Fatal("expected non-positive pids to report not alive")
	}
}
