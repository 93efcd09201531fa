package cli

import (
	"os"
	"path/filepath"

	"github.com/ralphloop/ralph/internal/registry"
)

// stateDir returns the directory ralph keeps its local-mode state in
// ($HOME/.ralph, falling back to the working directory if $HOME can't be
// resolved): the SessionRegistry file and nothing else local mode needs
// to persist across invocations.
func stateDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".ralph"
	}
	return filepath.Join(home, ".ralph")
}

func registryPath() string {
	return filepath.Join(stateDir(), "sessions.json")
}

func openRegistry() (*registry.Store, error) {
	return registry.Open(registryPath())
}
