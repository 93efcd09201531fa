package agent

import (
	"fmt"
	"sync"

	"github.com/ralphloop/ralph/internal/task"
)

var (
	registry     = make(map[task.AgentKind]func() Adapter)
	registryLock sync.RWMutex
)

// Register adds an adapter factory to the registry. Called from each
// AgentKind package's init().
func Register(kind task.AgentKind, factory func() Adapter) {
	registryLock.Lock()
	defer registryLock.Unlock()
	registry[kind] = factory
}

// Get retrieves a fresh Adapter instance for kind.
func Get(kind task.AgentKind) (Adapter, error) {
	registryLock.RLock()
	defer registryLock.RUnlock()

	factory, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("unknown agent kind: %s", kind)
	}
	return factory(), nil
}

// Exists reports whether kind has a registered adapter.
func Exists(kind task.AgentKind) bool {
	registryLock.RLock()
	defer registryLock.RUnlock()
	_, ok := registry[kind]
	return ok
}
