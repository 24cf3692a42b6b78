// Package task provides the units of work run inside worker processes.
package task

import (
	"fmt"
	"sort"
	"sync"

	"github.com/lambda-feedback/foreman/internal/worker"
	"go.uber.org/zap"
)

// Factory creates a task from its configuration.
type Factory func(Config, *zap.Logger) (worker.Task, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

func init() {
	Register("exec", NewExecTask)
}

// Register makes a task available under name, replacing
// any task registered before with the same name.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	registry[name] = factory
}

// Names returns the registered task names in order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// New creates the task selected by config.Name.
func New(config Config, log *zap.Logger) (worker.Task, error) {
	registryMu.RLock()
	factory, ok := registry[config.Name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, config.Name)
	}

	return factory(config, log.Named("task").With(zap.String("task", config.Name)))
}
