package driver

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/shanyungyang/clpp/pkg/logging"
)

// Errors returned by the registry.
var (
	ErrUnknownRuntime  = errors.New("driver: unknown runtime")
	ErrNotAvailable    = errors.New("driver: no compute runtime available")
	ErrRuntimeDisabled = errors.New("driver: runtime not compiled in")
)

// Factory opens a runtime. It returns an error when the backend cannot run
// on this host, for example when no ICD loader is installed.
type Factory func() (Runtime, error)

// DefaultOrder is the order Select falls back through.
var DefaultOrder = []string{"opencl", "hostsim"}

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a runtime available by name. Registering a name again
// replaces the earlier factory.
func Register(name string, f Factory) {
	if f == nil {
		panic("driver: Register factory is nil")
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Names returns the registered runtime names, sorted.
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

// Open opens the named runtime.
func Open(name string) (Runtime, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownRuntime, "%q", name)
	}
	rt, err := f()
	if err != nil {
		return nil, errors.Wrapf(err, "open %s runtime", name)
	}
	return rt, nil
}

// Select opens preferred, or the first runtime in DefaultOrder that opens
// when preferred is empty or fails and fallback is set.
func Select(preferred string, fallback bool) (Runtime, error) {
	var candidates []string
	if preferred != "" {
		candidates = append(candidates, preferred)
	}
	if fallback || preferred == "" {
		for _, name := range DefaultOrder {
			if name != preferred {
				candidates = append(candidates, name)
			}
		}
	}

	log := logging.WithComponent("driver")
	var firstErr error
	for _, name := range candidates {
		rt, err := Open(name)
		if err == nil {
			log.WithField("runtime", name).Debug("runtime selected")
			return rt, nil
		}
		log.WithField("runtime", name).WithError(err).Debug("runtime unavailable")
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		return nil, ErrNotAvailable
	}
	return nil, errors.Wrap(ErrNotAvailable, firstErr.Error())
}
