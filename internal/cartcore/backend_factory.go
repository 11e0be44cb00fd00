package cartcore

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type StateBackendFactory func(dsn string) (StateBackend, error)

var backendFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]StateBackendFactory
}{
	factories: map[string]StateBackendFactory{},
}

// RegisterStateBackendFactory installs a custom backend for a DSN
// scheme. Registered factories take precedence over the built-ins.
func RegisterStateBackendFactory(scheme string, factory StateBackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.factories[scheme] = factory
}

// UnregisterStateBackendFactory removes a previously registered scheme,
// restoring the built-in dispatch for it.
func UnregisterStateBackendFactory(scheme string) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	delete(backendFactoryRegistry.factories, scheme)
}

func lookupStateBackendFactory(scheme string) (StateBackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildStateBackendFromDSN maps a DSN to a state backend: bare paths and
// file: DSNs to the JSON file backend, memory: to the in-memory backend,
// postgres:// and redis:// to their servers. An empty DSN returns nil,
// letting the store fall back to its default.
func BuildStateBackendFromDSN(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupStateBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileStateBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryStateBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresStateBackend(dsn)
	case "redis", "rediss":
		return NewRedisStateBackend(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: state backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported state backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
