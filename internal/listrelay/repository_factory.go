package listrelay

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type RepositoryFactory func(dsn string) (Repository, error)

var repositoryFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]RepositoryFactory
}{
	factories: map[string]RepositoryFactory{},
}

// RegisterRepositoryFactory lets embedders plug in additional storage schemes
// without modifying BuildRepositoryFromDSN.
func RegisterRepositoryFactory(scheme string, factory RepositoryFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	repositoryFactoryRegistry.mu.Lock()
	defer repositoryFactoryRegistry.mu.Unlock()
	repositoryFactoryRegistry.factories[scheme] = factory
}

func lookupRepositoryFactory(scheme string) (RepositoryFactory, bool) {
	scheme = normalizeScheme(scheme)
	repositoryFactoryRegistry.mu.RLock()
	defer repositoryFactoryRegistry.mu.RUnlock()
	factory, ok := repositoryFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildRepositoryFromDSN picks a queue repository implementation from the DSN
// scheme. An empty DSN yields the in-memory repository.
func BuildRepositoryFromDSN(dsn string) (Repository, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryRepository(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupRepositoryFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "memory", "mem", "inmem":
		return NewMemoryRepository(), nil
	case "postgres", "postgresql":
		return NewPostgresRepository(dsn)
	case "mysql", "sqlite", "redis":
		return nil, fmt.Errorf("%w: queue repository backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported queue repository scheme: %s", scheme)
	}
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
