// Package driver maps driver identities to resource factories. Each resource
// is one dedicated database connection.
package driver

import (
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/dbpoold/dbpoold/pkg/pool"
)

const (
	// SQLite is the identity of the built-in go-sqlite3 factory.
	SQLite = "sqlite3"
	// Postgres is the identity of the built-in native pgx factory.
	Postgres = "pgx"
)

// ErrUnknownDriver is returned by Lookup for an identity with no factory and
// no database/sql driver of the same name.
var ErrUnknownDriver = errors.New("unknown driver")

// Registry holds the factories known by identity.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]pool.Factory
}

// NewRegistry returns a registry with the built-in factories registered.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]pool.Factory)}
	r.Register(SQLite, NewSQLFactory(SQLite))
	r.Register(Postgres, NewPgxFactory())
	return r
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, factory pool.Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Lookup returns the factory for name. Identities that are not registered
// fall back to database/sql when a driver of that name has been linked in.
func (r *Registry) Lookup(name string) (pool.Factory, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if ok {
		return factory, nil
	}

	if slices.Contains(sql.Drivers(), name) {
		return NewSQLFactory(name), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, name)
}

// Names returns the registered identities in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
