package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/statesync/internal/expr"
	"github.com/roach88/statesync/internal/model"
)

// Outward is the mutation half of a connector, the part a pass calls.
type Outward interface {
	// CreateOutward creates the item and returns the system's canonical
	// representation of it.
	CreateOutward(ctx context.Context, ds *model.DataSet, fields *model.Fields) (*model.Fields, error)

	// UpdateOutward applies action.SystemChanges to action.SystemItem.
	UpdateOutward(ctx context.Context, ds *model.DataSet, action *SyncAction) error

	DeleteOutward(ctx context.Context, ds *model.DataSet, fields *model.Fields) error
}

// Connector integrates one connected system.
type Connector interface {
	Outward

	// Fetch returns the dataset's current external items in system order.
	Fetch(ctx context.Context, ds *model.DataSet) ([]*model.Fields, error)

	// QueryLookup returns field of the single item query selects.
	// Results are served from the connector's own query cache.
	QueryLookup(ctx context.Context, query, field string, zero, multi expr.MatchPolicy) (model.Value, error)

	// ClearCache drops every cached lookup result.
	ClearCache()

	Close() error
}

// Registry maps connected-system names to connectors and routes
// expression lookups to them.
// Safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

var _ expr.Lookuper = (*Registry)(nil)

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

// Register adds c under name. Names must be unique.
func (r *Registry) Register(name string, c Connector) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.connectors[name]; exists {
		return fmt.Errorf("connector %q already registered", name)
	}
	r.connectors[name] = c
	return nil
}

// Get returns the connector registered under name.
func (r *Registry) Get(name string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[name]
	return c, ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedNames(r.connectors)
}

// Lookup implements expr.Lookuper.
func (r *Registry) Lookup(ctx context.Context, system, query, field string, zero, multi expr.MatchPolicy) (model.Value, error) {
	c, ok := r.Get(system)
	if !ok {
		return nil, fmt.Errorf("unknown connected system %q", system)
	}
	return c.QueryLookup(ctx, query, field, zero, multi)
}

// ClearCaches clears every connector's query cache.
func (r *Registry) ClearCaches() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.connectors {
		c.ClearCache()
	}
}

// Close closes every connector and empties the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, name := range sortedNames(r.connectors) {
		if err := r.connectors[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	r.connectors = make(map[string]Connector)
	return errors.Join(errs...)
}

func sortedNames(m map[string]Connector) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
