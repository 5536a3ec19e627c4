// Package connector opens the connector implementation a connected system's
// type names.
//
// Supported types:
//   - memory: items held in process, optionally seeded from the YAML file
//     named by the system's connection string
//   - sqlite: one table per dataset in the SQLite database named by the
//     connection string; each dataset's queryConfig is {"table","key"}
package connector

import (
	"errors"
	"fmt"
	"time"

	"github.com/roach88/statesync/internal/connector/memory"
	"github.com/roach88/statesync/internal/connector/sqlconn"
	"github.com/roach88/statesync/internal/engine"
	"github.com/roach88/statesync/internal/model"
)

// Options configures opened connectors.
type Options struct {
	// CacheTTL is the lookup cache TTL. Non-positive uses cache.DefaultTTL.
	CacheTTL time.Duration

	// Now overrides the cache clock. Default: time.Now.
	Now func() time.Time
}

// Types returns the supported connector types.
func Types() []string {
	return []string{memory.Type, sqlconn.Type}
}

// Validate checks that sys names a supported type and that each dataset's
// query configuration is understood by it. Nothing is opened.
func Validate(sys *model.ConnectedSystem) error {
	switch sys.Type {
	case memory.Type:
		return nil
	case sqlconn.Type:
		if sys.Connection == "" {
			return fmt.Errorf("system %s: sqlite connection string is required", sys.Name)
		}
		var errs []error
		for i := range sys.DataSets {
			ds := &sys.DataSets[i]
			if _, err := sqlconn.ParseQueryConfig(ds.QueryConfig); err != nil {
				errs = append(errs, fmt.Errorf("system %s dataset %s: %w", sys.Name, ds.Name, err))
			}
		}
		return errors.Join(errs...)
	default:
		return fmt.Errorf("system %s: unknown connector type %q (supported: %v)", sys.Name, sys.Type, Types())
	}
}

// Open validates sys and opens its connector.
func Open(sys *model.ConnectedSystem, opts Options) (engine.Connector, error) {
	if err := Validate(sys); err != nil {
		return nil, err
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	switch sys.Type {
	case memory.Type:
		c, err := memory.Open(sys.Connection, memory.WithCacheTTL(opts.CacheTTL), memory.WithClock(now))
		if err != nil {
			return nil, fmt.Errorf("system %s: %w", sys.Name, err)
		}
		return c, nil
	case sqlconn.Type:
		c, err := sqlconn.Open(sys.Connection, sqlconn.WithCacheTTL(opts.CacheTTL), sqlconn.WithClock(now))
		if err != nil {
			return nil, fmt.Errorf("system %s: %w", sys.Name, err)
		}
		return c, nil
	}
	return nil, fmt.Errorf("system %s: unknown connector type %q", sys.Name, sys.Type)
}

// OpenAll opens a connector for every system and registers it under the
// system's name. On failure, connectors already opened are closed.
func OpenAll(systems []model.ConnectedSystem, opts Options) (*engine.Registry, error) {
	registry := engine.NewRegistry()
	for i := range systems {
		sys := &systems[i]
		c, err := Open(sys, opts)
		if err != nil {
			return nil, errors.Join(err, registry.Close())
		}
		if err := registry.Register(sys.Name, c); err != nil {
			return nil, errors.Join(err, c.Close(), registry.Close())
		}
	}
	return registry, nil
}
