package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/roach88/statesync/internal/model"
	"github.com/roach88/statesync/internal/state"
)

// Result is the outcome of refreshing one dataset.
type Result struct {
	System  string
	DataSet string
	Actions []*SyncAction
	Err     error
}

// Syncer refreshes datasets: fetch through the system's connector, then
// reconcile against the store's item list.
type Syncer struct {
	engine   *Engine
	registry *Registry
	store    *state.Store
}

// NewSyncer creates a Syncer.
func NewSyncer(e *Engine, registry *Registry, store *state.Store) *Syncer {
	return &Syncer{engine: e, registry: registry, store: store}
}

// Store returns the state store the syncer reconciles against.
func (s *Syncer) Store() *state.Store {
	return s.store
}

// Refresh fetches ds from sys's connector and reconciles it.
func (s *Syncer) Refresh(ctx context.Context, sys *model.ConnectedSystem, ds *model.DataSet) ([]*SyncAction, error) {
	c, ok := s.registry.Get(sys.Name)
	if !ok {
		return nil, &Error{Code: ErrCodeConfig, Op: "refresh", System: sys.Name, DataSet: ds.Name,
			Err: errors.New("no connector registered")}
	}

	items, err := c.Fetch(ctx, ds)
	if err != nil {
		return nil, &Error{Code: ErrCodeConnector, Op: "fetch", System: sys.Name, DataSet: ds.Name, Err: err}
	}

	list := s.store.List(ds.StateListName())
	actions, err := s.engine.Reconcile(ctx, sys, ds, items, list, c)

	attrs := append([]any{"system", sys.Name, "dataset", ds.Name, "fetched", len(items)}, Summarize(actions).LogAttrs()...)
	if err != nil {
		slog.Warn("pass stopped", append(attrs, "error", err)...)
		return actions, err
	}
	slog.Info("pass complete", attrs...)
	return actions, nil
}

// RefreshSystem refreshes every dataset of sys in configured order.
// A failing dataset is logged and skipped; cancellation stops the loop.
func (s *Syncer) RefreshSystem(ctx context.Context, sys *model.ConnectedSystem) []Result {
	results := make([]Result, 0, len(sys.DataSets))
	for i := range sys.DataSets {
		if ctx.Err() != nil {
			break
		}
		ds := &sys.DataSets[i]
		actions, err := s.Refresh(ctx, sys, ds)
		if err != nil && ctx.Err() == nil {
			slog.Error("dataset refresh failed",
				"system", sys.Name,
				"dataset", ds.Name,
				"error", err,
			)
		}
		results = append(results, Result{System: sys.Name, DataSet: ds.Name, Actions: actions, Err: err})
	}
	return results
}

// Errors joins the errors of results.
func Errors(results []Result) error {
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errors.Join(errs...)
}
