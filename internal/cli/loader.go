package cli

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/statesync/internal/config"
	"github.com/roach88/statesync/internal/connector"
	"github.com/roach88/statesync/internal/engine"
	"github.com/roach88/statesync/internal/expr"
	"github.com/roach88/statesync/internal/journal"
	"github.com/roach88/statesync/internal/scheduler"
	"github.com/roach88/statesync/internal/state"
)

// loadConfig loads and validates the configuration named by --config and
// applies --state.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	if opts.StatePath != "" {
		cfg.StatePath = opts.StatePath
	}
	if err := cfg.Validate(); err != nil {
		return nil, WrapExitError(ExitFailure, "invalid configuration", err)
	}
	return cfg, nil
}

// pipeline is everything a pass needs: configuration, the loaded state
// store, open connectors and the syncer over them.
type pipeline struct {
	cfg      *config.Config
	store    *state.Store
	registry *engine.Registry
	syncer   *engine.Syncer
	journal  *journal.Journal // nil without journalPath
}

// openPipeline loads configuration and state and opens every configured
// connector. Callers must Close the pipeline.
func openPipeline(opts *RootOptions) (*pipeline, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	store, err := state.Load(cfg.StatePath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load state", err)
	}
	slog.Info("state loaded", "path", cfg.StatePath, "lists", len(store.DataSetNames()))

	for i := range cfg.Systems {
		slog.Debug("opening connector",
			"system", cfg.Systems[i].Name,
			"type", cfg.Systems[i].Type,
			"connection", cfg.MaskedConnection(cfg.Systems[i].Name),
		)
	}
	registry, err := connector.OpenAll(cfg.Systems, cfg.ConnectorOptions())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open connectors", err)
	}

	var j *journal.Journal
	if cfg.JournalPath != "" {
		j, err = journal.Open(cfg.JournalPath)
		if err != nil {
			registry.Close()
			return nil, WrapExitError(ExitCommandError, "failed to open journal", err)
		}
		slog.Info("journal opened", "path", cfg.JournalPath)
	}

	eval := expr.NewCUE(
		expr.WithSubstituter(cfg.Substituter()),
		expr.WithLookuper(registry),
	)
	eng := engine.New(engine.WithEvaluator(eval))

	return &pipeline{
		cfg:      cfg,
		store:    store,
		registry: registry,
		syncer:   engine.NewSyncer(eng, registry, store),
		journal:  j,
	}, nil
}

// schedulerOptions saves state after every cycle and journals cycles when
// a journal is configured.
func (p *pipeline) schedulerOptions() []scheduler.Option {
	opts := []scheduler.Option{scheduler.WithStatePath(p.cfg.StatePath)}
	if p.journal != nil {
		opts = append(opts, scheduler.WithRecorder(p.journal))
	}
	return opts
}

// Close closes every connector and the journal.
func (p *pipeline) Close() error {
	var errs []error
	if err := p.registry.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close connectors: %w", err))
	}
	if p.journal != nil {
		if err := p.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close journal: %w", err))
		}
	}
	return errors.Join(errs...)
}

// closePipeline closes p, logging any failure.
func closePipeline(p *pipeline) {
	if err := p.Close(); err != nil {
		slog.Error("error closing pipeline", "error", err)
	}
}

// validationMessages flattens a joined validation error into one message
// per problem.
func validationMessages(err error) []string {
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, validationMessages(e)...)
		}
		return out
	}
	if err == nil {
		return nil
	}
	return []string{err.Error()}
}
