// Package scheduler runs one independent refresh loop per enabled connected
// system.
//
// Each loop sleeps for the system's period, records the cycle start,
// refreshes every dataset in configured order, records completion and saves
// the state store. A slow or failing system never delays another.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/statesync/internal/engine"
	"github.com/roach88/statesync/internal/model"
	"github.com/roach88/statesync/internal/state"
)

// ErrNoSystems is returned by Run when no connected system is enabled.
var ErrNoSystems = errors.New("no enabled connected systems")

// Refresher refreshes every dataset of a connected system.
// Implemented by engine.Syncer.
type Refresher interface {
	RefreshSystem(ctx context.Context, sys *model.ConnectedSystem) []engine.Result
}

// Recorder keeps a history of cycles. Implemented by journal.Journal.
type Recorder interface {
	Record(ctx context.Context, c Cycle) (int, error)
}

// Cycle is the outcome of one refresh cycle of one system.
type Cycle struct {
	System    string
	Started   time.Time
	Completed time.Time // zero if the cycle was cancelled
	Results   []engine.Result
	SaveErr   error

	// RecordErr is the Recorder failure, if any. It does not fail the cycle.
	RecordErr error
}

// Err joins the cycle's dataset and save errors.
func (c Cycle) Err() error {
	var errs []error
	for _, r := range c.Results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	if c.SaveErr != nil {
		errs = append(errs, c.SaveErr)
	}
	return errors.Join(errs...)
}

// Scheduler drives the refresh loops.
type Scheduler struct {
	refresher Refresher
	store     *state.Store
	systems   []*model.ConnectedSystem

	statePath string
	now       func() time.Time
	after     func(time.Duration) <-chan time.Time
	onCycle   func(Cycle)
	recorder  Recorder

	triggers map[string]chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithStatePath saves the store to path after every cycle.
// Default: the store is not saved.
func WithStatePath(path string) Option {
	return func(s *Scheduler) {
		s.statePath = path
	}
}

// WithClock sets the source of cycle timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithAfter replaces time.After for the sleep between cycles.
func WithAfter(after func(time.Duration) <-chan time.Time) Option {
	return func(s *Scheduler) {
		s.after = after
	}
}

// WithCycleHook calls fn after every cycle, from the system's goroutine.
func WithCycleHook(fn func(Cycle)) Option {
	return func(s *Scheduler) {
		s.onCycle = fn
	}
}

// WithRecorder records every cycle, cancelled ones included, after the
// state is saved.
func WithRecorder(r Recorder) Option {
	return func(s *Scheduler) {
		s.recorder = r
	}
}

// New creates a Scheduler over the enabled systems of systems.
func New(refresher Refresher, store *state.Store, systems []model.ConnectedSystem, opts ...Option) *Scheduler {
	s := &Scheduler{
		refresher: refresher,
		store:     store,
		now:       time.Now,
		after:     time.After,
		triggers:  make(map[string]chan struct{}),
	}
	for i := range systems {
		if !systems[i].Enabled {
			continue
		}
		s.systems = append(s.systems, &systems[i])
		s.triggers[systems[i].Name] = make(chan struct{}, 1)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Systems returns the names of the scheduled systems.
func (s *Scheduler) Systems() []string {
	names := make([]string, len(s.systems))
	for i, sys := range s.systems {
		names[i] = sys.Name
	}
	return names
}

// Trigger wakes the named system's loop without waiting for its period.
// A trigger while one is already pending is dropped. Reports whether the
// system is scheduled.
func (s *Scheduler) Trigger(system string) bool {
	ch, ok := s.triggers[system]
	if !ok {
		return false
	}
	select {
	case ch <- struct{}{}:
	default:
	}
	return true
}

// Run starts one loop per scheduled system and blocks until ctx is
// cancelled and every loop has returned.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.systems) == 0 {
		return ErrNoSystems
	}

	var wg sync.WaitGroup
	for _, sys := range s.systems {
		wg.Add(1)
		go func(sys *model.ConnectedSystem) {
			defer wg.Done()
			s.loop(ctx, sys)
		}(sys)
	}

	slog.Info("scheduler started", "systems", len(s.systems))
	wg.Wait()
	slog.Info("scheduler stopped")
	return nil
}

// RunOnce runs a single cycle of every scheduled system concurrently and
// returns the cycles in configured order.
func (s *Scheduler) RunOnce(ctx context.Context) []Cycle {
	cycles := make([]Cycle, len(s.systems))

	var wg sync.WaitGroup
	for i, sys := range s.systems {
		wg.Add(1)
		go func(i int, sys *model.ConnectedSystem) {
			defer wg.Done()
			cycles[i] = s.cycle(ctx, sys)
		}(i, sys)
	}
	wg.Wait()
	return cycles
}

func (s *Scheduler) loop(ctx context.Context, sys *model.ConnectedSystem) {
	period := time.Duration(sys.LoopPeriodicitySeconds) * time.Second
	trigger := s.triggers[sys.Name]

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.after(period):
		case <-trigger:
			slog.Debug("cycle triggered", "system", sys.Name)
		}
		s.cycle(ctx, sys)
	}
}

func (s *Scheduler) cycle(ctx context.Context, sys *model.ConnectedSystem) Cycle {
	c := Cycle{System: sys.Name, Started: s.now()}
	s.store.RecordSyncStarted(sys.Name, c.Started)

	c.Results = s.refresher.RefreshSystem(ctx, sys)

	if ctx.Err() == nil {
		c.Completed = s.now()
		s.store.RecordSyncCompleted(sys.Name, c.Completed)
	}

	// Partial results of a cancelled cycle are already applied, so they
	// are saved too.
	if s.statePath != "" {
		c.SaveErr = s.store.Save(s.statePath)
		if c.SaveErr != nil {
			slog.Error("failed to save state", "system", sys.Name, "path", s.statePath, "error", c.SaveErr)
		}
	}

	if s.recorder != nil {
		n, err := s.recorder.Record(context.WithoutCancel(ctx), c)
		if err != nil {
			c.RecordErr = err
			slog.Warn("failed to record cycle", "system", sys.Name, "error", err)
		} else {
			slog.Debug("cycle recorded", "system", sys.Name, "actions", n)
		}
	}

	failed := 0
	for _, r := range c.Results {
		if r.Err != nil {
			failed++
		}
	}
	slog.Info("cycle complete",
		"system", sys.Name,
		"datasets", len(c.Results),
		"failed", failed,
		"cancelled", c.Completed.IsZero(),
		"duration", s.now().Sub(c.Started),
	)

	if s.onCycle != nil {
		s.onCycle(c)
	}
	return c
}
