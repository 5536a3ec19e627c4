package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/roach88/statesync/internal/connector/memory"
	"github.com/roach88/statesync/internal/scheduler"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions

	// Watch reloads memory connector seed files when they change and
	// triggers an immediate cycle of the owning system.
	Watch bool

	// SchedulerOptions are appended to the scheduler's options (for testing).
	SchedulerOptions []scheduler.Option
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler until interrupted",
		Long: `Run one refresh loop per enabled connected system until interrupted.

Each loop sleeps for the system's loopPeriodicitySeconds, refreshes every
dataset in configured order and saves the state file.

Example:
  statesync run --config ./statesync.yaml
  statesync run --config ./demo.yaml --watch --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduler(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Watch, "watch", false, "reload memory seed files on change")

	return cmd
}

func runScheduler(opts *RunOptions, cmd *cobra.Command) error {
	p, err := openPipeline(opts.RootOptions)
	if err != nil {
		return err
	}
	defer closePipeline(p)

	// Setup signal handling for graceful shutdown
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	schedOpts := append(p.schedulerOptions(), opts.SchedulerOptions...)
	sched := scheduler.New(p.syncer, p.store, p.cfg.Systems, schedOpts...)

	if opts.Watch {
		w, err := watchSeeds(ctx, p, sched)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to watch seed files", err)
		}
		defer w.Close()
	}

	slog.Info("scheduler starting", "config", p.cfg.Path(), "state", p.cfg.StatePath, "systems", sched.Systems())
	fmt.Fprintf(cmd.OutOrStdout(), "Scheduler started for %d system(s).\n", len(sched.Systems()))
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	if err := sched.Run(ctx); err != nil {
		if errors.Is(err, scheduler.ErrNoSystems) {
			return WrapExitError(ExitCommandError, "nothing to run", err)
		}
		return WrapExitError(ExitFailure, "scheduler error", err)
	}

	if err := p.store.Save(p.cfg.StatePath); err != nil {
		return WrapExitError(ExitFailure, "failed to save state", err)
	}
	slog.Info("scheduler stopped gracefully")
	return nil
}

// watchSeeds watches the seed file of every enabled memory system. A write
// reloads the file into the system's connector and triggers a cycle.
func watchSeeds(ctx context.Context, p *pipeline, sched *scheduler.Scheduler) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	seeds := make(map[string]string) // cleaned seed path -> system name
	for _, sys := range p.cfg.Systems {
		if sys.Type != memory.Type || sys.Connection == "" || !sys.Enabled {
			continue
		}
		path := filepath.Clean(sys.Connection)
		seeds[path] = sys.Name
		// Watch the directory so editors that replace the file are seen.
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watch %s: %w", path, err)
		}
		slog.Info("watching seed file", "system", sys.Name, "path", path)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				name, ok := seeds[filepath.Clean(event.Name)]
				if !ok {
					continue
				}
				if err := reloadSeed(p, name, event.Name); err != nil {
					slog.Warn("seed reload failed", "system", name, "path", event.Name, "error", err)
					continue
				}
				sched.Trigger(name)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("watcher error", "error", err)
			}
		}
	}()

	return watcher, nil
}

func reloadSeed(p *pipeline, system, path string) error {
	c, ok := p.registry.Get(system)
	if !ok {
		return fmt.Errorf("no connector for %s", system)
	}
	mem, ok := c.(*memory.Connector)
	if !ok {
		return fmt.Errorf("system %s is not a memory connector", system)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	seed, err := memory.ParseSeed(data)
	if err != nil {
		return err
	}
	for _, name := range seed.Names {
		mem.Set(name, seed.Items[name]...)
	}
	mem.ClearCache()
	slog.Info("seed reloaded", "system", system, "datasets", len(seed.Names))
	return nil
}
