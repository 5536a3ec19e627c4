package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/statesync/internal/engine"
	"github.com/roach88/statesync/internal/model"
	"github.com/roach88/statesync/internal/scheduler"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Systems []string // restrict the cycle to these systems
	Actions bool     // print every action
}

// DataSetReport is the outcome of one dataset in a sync cycle.
type DataSetReport struct {
	System   string               `json:"system"`
	DataSet  string               `json:"dataSet"`
	Total    int                  `json:"total"`
	Applied  int                  `json:"applied"`
	Denied   int                  `json:"denied"`
	Remedies int                  `json:"remedies"`
	Errors   int                  `json:"errors"`
	Error    string               `json:"error,omitempty"`
	Actions  []*engine.SyncAction `json:"actions,omitempty"`
}

// SyncResult is the outcome of a sync cycle.
type SyncResult struct {
	StatePath string          `json:"statePath"`
	DataSets  []DataSetReport `json:"dataSets"`
	Failed    int             `json:"failed"`
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one refresh cycle and exit",
		Long: `Run a single refresh cycle over every enabled connected system, save the
state file and exit.

Systems run concurrently; datasets within a system run in configured order.
A system named with --system runs even if it is disabled.

Exit codes:
  0 - Every dataset refreshed
  1 - One or more datasets failed
  2 - Command error (missing config, unreadable state, etc.)

Examples:
  statesync sync --config ./statesync.yaml
  statesync sync --system crm --actions
  statesync sync --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	cmd.Flags().StringSliceVar(&opts.Systems, "system", nil, "only sync the named systems (repeatable)")
	cmd.Flags().BoolVar(&opts.Actions, "actions", false, "print every sync action")

	return cmd
}

func runSync(opts *SyncOptions, cmd *cobra.Command) error {
	p, err := openPipeline(opts.RootOptions)
	if err != nil {
		return err
	}
	defer closePipeline(p)

	systems, err := selectSystems(p.cfg.Systems, opts.Systems)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	sched := scheduler.New(p.syncer, p.store, systems, p.schedulerOptions()...)
	cycles := sched.RunOnce(ctx)

	result := SyncResult{StatePath: p.cfg.StatePath}
	for _, c := range cycles {
		if c.SaveErr != nil {
			return WrapExitError(ExitCommandError, "failed to save state", c.SaveErr)
		}
		for _, r := range c.Results {
			report := newDataSetReport(r, opts.Actions || opts.Format == "json")
			if r.Err != nil {
				result.Failed++
			}
			result.DataSets = append(result.DataSets, report)
		}
	}

	var failure string
	if result.Failed > 0 {
		failure = fmt.Sprintf("%d dataset(s) failed", result.Failed)
	}

	if opts.Format == "json" {
		formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
		if err := formatter.Result(result, ErrCodeSync, failure); err != nil {
			return err
		}
	} else if err := outputSyncText(cmd.OutOrStdout(), result, cycles, opts.Actions); err != nil {
		return err
	}

	if failure != "" {
		return NewExitError(ExitFailure, failure)
	}
	return nil
}

// selectSystems returns the enabled systems, or exactly the named ones
// (enabled or not) when names is non-empty.
func selectSystems(all []model.ConnectedSystem, names []string) ([]model.ConnectedSystem, error) {
	if len(names) == 0 {
		return all, nil
	}
	selected := make([]model.ConnectedSystem, 0, len(names))
	for _, name := range names {
		found := false
		for _, sys := range all {
			if sys.Name == name {
				sys.Enabled = true
				selected = append(selected, sys)
				found = true
				break
			}
		}
		if !found {
			return nil, NewExitError(ExitCommandError, fmt.Sprintf("unknown connected system %q", name))
		}
	}
	return selected, nil
}

func newDataSetReport(r engine.Result, withActions bool) DataSetReport {
	s := engine.Summarize(r.Actions)
	report := DataSetReport{
		System:   r.System,
		DataSet:  r.DataSet,
		Total:    s.Total,
		Applied:  s.Applied,
		Denied:   s.Denied,
		Remedies: s.Remedies,
		Errors:   s.Errors,
	}
	if r.Err != nil {
		report.Error = r.Err.Error()
	}
	if withActions {
		report.Actions = r.Actions
	}
	return report
}

func outputSyncText(w io.Writer, result SyncResult, cycles []scheduler.Cycle, actions bool) error {
	for _, c := range cycles {
		for _, r := range c.Results {
			report := newDataSetReport(r, false)
			mark := "✓"
			if r.Err != nil {
				mark = "✗"
			}
			fmt.Fprintf(w, "%s %s/%s: %d actions, %d applied, %d denied, %d remedies\n",
				mark, r.System, r.DataSet, report.Total, report.Applied, report.Denied, report.Remedies)
			if r.Err != nil {
				fmt.Fprintf(w, "  error: %v\n", r.Err)
			}
			if actions {
				if err := engine.WriteReport(indent{w}, r.Actions); err != nil {
					return err
				}
			}
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "State saved to %s\n", result.StatePath)
	return nil
}

// indent prefixes every write with two spaces. WriteReport writes whole
// lines, so each write starts a line.
type indent struct{ w io.Writer }

func (i indent) Write(p []byte) (int, error) {
	if _, err := io.WriteString(i.w, "  "); err != nil {
		return 0, err
	}
	return i.w.Write(p)
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
