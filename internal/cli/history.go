package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/roach88/statesync/internal/config"
	"github.com/roach88/statesync/internal/journal"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	System  string
	DataSet string
	Kind    string
	Since   time.Duration
	Limit   int
	Cycles  bool          // list cycles instead of actions
	Prune   time.Duration // delete entries older than this first

	now func() time.Time
}

// HistoryResult is the history command's output.
type HistoryResult struct {
	JournalPath string               `json:"journalPath"`
	Pruned      int64                `json:"pruned,omitempty"`
	Actions     []journal.Entry      `json:"actions,omitempty"`
	Cycles      []journal.CycleEntry `json:"cycles,omitempty"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts, now: time.Now}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show journaled sync actions",
		Long: `Show the most recent sync actions, or refresh cycles with --cycles, from the
journal named by the configuration's journalPath.

Clean AlreadyInSync actions are not journaled.

Examples:
  statesync history --system crm --limit 20
  statesync history --kind DeleteState --since 24h
  statesync history --cycles
  statesync history --prune 720h`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.System, "system", "", "only this connected system")
	cmd.Flags().StringVar(&opts.DataSet, "dataset", "", "only this dataset")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "only this action kind (e.g. UpdateBoth)")
	cmd.Flags().DurationVar(&opts.Since, "since", 0, "only cycles started within this duration")
	cmd.Flags().IntVar(&opts.Limit, "limit", journal.DefaultLimit, "maximum entries to show")
	cmd.Flags().BoolVar(&opts.Cycles, "cycles", false, "list refresh cycles instead of actions")
	cmd.Flags().DurationVar(&opts.Prune, "prune", 0, "first delete entries older than this duration")

	return cmd
}

func runHistory(opts *HistoryOptions, cmd *cobra.Command) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	if cfg.JournalPath == "" {
		return NewExitError(ExitCommandError, "no journalPath configured")
	}

	filter := journal.Filter{System: opts.System, DataSet: opts.DataSet, Limit: opts.Limit}
	if opts.Kind != "" {
		if err := filter.Kind.UnmarshalText([]byte(opts.Kind)); err != nil {
			return WrapExitError(ExitCommandError, "invalid --kind", err)
		}
	}
	if opts.Since > 0 {
		filter.Since = opts.now().Add(-opts.Since)
	}

	j, err := journal.Open(cfg.JournalPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	defer j.Close()

	ctx := cmd.Context()
	result := HistoryResult{JournalPath: cfg.JournalPath}

	if opts.Prune > 0 {
		result.Pruned, err = j.Prune(ctx, opts.now().Add(-opts.Prune))
		if err != nil {
			return WrapExitError(ExitFailure, "failed to prune journal", err)
		}
	}

	if opts.Cycles {
		result.Cycles, err = j.Cycles(ctx, opts.System, opts.Limit)
	} else {
		result.Actions, err = j.Actions(ctx, filter)
	}
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read journal", err)
	}

	if opts.Format == "json" {
		formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
		return formatter.Success(result)
	}
	return outputHistoryText(cmd.OutOrStdout(), result, opts.Cycles)
}

func outputHistoryText(w io.Writer, result HistoryResult, cycles bool) error {
	if result.Pruned > 0 {
		fmt.Fprintf(w, "Pruned %d cycle(s).\n\n", result.Pruned)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if cycles {
		if len(result.Cycles) == 0 {
			fmt.Fprintln(w, "No cycles journaled.")
			return nil
		}
		fmt.Fprintln(tw, "SEQ\tSTARTED\tSYSTEM\tDATASETS\tFAILED\tACTIONS\tSTATUS")
		for _, c := range result.Cycles {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%d\t%s\n",
				c.Seq, formatTime(c.Started), c.System, c.DataSets, c.Failed, c.Actions, cycleStatus(c))
		}
		return tw.Flush()
	}

	if len(result.Actions) == 0 {
		fmt.Fprintln(w, "No actions journaled.")
		return nil
	}
	fmt.Fprintln(tw, "SEQ\tSTARTED\tDATASET\tKIND\tJOIN\tIN\tOUT\tSTATUS")
	for _, e := range result.Actions {
		fmt.Fprintf(tw, "%d\t%s\t%s/%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Seq, formatTime(e.Started), e.System, e.DataSet, e.Kind, e.JoinValue,
			e.InPermission, e.OutPermission, entryStatus(e))
	}
	return tw.Flush()
}

func entryStatus(e journal.Entry) string {
	switch {
	case e.Error != "":
		return color.New(color.FgRed).Sprint("error: " + e.Error)
	case e.Applied:
		return color.New(color.FgGreen).Sprint("applied")
	case e.Kind.IsRemedy():
		return color.New(color.FgYellow).Sprint("remedy")
	default:
		return color.New(color.FgHiBlack).Sprint("not applied")
	}
}

func cycleStatus(c journal.CycleEntry) string {
	switch {
	case c.Completed.IsZero():
		return color.New(color.FgRed).Sprint("cancelled")
	case c.Failed > 0:
		return color.New(color.FgYellow).Sprint("failed")
	default:
		return color.New(color.FgGreen).Sprint("ok")
	}
}
