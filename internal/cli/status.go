package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/roach88/statesync/internal/config"
	"github.com/roach88/statesync/internal/state"
)

// SystemStatus is one connected system's last cycle.
type SystemStatus struct {
	Name              string    `json:"name"`
	Type              string    `json:"type"`
	Enabled           bool      `json:"enabled"`
	PeriodSeconds     int       `json:"periodSeconds"`
	LastSyncStarted   time.Time `json:"lastSyncStarted,omitzero"`
	LastSyncCompleted time.Time `json:"lastSyncCompleted,omitzero"`
}

// Incomplete reports whether the last started cycle never completed.
func (s SystemStatus) Incomplete() bool {
	return !s.LastSyncStarted.IsZero() && s.LastSyncCompleted.Before(s.LastSyncStarted)
}

// ListStatus is one state item list.
type ListStatus struct {
	Name  string `json:"name"`
	Items int    `json:"items"`
}

// StatusResult is the status command's output.
type StatusResult struct {
	StatePath string         `json:"statePath"`
	Systems   []SystemStatus `json:"systems"`
	Lists     []ListStatus   `json:"lists"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show last sync times and state list sizes",
		Long: `Show each connected system's last sync start and completion, and the number
of items in every state list, read from the state file.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}
	return cmd
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	if opts.StatePath != "" {
		cfg.StatePath = opts.StatePath
	}

	store, err := state.Load(cfg.StatePath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load state", err)
	}

	result := buildStatus(cfg, store)
	if opts.Format == "json" {
		formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
		return formatter.Success(result)
	}
	outputStatusText(cmd.OutOrStdout(), result)
	return nil
}

func buildStatus(cfg *config.Config, store *state.Store) StatusResult {
	result := StatusResult{StatePath: cfg.StatePath}
	for _, sys := range cfg.Systems {
		stats := store.Stats(sys.Name)
		result.Systems = append(result.Systems, SystemStatus{
			Name:              sys.Name,
			Type:              sys.Type,
			Enabled:           sys.Enabled,
			PeriodSeconds:     sys.LoopPeriodicitySeconds,
			LastSyncStarted:   stats.LastSyncStarted,
			LastSyncCompleted: stats.LastSyncCompleted,
		})
	}
	for _, name := range store.DataSetNames() {
		if list, ok := store.Lookup(name); ok {
			result.Lists = append(result.Lists, ListStatus{Name: name, Items: list.Len()})
		}
	}
	return result
}

func outputStatusText(w io.Writer, result StatusResult) {
	fmt.Fprintf(w, "State: %s\n\n", result.StatePath)

	fmt.Fprintln(w, "Systems:")
	for _, s := range result.Systems {
		fmt.Fprintf(w, "  %s %s (%s, every %ds)\n", systemBadge(s), s.Name, s.Type, s.PeriodSeconds)
		fmt.Fprintf(w, "      started:   %s\n", formatTime(s.LastSyncStarted))
		fmt.Fprintf(w, "      completed: %s\n", formatTime(s.LastSyncCompleted))
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Lists:")
	if len(result.Lists) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, l := range result.Lists {
		fmt.Fprintf(w, "  %-24s %d items\n", l.Name, l.Items)
	}
}

func systemBadge(s SystemStatus) string {
	switch {
	case !s.Enabled:
		return color.New(color.FgHiBlack).Sprint("DISABLED")
	case s.LastSyncStarted.IsZero():
		return color.New(color.FgYellow).Sprint("NEVER   ")
	case s.Incomplete():
		return color.New(color.FgRed).Sprint("PARTIAL ")
	default:
		return color.New(color.FgGreen).Sprint("OK      ")
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format(time.RFC3339)
}
