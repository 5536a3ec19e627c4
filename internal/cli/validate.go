package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/statesync/internal/config"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Systems  int      `json:"systems"`
	DataSets int      `json:"dataSets"`
	Errors   []string `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration without running a pass",
		Long: `Validate the configuration file without opening connectors.

Checks every connected system and dataset: names, exactly one join mapping,
mapping directions, connector type and query configs, mapping expression
syntax, lookup targets, and env/secret tokens.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) && exitErr.Code == ExitCommandError {
			_ = formatter.Error(ErrCodeConfig, exitErr.Message, exitErr.Err.Error())
			return err
		}
		return outputValidationErrors(formatter, validationMessages(err))
	}

	result := ValidationResult{Valid: true, Systems: len(cfg.Systems), DataSets: countDataSets(cfg)}
	formatter.VerboseLog("Validated %s", cfg.Path())

	if opts.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ %s is valid (%d systems, %d datasets)\n", opts.ConfigPath, result.Systems, result.DataSets)
	return nil
}

func outputValidationErrors(formatter *OutputFormatter, messages []string) error {
	if formatter.Format == "json" {
		if err := formatter.Result(ValidationResult{Valid: false, Errors: messages}, ErrCodeConfig,
			fmt.Sprintf("%d validation error(s)", len(messages))); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(formatter.Writer, "✗ %d validation error(s):\n", len(messages))
		for _, m := range messages {
			fmt.Fprintf(formatter.Writer, "  %s\n", m)
		}
	}
	return NewExitError(ExitFailure, fmt.Sprintf("%d validation error(s)", len(messages)))
}

func countDataSets(cfg *config.Config) int {
	n := 0
	for i := range cfg.Systems {
		n += len(cfg.Systems[i].DataSets)
	}
	return n
}
