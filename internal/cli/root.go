package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigFile string
	EnvFile    string
	Database   string // overrides the configured db path when set
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the fieldsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "fieldsync",
		Short: "fieldsync - offline-first mutation queue and sync engine",
		Long: `fieldsync queues field edits locally, online or not, and replays them
against the backend when connectivity allows.

Edits to the same record replay in the order they were made. Transient
failures retry with backoff; failures that retrying cannot fix wait for
"retry-failed" or "clear-failed".`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "YAML config file")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file with FIELDSYNC_* variables (ignored if missing)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "SQLite database path (overrides config)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewEnqueueCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewRetryFailedCommand(opts))
	cmd.AddCommand(NewClearFailedCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewViewCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // verbose logs go to stderr to keep JSON clean
		Verbose:   opts.Verbose,
	}
}
