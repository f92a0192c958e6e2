package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/payload"
	"github.com/roach88/fieldsync/internal/queue"
	"github.com/roach88/fieldsync/internal/schema"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid      bool                `json:"valid"`
	EntityType string              `json:"entityType"`
	Operation  string              `json:"operation"`
	Errors     []schema.FieldError `json:"errors,omitempty"`
}

// RenderText implements TextRenderer.
func (r ValidationResult) RenderText(w io.Writer) {
	fmt.Fprintf(w, "✓ %s %s payload is valid\n", r.EntityType, r.Operation)
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <entity> <create|update|delete> [payload-json]",
		Short: "Check a payload against the entity schema",
		Long: `Validate a mutation payload against the entity schemas without queueing it.

Uses the built-in schemas, or the CUE package named by schema_dir.

Example:
  fieldsync validate jobs create '{"title":"Fix HVAC"}'
  fieldsync validate inventory_items update '{"quantity":-1}' --format json`,
		Args:          cobra.RangeArgs(2, 3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw string
			if len(args) == 3 {
				raw = args[2]
			}
			return runValidate(rootOpts, args[0], queue.Operation(args[1]), raw, cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, entityType string, op queue.Operation, raw string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	if !op.Valid() {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid operation %q: must be create, update or delete", op))
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	reg, err := loadRegistry(cfg)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load entity schemas", err)
	}
	formatter.VerboseLog("Loaded %d entity schema(s)", len(reg.EntityTypes()))

	p, err := payload.Decode([]byte(raw))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid payload JSON", err)
	}

	result := ValidationResult{
		Valid:      true,
		EntityType: entityType,
		Operation:  string(op),
	}
	err = reg.Validate(entityType, string(op), p)
	if err == nil {
		return formatter.Success(result)
	}

	var ve *schema.ValidationError
	if !errors.As(err, &ve) {
		return WrapExitError(ExitCommandError, "validation failed", err)
	}
	result.Valid = false
	result.Errors = ve.Fields

	if opts.Format == "json" {
		if fmtErr := formatter.Error(ErrCodeValidation, ve.Error(), result); fmtErr != nil {
			return fmtErr
		}
	} else {
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "✗ %s %s payload is invalid\n", entityType, op)
		for _, f := range ve.Fields {
			if f.Field == "" {
				fmt.Fprintf(w, "  %s\n", f.Message)
				continue
			}
			fmt.Fprintf(w, "  %s: %s\n", f.Field, f.Message)
		}
	}
	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(ve.Fields)))
}
