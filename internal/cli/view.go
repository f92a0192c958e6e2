package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/connectivity"
	"github.com/roach88/fieldsync/internal/payload"
)

// ViewResult is the output of the view command.
type ViewResult struct {
	EntityType string         `json:"entityType"`
	ID         string         `json:"id"`
	Record     payload.Object `json:"record"`
}

// RenderText implements TextRenderer.
func (r ViewResult) RenderText(w io.Writer) {
	fmt.Fprintf(w, "%s/%s\n", r.EntityType, r.ID)
	for _, k := range r.Record.SortedKeys() {
		fmt.Fprintf(w, "  %s: %v\n", k, r.Record[k])
	}
}

// NewViewCommand creates the view command.
func NewViewCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "view <entity> <id>",
		Short: "Show a record as the user sees it",
		Long: `Show the optimistic state of a record: the last synced copy with every
queued edit applied in order. Failed edits are not applied.

Example:
  fieldsync view inventory_items i1
  fieldsync view jobs j-9 --format json`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runView(rootOpts, args[0], args[1], cmd)
		},
	}

	return cmd
}

func runView(opts *RootOptions, entityType, id string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	app, err := openApp(opts, cmd.ErrOrStderr(), true)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	// View never touches the gateway.
	eng := app.NewEngine(nil, connectivity.NewManual(false))
	record, ok, err := eng.View(ctx, entityType, id)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build view", err)
	}
	if !ok {
		msg := fmt.Sprintf("%s/%s not found", entityType, id)
		if fmtErr := formatter.Error(ErrCodeNotFound, msg, nil); fmtErr != nil {
			return fmtErr
		}
		return NewExitError(ExitFailure, msg)
	}

	return formatter.Success(ViewResult{EntityType: entityType, ID: id, Record: record})
}
