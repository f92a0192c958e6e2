package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/bgsync"
	"github.com/roach88/fieldsync/internal/connectivity"
	"github.com/roach88/fieldsync/internal/engine"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Background bool
}

// SyncResult is the output of the sync command.
type SyncResult struct {
	Session   engine.Session `json:"session"`
	Pending   int            `json:"pending"`
	Failed    int            `json:"failed"`
	Requested bool           `json:"requested,omitempty"`
}

// RenderText implements TextRenderer.
func (r SyncResult) RenderText(w io.Writer) {
	if r.Requested {
		fmt.Fprintln(w, "✓ Background sync requested")
		return
	}
	s := r.Session
	fmt.Fprintf(w, "✓ Drain #%d: %d synced, %d failed, %d deferred\n", s.Number, s.SuccessCount, s.FailureCount, s.Deferred)
	if s.Recovered > 0 {
		fmt.Fprintf(w, "  recovered %d interrupted mutation(s)\n", s.Recovered)
	}
	if s.PartialUploads > 0 {
		fmt.Fprintf(w, "  %d mutation(s) synced without some attachments\n", s.PartialUploads)
	}
	fmt.Fprintf(w, "Pending: %d, Failed: %d\n", r.Pending, r.Failed)
}

// CountResult is the output of retry-failed and clear-failed.
type CountResult struct {
	Action string `json:"action"`
	Count  int    `json:"count"`
}

// RenderText implements TextRenderer.
func (r CountResult) RenderText(w io.Writer) {
	fmt.Fprintf(w, "✓ %s %d mutation(s)\n", r.Action, r.Count)
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Drain the queue once",
		Long: `Run one drain of the queue against the backend and report the result.

This is a manual sync: it runs even when the connectivity probe would say
offline, and failures are recorded on the mutations as usual. It exits with
an error if another process is draining the same database. With
--background it only asks a running "fieldsync run" to drain.

Example:
  fieldsync sync
  fieldsync sync --background`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Background, "background", false, "ask a running engine to sync instead of draining here")

	return cmd
}

func runSync(opts *SyncOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	app, err := openApp(opts.RootOptions, cmd.ErrOrStderr(), true)
	if err != nil {
		return err
	}
	defer app.Close()

	if opts.Background {
		if !app.persistent() {
			return NewExitError(ExitCommandError, "background sync needs an on-disk database")
		}
		if err := bgsync.Request(bgsync.RequestFile(app.Config.DB)); err != nil {
			return WrapExitError(ExitCommandError, "failed to request background sync", err)
		}
		return formatter.Success(SyncResult{Requested: true})
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	gw, err := app.Gateway(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to configure gateway", err)
	}
	eng := app.NewEngine(gw, connectivity.NewManual(true))
	defer eng.Close()

	session, _, err := eng.DrainFor(ctx, engine.ReasonManual)
	if err != nil {
		var de *engine.DrainError
		if errors.As(err, &de) {
			if fmtErr := formatter.Error(ErrCodeDrain, de.Error(), de.Details); fmtErr != nil {
				return fmtErr
			}
			return WrapExitError(ExitFailure, "drain did not complete", err)
		}
		return WrapExitError(ExitCommandError, "drain failed", err)
	}

	counts, err := app.Queue.Counts(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read queue", err)
	}
	return formatter.Success(SyncResult{
		Session: session,
		Pending: counts.Unsynced(),
		Failed:  counts.Failed,
	})
}

// NewRetryFailedCommand creates the retry-failed command.
func NewRetryFailedCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry-failed",
		Short: "Move failed mutations back to pending",
		Long: `Reset every failed mutation to pending with a fresh retry budget.

The mutations replay on the next drain, in their original order.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFailedAction(rootOpts, cmd, "Retried", func(ctx context.Context, app *App) (int, error) {
				n, err := app.Queue.RetryFailed(ctx)
				if err == nil && n > 0 {
					app.notifyDaemon()
				}
				return n, err
			})
		},
	}
}

// NewClearFailedCommand creates the clear-failed command.
func NewClearFailedCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-failed",
		Short: "Discard failed mutations",
		Long: `Delete every failed mutation and its attachments.

The edits are lost; the cached records keep their last synced state.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFailedAction(rootOpts, cmd, "Cleared", func(ctx context.Context, app *App) (int, error) {
				return app.Queue.ClearFailed(ctx)
			})
		},
	}
}

func runFailedAction(opts *RootOptions, cmd *cobra.Command, action string, fn func(context.Context, *App) (int, error)) error {
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

	n, err := fn(ctx, app)
	if err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("%s failed", action), err)
	}
	return formatter.Success(CountResult{Action: action, Count: n})
}
