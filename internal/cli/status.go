package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/engine"
	"github.com/roach88/fieldsync/internal/queue"
	"github.com/roach88/fieldsync/internal/store"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	List bool
}

// LeaseInfo describes the drain lease holder.
type LeaseInfo struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expiresAt"`
	Active    bool      `json:"active"`
}

// StatusResult is the output of the status command.
type StatusResult struct {
	Pending     int              `json:"pending"`
	Syncing     int              `json:"syncing"`
	Failed      int              `json:"failed"`
	Attachments int              `json:"attachments"`
	Lease       *LeaseInfo       `json:"lease,omitempty"`
	Mutations   []queue.Mutation `json:"mutations,omitempty"`
}

// RenderText implements TextRenderer.
func (r StatusResult) RenderText(w io.Writer) {
	fmt.Fprintf(w, "Pending:     %d\n", r.Pending)
	fmt.Fprintf(w, "Syncing:     %d\n", r.Syncing)
	fmt.Fprintf(w, "Failed:      %d\n", r.Failed)
	fmt.Fprintf(w, "Attachments: %d\n", r.Attachments)
	if r.Lease != nil && r.Lease.Active {
		fmt.Fprintf(w, "Draining:    %s (lease until %s)\n", r.Lease.Owner, r.Lease.ExpiresAt.Format(time.RFC3339))
	}
	if len(r.Mutations) == 0 {
		return
	}
	fmt.Fprintln(w)
	for _, m := range r.Mutations {
		line := fmt.Sprintf("%-8s %s %s %s", m.Status, m.ID, m.EntityType, m.Operation)
		if m.TargetID != "" {
			line += " " + m.TargetID
		}
		if m.RetryCount > 0 {
			line += fmt.Sprintf(" (retries %d)", m.RetryCount)
		}
		if m.LastError != "" {
			line += ": " + m.LastError
		}
		fmt.Fprintln(w, line)
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue counts and drain state",
		Long: `Show how many mutations wait to sync, how many failed, and whether a
drain currently holds the database.

Example:
  fieldsync status
  fieldsync status --list --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.List, "list", false, "list every queued mutation")

	return cmd
}

func runStatus(opts *StatusOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	app, err := openApp(opts.RootOptions, cmd.ErrOrStderr(), true)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	result, err := collectStatus(ctx, app, opts.List, time.Now())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read queue", err)
	}
	return formatter.Success(result)
}

func collectStatus(ctx context.Context, app *App, list bool, now time.Time) (StatusResult, error) {
	counts, err := app.Queue.Counts(ctx)
	if err != nil {
		return StatusResult{}, err
	}
	attachments, err := app.Attachments.Count(ctx)
	if err != nil {
		return StatusResult{}, err
	}
	result := StatusResult{
		Pending:     counts.Pending,
		Syncing:     counts.Syncing,
		Failed:      counts.Failed,
		Attachments: attachments,
	}

	lease, err := app.Store.GetLease(ctx, engine.LeaseName)
	switch {
	case err == nil:
		result.Lease = &LeaseInfo{
			Owner:     lease.Owner,
			ExpiresAt: lease.ExpiresAt,
			Active:    lease.ExpiresAt.After(now),
		}
	case !errors.Is(err, store.ErrNotFound):
		return StatusResult{}, err
	}

	if list {
		result.Mutations, err = app.Queue.List(ctx)
		if err != nil {
			return StatusResult{}, err
		}
	}
	return result, nil
}
