package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/fieldsync/internal/bgsync"
	"github.com/roach88/fieldsync/internal/engine"
	"github.com/roach88/fieldsync/internal/status"
)

// shutdownTimeout bounds the status server's graceful shutdown.
const shutdownTimeout = 5 * time.Second

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	StatusAddr string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the sync engine",
		Long: `Start the fieldsync engine against the configured database and backend.

The engine drains the queue on a timer, whenever connectivity comes back,
and whenever another fieldsync process asks for a background sync (for
example "fieldsync enqueue --notify"). With --status-addr it also serves
the sync status over a WebSocket at /status.

Example:
  fieldsync run --db ./field.db
  fieldsync run --config fieldsync.yaml --status-addr :8089 --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.StatusAddr, "status-addr", "", "serve the status WebSocket on this address (overrides config)")

	return cmd
}

func runEngine(opts *RunOptions, cmd *cobra.Command) error {
	app, err := openApp(opts.RootOptions, cmd.ErrOrStderr(), false)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := app.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()
	slog.SetDefault(app.Logger)
	logger := app.Logger

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, err := app.Gateway(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to configure gateway", err)
	}
	prober, err := app.Prober()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to configure connectivity", err)
	}

	broadcaster := status.NewBroadcaster()
	engineOpts := []engine.Option{engine.WithPublisher(broadcaster)}

	if app.persistent() {
		requests, err := bgsync.Watch(bgsync.RequestFile(app.Config.DB), bgsync.WithLogger(logger))
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to watch background sync requests", err)
		}
		defer requests.Close()
		engineOpts = append(engineOpts, engine.WithBackgroundSignal(requests.Requests()))
	}

	eng := app.NewEngine(gw, prober, engineOpts...)
	if err := eng.Init(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to initialize engine", err)
	}
	defer func() {
		if closeErr := eng.Close(); closeErr != nil {
			logger.Error("error closing engine", "error", closeErr)
		}
	}()

	addr := opts.StatusAddr
	if addr == "" {
		addr = app.Config.Status.Addr
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return prober.Run(gctx)
	})
	g.Go(func() error {
		return eng.Run(gctx)
	})
	if addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/status", status.Handler(broadcaster, eng.Actions(), logger))
		srv := &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("status server listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	logger.Info("engine starting", "db", app.Config.DB, "remote", app.Config.Remote.URL)
	fmt.Fprintln(cmd.OutOrStdout(), "Sync engine started.")
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "engine error", err)
	}

	logger.Info("engine stopped gracefully")
	return nil
}
