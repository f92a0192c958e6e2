package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/roach88/fieldsync/internal/attachment"
	"github.com/roach88/fieldsync/internal/bgsync"
	"github.com/roach88/fieldsync/internal/cache"
	"github.com/roach88/fieldsync/internal/config"
	"github.com/roach88/fieldsync/internal/connectivity"
	"github.com/roach88/fieldsync/internal/engine"
	"github.com/roach88/fieldsync/internal/gateway"
	"github.com/roach88/fieldsync/internal/queue"
	"github.com/roach88/fieldsync/internal/schema"
	"github.com/roach88/fieldsync/internal/store"
)

// App is one process's wiring of the sync stack: a single store, queue,
// attachment manager and cache, shared by every command component.
type App struct {
	Config      config.Config
	Logger      *slog.Logger
	Store       *store.Store
	Registry    *schema.Registry
	Cache       *cache.Cache
	Queue       *queue.Manager
	Attachments *attachment.Manager

	closers []io.Closer
}

// loadConfig resolves configuration from the global flags.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg, err := config.Load(config.Sources{
		File:    opts.ConfigFile,
		EnvFile: opts.EnvFile,
	})
	if err != nil {
		return config.Config{}, err
	}
	if opts.Database != "" {
		cfg.DB = opts.Database
	}
	return cfg, nil
}

// loadRegistry returns the configured entity schemas.
func loadRegistry(cfg config.Config) (*schema.Registry, error) {
	if cfg.SchemaDir != "" {
		return schema.LoadDir(cfg.SchemaDir)
	}
	return schema.Builtin()
}

// newLogger builds the process logger. Logs go to stderr, or to a rotating
// file when log.file is set. Quiet loggers drop anything below warn unless
// verbose is set, so one-shot commands keep their output readable.
func newLogger(cfg config.LogConfig, verbose, quiet bool, stderr io.Writer) (*slog.Logger, io.Closer) {
	level, err := cfg.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	if quiet && level < slog.LevelWarn {
		level = slog.LevelWarn
	}
	if verbose {
		level = slog.LevelDebug
	}

	var (
		w      = stderr
		closer io.Closer
	)
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		w, closer = lj, lj
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closer
}

// openApp loads configuration and opens the store and everything on top of
// it. Callers must Close the App.
func openApp(opts *RootOptions, stderr io.Writer, quiet bool) (*App, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	logger, logCloser := newLogger(cfg.Log, opts.Verbose, quiet, stderr)
	app := &App{Config: cfg, Logger: logger}
	if logCloser != nil {
		app.closers = append(app.closers, logCloser)
	}

	reg, err := loadRegistry(cfg)
	if err != nil {
		app.Close()
		return nil, WrapExitError(ExitCommandError, "failed to load entity schemas", err)
	}
	app.Registry = reg

	st, err := store.Open(cfg.DB,
		store.WithMaxBytes(cfg.MaxBytes),
		store.WithLogger(logger),
	)
	if err != nil {
		app.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	app.Store = st
	app.closers = append(app.closers, st)

	app.Cache = cache.New(st, nil)
	app.Queue = queue.New(st, app.Cache, reg,
		queue.WithMaxRetry(cfg.Sync.MaxRetry),
		queue.WithBackoff(cfg.Sync.Backoff...),
		queue.WithLogger(logger),
	)
	app.Attachments = attachment.New(st, app.Queue, attachment.WithLogger(logger))

	logger.Debug("database ready", "path", cfg.DB)
	return app, nil
}

// Close releases the store and log file, newest first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Gateway builds the remote gateway: the REST backend for records, and for
// attachments either the same backend or an S3-compatible bucket.
func (a *App) Gateway(ctx context.Context) (gateway.Gateway, error) {
	rc := a.Config.Remote
	if rc.URL == "" {
		return nil, fmt.Errorf("remote.url is not configured (set %sREMOTE_URL)", config.EnvPrefix)
	}

	opts := []gateway.HTTPOption{
		gateway.WithTimeout(rc.Timeout),
		gateway.WithBucket(a.Config.Blob.Bucket),
		gateway.WithHTTPLogger(a.Logger),
	}
	if rc.APIKey != "" {
		opts = append(opts, gateway.WithAPIKey(rc.APIKey))
	}
	if rc.Token != "" {
		opts = append(opts, gateway.WithStaticToken(rc.Token))
	}
	client, err := gateway.NewHTTPClient(rc.URL, opts...)
	if err != nil {
		return nil, err
	}
	if a.Config.Blob.Backend != config.BlobS3 {
		return client, nil
	}

	bc := a.Config.Blob
	uploader, err := gateway.NewS3Uploader(ctx, gateway.S3Config{
		Endpoint:        bc.Endpoint,
		Region:          bc.Region,
		AccessKeyID:     bc.AccessKeyID,
		SecretAccessKey: bc.SecretAccessKey,
		Bucket:          bc.Bucket,
		PublicURL:       bc.PublicURL,
		UsePathStyle:    bc.UsePathStyle,
		Timeout:         rc.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return gateway.Split{RecordWriter: client, BlobUploader: uploader}, nil
}

// Prober builds the connectivity prober. It probes connectivity.probe_url,
// falling back to the remote URL.
func (a *App) Prober() (*connectivity.Prober, error) {
	cc := a.Config.Connectivity
	target := cc.ProbeURL
	if target == "" {
		target = a.Config.Remote.URL
	}
	if target == "" {
		return nil, errors.New("connectivity.probe_url and remote.url are both empty")
	}
	client := &http.Client{Timeout: cc.Timeout}
	return connectivity.NewProber(connectivity.HTTPProbe(client, target),
		connectivity.WithInterval(cc.Interval),
		connectivity.WithProbeTimeout(cc.Timeout),
		connectivity.WithLogger(a.Logger),
	), nil
}

// NewEngine wires an engine over the App's components.
func (a *App) NewEngine(gw gateway.Gateway, mon connectivity.Monitor, opts ...engine.Option) *engine.Engine {
	base := []engine.Option{
		engine.WithInterval(a.Config.Sync.Interval),
		engine.WithLeaseTTL(a.Config.Sync.LeaseTTL),
		engine.WithLogger(a.Logger),
	}
	return engine.New(a.Store, a.Queue, a.Attachments, a.Cache, gw, mon, append(base, opts...)...)
}

// persistent reports whether the database lives on disk, so other
// processes can share it.
func (a *App) persistent() bool {
	return a.Config.DB != ":memory:"
}

// notifyDaemon asks a running "fieldsync run" to sync soon. Failures are
// logged; the daemon's timer picks the work up regardless.
func (a *App) notifyDaemon() {
	if !a.persistent() {
		return
	}
	if err := bgsync.Request(bgsync.RequestFile(a.Config.DB)); err != nil {
		a.Logger.Warn("background sync request failed", "error", err)
	}
}
