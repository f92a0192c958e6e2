package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// DefaultInterval is how often a Prober checks reachability.
const DefaultInterval = 15 * time.Second

// DefaultProbeTimeout bounds a single probe.
const DefaultProbeTimeout = 5 * time.Second

// Probe checks reachability. A nil error means online.
type Probe func(ctx context.Context) error

// Prober is a Monitor that polls a Probe.
type Prober struct {
	state
	probe    Probe
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithInterval sets the polling interval.
//
// Default: 15s (DefaultInterval)
func WithInterval(d time.Duration) ProberOption {
	return func(p *Prober) {
		p.interval = d
	}
}

// WithProbeTimeout bounds each probe.
//
// Default: 5s (DefaultProbeTimeout)
func WithProbeTimeout(d time.Duration) ProberOption {
	return func(p *Prober) {
		p.timeout = d
	}
}

// WithInitialState sets the state reported before the first probe.
// Default: offline.
func WithInitialState(online bool) ProberOption {
	return func(p *Prober) {
		p.online = online
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ProberOption {
	return func(p *Prober) {
		p.logger = logger
	}
}

// NewProber creates a Prober. Call Run to start polling.
func NewProber(probe Probe, opts ...ProberOption) *Prober {
	p := &Prober{
		probe:    probe,
		interval: DefaultInterval,
		timeout:  DefaultProbeTimeout,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Check runs one probe and updates the state. Returns the new state.
func (p *Prober) Check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.probe(probeCtx)
	online := err == nil
	if p.set(online) {
		if online {
			p.logger.Info("connectivity restored")
		} else {
			p.logger.Warn("connectivity lost", "error", err)
		}
	}
	return online
}

// Run probes immediately, then every interval, until ctx is done.
func (p *Prober) Run(ctx context.Context) error {
	p.Check(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}

// HTTPProbe returns a Probe that issues a HEAD request to url. Any HTTP
// response counts as reachable; only transport errors mean offline.
func HTTPProbe(client *http.Client, url string) Probe {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return fmt.Errorf("build probe request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		return resp.Body.Close()
	}
}
