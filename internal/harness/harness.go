package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/fieldsync/internal/attachment"
	"github.com/roach88/fieldsync/internal/cache"
	"github.com/roach88/fieldsync/internal/connectivity"
	"github.com/roach88/fieldsync/internal/engine"
	"github.com/roach88/fieldsync/internal/gateway"
	"github.com/roach88/fieldsync/internal/payload"
	"github.com/roach88/fieldsync/internal/queue"
	"github.com/roach88/fieldsync/internal/schema"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/testutil"
)

// Owner is the drain lease owner used by scenario engines.
const Owner = "harness"

// Harness runs one scenario against a real engine wired to a FakeGateway,
// a FakeClock and sequential ids, so the same scenario always produces the
// same trace.
type Harness struct {
	store       *store.Store
	clock       *testutil.FakeClock
	cache       *cache.Cache
	queue       *queue.Manager
	attachments *attachment.Manager
	gateway     *testutil.FakeGateway
	monitor     *connectivity.Manual
	engine      *engine.Engine

	lastMutation string
}

type config struct {
	registry *schema.Registry
	logger   *slog.Logger
}

// Option configures Run.
type Option func(*config)

// WithRegistry validates enqueued payloads against reg instead of the
// builtin entities.
func WithRegistry(reg *schema.Registry) Option {
	return func(c *config) {
		c.registry = reg
	}
}

// WithLogger sets the logger handed to every component. Logs are
// discarded by default.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
// Execution flow:
//  1. Open the store and wire queue, attachments, cache and engine
//  2. Seed the cache and the remote backend
//  3. Execute steps, recording the gateway calls each one causes
//  4. Evaluate assertions
//
// The returned error reports a harness failure (store, seeding). Step and
// assertion failures are recorded in the Result.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	cfg := config{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.registry == nil {
		reg, err := schema.Builtin()
		if err != nil {
			return nil, fmt.Errorf("load builtin schema: %w", err)
		}
		cfg.registry = reg
	}

	clock := testutil.NewFakeClock(time.Time{})
	st, err := store.Open(":memory:", store.WithClock(clock.Now), store.WithLogger(cfg.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h := newHarness(st, clock, cfg, scenario)
	defer h.engine.Close()

	ctx := context.Background()
	if err := h.engine.Init(ctx); err != nil {
		return nil, fmt.Errorf("init engine: %w", err)
	}
	if err := h.seed(ctx, scenario.Cache); err != nil {
		return nil, err
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		before := len(h.gateway.Calls())
		if err := h.execute(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("steps[%d] (%s): %w", i, step.Do, err)
		}
		result.addCalls(i, h.gateway.Calls()[before:])
	}

	counts, err := h.queue.Counts(ctx)
	if err != nil {
		return nil, fmt.Errorf("count queue: %w", err)
	}
	result.Queue = counts

	actx := &AssertionContext{
		Ctx:         ctx,
		Queue:       h.queue,
		Cache:       h.cache,
		Attachments: h.attachments,
		Gateway:     h.gateway,
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(st *store.Store, clock *testutil.FakeClock, cfg config, scenario *Scenario) *Harness {
	c := cache.New(st, clock.Now)

	qopts := []queue.Option{
		queue.WithClock(clock.Now),
		queue.WithIDGenerator(testutil.NewSequenceIDs("m")),
		queue.WithLogger(cfg.logger),
	}
	if scenario.MaxRetry > 0 {
		qopts = append(qopts, queue.WithMaxRetry(scenario.MaxRetry))
	}
	q := queue.New(st, c, cfg.registry, qopts...)

	am := attachment.New(st, q,
		attachment.WithClock(clock.Now),
		attachment.WithIDGenerator(testutil.NewSequenceIDs("att")),
		attachment.WithLogger(cfg.logger),
	)
	gw := testutil.NewFakeGateway()
	mon := connectivity.NewManual(scenario.Online)

	eng := engine.New(st, q, am, c, gw, mon,
		engine.WithClock(clock.Now),
		engine.WithOwner(Owner),
		engine.WithLogger(cfg.logger),
	)

	return &Harness{
		store:       st,
		clock:       clock,
		cache:       c,
		queue:       q,
		attachments: am,
		gateway:     gw,
		monitor:     mon,
		engine:      eng,
	}
}

func (h *Harness) seed(ctx context.Context, seeds []CacheSeed) error {
	for i, s := range seeds {
		p, err := payload.FromMap(s.Payload)
		if err != nil {
			return fmt.Errorf("cache[%d]: %w", i, err)
		}
		if _, err := h.cache.Put(ctx, s.Entity, s.ID, p); err != nil {
			return fmt.Errorf("cache[%d]: %w", i, err)
		}
		row := p.Clone()
		if row == nil {
			row = payload.Object{}
		}
		row["id"] = s.ID
		h.gateway.Seed(s.Entity, row)
	}
	return nil
}

// execute runs one step. Outcomes that contradict the step's expectation
// are recorded on result; only harness failures are returned.
func (h *Harness) execute(ctx context.Context, index int, step Step, result *Result) error {
	switch step.Do {
	case StepEnqueue:
		p, err := payload.FromMap(step.Payload)
		if err != nil {
			return fmt.Errorf("payload: %w", err)
		}
		id, err := h.queue.Enqueue(ctx, queue.EnqueueRequest{
			EntityType:     step.Entity,
			Operation:      queue.Operation(step.Op),
			TargetID:       step.Target,
			Payload:        p,
			QuantityBefore: step.Before,
			QuantityAfter:  step.After,
		})
		if h.checkError(index, step, err, result) {
			h.lastMutation = id
		}

	case StepAttach:
		mutationID := step.Mutation
		if mutationID == "" {
			mutationID = h.lastMutation
		}
		_, err := h.attachments.Attach(ctx, mutationID, []byte(step.Data), step.Mime)
		h.checkError(index, step, err, result)

	case StepOnline:
		h.monitor.SetOnline(true)

	case StepOffline:
		h.monitor.SetOnline(false)

	case StepFail:
		kind, err := failureKind(step.Kind)
		if err != nil {
			return err
		}
		times := step.Times
		if times == 0 {
			times = 1
		}
		h.gateway.Fail(step.Call, gateway.NewError(kind, step.Call, errors.New("scripted failure")), times)

	case StepDrain:
		reason, err := drainReason(step.Reason)
		if err != nil {
			return err
		}
		session, ran, err := h.engine.DrainFor(ctx, reason)
		if !h.checkError(index, step, err, result) {
			return nil
		}
		if ran {
			result.Sessions = append(result.Sessions, session)
		}
		h.checkSession(index, step.Expect, session, ran, result)

	case StepAdvance:
		d, err := time.ParseDuration(step.Duration)
		if err != nil {
			return err
		}
		h.clock.Advance(d)

	case StepRetryFailed:
		_, err := h.engine.RetryFailed(ctx)
		h.checkError(index, step, err, result)

	case StepClearFailed:
		_, err := h.engine.ClearFailed(ctx)
		h.checkError(index, step, err, result)

	default:
		return fmt.Errorf("unknown action %q", step.Do)
	}
	return nil
}

// checkError compares err with the step's expected error and reports
// whether the step succeeded.
func (h *Harness) checkError(index int, step Step, err error, result *Result) bool {
	want := ""
	if step.Expect != nil {
		want = step.Expect.Error
	}

	switch {
	case want == "" && err != nil:
		result.AddError(fmt.Sprintf("steps[%d] (%s): unexpected error: %v", index, step.Do, err))
	case want != "" && err == nil:
		result.AddError(fmt.Sprintf("steps[%d] (%s): expected error containing %q, got success", index, step.Do, want))
	case want == "validation" && err != nil:
		if !schema.IsValidationError(err) {
			result.AddError(fmt.Sprintf("steps[%d] (%s): expected validation error, got: %v", index, step.Do, err))
		}
	case want != "" && !strings.Contains(err.Error(), want):
		result.AddError(fmt.Sprintf("steps[%d] (%s): expected error containing %q, got: %v", index, step.Do, want, err))
	}
	return err == nil
}

func (h *Harness) checkSession(index int, expect *StepExpect, session engine.Session, ran bool, result *Result) {
	if expect == nil {
		return
	}
	fail := func(field string, want, got any) {
		result.AddError(fmt.Sprintf("steps[%d] (drain): expected %s = %v, got %v", index, field, want, got))
	}
	if expect.Ran != nil && *expect.Ran != ran {
		fail("ran", *expect.Ran, ran)
	}
	if expect.Succeeded != nil && *expect.Succeeded != session.SuccessCount {
		fail("succeeded", *expect.Succeeded, session.SuccessCount)
	}
	if expect.Failed != nil && *expect.Failed != session.FailureCount {
		fail("failed", *expect.Failed, session.FailureCount)
	}
	if expect.Deferred != nil && *expect.Deferred != session.Deferred {
		fail("deferred", *expect.Deferred, session.Deferred)
	}
}
