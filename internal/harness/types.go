package harness

import (
	"github.com/roach88/fieldsync/internal/engine"
	"github.com/roach88/fieldsync/internal/queue"
	"github.com/roach88/fieldsync/internal/testutil"
)

// TraceEvent is one gateway call observed during a scenario, tagged with
// the index of the step that caused it.
type TraceEvent struct {
	Step int `json:"step"`
	testutil.Call
}

// canonical returns the event as a value payload.Marshal accepts. Empty
// fields are left out.
func (e TraceEvent) canonical() map[string]any {
	m := map[string]any{
		"step": int64(e.Step),
		"op":   e.Op,
	}
	if e.EntityType != "" {
		m["entity_type"] = e.EntityType
	}
	if e.ID != "" {
		m["id"] = e.ID
	}
	if e.Path != "" {
		m["path"] = e.Path
	}
	if e.Payload != nil {
		m["payload"] = map[string]any(e.Payload)
	}
	if e.IdempotencyKey != "" {
		m["idempotency_key"] = e.IdempotencyKey
	}
	if e.Err != "" {
		m["error"] = e.Err
	}
	return m
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall success: every step expectation and
	// assertion held.
	Pass bool `json:"pass"`

	// Trace contains every gateway call in order, failed ones included.
	Trace []TraceEvent `json:"trace"`

	// Sessions contains the drain sessions that ran, in order.
	Sessions []engine.Session `json:"sessions,omitempty"`

	// Errors contains step and assertion failure messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Queue is the final queue summary.
	Queue queue.Counts `json:"queue"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// addCalls appends calls to the trace, attributing them to step.
func (r *Result) addCalls(step int, calls []testutil.Call) {
	for _, c := range calls {
		r.Trace = append(r.Trace, TraceEvent{Step: step, Call: c})
	}
}
