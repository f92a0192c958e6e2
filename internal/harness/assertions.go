package harness

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/roach88/fieldsync/internal/attachment"
	"github.com/roach88/fieldsync/internal/cache"
	"github.com/roach88/fieldsync/internal/payload"
	"github.com/roach88/fieldsync/internal/queue"
	"github.com/roach88/fieldsync/internal/testutil"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] step %d %s\n", i+1, event.Step, describeCall(event.Call))
		}
	}
	return buf.String()
}

// AssertionContext holds what state assertions read.
type AssertionContext struct {
	Ctx         context.Context
	Queue       *queue.Manager
	Cache       *cache.Cache
	Attachments *attachment.Manager
	Gateway     *testutil.FakeGateway
}

// EvaluateAssertions runs every assertion and returns the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(result, a, actx); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(result *Result, a Assertion, actx *AssertionContext) error {
	switch a.Type {
	case AssertGatewayContains:
		return assertGatewayContains(result.Trace, a)
	case AssertGatewayOrder:
		return assertGatewayOrder(result.Trace, a)
	case AssertGatewayCount:
		return assertGatewayCount(result.Trace, a)
	case AssertQueueCount:
		return assertQueueCount(actx, a)
	case AssertCacheState:
		return assertCacheState(actx, a)
	case AssertRemoteState:
		return assertRemoteState(actx, a)
	case AssertAttachmentCount:
		return assertAttachmentCount(actx, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// assertGatewayContains checks that some call matches.
func assertGatewayContains(trace []TraceEvent, a Assertion) error {
	for _, event := range trace {
		if matchCall(event.Call, *a.Call) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertGatewayContains,
		Expected: describeMatch(*a.Call),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertGatewayOrder checks that the matches appear in order. Calls don't
// need to be consecutive; each match must come after the previous one.
func assertGatewayOrder(trace []TraceEvent, a Assertion) error {
	pos := 0
	for i, want := range a.Calls {
		found := false
		for pos < len(trace) {
			event := trace[pos]
			pos++
			if matchCall(event.Call, want) {
				found = true
				break
			}
		}
		if !found {
			actual := fmt.Sprintf("no %s after position %d", describeMatch(want), pos)
			if i == 0 {
				actual = "missing " + describeMatch(want)
			}
			return &AssertionError{
				Type:     AssertGatewayOrder,
				Expected: fmt.Sprintf("%d calls in order", len(a.Calls)),
				Actual:   actual,
				Trace:    trace,
			}
		}
	}
	return nil
}

// assertGatewayCount checks that exactly Count calls match.
func assertGatewayCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, event := range trace {
		if matchCall(event.Call, *a.Call) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertGatewayCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, describeMatch(*a.Call)),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

func assertQueueCount(actx *AssertionContext, a Assertion) error {
	counts, err := actx.Queue.Counts(actx.Ctx)
	if err != nil {
		return fmt.Errorf("count queue: %w", err)
	}

	var got int
	switch queue.Status(a.Status) {
	case queue.StatusPending:
		got = counts.Pending
	case queue.StatusSyncing:
		got = counts.Syncing
	case queue.StatusFailed:
		got = counts.Failed
	default:
		got = counts.Pending + counts.Syncing + counts.Failed
	}

	if got != a.Count {
		return &AssertionError{
			Type:     AssertQueueCount,
			Expected: fmt.Sprintf("%d %s mutations", a.Count, a.Status),
			Actual:   fmt.Sprintf("%d (pending=%d syncing=%d failed=%d)", got, counts.Pending, counts.Syncing, counts.Failed),
		}
	}
	return nil
}

func assertCacheState(actx *AssertionContext, a Assertion) error {
	ent, err := actx.Cache.Get(actx.Ctx, a.Entity, a.ID)
	switch {
	case errors.Is(err, cache.ErrNotFound):
		return assertRecord(AssertCacheState, a, nil, false)
	case err != nil:
		return fmt.Errorf("read cache: %w", err)
	}
	return assertRecord(AssertCacheState, a, ent.Payload, true)
}

func assertRemoteState(actx *AssertionContext, a Assertion) error {
	rec, ok := actx.Gateway.Record(a.Entity, a.ID)
	return assertRecord(AssertRemoteState, a, rec, ok)
}

// assertRecord checks existence, then each expected field (subset match).
func assertRecord(typ string, a Assertion, got payload.Object, exists bool) error {
	key := cache.Key(a.Entity, a.ID)
	if a.Absent {
		if exists {
			return &AssertionError{Type: typ, Expected: key + " absent", Actual: fmt.Sprintf("found %v", got)}
		}
		return nil
	}
	if !exists {
		return &AssertionError{Type: typ, Expected: key + " present", Actual: "not found"}
	}

	want, err := payload.FromMap(a.Expect)
	if err != nil {
		return fmt.Errorf("expect: %w", err)
	}
	for _, field := range want.SortedKeys() {
		actual, ok := got[field]
		if !ok {
			return &AssertionError{
				Type:     typ,
				Expected: fmt.Sprintf("%s field %q = %v", key, field, want[field]),
				Actual:   fmt.Sprintf("field missing, have %v", got.SortedKeys()),
			}
		}
		if !reflect.DeepEqual(want[field], actual) {
			return &AssertionError{
				Type:     typ,
				Expected: fmt.Sprintf("%s field %q = %v (%T)", key, field, want[field], want[field]),
				Actual:   fmt.Sprintf("%v (%T)", actual, actual),
			}
		}
	}
	return nil
}

func assertAttachmentCount(actx *AssertionContext, a Assertion) error {
	var (
		got int
		err error
	)
	if a.Mutation != "" {
		got, err = actx.Attachments.CountFor(actx.Ctx, a.Mutation)
	} else {
		got, err = actx.Attachments.Count(actx.Ctx)
	}
	if err != nil {
		return fmt.Errorf("count attachments: %w", err)
	}
	if got != a.Count {
		scope := "in total"
		if a.Mutation != "" {
			scope = "for " + a.Mutation
		}
		return &AssertionError{
			Type:     AssertAttachmentCount,
			Expected: fmt.Sprintf("%d attachments %s", a.Count, scope),
			Actual:   fmt.Sprintf("%d", got),
		}
	}
	return nil
}

// matchCall reports whether c satisfies m. Payload uses subset semantics.
func matchCall(c testutil.Call, m CallMatch) bool {
	if c.Op != m.Op {
		return false
	}
	if m.Entity != "" && c.EntityType != m.Entity {
		return false
	}
	if m.ID != "" && c.ID != m.ID {
		return false
	}
	if m.Path != "" && c.Path != m.Path {
		return false
	}
	if m.Failed != nil && *m.Failed != (c.Err != "") {
		return false
	}
	if len(m.Payload) == 0 {
		return true
	}

	want, err := payload.FromMap(m.Payload)
	if err != nil {
		return false
	}
	for field, v := range want {
		if !reflect.DeepEqual(v, c.Payload[field]) {
			return false
		}
	}
	return true
}

func describeMatch(m CallMatch) string {
	parts := []string{m.Op}
	if m.Entity != "" {
		parts = append(parts, m.Entity)
	}
	if m.ID != "" {
		parts = append(parts, "id="+m.ID)
	}
	if m.Path != "" {
		parts = append(parts, "path="+m.Path)
	}
	if len(m.Payload) > 0 {
		keys := make([]string, 0, len(m.Payload))
		for k := range m.Payload {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, m.Payload[k]))
		}
	}
	if m.Failed != nil {
		parts = append(parts, fmt.Sprintf("failed=%t", *m.Failed))
	}
	return strings.Join(parts, " ")
}

func describeCall(c testutil.Call) string {
	var b strings.Builder
	b.WriteString(c.Op)
	if c.EntityType != "" {
		b.WriteString(" " + c.EntityType)
	}
	if c.ID != "" {
		b.WriteString(" id=" + c.ID)
	}
	if c.Path != "" {
		b.WriteString(" path=" + c.Path)
	}
	if c.Payload != nil {
		if data, err := payload.Marshal(c.Payload); err == nil {
			b.WriteString(" " + string(data))
		}
	}
	if c.Err != "" {
		b.WriteString(" error=" + c.Err)
	}
	return b.String()
}
