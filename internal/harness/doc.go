// Package harness runs declarative sync scenarios against the real engine.
//
// A scenario (YAML, see Scenario) scripts what a field device lives
// through: edits queued offline, photos attached, connectivity flapping,
// gateway calls failing, the clock moving past backoff delays, and the user
// retrying or clearing failed work. The harness wires a store, queue,
// attachment manager, cache and engine exactly as production does, with
// three substitutions for determinism:
//
//   - testutil.FakeGateway instead of a network backend
//   - testutil.FakeClock, which only moves on "advance" steps
//   - testutil.SequenceIDs, so mutations are m-1, m-2, ... and
//     attachments att-1, att-2, ...
//
// Drains run synchronously through Engine.DrainFor, so "drain" with the
// default timer reason is skipped while offline, just like the Run loop.
//
// # Traces
//
// Every gateway call, failed or not, is recorded with the index of the step
// that caused it. MarshalTrace renders the trace one canonical JSON object
// per line; RunWithGolden compares it with testdata/golden/<name>.golden
// using goldie.
//
// # Assertions
//
//   - gateway_contains, gateway_order, gateway_count: over the trace
//   - queue_count: final mutation counts by status
//   - cache_state, remote_state: subset match on a cached or remote record
//   - attachment_count: attachments left in the store
package harness
