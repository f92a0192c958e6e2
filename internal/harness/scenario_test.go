package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validScenario = `
name: test_scenario
description: "Test scenario for validation"
online: true
cache:
  - entity: inventory_items
    id: i1
    payload: {id: i1, name: Copper pipe, quantity: 10}
steps:
  - do: enqueue
    entity: inventory_items
    op: update
    target: i1
    after: 7
  - do: drain
    reason: manual
    expect:
      succeeded: 1
assertions:
  - type: cache_state
    entity: inventory_items
    id: i1
    expect: {quantity: 7}
`

func TestLoadScenario_ValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validScenario), 0644))

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "test_scenario", scenario.Name)
	assert.True(t, scenario.Online)
	require.Len(t, scenario.Cache, 1)
	assert.Equal(t, 10, scenario.Cache[0].Payload["quantity"])
	require.Len(t, scenario.Steps, 2)
	assert.Equal(t, StepEnqueue, scenario.Steps[0].Do)
	require.NotNil(t, scenario.Steps[0].After)
	assert.Equal(t, int64(7), *scenario.Steps[0].After)
	require.NotNil(t, scenario.Steps[1].Expect)
	assert.Equal(t, 1, *scenario.Steps[1].Expect.Succeeded)
	assert.Len(t, scenario.Assertions, 1)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_UnknownFieldRejected(t *testing.T) {
	_, err := ParseScenario([]byte(`
name: typo
description: assertion instead of assertions
steps:
  - do: online
assertion:
  - type: queue_count
    status: all
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Validation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing name",
			yaml:    "description: d\nsteps: [{do: online}]\nassertions: [{type: attachment_count}]",
			wantErr: "name is required",
		},
		{
			name:    "missing description",
			yaml:    "name: n\nsteps: [{do: online}]\nassertions: [{type: attachment_count}]",
			wantErr: "description is required",
		},
		{
			name:    "no steps",
			yaml:    "name: n\ndescription: d\nassertions: [{type: attachment_count}]",
			wantErr: "steps list is required",
		},
		{
			name:    "no assertions",
			yaml:    "name: n\ndescription: d\nsteps: [{do: online}]",
			wantErr: "assertions list is required",
		},
		{
			name:    "unknown action",
			yaml:    "name: n\ndescription: d\nsteps: [{do: reboot}]\nassertions: [{type: attachment_count}]",
			wantErr: `steps[0]: unknown action "reboot"`,
		},
		{
			name:    "enqueue without entity",
			yaml:    "name: n\ndescription: d\nsteps: [{do: enqueue, op: create}]\nassertions: [{type: attachment_count}]",
			wantErr: "entity is required for enqueue",
		},
		{
			name:    "enqueue with bad op",
			yaml:    "name: n\ndescription: d\nsteps: [{do: enqueue, entity: jobs, op: upsert}]\nassertions: [{type: attachment_count}]",
			wantErr: "op must be create, update or delete",
		},
		{
			name:    "attach without mime",
			yaml:    "name: n\ndescription: d\nsteps: [{do: attach}]\nassertions: [{type: attachment_count}]",
			wantErr: "mime is required for attach",
		},
		{
			name:    "fail unknown call",
			yaml:    "name: n\ndescription: d\nsteps: [{do: fail, call: patch}]\nassertions: [{type: attachment_count}]",
			wantErr: `unknown gateway call "patch"`,
		},
		{
			name:    "fail unknown kind",
			yaml:    "name: n\ndescription: d\nsteps: [{do: fail, call: insert, kind: flaky}]\nassertions: [{type: attachment_count}]",
			wantErr: `unknown failure kind "flaky"`,
		},
		{
			name:    "drain unknown reason",
			yaml:    "name: n\ndescription: d\nsteps: [{do: drain, reason: cron}]\nassertions: [{type: attachment_count}]",
			wantErr: `unknown drain reason "cron"`,
		},
		{
			name:    "advance bad duration",
			yaml:    "name: n\ndescription: d\nsteps: [{do: advance, duration: soon}]\nassertions: [{type: attachment_count}]",
			wantErr: "advance needs a non-negative duration",
		},
		{
			name:    "unknown assertion",
			yaml:    "name: n\ndescription: d\nsteps: [{do: online}]\nassertions: [{type: trace_contains}]",
			wantErr: `unknown assertion type "trace_contains"`,
		},
		{
			name:    "gateway_count without call",
			yaml:    "name: n\ndescription: d\nsteps: [{do: online}]\nassertions: [{type: gateway_count, count: 1}]",
			wantErr: "call.op is required for gateway_count",
		},
		{
			name:    "gateway_order with one call",
			yaml:    "name: n\ndescription: d\nsteps: [{do: online}]\nassertions: [{type: gateway_order, calls: [{op: insert}]}]",
			wantErr: "calls needs at least two entries",
		},
		{
			name:    "queue_count unknown status",
			yaml:    "name: n\ndescription: d\nsteps: [{do: online}]\nassertions: [{type: queue_count, status: done}]",
			wantErr: `unknown status "done"`,
		},
		{
			name:    "cache_state without expect",
			yaml:    "name: n\ndescription: d\nsteps: [{do: online}]\nassertions: [{type: cache_state, entity: jobs, id: j-1}]",
			wantErr: "expect or absent is required",
		},
		{
			name:    "negative count",
			yaml:    "name: n\ndescription: d\nsteps: [{do: online}]\nassertions: [{type: attachment_count, count: -1}]",
			wantErr: "count must be non-negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestScenarioFiles_Sorted(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.yaml", "a.yml", "c.yaml", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}

	files, err := ScenarioFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.yml"),
		filepath.Join(dir, "b.yaml"),
		filepath.Join(dir, "c.yaml"),
	}, files)
}
