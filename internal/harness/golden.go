package harness

import (
	"bytes"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/fieldsync/internal/payload"
)

// MarshalTrace renders a scenario trace for golden comparison: a header
// line naming the scenario, then one canonical JSON object per gateway call.
// Every line ends in a newline.
func MarshalTrace(scenarioName string, trace []TraceEvent) ([]byte, error) {
	var buf bytes.Buffer

	header, err := payload.Marshal(map[string]any{"scenario": scenarioName})
	if err != nil {
		return nil, err
	}
	buf.Write(header)
	buf.WriteByte('\n')

	for _, event := range trace {
		line, err := payload.Marshal(event.canonical())
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so callers can also check Pass. Test failure (via
// goldie) occurs if the trace doesn't match the golden file.
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...Option) (*Result, error) {
	t.Helper()

	result, err := Run(scenario, opts...)
	if err != nil {
		return nil, err
	}
	return result, AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an already computed result's trace against the
// golden file named scenarioName.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := MarshalTrace(scenarioName, result.Trace)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
