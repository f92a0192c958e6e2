package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/fieldsync/internal/engine"
	"github.com/roach88/fieldsync/internal/gateway"
	"github.com/roach88/fieldsync/internal/queue"
	"github.com/roach88/fieldsync/internal/testutil"
)

// Scenario defines a sync scenario: a sequence of offline edits,
// connectivity changes, scripted gateway failures and drains, followed by
// assertions on the gateway trace and the final local state.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Online is the initial connectivity state. Defaults to offline.
	Online bool `yaml:"online,omitempty"`

	// MaxRetry overrides the retry bound (default 3).
	MaxRetry int `yaml:"max_retry,omitempty"`

	// Cache seeds cached entities before the first step.
	Cache []CacheSeed `yaml:"cache,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// CacheSeed is one entity present before the scenario starts. It is
// written to the cache and to the fake backend, so later updates and
// deletes of it match a remote row.
type CacheSeed struct {
	Entity  string         `yaml:"entity"`
	ID      string         `yaml:"id"`
	Payload map[string]any `yaml:"payload"`
}

// Step is one scenario action. Do selects the action; the other fields are
// its arguments.
type Step struct {
	// Do is one of the Step* constants.
	Do string `yaml:"do"`

	// Entity, Op, Target, Payload, Before and After describe an enqueue.
	Entity  string         `yaml:"entity,omitempty"`
	Op      string         `yaml:"op,omitempty"`
	Target  string         `yaml:"target,omitempty"`
	Payload map[string]any `yaml:"payload,omitempty"`
	Before  *int64         `yaml:"before,omitempty"`
	After   *int64         `yaml:"after,omitempty"`

	// Mutation, Mime and Data describe an attach. Mutation defaults to the
	// most recently enqueued mutation.
	Mutation string `yaml:"mutation,omitempty"`
	Mime     string `yaml:"mime,omitempty"`
	Data     string `yaml:"data,omitempty"`

	// Call, Kind and Times script a gateway failure. Times defaults to 1;
	// a negative value fails every call.
	Call  string `yaml:"call,omitempty"`
	Kind  string `yaml:"kind,omitempty"`
	Times int    `yaml:"times,omitempty"`

	// Reason is the drain trigger (default "timer").
	Reason string `yaml:"reason,omitempty"`

	// Duration is how far an advance step moves the clock.
	Duration string `yaml:"duration,omitempty"`

	// Expect checks the step's outcome. If nil, the step must succeed.
	Expect *StepExpect `yaml:"expect,omitempty"`
}

// StepExpect specifies the expected outcome of a step.
type StepExpect struct {
	// Error is a substring of the expected error. Enqueue steps may expect
	// "validation" to require a validation error.
	Error string `yaml:"error,omitempty"`

	// Ran, Succeeded, Failed and Deferred check a drain session.
	Ran       *bool `yaml:"ran,omitempty"`
	Succeeded *int  `yaml:"succeeded,omitempty"`
	Failed    *int  `yaml:"failed,omitempty"`
	Deferred  *int  `yaml:"deferred,omitempty"`
}

// Step actions.
const (
	StepEnqueue     = "enqueue"
	StepAttach      = "attach"
	StepOnline      = "online"
	StepOffline     = "offline"
	StepFail        = "fail"
	StepDrain       = "drain"
	StepAdvance     = "advance"
	StepRetryFailed = "retry_failed"
	StepClearFailed = "clear_failed"
)

// Assertion validates the trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	//   - "gateway_contains": a call matching Call was made
	//   - "gateway_order": calls matching Calls were made in that order
	//   - "gateway_count": exactly Count calls match Call
	//   - "queue_count": exactly Count mutations have Status
	//   - "cache_state": the cached Entity/ID matches Expect (or is Absent)
	//   - "remote_state": the remote Entity/ID matches Expect (or is Absent)
	//   - "attachment_count": exactly Count attachments remain
	Type string `yaml:"type"`

	// Call matches gateway calls (gateway_contains, gateway_count).
	Call *CallMatch `yaml:"call,omitempty"`

	// Calls is the expected call order (gateway_order).
	Calls []CallMatch `yaml:"calls,omitempty"`

	// Count is the expected number (gateway_count, queue_count, attachment_count).
	Count int `yaml:"count"`

	// Status filters queue_count: pending, syncing, failed or all.
	Status string `yaml:"status,omitempty"`

	// Entity and ID select a record (cache_state, remote_state).
	Entity string `yaml:"entity,omitempty"`
	ID     string `yaml:"id,omitempty"`

	// Expect is a subset match on the record's fields.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Absent requires the record not to exist.
	Absent bool `yaml:"absent,omitempty"`

	// Mutation restricts attachment_count to one mutation.
	Mutation string `yaml:"mutation,omitempty"`
}

// CallMatch selects gateway calls. Empty fields match anything; Payload is a
// subset match. Failed, when set, selects failed or successful calls only.
type CallMatch struct {
	Op      string         `yaml:"op"`
	Entity  string         `yaml:"entity,omitempty"`
	ID      string         `yaml:"id,omitempty"`
	Path    string         `yaml:"path,omitempty"`
	Payload map[string]any `yaml:"payload,omitempty"`
	Failed  *bool          `yaml:"failed,omitempty"`
}

// Assertion type constants.
const (
	AssertGatewayContains = "gateway_contains"
	AssertGatewayOrder    = "gateway_order"
	AssertGatewayCount    = "gateway_count"
	AssertQueueCount      = "queue_count"
	AssertCacheState      = "cache_state"
	AssertRemoteState     = "remote_state"
	AssertAttachmentCount = "attachment_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML with strict field validation.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // catches "assertion:" vs "assertions:"
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// ScenarioFiles returns the *.yaml and *.yml files of dir, sorted.
func ScenarioFiles(dir string) ([]string, error) {
	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		files = append(files, matches...)
	}
	sort.Strings(files)
	return files, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.MaxRetry < 0 {
		return fmt.Errorf("max_retry must be non-negative")
	}

	for i, seed := range s.Cache {
		if seed.Entity == "" || seed.ID == "" {
			return fmt.Errorf("cache[%d]: entity and id are required", i)
		}
	}
	for i := range s.Steps {
		if err := validateStep(i, &s.Steps[i]); err != nil {
			return err
		}
	}
	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

// validateStep validates a single step based on its action.
func validateStep(index int, s *Step) error {
	switch s.Do {
	case "":
		return fmt.Errorf("steps[%d]: do is required", index)
	case StepEnqueue:
		if s.Entity == "" {
			return fmt.Errorf("steps[%d]: entity is required for enqueue", index)
		}
		if !queue.Operation(s.Op).Valid() {
			return fmt.Errorf("steps[%d]: op must be create, update or delete, got %q", index, s.Op)
		}
	case StepAttach:
		if s.Mime == "" {
			return fmt.Errorf("steps[%d]: mime is required for attach", index)
		}
	case StepFail:
		switch s.Call {
		case testutil.CallInsert, testutil.CallUpdate, testutil.CallDelete, testutil.CallUpload:
		default:
			return fmt.Errorf("steps[%d]: unknown gateway call %q", index, s.Call)
		}
		if _, err := failureKind(s.Kind); err != nil {
			return fmt.Errorf("steps[%d]: %w", index, err)
		}
	case StepDrain:
		if _, err := drainReason(s.Reason); err != nil {
			return fmt.Errorf("steps[%d]: %w", index, err)
		}
	case StepAdvance:
		if d, err := time.ParseDuration(s.Duration); err != nil || d < 0 {
			return fmt.Errorf("steps[%d]: advance needs a non-negative duration, got %q", index, s.Duration)
		}
	case StepOnline, StepOffline, StepRetryFailed, StepClearFailed:
	default:
		return fmt.Errorf("steps[%d]: unknown action %q", index, s.Do)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if a.Count < 0 {
		return fmt.Errorf("assertions[%d]: count must be non-negative", index)
	}

	switch a.Type {
	case AssertGatewayContains, AssertGatewayCount:
		if a.Call == nil || a.Call.Op == "" {
			return fmt.Errorf("assertions[%d]: call.op is required for %s", index, a.Type)
		}
	case AssertGatewayOrder:
		if len(a.Calls) < 2 {
			return fmt.Errorf("assertions[%d]: calls needs at least two entries for gateway_order", index)
		}
	case AssertQueueCount:
		switch a.Status {
		case "all", string(queue.StatusPending), string(queue.StatusSyncing), string(queue.StatusFailed):
		default:
			return fmt.Errorf("assertions[%d]: unknown status %q for queue_count", index, a.Status)
		}
	case AssertCacheState, AssertRemoteState:
		if a.Entity == "" || a.ID == "" {
			return fmt.Errorf("assertions[%d]: entity and id are required for %s", index, a.Type)
		}
		if !a.Absent && len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect or absent is required for %s", index, a.Type)
		}
	case AssertAttachmentCount:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

func failureKind(kind string) (gateway.Kind, error) {
	switch kind {
	case "", "transient":
		return gateway.Transient, nil
	case "auth":
		return gateway.Auth, nil
	case "rejected":
		return gateway.Rejected, nil
	default:
		return 0, fmt.Errorf("unknown failure kind %q", kind)
	}
}

func drainReason(reason string) (engine.Reason, error) {
	switch r := engine.Reason(reason); r {
	case "":
		return engine.ReasonTimer, nil
	case engine.ReasonTimer, engine.ReasonConnectivity, engine.ReasonManual, engine.ReasonBackground:
		return r, nil
	default:
		return "", fmt.Errorf("unknown drain reason %q", reason)
	}
}
