package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/quizgate/internal/auth"
)

// ClockActor is the reserved actor that owns the manual clock.
const ClockActor = "clock"

// Scenario defines an end-to-end test scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Moderators declares the moderator actors and their roles.
	Moderators []ModeratorDecl `yaml:"moderators,omitempty"`

	// Flow contains the steps, executed in order.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final trace and state.
	// Supported types: trace_contains, trace_order, trace_count, final_state
	Assertions []Assertion `yaml:"assertions"`
}

// ModeratorDecl is one moderator actor.
type ModeratorDecl struct {
	ID   string    `yaml:"id"`
	Role auth.Role `yaml:"role"`
}

// FlowStep is one action by one actor.
type FlowStep struct {
	Actor  string         `yaml:"actor"`
	Action string         `yaml:"action"`
	Args   map[string]any `yaml:"args,omitempty"`

	// Expect is checked after the step settles. If nil, nothing is checked.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies expected step behavior. Empty fields are not
// checked.
type ExpectClause struct {
	// Outcome is "ok", "applied", "already_resolved" or an error code.
	Outcome string `yaml:"outcome,omitempty"`

	// Step and Phase check the affected participant's view.
	Step  int    `yaml:"step,omitempty"`
	Phase string `yaml:"phase,omitempty"`

	// Count checks bulk actions.
	Count *int `yaml:"count,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": Check action appears in trace with args
	// - "trace_order": Check actions appear in order
	// - "trace_count": Check action appears exactly N times
	// - "final_state": Check a participant's stored record
	Type string `yaml:"type"`

	// Action is the action name (used by trace_contains, trace_count).
	Action string `yaml:"action,omitempty"`

	// Actor narrows trace_contains to one actor.
	Actor string `yaml:"actor,omitempty"`

	// Args are the expected action arguments (used by trace_contains).
	// Subset match - only specified fields are validated.
	Args map[string]any `yaml:"args,omitempty"`

	// Participant names the record checked by final_state.
	Participant string `yaml:"participant,omitempty"`

	// Expect contains expected record fields (used by final_state).
	// Subset match - only specified fields are validated.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is the expected number of occurrences (used by trace_count).
	Count int `yaml:"count,omitempty"`

	// Actions is the expected action order (used by trace_order).
	Actions []string `yaml:"actions,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

var participantActions = map[string]bool{
	"launch": true, "kill": true, "terminate": true, "welcome": true, "answer": true,
	"rate": true, "acknowledge": true, "background": true, "foreground": true,
}

var moderatorActions = map[string]bool{
	"approve": true, "reject": true, "finalize": true, "restart": true, "goto": true,
	"block": true, "purge": true, "sweep": true,
}

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

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Parse YAML with strict field validation (catches typos like "assertion:" vs "assertions:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	moderators := make(map[string]bool, len(s.Moderators))
	for i, m := range s.Moderators {
		if m.ID == "" || m.ID == ClockActor {
			return fmt.Errorf("moderators[%d]: id is required and may not be %q", i, ClockActor)
		}
		if !m.Role.Valid() {
			return fmt.Errorf("moderators[%d]: unknown role %q", i, m.Role)
		}
		if moderators[m.ID] {
			return fmt.Errorf("moderators[%d]: duplicate id %q", i, m.ID)
		}
		moderators[m.ID] = true
	}

	for i, step := range s.Flow {
		if step.Actor == "" {
			return fmt.Errorf("flow[%d]: actor is required", i)
		}
		if step.Action == "" {
			return fmt.Errorf("flow[%d]: action is required", i)
		}
		switch {
		case step.Actor == ClockActor:
			if step.Action != "advance" {
				return fmt.Errorf("flow[%d]: clock supports only advance, got %q", i, step.Action)
			}
		case moderators[step.Actor]:
			if !moderatorActions[step.Action] {
				return fmt.Errorf("flow[%d]: unknown moderator action %q", i, step.Action)
			}
		default:
			if !participantActions[step.Action] {
				return fmt.Errorf("flow[%d]: unknown participant action %q", i, step.Action)
			}
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("assertions[%d]: actions list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Participant == "" {
			return fmt.Errorf("assertions[%d]: participant is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
