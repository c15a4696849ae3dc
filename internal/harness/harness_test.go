package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/quizgate/internal/auth"
)

func TestGolden_Scenarios(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), ".yaml")
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)
			require.Equal(t, name, scenario.Name, "scenario name must match its file")

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRun_ExpectMismatchFails(t *testing.T) {
	scenario := &Scenario{
		Name:        "expect_mismatch",
		Description: "Wrong expectation",
		Flow: []FlowStep{
			{Actor: "alice", Action: "launch", Expect: &ExpectClause{Step: 2, Phase: "loading"}},
		},
		Assertions: []Assertion{{Type: AssertTraceContains, Action: "launch"}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "expected step 2, got 1")
	assert.Contains(t, result.Errors[1], `expected phase "loading", got "input"`)
}

func TestRun_ParticipantErrorsBecomeOutcomes(t *testing.T) {
	scenario := &Scenario{
		Name:        "participant_errors",
		Description: "Invalid submissions surface as outcomes",
		Flow: []FlowStep{
			{Actor: "alice", Action: "launch"},
			{Actor: "alice", Action: "launch"},
			{Actor: "alice", Action: "answer", Args: map[string]any{"question": 1, "value": "Paris"}},
			{Actor: "alice", Action: "welcome", Args: map[string]any{"name": "", "age": 30}},
			{Actor: "alice", Action: "acknowledge"},
		},
		Assertions: []Assertion{{Type: AssertTraceCount, Action: "launch", Count: 2}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	outcomes := make([]string, 0, len(result.Trace))
	for _, ev := range result.Trace {
		outcomes = append(outcomes, ev.Outcome)
	}
	assert.Equal(t, []string{"ok", "INVALID_STATE", "INVALID_STATE", "VALIDATION", "INVALID_STATE"}, outcomes)
}

func TestRun_GoToStepMovesParticipant(t *testing.T) {
	scenario := &Scenario{
		Name:        "goto",
		Description: "Moderator jumps a participant",
		Moderators:  []ModeratorDecl{{ID: "mod-1", Role: auth.RoleModerator}},
		Flow: []FlowStep{
			{Actor: "alice", Action: "launch"},
			{Actor: "alice", Action: "welcome", Args: map[string]any{"name": "Alice", "age": 30}},
			{Actor: "alice", Action: "answer", Args: map[string]any{"question": 1, "value": "Paris"}},
			{Actor: "mod-1", Action: "goto", Args: map[string]any{"participant": "alice", "step": 5},
				Expect: &ExpectClause{Outcome: "applied", Step: 5, Phase: "input"}},
			{Actor: "mod-1", Action: "restart", Args: map[string]any{"participant": "alice"},
				Expect: &ExpectClause{Outcome: "applied", Step: 1, Phase: "input"}},
			{Actor: "mod-1", Action: "goto", Args: map[string]any{"participant": "alice", "step": 9},
				Expect: &ExpectClause{Outcome: "VALIDATION"}},
		},
		Assertions: []Assertion{{
			Type:        AssertFinalState,
			Participant: "alice",
			Expect:      map[string]any{"current_step": 1, "answer_1": nil, "verdict": "jumped"},
		}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_UnknownParticipantFails(t *testing.T) {
	scenario := &Scenario{
		Name:        "unknown_participant",
		Description: "Moderator targets nobody",
		Moderators:  []ModeratorDecl{{ID: "mod-1", Role: auth.RoleModerator}},
		Flow: []FlowStep{
			{Actor: "mod-1", Action: "approve", Args: map[string]any{"participant": "nobody"}},
		},
		Assertions: []Assertion{{Type: AssertTraceContains, Action: "approve"}},
	}

	_, err := Run(scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown participant "nobody"`)
}
