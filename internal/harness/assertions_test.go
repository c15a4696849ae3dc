package harness

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/quizgate/internal/session"
	"github.com/roach88/quizgate/internal/store"
)

func sampleTrace() []TraceEvent {
	return []TraceEvent{
		{Index: 0, Actor: "alice", Action: "launch", Outcome: "ok"},
		{Index: 1, Actor: "alice", Action: "answer", Args: map[string]any{"question": 1, "value": "Paris"}, Outcome: "ok"},
		{Index: 2, Actor: "mod-1", Action: "approve", Args: map[string]any{"participant": "alice"}, Outcome: "applied"},
		{Index: 3, Actor: "mod-2", Action: "approve", Args: map[string]any{"participant": "alice"}, Outcome: "already_resolved"},
	}
}

func TestAssertTraceContains(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceContains(trace, Assertion{Action: "answer", Args: map[string]any{"value": "Paris"}}))
	assert.NoError(t, assertTraceContains(trace, Assertion{Action: "alice.answer"}))
	assert.NoError(t, assertTraceContains(trace, Assertion{Action: "approve", Actor: "mod-2"}))

	err := assertTraceContains(trace, Assertion{Action: "answer", Args: map[string]any{"value": "Rome"}})
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, AssertTraceContains, ae.Type)
	assert.Contains(t, err.Error(), "mod-1.approve")

	assert.Error(t, assertTraceContains(trace, Assertion{Action: "approve", Actor: "admin"}))
}

func TestAssertTraceOrder(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceOrder(trace, Assertion{Actions: []string{"launch", "approve"}}))
	assert.NoError(t, assertTraceOrder(trace, Assertion{Actions: []string{"mod-1.approve", "mod-2.approve"}}))

	err := assertTraceOrder(trace, Assertion{Actions: []string{"approve", "answer"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "should be before")

	err = assertTraceOrder(trace, Assertion{Actions: []string{"launch", "finalize"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing action: finalize")
}

func TestAssertTraceCount(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceCount(trace, Assertion{Action: "approve", Count: 2}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Action: "block", Count: 0}))
	assert.Error(t, assertTraceCount(trace, Assertion{Action: "approve", Count: 1}))
}

func TestAssertFinalState(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	rec, err := st.Insert(ctx, session.Record{IsActive: true})
	require.NoError(t, err)
	_, err = st.ConditionalUpdate(ctx, rec.ID, session.Predicate{}, session.Patch{
		Answer:          &session.AnswerWrite{Question: 1, Value: "Paris"},
		WaitingForAdmin: session.Bool(true),
		CurrentStep:     session.Int(session.StepQuestion1),
	})
	require.NoError(t, err)

	sessions := map[string]string{"alice": rec.ID, "ghost": "missing-id"}
	check := func(participant string, expect map[string]any) error {
		return assertFinalState(ctx, st, sessions, Assertion{Participant: participant, Expect: expect})
	}

	assert.NoError(t, check("alice", map[string]any{
		"exists":            true,
		"status":            "active",
		"current_step":      2,
		"waiting_for_admin": true,
		"answer_1":          "Paris",
		"answer_1_attempts": 1,
		"answer_2":          nil,
		"rating":            nil,
		"user_number":       1,
	}))
	assert.NoError(t, check("ghost", map[string]any{"exists": false}))

	err = check("alice", map[string]any{"current_step": 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"current_step"`)

	err = check("alice", map[string]any{"colour": "red"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not present")

	err = check("bob", map[string]any{"exists": true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "never launched")
}

func TestStateValuesEqual(t *testing.T) {
	assert.True(t, stateValuesEqual(1, int64(1)))
	assert.True(t, stateValuesEqual(nil, nil))
	assert.True(t, stateValuesEqual("a", "a"))
	assert.True(t, stateValuesEqual(true, true))
	assert.False(t, stateValuesEqual(nil, "a"))
	assert.False(t, stateValuesEqual(1, "1"))
	assert.False(t, stateValuesEqual(true, 1))
}

func TestEvaluateAssertions_UnknownType(t *testing.T) {
	errs := EvaluateAssertions(NewResult(), []Assertion{{Type: "vibes"}}, nil)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "unknown assertion type")

	errs = EvaluateAssertions(NewResult(), []Assertion{{Type: AssertFinalState, Participant: "alice"}}, nil)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "requires store context")
}
