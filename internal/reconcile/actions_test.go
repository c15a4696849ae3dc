package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/quizgate/internal/session"
)

func TestSubmit_Gates(t *testing.T) {
	tests := []struct {
		name     string
		st       State
		question int
		ok       bool
	}{
		{"question on its step", State{Step: session.StepQuestion2}, 2, true},
		{"wrong question", State{Step: session.StepQuestion2}, 1, false},
		{"rating on rating step", State{Step: session.StepRating}, 0, true},
		{"rating on question step", State{Step: session.StepQuestion1}, 0, false},
		{"already loading", State{Step: session.StepQuestion1, Phase: PhaseLoading}, 1, false},
		{"in error", State{Step: session.StepQuestion1, Phase: PhaseError}, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, err := tt.st.Submit(tt.question, "v")
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, PhaseLoading, next.Phase)
				require.NotNil(t, next.Expect)
				assert.Equal(t, tt.st.Step, next.Expect.Step)
			} else {
				assert.ErrorIs(t, err, session.ErrInvalidState)
				assert.Equal(t, tt.st, next)
			}
		})
	}
}

func TestRollback_KeepsDraft(t *testing.T) {
	st, err := State{Step: session.StepQuestion1}.Submit(1, "Paris")
	require.NoError(t, err)

	st = st.Rollback()
	assert.Equal(t, PhaseInput, st.Phase)
	assert.Equal(t, "Paris", st.Draft)
	assert.Nil(t, st.Expect)
}

func TestAcknowledge_RequiresError(t *testing.T) {
	_, err := Initial().Acknowledge()
	assert.ErrorIs(t, err, session.ErrInvalidState)
}

func TestHydrate(t *testing.T) {
	waiting := record(7, session.StepQuestion2, true)
	waiting.Answers[1].Value = session.String("42")

	st := Hydrate(waiting)
	assert.Equal(t, PhaseLoading, st.Phase)
	assert.Equal(t, "42", st.Draft)
	require.NotNil(t, st.Expect)
	assert.Equal(t, 2, st.Expect.Question)
	assert.Equal(t, int64(7), st.LastSeq)

	rejected := record(8, session.StepQuestion2, false)
	rejected.PendingMessage = session.String("Nope")
	st = Hydrate(rejected)
	assert.Equal(t, PhaseError, st.Phase)
	assert.Equal(t, "Nope", st.Message)

	idle := Hydrate(record(9, session.StepRating, false))
	assert.Equal(t, PhaseInput, idle.Phase)
	assert.Equal(t, session.StepRating, idle.Step)
}

func TestConfirm_Monotonic(t *testing.T) {
	st := State{Floor: 5}
	assert.Equal(t, int64(5), st.Confirm(3).Floor)
	assert.Equal(t, int64(9), st.Confirm(9).Floor)
}
