package reconcile

import (
	"fmt"

	"github.com/roach88/quizgate/internal/session"
)

// Submit enters Loading for a question answer or rating on the current
// step. question is 0 for a rating.
func (s State) Submit(question int, draft string) (State, error) {
	if s.Blocked {
		return s, session.NewInvalidStateError("session is blocked")
	}
	if s.Phase != PhaseInput {
		return s, session.NewInvalidStateError(fmt.Sprintf("cannot submit while %s", s.Phase))
	}
	switch {
	case question == 0 && s.Step != session.StepRating:
		return s, session.NewInvalidStateError(fmt.Sprintf("rating not accepted at step %d", s.Step))
	case question > 0 && session.StepForQuestion(question) != s.Step:
		return s, session.NewInvalidStateError(fmt.Sprintf("question %d not accepted at step %d", question, s.Step))
	}
	s.Phase = PhaseLoading
	s.Draft = draft
	s.Expect = &Expectation{Question: question, Step: s.Step}
	return s, nil
}

// Rollback returns a failed submission to Input, keeping the draft so the
// participant can retry.
func (s State) Rollback() State {
	if s.Phase == PhaseLoading {
		s.Phase = PhaseInput
		s.Expect = nil
	}
	return s
}

// Confirm raises the floor to the sequence number of a committed local
// write.
func (s State) Confirm(seq int64) State {
	if seq > s.Floor {
		s.Floor = seq
	}
	return s
}

// Advance applies an optimistic step change backed by a committed write at
// seq.
func (s State) Advance(step int, seq int64) State {
	s = settle(s, step)
	return s.Confirm(seq)
}

// Acknowledge leaves the Error phase, clearing the message and the draft
// answer. The step is unchanged.
func (s State) Acknowledge() (State, error) {
	if s.Phase != PhaseError {
		return s, session.NewInvalidStateError("no error to acknowledge")
	}
	s.Phase = PhaseInput
	s.Message = ""
	s.Draft = ""
	s.Expect = nil
	return s, nil
}
