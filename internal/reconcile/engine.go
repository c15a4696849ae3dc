package reconcile

import (
	"github.com/roach88/quizgate/internal/session"
)

// Apply reconciles one delivered record against local state and returns
// the next state. At most one transition happens per delivery.
func Apply(st State, u session.Record) (State, Transition) {
	if u.SequenceNumber <= st.LastSeq {
		return st, Transition{Kind: KindStale, FromStep: st.Step, ToStep: st.Step}
	}
	if st.Blocked {
		st.LastSeq = u.SequenceNumber
		return st, Transition{Kind: KindNone, FromStep: st.Step, ToStep: st.Step}
	}

	from := st.Step
	st.LastSeq = u.SequenceNumber

	if u.IsBlocked {
		st.Blocked = true
		st.Phase = PhaseInput
		st.Message = ""
		st.Expect = nil
		return st, Transition{Kind: KindBlocked, FromStep: from, ToStep: from}
	}

	if u.SequenceNumber < st.Floor {
		return st, Transition{Kind: KindPreFloor, FromStep: from, ToStep: from}
	}

	if st.Phase != PhaseLoading {
		if u.CurrentStep == st.Step {
			return st, Transition{Kind: KindNone, FromStep: from, ToStep: from}
		}
		st = settle(st, u.CurrentStep)
		return st, Transition{Kind: KindDrift, FromStep: from, ToStep: st.Step}
	}

	if u.WaitingForAdmin {
		return st, Transition{Kind: KindNone, FromStep: from, ToStep: from}
	}

	switch verdictOf(st, u) {
	case session.VerdictApproved:
		st = settle(st, u.CurrentStep)
		return st, Transition{Kind: KindApproved, FromStep: from, ToStep: st.Step}
	case session.VerdictJumped:
		st = settle(st, u.CurrentStep)
		return st, Transition{Kind: KindJumped, FromStep: from, ToStep: st.Step}
	}

	msg := DefaultRejectMessage
	if u.PendingMessage != nil && *u.PendingMessage != "" {
		msg = *u.PendingMessage
	}
	st.Phase = PhaseError
	st.Message = msg
	return st, Transition{Kind: KindRejected, FromStep: from, ToStep: st.Step, Message: msg}
}

// verdictOf reads the explicit verdict, falling back to step comparison
// against the expectation when the record carries none.
func verdictOf(st State, u session.Record) session.Verdict {
	if u.Verdict != session.VerdictNone {
		return u.Verdict
	}
	submitted := st.Step
	if st.Expect != nil {
		submitted = st.Expect.Step
	}
	if u.CurrentStep > submitted || u.CurrentStep == session.StepThankYou {
		return session.VerdictApproved
	}
	return session.VerdictRejected
}

// settle moves to step in the Input phase and drops any pending
// submission.
func settle(st State, step int) State {
	st.Step = step
	st.Phase = PhaseInput
	st.Message = ""
	st.Draft = ""
	st.Expect = nil
	return st
}
