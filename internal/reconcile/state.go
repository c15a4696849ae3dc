package reconcile

import (
	"fmt"

	"github.com/roach88/quizgate/internal/session"
)

// DefaultRejectMessage is shown when a rejection carries no message.
const DefaultRejectMessage = "That answer was not accepted. Please try again."

// Phase is the sub-state overlaid on the current step.
type Phase int

const (
	PhaseInput Phase = iota
	PhaseLoading
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseInput:
		return "input"
	case PhaseLoading:
		return "loading"
	case PhaseError:
		return "error"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Expectation records what the participant submitted while Loading.
// Question is 0 for a rating submission.
type Expectation struct {
	Question int
	Step     int
}

// State is the participant's local view.
//
// Message is set only in PhaseError. Expect is set in PhaseLoading and kept
// in PhaseError so acknowledging returns to the same question.
type State struct {
	Step    int
	Phase   Phase
	Message string
	Draft   string
	Expect  *Expectation
	Blocked bool

	// LastSeq is the highest sequence number applied.
	LastSeq int64
	// Floor is the sequence number of the latest local optimistic write.
	// Deliveries below it predate that write.
	Floor int64
}

// Initial returns the Welcome/Input state.
func Initial() State {
	return State{Step: session.StepWelcome, Phase: PhaseInput}
}

// Hydrate derives local state from a recovered record. A record waiting
// for judgment resumes in Loading; an unread rejection resumes in Error.
func Hydrate(r session.Record) State {
	st := State{
		Step:    r.CurrentStep,
		Phase:   PhaseInput,
		LastSeq: r.SequenceNumber,
		Floor:   r.SequenceNumber,
		Blocked: r.IsBlocked,
	}
	switch {
	case r.WaitingForAdmin:
		st.Phase = PhaseLoading
		st.Expect = expectationFor(r.CurrentStep)
		if q := st.Expect.Question; q > 0 {
			if v := r.Answers.Slot(q).Value; v != nil {
				st.Draft = *v
			}
		}
	case r.PendingMessage != nil && session.IsQuestionStep(r.CurrentStep):
		st.Phase = PhaseError
		st.Message = *r.PendingMessage
		st.Expect = expectationFor(r.CurrentStep)
	}
	return st
}

func expectationFor(step int) *Expectation {
	exp := &Expectation{Step: step}
	if session.IsQuestionStep(step) {
		exp.Question = session.QuestionForStep(step)
	}
	return exp
}

// Kind classifies the outcome of applying one delivery.
type Kind int

const (
	KindNone Kind = iota
	KindStale
	KindPreFloor
	KindBlocked
	KindDrift
	KindApproved
	KindRejected
	KindJumped
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindStale:
		return "stale"
	case KindPreFloor:
		return "pre-floor"
	case KindBlocked:
		return "blocked"
	case KindDrift:
		return "drift"
	case KindApproved:
		return "approved"
	case KindRejected:
		return "rejected"
	case KindJumped:
		return "jumped"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Transition describes what Apply did.
type Transition struct {
	Kind     Kind
	FromStep int
	ToStep   int
	Message  string
}

// Changed reports whether the transition altered visible local state.
func (t Transition) Changed() bool {
	switch t.Kind {
	case KindNone, KindStale, KindPreFloor:
		return false
	}
	return true
}
