package participant

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/roach88/quizgate/internal/reconcile"
	"github.com/roach88/quizgate/internal/session"
)

// Input limits.
const (
	MaxNameLength   = 80
	MaxAnswerLength = 500
	MinAge          = 1
	MaxAge          = 120
)

// SubmitWelcome stores name and age and advances to the first question.
// The welcome step has no moderation gate, so the local step advances as
// soon as the write commits.
func (a *Agent) SubmitWelcome(ctx context.Context, name string, age int) error {
	name = session.NormalizeText(name)
	if name == "" {
		return session.NewValidationError("name is required")
	}
	if len([]rune(name)) > MaxNameLength {
		return session.NewValidationError(fmt.Sprintf("name longer than %d characters", MaxNameLength))
	}
	if age < MinAge || age > MaxAge {
		return session.NewValidationError(fmt.Sprintf("age %d out of range [%d,%d]", age, MinAge, MaxAge))
	}

	id, err := a.beginWrite(func() error {
		if a.state.Step != session.StepWelcome {
			return session.NewInvalidStateError(fmt.Sprintf("welcome already submitted (step %d)", a.state.Step))
		}
		return nil
	})
	if err != nil {
		return err
	}

	res, err := a.store.ConditionalUpdate(ctx, id,
		session.Predicate{IsBlocked: session.Bool(false), CurrentStep: session.Int(session.StepWelcome)},
		session.Patch{
			UserName:      session.String(name),
			UserAge:       session.Int(age),
			CurrentStep:   session.Int(session.StepQuestion1),
			IsActive:      session.Bool(true),
			TouchActivity: true,
		},
	)

	a.mu.Lock()
	if err == nil && res.Applied {
		a.name = name
		a.age = age
		a.state = a.state.Advance(session.StepQuestion1, res.Current.SequenceNumber)
	}
	notes := a.releaseLocked()
	a.mu.Unlock()
	a.afterApply(notes)

	return a.writeOutcome("welcome", id, res, err)
}

// SubmitAnswer stores an answer to question (1..3) and waits for judgment.
// The judgment arrives through the feed. On a failed write the Loading
// state is rolled back so the participant can retry.
func (a *Agent) SubmitAnswer(ctx context.Context, question int, value string) error {
	value = session.NormalizeText(value)
	if question < 1 || question > session.QuestionCount {
		return session.NewValidationError(fmt.Sprintf("question %d out of range [1,%d]", question, session.QuestionCount))
	}
	if value == "" {
		return session.NewValidationError("answer is required")
	}
	if len([]rune(value)) > MaxAnswerLength {
		return session.NewValidationError(fmt.Sprintf("answer longer than %d characters", MaxAnswerLength))
	}

	step := session.StepForQuestion(question)
	return a.submitForJudgment(ctx, "answer", question, value,
		session.Predicate{
			IsBlocked:       session.Bool(false),
			WaitingForAdmin: session.Bool(false),
			CurrentStep:     session.Int(step),
		},
		session.Patch{
			Answer:          &session.AnswerWrite{Question: question, Value: value},
			WaitingForAdmin: session.Bool(true),
			Verdict:         session.VerdictPtr(session.VerdictNone),
			ClearMessage:    true,
			IsActive:        session.Bool(true),
			TouchActivity:   true,
		},
	)
}

// SubmitRating stores a 1..5 star rating and waits for finalization.
func (a *Agent) SubmitRating(ctx context.Context, stars int) error {
	if stars < 1 || stars > 5 {
		return session.NewValidationError(fmt.Sprintf("rating %d out of range [1,5]", stars))
	}
	return a.submitForJudgment(ctx, "rating", 0, strconv.Itoa(stars),
		session.Predicate{
			IsBlocked:       session.Bool(false),
			WaitingForAdmin: session.Bool(false),
			CurrentStep:     session.Int(session.StepRating),
		},
		session.Patch{
			Rating:          session.Int(stars),
			CurrentStep:     session.Int(session.StepRating),
			WaitingForAdmin: session.Bool(true),
			Verdict:         session.VerdictPtr(session.VerdictNone),
			ClearMessage:    true,
			IsActive:        session.Bool(true),
			TouchActivity:   true,
		},
	)
}

func (a *Agent) submitForJudgment(ctx context.Context, op string, question int, draft string, pred session.Predicate, patch session.Patch) error {
	id, err := a.beginWrite(func() error {
		next, err := a.state.Submit(question, draft)
		if err != nil {
			return err
		}
		a.state = next
		return nil
	})
	if err != nil {
		return err
	}

	res, err := a.store.ConditionalUpdate(ctx, id, pred, patch)

	a.mu.Lock()
	if err == nil && res.Applied {
		a.state = a.state.Confirm(res.Current.SequenceNumber)
	} else {
		a.state = a.state.Rollback()
	}
	notes := a.releaseLocked()
	a.mu.Unlock()
	a.afterApply(notes)

	if err != nil {
		a.rebuild(id)
	}
	return a.writeOutcome(op, id, res, err)
}

// rebuild re-reads the record after a write whose outcome is unknown and
// adopts the stored state when anything committed since the last delivery.
func (a *Agent) rebuild(id string) {
	rec, err := a.store.Get(a.context(), id)
	if err != nil {
		if session.IsNotFound(err) {
			a.endSession(id, "deleted", true)
			return
		}
		slog.Warn("participant rebuild failed", "session_id", id, "error", err)
		return
	}
	if rec.IsBlocked {
		a.deliver(rec)
		return
	}

	a.mu.Lock()
	if a.id != id || a.inFlight || a.state.Blocked || rec.SequenceNumber <= a.state.LastSeq {
		a.mu.Unlock()
		return
	}
	next := reconcile.Hydrate(rec)
	if next.Phase == reconcile.PhaseInput && next.Step == a.state.Step {
		next.Draft = a.state.Draft
	}
	a.state = next
	a.mu.Unlock()
	slog.Info("participant state rebuilt", "session_id", id, "seq", rec.SequenceNumber, "step", rec.CurrentStep)

	if expired(rec) {
		a.endSession(id, string(rec.Status), rec.Status == session.StatusObsolete)
	}
}

// AcknowledgeError dismisses a rejection and clears the draft answer,
// returning to input on the same step.
func (a *Agent) AcknowledgeError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	next, err := a.state.Acknowledge()
	if err != nil {
		return err
	}
	a.state = next
	return nil
}

// beginWrite checks the agent can write, runs check under the lock and
// marks a write in flight. Returns the session id.
func (a *Agent) beginWrite(check func() error) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.id == "":
		return "", session.NewInvalidStateError("participant not started")
	case a.state.Blocked:
		return "", session.NewInvalidStateError("session is blocked")
	case a.ended:
		return "", &session.Error{Code: session.CodeSessionUnavailable, Message: "session is no longer live", SessionID: a.id}
	case a.inFlight:
		return "", session.NewInvalidStateError("a submission is already in flight")
	}
	if err := check(); err != nil {
		return "", err
	}
	a.inFlight = true
	return a.id, nil
}

// writeOutcome maps a conditional write result to the agent's error
// contract. A lost predicate is reported as WRITE_FAILED: the write did not
// commit and the feed will correct local state.
func (a *Agent) writeOutcome(op, id string, res session.UpdateResult, err error) error {
	if err != nil {
		slog.Warn("participant write failed", "op", op, "session_id", id, "error", err)
		if session.CodeOf(err) == session.CodeWriteFailed {
			return err
		}
		return session.NewWriteFailedError(id, err)
	}
	if !res.Applied {
		slog.Info("participant write not applied", "op", op, "session_id", id, "seq", res.Current.SequenceNumber)
		return &session.Error{Code: session.CodeWriteFailed, Message: "session changed before the write", SessionID: id}
	}
	slog.Debug("participant write committed", "op", op, "session_id", id, "seq", res.Current.SequenceNumber)
	return nil
}
