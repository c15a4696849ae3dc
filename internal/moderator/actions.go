package moderator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/quizgate/internal/session"
)

// Outcome reports how a conditional action resolved.
type Outcome string

const (
	// OutcomeApplied means this moderator's write committed.
	OutcomeApplied Outcome = "applied"
	// OutcomeAlreadyResolved means the precondition no longer held,
	// usually because another moderator acted first. Not an error.
	OutcomeAlreadyResolved Outcome = "already_resolved"
)

// Result describes one action. Record is the stored state after the
// attempt for single-record actions; Count is the number of records
// touched by bulk actions.
type Result struct {
	Action    string         `json:"action"`
	SessionID string         `json:"session_id,omitempty"`
	Outcome   Outcome        `json:"outcome"`
	Record    session.Record `json:"record,omitzero"`
	Count     int            `json:"count,omitempty"`
}

// AlreadyResolved reports whether the action lost its race.
func (r Result) AlreadyResolved() bool {
	return r.Outcome == OutcomeAlreadyResolved
}

// Approve accepts the pending submission and advances one step.
func (a *Agent) Approve(ctx context.Context, id string) (Result, error) {
	return a.conditional(ctx, "approve", id,
		session.Predicate{WaitingForAdmin: session.Bool(true)},
		session.Patch{
			AdvanceStep:     true,
			WaitingForAdmin: session.Bool(false),
			Verdict:         session.VerdictPtr(session.VerdictApproved),
			ClearMessage:    true,
		},
	)
}

// Reject declines the pending submission, optionally with a message for
// the participant.
func (a *Agent) Reject(ctx context.Context, id, message string) (Result, error) {
	patch := session.Patch{
		WaitingForAdmin: session.Bool(false),
		Verdict:         session.VerdictPtr(session.VerdictRejected),
	}
	if msg := session.NormalizeText(message); msg != "" {
		patch.PendingMessage = session.String(msg)
	} else {
		patch.ClearMessage = true
	}
	return a.conditional(ctx, "reject", id, session.Predicate{WaitingForAdmin: session.Bool(true)}, patch)
}

// Finalize accepts a pending rating and completes the run.
func (a *Agent) Finalize(ctx context.Context, id string) (Result, error) {
	return a.conditional(ctx, "finalize", id,
		session.Predicate{WaitingForAdmin: session.Bool(true), CurrentStep: session.Int(session.StepRating)},
		session.Patch{
			CurrentStep:     session.Int(session.StepThankYou),
			WaitingForAdmin: session.Bool(false),
			Verdict:         session.VerdictPtr(session.VerdictApproved),
			ClearMessage:    true,
		},
	)
}

// Restart returns the session to the welcome step and clears all progress.
// Allowed whether or not a submission is pending.
func (a *Agent) Restart(ctx context.Context, id string) (Result, error) {
	return a.conditional(ctx, "restart", id, session.Predicate{}, session.Patch{
		CurrentStep:     session.Int(session.StepWelcome),
		ResetProgress:   true,
		WaitingForAdmin: session.Bool(false),
		Verdict:         session.VerdictPtr(session.VerdictJumped),
	})
}

// GoToStep moves the session to step (1..6). Allowed whether or not a
// submission is pending.
func (a *Agent) GoToStep(ctx context.Context, id string, step int) (Result, error) {
	if step < session.StepWelcome || step > session.StepThankYou {
		return Result{}, session.NewValidationError(fmt.Sprintf("step %d out of range [1,6]", step))
	}
	return a.conditional(ctx, "goto", id, session.Predicate{}, session.Patch{
		CurrentStep:     session.Int(step),
		WaitingForAdmin: session.Bool(false),
		Verdict:         session.VerdictPtr(session.VerdictJumped),
		ClearMessage:    true,
	})
}

// Block bars the participant. Privileged.
func (a *Agent) Block(ctx context.Context, id, reason string) (Result, error) {
	if err := a.requirePrivilege(ctx, "block"); err != nil {
		return Result{}, err
	}
	return a.conditional(ctx, "block", id,
		session.Predicate{IsBlocked: session.Bool(false)},
		session.Patch{
			IsBlocked:   session.Bool(true),
			Status:      session.StatusPtr(session.StatusBlocked),
			BlockReason: session.String(session.NormalizeText(reason)),
		},
	)
}

// PurgeInactive deletes every record with status inactive. Privileged.
func (a *Agent) PurgeInactive(ctx context.Context) (Result, error) {
	if err := a.requirePrivilege(ctx, "purge"); err != nil {
		return Result{}, err
	}
	n, err := a.store.Delete(ctx, session.Filter{Statuses: []session.Status{session.StatusInactive}})
	if err != nil {
		return Result{}, err
	}
	slog.Info("inactive sessions purged", "moderator_id", a.moderatorID, "count", n)
	return Result{Action: "purge", Outcome: OutcomeApplied, Count: n}, nil
}

// SweepInactive clears is_active on every live record idle for longer than
// threshold, and moves active-status records idle beyond ExpireAfter to
// inactive. Both writes are bulk conditional updates whose filter is
// falsified by their own patch, so concurrent sweeps never write a record
// twice.
func (a *Agent) SweepInactive(ctx context.Context, threshold time.Duration) (Result, error) {
	if threshold <= 0 {
		return Result{}, session.NewValidationError("sweep threshold must be positive")
	}
	now := a.opts.Clock()

	cutoff := now.Add(-threshold)
	idled, err := a.store.UpdateWhere(ctx,
		session.Filter{IsActive: session.Bool(true), LastActivityBefore: &cutoff},
		session.Patch{IsActive: session.Bool(false)},
	)
	if err != nil {
		return Result{}, err
	}

	var expired int
	if a.opts.ExpireAfter > 0 {
		expiry := now.Add(-a.opts.ExpireAfter)
		expired, err = a.store.UpdateWhere(ctx,
			session.Filter{Statuses: []session.Status{session.StatusActive}, LastActivityBefore: &expiry},
			session.Patch{Status: session.StatusPtr(session.StatusInactive), IsActive: session.Bool(false)},
		)
		if err != nil {
			return Result{}, err
		}
	}

	if idled+expired > 0 {
		slog.Info("inactivity sweep",
			"moderator_id", a.moderatorID,
			"idled", idled,
			"expired", expired,
		)
	}
	return Result{Action: "sweep", Outcome: OutcomeApplied, Count: idled + expired}, nil
}

func (a *Agent) conditional(ctx context.Context, action, id string, pred session.Predicate, patch session.Patch) (Result, error) {
	res, err := a.store.ConditionalUpdate(ctx, id, pred, patch)
	if err != nil {
		slog.Warn("moderator action failed", "action", action, "session_id", id, "moderator_id", a.moderatorID, "error", err)
		return Result{}, err
	}

	out := Result{Action: action, SessionID: id, Outcome: OutcomeApplied, Record: res.Current}
	if !res.Applied {
		out.Outcome = OutcomeAlreadyResolved
	}
	slog.Info("moderator action",
		"action", action,
		"session_id", id,
		"moderator_id", a.moderatorID,
		"outcome", string(out.Outcome),
		"seq", res.Current.SequenceNumber,
	)
	return out, nil
}

func (a *Agent) requirePrivilege(ctx context.Context, action string) error {
	if a.roles == nil {
		return session.NewNotAuthorizedError(action, a.moderatorID)
	}
	ok, err := a.roles.IsPrivileged(ctx, a.moderatorID)
	if err != nil {
		return fmt.Errorf("role check: %w", err)
	}
	if !ok {
		return session.NewNotAuthorizedError(action, a.moderatorID)
	}
	return nil
}
