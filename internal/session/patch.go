package session

import (
	"fmt"
	"time"
)

// Predicate is the precondition of a conditional write. Nil fields are not
// checked; a zero Predicate always matches.
type Predicate struct {
	WaitingForAdmin *bool   `json:"waiting_for_admin,omitempty"`
	CurrentStep     *int    `json:"current_step,omitempty"`
	IsBlocked       *bool   `json:"is_blocked,omitempty"`
	Status          *Status `json:"status,omitempty"`
}

// Matches reports whether r satisfies every set field of p.
func (p Predicate) Matches(r Record) bool {
	if p.WaitingForAdmin != nil && r.WaitingForAdmin != *p.WaitingForAdmin {
		return false
	}
	if p.CurrentStep != nil && r.CurrentStep != *p.CurrentStep {
		return false
	}
	if p.IsBlocked != nil && r.IsBlocked != *p.IsBlocked {
		return false
	}
	if p.Status != nil && r.Status != *p.Status {
		return false
	}
	return true
}

// AnswerWrite stores a participant submission for one question and bumps
// its attempt counter.
type AnswerWrite struct {
	Question int    `json:"question"`
	Value    string `json:"value"`
}

// Patch describes the mutation of a conditional write. Nil fields are left
// untouched. Every applied patch bumps the sequence number.
type Patch struct {
	Status          *Status      `json:"status,omitempty"`
	IsActive        *bool        `json:"is_active,omitempty"`
	IsBlocked       *bool        `json:"is_blocked,omitempty"`
	BlockReason     *string      `json:"block_reason,omitempty"`
	CurrentStep     *int         `json:"current_step,omitempty"`
	AdvanceStep     bool         `json:"advance_step,omitempty"`
	WaitingForAdmin *bool        `json:"waiting_for_admin,omitempty"`
	Verdict         *Verdict     `json:"verdict,omitempty"`
	Answer          *AnswerWrite `json:"answer,omitempty"`
	ResetProgress   bool         `json:"reset_progress,omitempty"`
	Rating          *int         `json:"rating,omitempty"`
	PendingMessage  *string      `json:"pending_message,omitempty"`
	ClearMessage    bool         `json:"clear_message,omitempty"`
	UserName        *string      `json:"user_name,omitempty"`
	UserAge         *int         `json:"user_age,omitempty"`
	TouchActivity   bool         `json:"touch_activity,omitempty"`
}

// Validate rejects out-of-range values before any write is attempted.
func (p Patch) Validate() error {
	if p.CurrentStep != nil && (*p.CurrentStep < StepWelcome || *p.CurrentStep > StepThankYou) {
		return NewValidationError(fmt.Sprintf("step %d out of range [1,6]", *p.CurrentStep))
	}
	if p.CurrentStep != nil && p.AdvanceStep {
		return NewValidationError("current_step and advance_step are exclusive")
	}
	if p.Answer != nil && (p.Answer.Question < 1 || p.Answer.Question > QuestionCount) {
		return NewValidationError(fmt.Sprintf("question %d out of range [1,3]", p.Answer.Question))
	}
	if p.Rating != nil && (*p.Rating < 1 || *p.Rating > 5) {
		return NewValidationError(fmt.Sprintf("rating %d out of range [1,5]", *p.Rating))
	}
	if p.Status != nil && !p.Status.Valid() {
		return NewValidationError(fmt.Sprintf("unknown status %q", *p.Status))
	}
	if p.PendingMessage != nil && p.ClearMessage {
		return NewValidationError("pending_message and clear_message are exclusive")
	}
	return nil
}

// RequiresPrivilege reports whether the patch touches the block flag or
// the blocked status, in either direction.
func (p Patch) RequiresPrivilege() bool {
	if p.IsBlocked != nil || p.BlockReason != nil {
		return true
	}
	return p.Status != nil && *p.Status == StatusBlocked
}

// CheckParticipantWrite rejects patches a participant may not apply under
// pred. Participants fill in their own answers, rating and profile, raise
// the waiting flag, keep themselves live and retire inactive records.
// Step changes are limited to leaving the welcome step and landing on the
// rating step the predicate already pins.
func (p Patch) CheckParticipantWrite(pred Predicate) error {
	deny := func(field string) error {
		return &Error{Code: CodeNotAuthorized, Message: fmt.Sprintf("participants may not write %s", field)}
	}
	switch {
	case p.IsBlocked != nil:
		return deny("is_blocked")
	case p.BlockReason != nil:
		return deny("block_reason")
	case p.AdvanceStep:
		return deny("advance_step")
	case p.ResetProgress:
		return deny("reset_progress")
	case p.PendingMessage != nil:
		return deny("pending_message")
	case p.WaitingForAdmin != nil && !*p.WaitingForAdmin:
		return deny("waiting_for_admin=false")
	case p.Verdict != nil && *p.Verdict != VerdictNone:
		return deny("verdict")
	}
	if p.Status != nil {
		if *p.Status != StatusObsolete || pred.Status == nil || *pred.Status != StatusInactive {
			return deny("status")
		}
	}
	if p.CurrentStep != nil {
		if pred.CurrentStep == nil {
			return deny("current_step without a step predicate")
		}
		from, to := *pred.CurrentStep, *p.CurrentStep
		welcome := from == StepWelcome && to == StepQuestion1
		rating := from == StepRating && to == StepRating
		if !welcome && !rating {
			return deny(fmt.Sprintf("current_step %d from step %d", to, from))
		}
	}
	return nil
}

// IsJudgment reports whether the patch is a moderator judgment or reset.
func (p Patch) IsJudgment() bool {
	return p.Verdict != nil && *p.Verdict != VerdictNone
}

// Apply mutates r in place. The caller bumps SequenceNumber.
func (p Patch) Apply(r *Record, now time.Time) {
	if p.ResetProgress {
		r.Answers = Answers{}
		r.Rating = nil
		r.PendingMessage = nil
	}
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.IsActive != nil {
		r.IsActive = *p.IsActive
	}
	if p.IsBlocked != nil {
		r.IsBlocked = *p.IsBlocked
	}
	if p.BlockReason != nil {
		r.BlockReason = *p.BlockReason
	}
	if p.CurrentStep != nil {
		r.CurrentStep = *p.CurrentStep
	}
	if p.AdvanceStep && r.CurrentStep < StepThankYou {
		r.CurrentStep++
	}
	if p.WaitingForAdmin != nil {
		r.WaitingForAdmin = *p.WaitingForAdmin
	}
	if p.Verdict != nil {
		r.Verdict = *p.Verdict
	}
	if p.Answer != nil {
		slot := r.Answers.Slot(p.Answer.Question)
		slot.Value = String(p.Answer.Value)
		slot.Attempts++
	}
	if p.Rating != nil {
		r.Rating = Int(*p.Rating)
	}
	if p.PendingMessage != nil {
		r.PendingMessage = String(*p.PendingMessage)
	}
	if p.ClearMessage {
		r.PendingMessage = nil
	}
	if p.UserName != nil {
		r.UserName = String(*p.UserName)
	}
	if p.UserAge != nil {
		r.UserAge = Int(*p.UserAge)
	}
	if p.TouchActivity {
		r.LastActivity = now
	}
}

// Filter selects records for listing, bulk update and delete.
type Filter struct {
	SessionID          string     `json:"session_id,omitempty"`
	Statuses           []Status   `json:"statuses,omitempty"`
	ExcludeStatuses    []Status   `json:"exclude_statuses,omitempty"`
	IsActive           *bool      `json:"is_active,omitempty"`
	LastActivityBefore *time.Time `json:"last_activity_before,omitempty"`
}

// Matches reports whether r is selected by f.
func (f Filter) Matches(r Record) bool {
	if f.SessionID != "" && r.ID != f.SessionID {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, r.Status) {
		return false
	}
	if containsStatus(f.ExcludeStatuses, r.Status) {
		return false
	}
	if f.IsActive != nil && r.IsActive != *f.IsActive {
		return false
	}
	if f.LastActivityBefore != nil && !r.LastActivity.Before(*f.LastActivityBefore) {
		return false
	}
	return true
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Bool builds an optional bool.
func Bool(b bool) *bool { return &b }

// StatusPtr builds an optional status.
func StatusPtr(s Status) *Status { return &s }

// VerdictPtr builds an optional verdict.
func VerdictPtr(v Verdict) *Verdict { return &v }
