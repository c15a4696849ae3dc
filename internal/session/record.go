package session

import (
	"encoding/json"
	"time"
)

// Step numbers of the quiz flow.
const (
	StepWelcome   = 1
	StepQuestion1 = 2
	StepQuestion2 = 3
	StepQuestion3 = 4
	StepRating    = 5
	StepThankYou  = 6

	// QuestionCount is the number of moderated questions (steps 2..4).
	QuestionCount = 3
)

// Status is the lifecycle status of a session record.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusBlocked  Status = "blocked"
	StatusObsolete Status = "obsolete"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusBlocked, StatusObsolete:
		return true
	}
	return false
}

// Verdict tags the intent of the last moderator write that cleared the
// waiting flag. Participant submissions reset it to VerdictNone.
type Verdict string

const (
	VerdictNone     Verdict = ""
	VerdictApproved Verdict = "approved"
	VerdictRejected Verdict = "rejected"
	VerdictJumped   Verdict = "jumped"
)

// Answer is one question slot.
type Answer struct {
	Value    *string `json:"value,omitempty"`
	Attempts int     `json:"attempts"`
}

// Answers holds the three question slots. Index 0 is question 1.
type Answers [QuestionCount]Answer

// Slot returns the answer for a 1-based question index.
func (a *Answers) Slot(question int) *Answer {
	return &a[question-1]
}

// Record is the authoritative state of one participant run.
type Record struct {
	ID              string          `json:"id"`
	RecoveryToken   string          `json:"recovery_token"`
	UserNumber      int64           `json:"user_number"`
	Status          Status          `json:"status"`
	IsActive        bool            `json:"is_active"`
	IsBlocked       bool            `json:"is_blocked"`
	BlockReason     string          `json:"block_reason,omitempty"`
	CurrentStep     int             `json:"current_step"`
	WaitingForAdmin bool            `json:"waiting_for_admin"`
	Verdict         Verdict         `json:"verdict,omitempty"`
	Answers         Answers         `json:"answers"`
	Rating          *int            `json:"rating,omitempty"`
	PendingMessage  *string         `json:"pending_message,omitempty"`
	UserName        *string         `json:"user_name,omitempty"`
	UserAge         *int            `json:"user_age,omitempty"`
	IPAddress       string          `json:"ip_address,omitempty"`
	DeviceInfo      json.RawMessage `json:"device_info,omitempty"`
	GeoInfo         json.RawMessage `json:"geo_info,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	LastActivity    time.Time       `json:"last_activity"`
	SequenceNumber  int64           `json:"sequence_number"`
}

// Clone returns a deep copy so callers can mutate without aliasing pointers.
func (r Record) Clone() Record {
	out := r
	for i := range out.Answers {
		out.Answers[i].Value = cloneString(r.Answers[i].Value)
	}
	out.Rating = cloneInt(r.Rating)
	out.PendingMessage = cloneString(r.PendingMessage)
	out.UserName = cloneString(r.UserName)
	out.UserAge = cloneInt(r.UserAge)
	if r.DeviceInfo != nil {
		out.DeviceInfo = append(json.RawMessage(nil), r.DeviceInfo...)
	}
	if r.GeoInfo != nil {
		out.GeoInfo = append(json.RawMessage(nil), r.GeoInfo...)
	}
	return out
}

// Terminal reports whether the record accepts no further participant flow.
func (r Record) Terminal() bool {
	return r.IsBlocked || r.CurrentStep == StepThankYou
}

// StepLabel returns the display label for a step.
func StepLabel(step int) string {
	switch step {
	case StepWelcome:
		return "Welcome"
	case StepQuestion1:
		return "Question 1"
	case StepQuestion2:
		return "Question 2"
	case StepQuestion3:
		return "Question 3"
	case StepRating:
		return "Rating"
	case StepThankYou:
		return "Completed"
	}
	return "Unknown"
}

// IsQuestionStep reports whether step is one of the moderated question steps.
func IsQuestionStep(step int) bool {
	return step >= StepQuestion1 && step <= StepQuestion3
}

// QuestionForStep maps a question step to its 1-based question index.
func QuestionForStep(step int) int {
	return step - 1
}

// StepForQuestion maps a 1-based question index to its step.
func StepForQuestion(question int) int {
	return question + 1
}

// String and Int build optional field values.
func String(s string) *string { return &s }
func Int(i int) *int          { return &i }

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
