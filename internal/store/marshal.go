package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/quizgate/internal/session"
)

// sessionColumns is the column order shared by every SELECT and the
// INSERT/UPDATE statements.
const sessionColumns = `id, recovery_token, user_number, status, is_active, is_blocked, block_reason,
	current_step, waiting_for_admin, verdict,
	answer_1, answer_1_attempts, answer_2, answer_2_attempts, answer_3, answer_3_attempts,
	rating, pending_message, user_name, user_age, ip_address, device_info, geo_info,
	created_at, last_activity, seq`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (session.Record, error) {
	var (
		r                   session.Record
		status, verdict     string
		answers             [session.QuestionCount]sql.NullString
		attempts            [session.QuestionCount]int
		rating, age         sql.NullInt64
		message, name       sql.NullString
		device, geo         sql.NullString
		createdAt, lastSeen int64
	)
	err := row.Scan(
		&r.ID, &r.RecoveryToken, &r.UserNumber, &status, &r.IsActive, &r.IsBlocked, &r.BlockReason,
		&r.CurrentStep, &r.WaitingForAdmin, &verdict,
		&answers[0], &attempts[0], &answers[1], &attempts[1], &answers[2], &attempts[2],
		&rating, &message, &name, &age, &r.IPAddress, &device, &geo,
		&createdAt, &lastSeen, &r.SequenceNumber,
	)
	if err != nil {
		return session.Record{}, err
	}

	r.Status = session.Status(status)
	r.Verdict = session.Verdict(verdict)
	for i := range answers {
		r.Answers[i].Value = fromNullString(answers[i])
		r.Answers[i].Attempts = attempts[i]
	}
	r.Rating = fromNullInt(rating)
	r.PendingMessage = fromNullString(message)
	r.UserName = fromNullString(name)
	r.UserAge = fromNullInt(age)
	if device.Valid {
		r.DeviceInfo = json.RawMessage(device.String)
	}
	if geo.Valid {
		r.GeoInfo = json.RawMessage(geo.String)
	}
	r.CreatedAt = fromUnixNano(createdAt)
	r.LastActivity = fromUnixNano(lastSeen)
	return r, nil
}

// recordArgs returns r's values in sessionColumns order.
func recordArgs(r session.Record) []any {
	return []any{
		r.ID, r.RecoveryToken, r.UserNumber, string(r.Status), r.IsActive, r.IsBlocked, r.BlockReason,
		r.CurrentStep, r.WaitingForAdmin, string(r.Verdict),
		toNullString(r.Answers[0].Value), r.Answers[0].Attempts,
		toNullString(r.Answers[1].Value), r.Answers[1].Attempts,
		toNullString(r.Answers[2].Value), r.Answers[2].Attempts,
		toNullInt(r.Rating), toNullString(r.PendingMessage), toNullString(r.UserName), toNullInt(r.UserAge),
		r.IPAddress, rawToNull(r.DeviceInfo), rawToNull(r.GeoInfo),
		toUnixNano(r.CreatedAt), toUnixNano(r.LastActivity), r.SequenceNumber,
	}
}

// marshalRecord converts a record snapshot to JSON TEXT for the change log.
func marshalRecord(r session.Record) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	return string(data), nil
}

// unmarshalRecord parses a change log snapshot.
func unmarshalRecord(data string) (session.Record, error) {
	var r session.Record
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return session.Record{}, fmt.Errorf("unmarshal record: %w", err)
	}
	return r, nil
}

// placeholders returns "?, ?, ..." with n markers.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func fromNullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return session.String(v.String)
}

func toNullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func fromNullInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	return session.Int(int(v.Int64))
}

func toNullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func rawToNull(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func toUnixNano(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
