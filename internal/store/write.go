package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/quizgate/internal/session"
)

// Insert creates a record and returns it as stored.
//
// The store assigns id and recovery_token when empty, the next user_number,
// sequence_number 1, and created_at/last_activity when zero. Status
// defaults to active and current_step to 1.
func (s *Store) Insert(ctx context.Context, r session.Record) (session.Record, error) {
	now := s.now().UTC()
	r = r.Clone()
	if r.ID == "" {
		r.ID = s.newID()
	}
	if r.RecoveryToken == "" {
		r.RecoveryToken = s.newToken()
	}
	if r.Status == "" {
		r.Status = session.StatusActive
	}
	if r.CurrentStep == 0 {
		r.CurrentStep = session.StepWelcome
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	if r.LastActivity.IsZero() {
		r.LastActivity = r.CreatedAt
	}
	r.SequenceNumber = 1

	if !r.Status.Valid() {
		return session.Record{}, session.NewValidationError(fmt.Sprintf("unknown status %q", r.Status))
	}
	if r.CurrentStep < session.StepWelcome || r.CurrentStep > session.StepThankYou {
		return session.Record{}, session.NewValidationError(fmt.Sprintf("step %d out of range [1,6]", r.CurrentStep))
	}

	err := s.withTx(ctx, func(tx *sql.Tx) (bool, error) {
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(user_number), 0) + 1 FROM sessions`,
		).Scan(&r.UserNumber); err != nil {
			return false, fmt.Errorf("next user number: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (`+sessionColumns+`) VALUES (`+placeholders(26)+`)`,
			recordArgs(r)...,
		); err != nil {
			return false, fmt.Errorf("insert session: %w", err)
		}
		return true, appendEvent(ctx, tx, session.OpInsert, r, now)
	})
	if err != nil {
		return session.Record{}, session.NewWriteFailedError(r.ID, err)
	}
	return r, nil
}

// ConditionalUpdate applies patch to the record only if pred holds against
// its current stored state. The check and the write happen in one
// transaction.
//
// When the predicate fails, the result is Applied=false with the current
// record and no write is made. When it holds, sequence_number is
// incremented by exactly 1 and one change log entry is appended.
func (s *Store) ConditionalUpdate(ctx context.Context, id string, pred session.Predicate, patch session.Patch) (session.UpdateResult, error) {
	if err := patch.Validate(); err != nil {
		return session.UpdateResult{}, err
	}

	var res session.UpdateResult
	err := s.withTx(ctx, func(tx *sql.Tx) (bool, error) {
		row := tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
		cur, err := scanRecord(row)
		if errors.Is(err, sql.ErrNoRows) {
			return false, session.NewNotFoundError(id)
		}
		if err != nil {
			return false, fmt.Errorf("read session: %w", err)
		}

		if !pred.Matches(cur) {
			res = session.UpdateResult{Applied: false, Current: cur}
			return false, nil
		}

		next, err := s.applyPatch(ctx, tx, cur, patch)
		if err != nil {
			return false, err
		}
		res = session.UpdateResult{Applied: true, Current: next}
		return true, nil
	})
	if err != nil {
		if session.IsNotFound(err) || session.IsValidation(err) {
			return session.UpdateResult{}, err
		}
		return session.UpdateResult{}, session.NewWriteFailedError(id, err)
	}
	return res, nil
}

// UpdateWhere applies patch to every record selected by f and returns the
// number of records written. Selection and writes share one transaction,
// so concurrent callers with the same filter never write a record twice
// when the patch falsifies the filter.
func (s *Store) UpdateWhere(ctx context.Context, f session.Filter, patch session.Patch) (int, error) {
	if err := patch.Validate(); err != nil {
		return 0, err
	}

	var n int
	err := s.withTx(ctx, func(tx *sql.Tx) (bool, error) {
		matched, err := listRecords(ctx, tx, f)
		if err != nil {
			return false, err
		}
		for _, cur := range matched {
			if _, err := s.applyPatch(ctx, tx, cur, patch); err != nil {
				return false, err
			}
		}
		n = len(matched)
		return n > 0, nil
	})
	if err != nil {
		return 0, session.NewWriteFailedError("", err)
	}
	return n, nil
}

// Delete removes every record selected by f and returns the count.
// An empty filter is rejected.
func (s *Store) Delete(ctx context.Context, f session.Filter) (int, error) {
	if f.SessionID == "" && len(f.Statuses) == 0 && f.LastActivityBefore == nil {
		return 0, session.NewValidationError("delete requires a session id, status or activity filter")
	}

	now := s.now().UTC()
	var n int
	err := s.withTx(ctx, func(tx *sql.Tx) (bool, error) {
		matched, err := listRecords(ctx, tx, f)
		if err != nil {
			return false, err
		}
		for _, cur := range matched {
			if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, cur.ID); err != nil {
				return false, fmt.Errorf("delete session %s: %w", cur.ID, err)
			}
			if err := appendEvent(ctx, tx, session.OpDelete, cur, now); err != nil {
				return false, err
			}
		}
		n = len(matched)
		return n > 0, nil
	})
	if err != nil {
		return 0, session.NewWriteFailedError("", err)
	}
	return n, nil
}

// applyPatch writes patch over cur inside tx, guarded by cur's sequence
// number, and appends the update event.
func (s *Store) applyPatch(ctx context.Context, tx *sql.Tx, cur session.Record, patch session.Patch) (session.Record, error) {
	now := s.now().UTC()
	next := cur.Clone()
	patch.Apply(&next, now)
	next.SequenceNumber = cur.SequenceNumber + 1

	args := append(recordArgs(next)[3:25], next.SequenceNumber, cur.ID, cur.SequenceNumber)
	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET
			status = ?, is_active = ?, is_blocked = ?, block_reason = ?,
			current_step = ?, waiting_for_admin = ?, verdict = ?,
			answer_1 = ?, answer_1_attempts = ?, answer_2 = ?, answer_2_attempts = ?,
			answer_3 = ?, answer_3_attempts = ?,
			rating = ?, pending_message = ?, user_name = ?, user_age = ?,
			ip_address = ?, device_info = ?, geo_info = ?,
			created_at = ?, last_activity = ?, seq = ?
		WHERE id = ? AND seq = ?
	`, args...)
	if err != nil {
		return session.Record{}, fmt.Errorf("update session %s: %w", cur.ID, err)
	}
	if affected, err := res.RowsAffected(); err != nil || affected != 1 {
		return session.Record{}, fmt.Errorf("update session %s: sequence %d no longer current", cur.ID, cur.SequenceNumber)
	}

	if err := appendEvent(ctx, tx, session.OpUpdate, next, now); err != nil {
		return session.Record{}, err
	}
	return next, nil
}

func appendEvent(ctx context.Context, tx *sql.Tx, op session.Op, r session.Record, now time.Time) error {
	raw, err := marshalRecord(r)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO session_events (op, session_id, seq, record, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, string(op), r.ID, r.SequenceNumber, raw, toUnixNano(now)); err != nil {
		return fmt.Errorf("append %s event: %w", op, err)
	}
	return nil
}
