package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/quizgate/internal/session"
)

// Get returns the record with the given id.
// Returns a NOT_FOUND session error when no row exists.
func (s *Store) Get(ctx context.Context, id string) (session.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Record{}, session.NewNotFoundError(id)
	}
	if err != nil {
		return session.Record{}, fmt.Errorf("get session %s: %w", id, err)
	}
	return r, nil
}

// GetByToken returns the record holding the recovery token, restricted to
// records that are neither blocked nor obsolete. Inactive records are
// returned so the caller can retire them.
func (s *Store) GetByToken(ctx context.Context, token string) (session.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE recovery_token = ? AND is_blocked = 0 AND status IN ('active', 'inactive')
	`, token)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Record{}, &session.Error{Code: session.CodeNotFound, Message: "no recoverable session for token"}
	}
	if err != nil {
		return session.Record{}, fmt.Errorf("get session by token: %w", err)
	}
	return r, nil
}

// List returns records matching f, most recently active first.
// Ties are broken by id for deterministic output.
func (s *Store) List(ctx context.Context, f session.Filter) ([]session.Record, error) {
	return listRecords(ctx, s.db, f)
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listRecords(ctx context.Context, q queryer, f session.Filter) ([]session.Record, error) {
	where, args := filterClause(f)
	rows, err := q.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions`+where+`
		ORDER BY last_activity DESC, id COLLATE BINARY ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []session.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// filterClause renders f as a WHERE clause with positional args.
func filterClause(f session.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.SessionID != "" {
		conds = append(conds, "id = ?")
		args = append(args, f.SessionID)
	}
	if len(f.Statuses) > 0 {
		conds = append(conds, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if len(f.ExcludeStatuses) > 0 {
		conds = append(conds, "status NOT IN ("+placeholders(len(f.ExcludeStatuses))+")")
		for _, st := range f.ExcludeStatuses {
			args = append(args, string(st))
		}
	}
	if f.IsActive != nil {
		conds = append(conds, "is_active = ?")
		args = append(args, *f.IsActive)
	}
	if f.LastActivityBefore != nil {
		conds = append(conds, "last_activity < ?")
		args = append(args, toUnixNano(*f.LastActivityBefore))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ReadEvents returns up to limit change log entries with offset greater
// than after, in commit order.
func (s *Store) ReadEvents(ctx context.Context, after int64, limit int) ([]session.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, op, record FROM session_events
		WHERE id > ?
		ORDER BY id ASC
		LIMIT ?
	`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	var out []session.Event
	for rows.Next() {
		var (
			ev      session.Event
			op, raw string
		)
		if err := rows.Scan(&ev.Offset, &op, &raw); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Op = session.Op(op)
		if ev.Record, err = unmarshalRecord(raw); err != nil {
			return nil, fmt.Errorf("event %d: %w", ev.Offset, err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// Head returns the offset of the newest change log entry, or 0 when empty.
func (s *Store) Head(ctx context.Context) (int64, error) {
	var head sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM session_events`).Scan(&head); err != nil {
		return 0, fmt.Errorf("event head: %w", err)
	}
	return head.Int64, nil
}
