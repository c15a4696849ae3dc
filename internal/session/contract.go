package session

import (
	"context"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// UpdateResult is the outcome of a conditional write. Current is the stored
// record after the attempt, whether or not the patch was applied.
type UpdateResult struct {
	Applied bool   `json:"applied"`
	Current Record `json:"current"`
}

// Store is the read/write/conditional-write contract over session records.
//
// Implemented by store.Store (SQLite) and httpapi.Client (remote).
type Store interface {
	Get(ctx context.Context, id string) (Record, error)
	// GetByToken matches unblocked records with status active or inactive.
	// Recovery only succeeds on active ones; inactive matches are retired.
	GetByToken(ctx context.Context, token string) (Record, error)
	List(ctx context.Context, f Filter) ([]Record, error)
	Insert(ctx context.Context, r Record) (Record, error)
	ConditionalUpdate(ctx context.Context, id string, pred Predicate, patch Patch) (UpdateResult, error)
	UpdateWhere(ctx context.Context, f Filter, patch Patch) (int, error)
	Delete(ctx context.Context, f Filter) (int, error)
}

// Op is the kind of mutation carried by a feed event.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Event is one change feed delivery. Record is the full snapshot after the
// write (for deletes, the last stored state).
type Event struct {
	Offset int64  `json:"offset"`
	Op     Op     `json:"op"`
	Record Record `json:"record"`
}

// FeedFilter selects deliveries. An empty SessionID subscribes to all records.
type FeedFilter struct {
	SessionID string `json:"session_id,omitempty"`
}

// Matches reports whether ev passes the filter.
func (f FeedFilter) Matches(ev Event) bool {
	return f.SessionID == "" || ev.Record.ID == f.SessionID
}

// Subscription is a live stream of feed events. Close is idempotent.
type Subscription interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

// Feed is the change feed contract. Deliveries are at-least-once and
// ordered per record.
type Feed interface {
	Subscribe(ctx context.Context, f FeedFilter) (Subscription, error)
}

// NormalizeText trims and NFC-normalizes participant supplied text so
// visually identical answers compare equal.
func NormalizeText(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
