package moderator

import (
	"sort"
	"sync"

	"github.com/roach88/quizgate/internal/session"
)

// mirror is the read-only projection of all non-obsolete records, keyed by
// id. It is only ever changed by feed deltas and full re-reads.
type mirror struct {
	mu      sync.RWMutex
	records map[string]session.Record
}

func newMirror() *mirror {
	return &mirror{records: make(map[string]session.Record)}
}

// apply folds one delta into the mirror. Reapplying a sequence number that
// is not newer than the mirrored one is a no-op. Returns whether the
// mirror changed.
func (m *mirror) apply(ev session.Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := ev.Record
	cur, known := m.records[rec.ID]

	if ev.Op == session.OpDelete {
		if !known {
			return false
		}
		delete(m.records, rec.ID)
		return true
	}
	if known && rec.SequenceNumber <= cur.SequenceNumber {
		return false
	}
	if rec.Status == session.StatusObsolete {
		if !known {
			return false
		}
		delete(m.records, rec.ID)
		return true
	}
	m.records[rec.ID] = rec.Clone()
	return true
}

// replace swaps in a full listing. Mirrored entries newer than the listed
// ones are kept; entries missing from the listing are dropped.
func (m *mirror) replace(list []session.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[string]session.Record, len(list))
	for _, rec := range list {
		if rec.Status == session.StatusObsolete {
			continue
		}
		if cur, ok := m.records[rec.ID]; ok && cur.SequenceNumber > rec.SequenceNumber {
			rec = cur
		}
		next[rec.ID] = rec.Clone()
	}
	m.records = next
}

func (m *mirror) get(id string) (session.Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return session.Record{}, false
	}
	return rec.Clone(), true
}

// snapshot returns all records, most recently active first.
func (m *mirror) snapshot() []session.Record {
	m.mu.RLock()
	out := make([]session.Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Listing is the mirror split for display. Live and Idle hold unblocked
// active-status records with and without is_active.
type Listing struct {
	Live     []session.Record `json:"live"`
	Idle     []session.Record `json:"idle"`
	Inactive []session.Record `json:"inactive"`
	Blocked  []session.Record `json:"blocked"`

	Total   int `json:"total"`
	Waiting int `json:"waiting"`
}

func buildListing(records []session.Record) Listing {
	l := Listing{Total: len(records)}
	for _, rec := range records {
		switch {
		case rec.IsBlocked || rec.Status == session.StatusBlocked:
			l.Blocked = append(l.Blocked, rec)
		case rec.Status == session.StatusInactive:
			l.Inactive = append(l.Inactive, rec)
		case rec.IsActive:
			l.Live = append(l.Live, rec)
		default:
			l.Idle = append(l.Idle, rec)
		}
		if rec.WaitingForAdmin && !rec.IsBlocked {
			l.Waiting++
		}
	}
	return l
}
