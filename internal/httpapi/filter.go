package httpapi

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/roach88/quizgate/internal/session"
)

// encodeFilter renders f as query parameters.
func encodeFilter(f session.Filter) url.Values {
	q := url.Values{}
	if f.SessionID != "" {
		q.Set("session_id", f.SessionID)
	}
	for _, s := range f.Statuses {
		q.Add("status", string(s))
	}
	for _, s := range f.ExcludeStatuses {
		q.Add("exclude_status", string(s))
	}
	if f.IsActive != nil {
		q.Set("is_active", strconv.FormatBool(*f.IsActive))
	}
	if f.LastActivityBefore != nil {
		q.Set("before", f.LastActivityBefore.UTC().Format(time.RFC3339Nano))
	}
	return q
}

// decodeFilter parses the parameters written by encodeFilter.
func decodeFilter(q url.Values) (session.Filter, error) {
	f := session.Filter{SessionID: q.Get("session_id")}
	for _, s := range q["status"] {
		if !session.Status(s).Valid() {
			return f, session.NewValidationError(fmt.Sprintf("unknown status %q", s))
		}
		f.Statuses = append(f.Statuses, session.Status(s))
	}
	for _, s := range q["exclude_status"] {
		if !session.Status(s).Valid() {
			return f, session.NewValidationError(fmt.Sprintf("unknown status %q", s))
		}
		f.ExcludeStatuses = append(f.ExcludeStatuses, session.Status(s))
	}
	if v := q.Get("is_active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, session.NewValidationError(fmt.Sprintf("is_active: %v", err))
		}
		f.IsActive = session.Bool(b)
	}
	if v := q.Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return f, session.NewValidationError(fmt.Sprintf("before: %v", err))
		}
		f.LastActivityBefore = &t
	}
	return f, nil
}
