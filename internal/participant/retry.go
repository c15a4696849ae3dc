package participant

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/quizgate/internal/session"
)

// retry calls fn up to attempts times with doubling backoff. Errors that
// a retry cannot fix are returned immediately.
func retry[T any](ctx context.Context, op string, attempts int, backoff time.Duration, fn func() (T, error)) (T, error) {
	if attempts < 1 {
		attempts = 1
	}
	var (
		zero T
		err  error
	)
	for i := 0; i < attempts; i++ {
		var v T
		if v, err = fn(); err == nil {
			return v, nil
		}
		if permanent(err) {
			return zero, err
		}
		if i == attempts-1 {
			break
		}
		slog.Debug("retrying", "op", op, "attempt", i+1, "error", err)
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff << i):
		}
	}
	return zero, err
}

func permanent(err error) bool {
	switch session.CodeOf(err) {
	case session.CodeNotFound, session.CodeValidation, session.CodeNotAuthorized, session.CodeInvalidState:
		return true
	}
	return false
}
