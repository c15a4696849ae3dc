package participant

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/quizgate/internal/session"
)

// resubscribeBackoff caps the delay between resubscribe attempts.
const resubscribeBackoff = 5 * time.Second

// binding owns the single live subscription for one record id.
type binding struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	mu  sync.Mutex
	sub session.Subscription
}

// teardown ends the subscription exactly once. It does not wait for the
// feed loop, so the loop itself may call it.
func (b *binding) teardown() {
	b.once.Do(func() {
		b.cancel()
		b.mu.Lock()
		sub := b.sub
		b.sub = nil
		b.mu.Unlock()
		if sub != nil {
			sub.Close()
		}
	})
}

// set records sub as the live subscription. Returns false when the
// binding was torn down meanwhile.
func (b *binding) set(sub session.Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx.Err() != nil {
		return false
	}
	b.sub = sub
	return true
}

// bind replaces the active subscription with one for id.
func (a *Agent) bind(id string) {
	a.mu.Lock()
	old := a.binding
	ctx, cancel := context.WithCancel(a.runCtx)
	b := &binding{id: id, ctx: ctx, cancel: cancel}
	a.binding = b
	a.mu.Unlock()

	if old != nil {
		old.teardown()
	}

	a.wg.Add(1)
	go a.feedLoop(ctx, b)
}

// feedLoop consumes deliveries for b until it is torn down. A dropped
// subscription is re-established and followed by a full re-read.
func (a *Agent) feedLoop(ctx context.Context, b *binding) {
	defer a.wg.Done()

	sub := a.subscribe(ctx, b)
	if sub == nil {
		return
	}
	if !a.resync(ctx, b.id) {
		return
	}

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("participant feed disconnected", "session_id", b.id, "error", err)
			sub.Close()
			if sub = a.subscribe(ctx, b); sub == nil {
				return
			}
			if !a.resync(ctx, b.id) {
				return
			}
			continue
		}

		if ev.Op == session.OpDelete {
			a.endSession(b.id, "deleted", true)
			return
		}

		if a.gap(ev.Record.SequenceNumber) {
			slog.Info("sequence gap, re-reading session", "session_id", b.id, "seq", ev.Record.SequenceNumber)
			if !a.resync(ctx, b.id) {
				return
			}
		}
		a.deliver(ev.Record)
		if expired(ev.Record) {
			a.endSession(b.id, string(ev.Record.Status), ev.Record.Status == session.StatusObsolete)
			return
		}
	}
}

// subscribe opens a subscription for b, retrying until ctx is done.
func (a *Agent) subscribe(ctx context.Context, b *binding) session.Subscription {
	delay := a.opts.RetryBackoff
	for {
		sub, err := a.feed.Subscribe(ctx, session.FeedFilter{SessionID: b.id})
		if err == nil {
			if !b.set(sub) {
				sub.Close()
				return nil
			}
			return sub
		}
		if ctx.Err() != nil || errors.Is(err, session.ErrNotAuthorized) {
			if ctx.Err() == nil {
				slog.Warn("participant feed refused", "session_id", b.id, "error", err)
			}
			return nil
		}
		slog.Warn("participant subscribe failed", "session_id", b.id, "error", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		if delay *= 2; delay > resubscribeBackoff {
			delay = resubscribeBackoff
		}
	}
}

// gap reports whether seq skips past the next expected sequence number.
// Held deliveries have not advanced LastSeq yet, so no gap is reported
// while a write is in flight.
func (a *Agent) gap(seq int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.inFlight && seq > a.state.LastSeq+1
}

// expired reports whether rec was swept out of play without a block.
func expired(rec session.Record) bool {
	return !rec.IsBlocked && (rec.Status == session.StatusInactive || rec.Status == session.StatusObsolete)
}

// resync re-reads the record and feeds it through the engine. Used after
// (re)subscribing and on sequence gaps. Returns false once the session has
// ended.
func (a *Agent) resync(ctx context.Context, id string) bool {
	rec, err := a.store.Get(ctx, id)
	if err != nil {
		if session.IsNotFound(err) {
			a.endSession(id, "deleted", true)
			return false
		}
		if ctx.Err() == nil {
			slog.Warn("participant resync failed", "session_id", id, "error", err)
		}
		return true
	}
	a.deliver(rec)
	if expired(rec) {
		a.endSession(id, string(rec.Status), rec.Status == session.StatusObsolete)
		return false
	}
	return true
}
