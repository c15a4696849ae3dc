package participant

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/quizgate/internal/session"
)

func (a *Agent) heartbeatLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		a.mu.Lock()
		skip := a.paused || !a.live
		a.mu.Unlock()
		if !skip {
			a.heartbeat(ctx)
		}
	}
}

// heartbeat refreshes last_activity and the live flag.
func (a *Agent) heartbeat(ctx context.Context) {
	a.mu.Lock()
	id := a.id
	a.mu.Unlock()
	if id == "" {
		return
	}

	_, err := a.store.ConditionalUpdate(ctx, id,
		session.Predicate{IsBlocked: session.Bool(false), Status: session.StatusPtr(session.StatusActive)},
		session.Patch{IsActive: session.Bool(true), TouchActivity: true},
	)
	if err != nil && ctx.Err() == nil {
		slog.Warn("heartbeat failed", "session_id", id, "error", err)
	}
}

// heartbeatNow sends a heartbeat synchronously.
func (a *Agent) heartbeatNow() {
	ctx := a.context()
	a.heartbeat(ctx)
}

// Heartbeat issues one heartbeat immediately. Hosts that drive time
// themselves call this instead of relying on the ticker.
func (a *Agent) Heartbeat(ctx context.Context) {
	a.mu.Lock()
	skip := a.paused || !a.live
	a.mu.Unlock()
	if !skip {
		a.heartbeat(ctx)
	}
}

// OnForeground resumes heartbeats and sends one immediately.
func (a *Agent) OnForeground(ctx context.Context) {
	a.mu.Lock()
	a.paused = false
	a.mu.Unlock()
	a.Heartbeat(ctx)
}

// OnBackground pauses heartbeats until OnForeground.
func (a *Agent) OnBackground() {
	a.mu.Lock()
	a.paused = true
	a.mu.Unlock()
}

// OnTerminate stops the agent and marks the record not live. The final
// write is best effort.
func (a *Agent) OnTerminate(ctx context.Context) {
	a.mu.Lock()
	id := a.id
	done := a.state.Blocked || a.ended
	a.mu.Unlock()

	a.Stop()
	if id == "" || done {
		return
	}
	_, err := a.store.ConditionalUpdate(ctx, id,
		session.Predicate{IsBlocked: session.Bool(false)},
		session.Patch{IsActive: session.Bool(false)},
	)
	if err != nil {
		slog.Debug("final inactive mark failed", "session_id", id, "error", err)
	}
}
