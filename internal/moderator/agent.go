package moderator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/quizgate/internal/session"
)

// Defaults for Options.
const (
	DefaultSweepInterval       = 30 * time.Second
	DefaultInactivityThreshold = 60 * time.Second
	DefaultExpireAfter         = 24 * time.Hour
)

// RoleSource answers whether a moderator holds the privileged role.
type RoleSource interface {
	IsPrivileged(ctx context.Context, moderatorID string) (bool, error)
}

// RoleFunc adapts a function to RoleSource.
type RoleFunc func(ctx context.Context, moderatorID string) (bool, error)

func (f RoleFunc) IsPrivileged(ctx context.Context, moderatorID string) (bool, error) {
	return f(ctx, moderatorID)
}

// Options configures an Agent.
type Options struct {
	// SweepInterval is how often Run sweeps. Negative disables the loop;
	// zero uses DefaultSweepInterval.
	SweepInterval       time.Duration
	InactivityThreshold time.Duration
	ExpireAfter         time.Duration
	Clock               func() time.Time

	// OnChange is called after a delta changed the mirror.
	OnChange func(session.Event)
}

func (o Options) withDefaults() Options {
	if o.SweepInterval == 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.InactivityThreshold <= 0 {
		o.InactivityThreshold = DefaultInactivityThreshold
	}
	if o.ExpireAfter == 0 {
		o.ExpireAfter = DefaultExpireAfter
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Agent gives one moderator a live mirror of all non-obsolete sessions and
// the role-gated actions that mutate them.
//
// Agents for different moderators share nothing in process. Every action
// is a conditional write against the store; the mirror only changes when
// the resulting feed delta arrives.
type Agent struct {
	store       session.Store
	feed        session.Feed
	roles       RoleSource
	moderatorID string
	opts        Options

	mirror    *mirror
	ready     chan struct{}
	readyOnce sync.Once
}

// New creates an agent acting as moderatorID.
func New(store session.Store, feed session.Feed, roles RoleSource, moderatorID string, opts Options) *Agent {
	return &Agent{
		store:       store,
		feed:        feed,
		roles:       roles,
		moderatorID: moderatorID,
		opts:        opts.withDefaults(),
		mirror:      newMirror(),
		ready:       make(chan struct{}),
	}
}

// ModeratorID returns the acting moderator.
func (a *Agent) ModeratorID() string {
	return a.moderatorID
}

// Ready is closed after the first full read of the store completes.
func (a *Agent) Ready() <-chan struct{} {
	return a.ready
}

// List returns the current mirror split for display.
func (a *Agent) List() Listing {
	return buildListing(a.mirror.snapshot())
}

// Get returns the mirrored record for id.
func (a *Agent) Get(id string) (session.Record, bool) {
	return a.mirror.get(id)
}

// Apply folds one feed delta into the mirror. Exposed for hosts that own
// their own subscription.
func (a *Agent) Apply(ev session.Event) bool {
	changed := a.mirror.apply(ev)
	if changed && a.opts.OnChange != nil {
		a.opts.OnChange(ev)
	}
	return changed
}

// Sync re-reads every non-obsolete record into the mirror.
func (a *Agent) Sync(ctx context.Context) error {
	list, err := a.store.List(ctx, session.Filter{ExcludeStatuses: []session.Status{session.StatusObsolete}})
	if err != nil {
		return err
	}
	a.mirror.replace(list)
	a.readyOnce.Do(func() { close(a.ready) })
	return nil
}

// Run subscribes to the full feed, loads the mirror and applies deltas
// until ctx is done. The subscription is opened before the read so no
// change between them is lost. Dropped subscriptions are re-established
// and followed by a fresh read. When SweepInterval is positive the
// inactivity sweep runs alongside.
func (a *Agent) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	if a.opts.SweepInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.sweepLoop(ctx)
		}()
	}
	defer wg.Wait()

	backoff := 100 * time.Millisecond
	for {
		sub, err := a.feed.Subscribe(ctx, session.FeedFilter{})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, session.ErrNotAuthorized) {
				return err
			}
			slog.Warn("moderator subscribe failed", "moderator_id", a.moderatorID, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > 5*time.Second {
				backoff = 5 * time.Second
			}
			continue
		}
		backoff = 100 * time.Millisecond

		if err := a.Sync(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("moderator sync failed", "moderator_id", a.moderatorID, "error", err)
		}

		err = a.consume(ctx, sub)
		sub.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		slog.Warn("moderator feed disconnected, resubscribing", "moderator_id", a.moderatorID, "error", err)
	}
}

func (a *Agent) consume(ctx context.Context, sub session.Subscription) error {
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		if a.Apply(ev) {
			slog.Debug("mirror updated",
				"moderator_id", a.moderatorID,
				"session_id", ev.Record.ID,
				"op", string(ev.Op),
				"seq", ev.Record.SequenceNumber,
			)
		}
	}
}

func (a *Agent) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(a.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.SweepInactive(ctx, a.opts.InactivityThreshold); err != nil && ctx.Err() == nil {
				slog.Warn("inactivity sweep failed", "moderator_id", a.moderatorID, "error", err)
			}
		}
	}
}
