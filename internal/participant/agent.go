package participant

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/quizgate/internal/reconcile"
	"github.com/roach88/quizgate/internal/session"
)

// Defaults for Options.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultRetryAttempts     = 3
	DefaultRetryBackoff      = 250 * time.Millisecond
)

// Options configures an Agent. Zero values take the defaults above, except
// HeartbeatInterval where a negative value disables the ticker.
type Options struct {
	HeartbeatInterval time.Duration
	RetryAttempts     int
	RetryBackoff      time.Duration

	// Host supplied metadata stored on a newly created record.
	IPAddress  string
	DeviceInfo json.RawMessage
	GeoInfo    json.RawMessage

	// OnTransition is called after every delivery that changed local
	// state, outside the agent's lock.
	OnTransition func(reconcile.Transition, Snapshot)
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = DefaultRetryAttempts
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	return o
}

// Snapshot is a copy of the agent's local view for display.
type Snapshot struct {
	SessionID  string
	UserNumber int64
	UserName   string
	UserAge    int
	Live       bool
	Recovered  bool
	Ended      bool
	reconcile.State
}

// Agent drives one participant's run through the quiz flow.
//
// Thread-safety model:
//   - all exported methods are safe from any goroutine
//   - local state changes only under mu, from feed deliveries or from the
//     optimistic welcome advance
//
// While a submission write is in flight, deliveries are held and applied
// once the write returns, so a snapshot committed before the submission
// cannot be mistaken for its judgment.
type Agent struct {
	store  session.Store
	feed   session.Feed
	tokens TokenStore
	opts   Options

	mu        sync.Mutex
	id        string
	number    int64
	name      string
	age       int
	state     reconcile.State
	recovered bool
	live      bool
	ended     bool
	paused    bool
	inFlight  bool
	held      []session.Record
	binding   *binding

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// New creates an agent. Call Start before any submission.
func New(store session.Store, feed session.Feed, tokens TokenStore, opts Options) *Agent {
	return &Agent{
		store:  store,
		feed:   feed,
		tokens: tokens,
		opts:   opts.withDefaults(),
		state:  reconcile.Initial(),
	}
}

// Snapshot returns the current local view.
func (a *Agent) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Agent) snapshotLocked() Snapshot {
	return Snapshot{
		SessionID:  a.id,
		UserNumber: a.number,
		UserName:   a.name,
		UserAge:    a.age,
		Live:       a.live,
		Recovered:  a.recovered,
		Ended:      a.ended,
		State:      a.state,
	}
}

// Start resolves or creates the session record, subscribes to its changes
// and starts the heartbeat. Background work lasts until Stop, OnTerminate
// or ctx is done.
//
// A stored token is looked up with retry. An active match is resumed. An
// inactive match is marked obsolete and replaced. When the lookup cannot
// reach the store, a new session is created instead; if that also fails,
// Start returns SESSION_UNAVAILABLE.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.runCtx != nil {
		a.mu.Unlock()
		return session.NewInvalidStateError("participant already started")
	}
	a.runCtx, a.runCancel = context.WithCancel(ctx)
	a.mu.Unlock()

	rec, recovered, err := a.resolve(ctx)
	if err != nil {
		a.runCancel()
		return err
	}

	a.mu.Lock()
	a.id = rec.ID
	a.number = rec.UserNumber
	a.recovered = recovered
	if recovered {
		a.state = reconcile.Hydrate(rec)
		if rec.UserName != nil {
			a.name = *rec.UserName
		}
		if rec.UserAge != nil {
			a.age = *rec.UserAge
		}
	} else {
		a.state = reconcile.Initial()
		a.state.LastSeq = rec.SequenceNumber
	}
	a.live = true
	a.mu.Unlock()

	slog.Info("participant session ready",
		"session_id", rec.ID,
		"user_number", rec.UserNumber,
		"recovered", recovered,
		"step", rec.CurrentStep,
	)

	a.bind(rec.ID)
	a.heartbeatNow()

	if a.opts.HeartbeatInterval > 0 {
		a.wg.Add(1)
		go a.heartbeatLoop(a.runCtx)
	}
	return nil
}

// resolve performs token recovery or creation.
func (a *Agent) resolve(ctx context.Context) (session.Record, bool, error) {
	token, err := a.tokens.Read()
	if err != nil {
		slog.Warn("recovery token unreadable, starting fresh", "error", err)
		token = ""
	}

	if token != "" {
		rec, err := retry(ctx, "lookup", a.opts.RetryAttempts, a.opts.RetryBackoff, func() (session.Record, error) {
			return a.store.GetByToken(ctx, token)
		})
		switch {
		case err == nil && rec.Status == session.StatusActive:
			return rec, true, nil
		case err == nil:
			a.retire(ctx, rec)
		case session.IsNotFound(err):
			slog.Info("recovery token not recognized", "error", err)
		default:
			slog.Warn("session lookup unavailable, creating a new session", "error", err)
		}
	}

	rec, err := retry(ctx, "create", a.opts.RetryAttempts, a.opts.RetryBackoff, func() (session.Record, error) {
		return a.store.Insert(ctx, session.Record{
			Status:      session.StatusActive,
			IsActive:    true,
			CurrentStep: session.StepWelcome,
			IPAddress:   a.opts.IPAddress,
			DeviceInfo:  a.opts.DeviceInfo,
			GeoInfo:     a.opts.GeoInfo,
		})
	})
	if err != nil {
		return session.Record{}, false, &session.Error{
			Code:    session.CodeSessionUnavailable,
			Message: "could not create a session",
			Err:     err,
		}
	}
	if err := a.tokens.Persist(rec.RecoveryToken); err != nil {
		slog.Warn("recovery token not persisted", "session_id", rec.ID, "error", err)
	}
	return rec, false, nil
}

// retire marks an inactive record obsolete so it leaves every listing.
func (a *Agent) retire(ctx context.Context, rec session.Record) {
	res, err := a.store.ConditionalUpdate(ctx, rec.ID,
		session.Predicate{Status: session.StatusPtr(session.StatusInactive)},
		session.Patch{Status: session.StatusPtr(session.StatusObsolete), IsActive: session.Bool(false)},
	)
	if err != nil {
		slog.Warn("retire inactive session failed", "session_id", rec.ID, "error", err)
		return
	}
	slog.Info("inactive session retired", "session_id", rec.ID, "applied", res.Applied)
}

// Stop tears down the subscription and heartbeat. Safe to call more than
// once.
func (a *Agent) Stop() {
	a.mu.Lock()
	cancel := a.runCancel
	b := a.binding
	a.binding = nil
	a.live = false
	a.mu.Unlock()

	if b != nil {
		b.teardown()
	}
	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
}

// enterBlocked handles the terminal block: the token is discarded and the
// subscription ends.
func (a *Agent) enterBlocked() {
	if err := a.tokens.Clear(); err != nil {
		slog.Warn("clear recovery token failed", "error", err)
	}

	a.mu.Lock()
	a.state.Blocked = true
	a.live = false
	b := a.binding
	a.binding = nil
	id := a.id
	a.mu.Unlock()

	if b != nil {
		b.teardown()
	}
	slog.Info("participant blocked", "session_id", id)
}

// endSession stops following a record that was deleted or swept out of
// play. Later writes report SESSION_UNAVAILABLE. An inactive record keeps
// its token so the next Start retires it.
func (a *Agent) endSession(id, reason string, dropToken bool) {
	a.mu.Lock()
	if a.id != id || a.ended || a.state.Blocked {
		a.mu.Unlock()
		return
	}
	a.ended = true
	a.live = false
	b := a.binding
	a.binding = nil
	a.mu.Unlock()

	if dropToken {
		if err := a.tokens.Clear(); err != nil {
			slog.Warn("clear recovery token failed", "error", err)
		}
	}
	if b != nil {
		b.teardown()
	}
	slog.Warn("participant session ended", "session_id", id, "reason", reason)
}

// deliver feeds one authoritative snapshot through the reconciliation
// engine, or holds it while a submission is in flight.
func (a *Agent) deliver(rec session.Record) {
	a.mu.Lock()
	if a.inFlight {
		a.held = append(a.held, rec)
		a.mu.Unlock()
		return
	}
	notes := a.applyLocked(rec)
	a.mu.Unlock()

	a.afterApply(notes)
}

type note struct {
	tr   reconcile.Transition
	snap Snapshot
}

// applyLocked runs the engine and returns the visible transitions.
// Caller holds mu.
func (a *Agent) applyLocked(rec session.Record) []note {
	next, tr := reconcile.Apply(a.state, rec)
	a.state = next
	slog.Debug("delivery reconciled",
		"session_id", rec.ID,
		"seq", rec.SequenceNumber,
		"outcome", tr.Kind.String(),
		"step", next.Step,
	)
	if !tr.Changed() {
		return nil
	}
	return []note{{tr: tr, snap: a.snapshotLocked()}}
}

// releaseLocked ends an in-flight write and applies held deliveries.
// Caller holds mu.
func (a *Agent) releaseLocked() []note {
	a.inFlight = false
	held := a.held
	a.held = nil
	var notes []note
	for _, rec := range held {
		notes = append(notes, a.applyLocked(rec)...)
	}
	return notes
}

// afterApply runs side effects of transitions outside the lock.
func (a *Agent) afterApply(notes []note) {
	for _, n := range notes {
		switch n.tr.Kind {
		case reconcile.KindBlocked:
			a.enterBlocked()
		case reconcile.KindRejected:
			a.clearPendingMessage(n.snap.SessionID, n.snap.Step)
		}
		if a.opts.OnTransition != nil {
			a.opts.OnTransition(n.tr, n.snap)
		}
	}
}

// clearPendingMessage removes a shown rejection message from the record.
// Guarded so it never overwrites a newer submission or judgment.
func (a *Agent) clearPendingMessage(id string, step int) {
	ctx := a.context()
	_, err := a.store.ConditionalUpdate(ctx, id,
		session.Predicate{
			IsBlocked:       session.Bool(false),
			WaitingForAdmin: session.Bool(false),
			CurrentStep:     session.Int(step),
		},
		session.Patch{ClearMessage: true},
	)
	if err != nil && ctx.Err() == nil {
		slog.Warn("clear pending message failed", "session_id", id, "error", err)
	}
}

func (a *Agent) context() context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runCtx == nil {
		return context.Background()
	}
	return a.runCtx
}
