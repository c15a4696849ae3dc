package participant

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/quizgate/internal/feed"
	"github.com/roach88/quizgate/internal/reconcile"
	"github.com/roach88/quizgate/internal/session"
	"github.com/roach88/quizgate/internal/store"
	"github.com/roach88/quizgate/internal/testutil"
)

const waitFor = 2 * time.Second

type env struct {
	store  *store.Store
	broker *feed.Broker
	clock  *testutil.ManualClock
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clock := testutil.NewManualClock(testutil.Epoch)
	s, err := store.Open(filepath.Join(t.TempDir(), "participant.db"), store.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	b := feed.NewBroker(s, feed.WithPollInterval(10*time.Millisecond))
	s.OnCommit(b.Wake)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	<-b.Ready()
	return &env{store: s, broker: b, clock: clock}
}

func testOptions() Options {
	return Options{
		HeartbeatInterval: -1,
		RetryAttempts:     2,
		RetryBackoff:      time.Millisecond,
		IPAddress:         "198.51.100.4",
	}
}

func (e *env) startAgent(t *testing.T, st session.Store, tokens TokenStore) *Agent {
	t.Helper()
	a := New(st, e.broker, tokens, testOptions())
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(a.Stop)
	return a
}

// judge applies a moderator write directly against the store.
func (e *env) judge(t *testing.T, id string, pred session.Predicate, patch session.Patch) session.UpdateResult {
	t.Helper()
	res, err := e.store.ConditionalUpdate(context.Background(), id, pred, patch)
	require.NoError(t, err)
	return res
}

func (e *env) approve(t *testing.T, id string) {
	t.Helper()
	res := e.judge(t, id, session.Predicate{WaitingForAdmin: session.Bool(true)}, session.Patch{
		AdvanceStep:     true,
		WaitingForAdmin: session.Bool(false),
		Verdict:         session.VerdictPtr(session.VerdictApproved),
	})
	require.True(t, res.Applied)
}

func (e *env) reject(t *testing.T, id, msg string) {
	t.Helper()
	res := e.judge(t, id, session.Predicate{WaitingForAdmin: session.Bool(true)}, session.Patch{
		WaitingForAdmin: session.Bool(false),
		PendingMessage:  session.String(msg),
		Verdict:         session.VerdictPtr(session.VerdictRejected),
	})
	require.True(t, res.Applied)
}

func (e *env) record(t *testing.T, id string) session.Record {
	t.Helper()
	rec, err := e.store.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func eventually(t *testing.T, a *Agent, cond func(Snapshot) bool, msg string) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(a.Snapshot()) }, waitFor, 5*time.Millisecond, msg)
}

func atStep(step int, phase reconcile.Phase) func(Snapshot) bool {
	return func(s Snapshot) bool { return s.Step == step && s.Phase == phase }
}

// flakyStore wraps a store and fails selected operations on demand.
type flakyStore struct {
	session.Store
	failUpdates atomic.Bool
	loseReplies atomic.Bool
	failLookups atomic.Bool
	failInserts atomic.Bool
}

var errUnreachable = errors.New("store unreachable")

func (f *flakyStore) ConditionalUpdate(ctx context.Context, id string, pred session.Predicate, patch session.Patch) (session.UpdateResult, error) {
	if f.failUpdates.Load() {
		return session.UpdateResult{}, errUnreachable
	}
	if f.loseReplies.Load() {
		if _, err := f.Store.ConditionalUpdate(ctx, id, pred, patch); err != nil {
			return session.UpdateResult{}, err
		}
		return session.UpdateResult{}, errUnreachable
	}
	return f.Store.ConditionalUpdate(ctx, id, pred, patch)
}

func (f *flakyStore) GetByToken(ctx context.Context, token string) (session.Record, error) {
	if f.failLookups.Load() {
		return session.Record{}, errUnreachable
	}
	return f.Store.GetByToken(ctx, token)
}

func (f *flakyStore) Insert(ctx context.Context, r session.Record) (session.Record, error) {
	if f.failInserts.Load() {
		return session.Record{}, errUnreachable
	}
	return f.Store.Insert(ctx, r)
}

// countingStore counts reads by id.
type countingStore struct {
	session.Store
	gets atomic.Int32
}

func (c *countingStore) Get(ctx context.Context, id string) (session.Record, error) {
	c.gets.Add(1)
	return c.Store.Get(ctx, id)
}

// scriptedFeed delivers only the events a test pushes.
type scriptedFeed struct {
	events chan session.Event
}

func newScriptedFeed() *scriptedFeed {
	return &scriptedFeed{events: make(chan session.Event, 16)}
}

func (f *scriptedFeed) Subscribe(context.Context, session.FeedFilter) (session.Subscription, error) {
	return scriptedSub{events: f.events}, nil
}

func (f *scriptedFeed) push(rec session.Record) {
	f.events <- session.Event{Op: session.OpUpdate, Record: rec}
}

type scriptedSub struct {
	events chan session.Event
}

func (s scriptedSub) Next(ctx context.Context) (session.Event, error) {
	select {
	case <-ctx.Done():
		return session.Event{}, ctx.Err()
	case ev := <-s.events:
		return ev, nil
	}
}

func (s scriptedSub) Close() error { return nil }
