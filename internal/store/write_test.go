package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/quizgate/internal/session"
	"github.com/roach88/quizgate/internal/testutil"
)

func TestInsert_AssignsIdentity(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	first, err := s.Insert(ctx, newActiveRecord())
	require.NoError(t, err)
	second, err := s.Insert(ctx, newActiveRecord())
	require.NoError(t, err)

	assert.Equal(t, "session-1", first.ID)
	assert.Equal(t, "token-1", first.RecoveryToken)
	assert.Equal(t, int64(1), first.UserNumber)
	assert.Equal(t, int64(2), second.UserNumber)
	assert.Equal(t, int64(1), first.SequenceNumber)
	assert.True(t, first.CreatedAt.Equal(testutil.Epoch))
	assert.True(t, first.LastActivity.Equal(testutil.Epoch))

	got, err := s.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first, got)
}

func TestInsert_RoundTripsOptionalFields(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	rec := newActiveRecord()
	rec.UserName = session.String("Ana")
	rec.UserAge = session.Int(30)
	rec.DeviceInfo = []byte(`{"ua":"test"}`)
	rec.Answers[0] = session.Answer{Value: session.String("Paris"), Attempts: 2}

	ins, err := s.Insert(ctx, rec)
	require.NoError(t, err)

	got, err := s.Get(ctx, ins.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ana", *got.UserName)
	assert.Equal(t, 30, *got.UserAge)
	assert.JSONEq(t, `{"ua":"test"}`, string(got.DeviceInfo))
	assert.Nil(t, got.GeoInfo)
	assert.Equal(t, "Paris", *got.Answers[0].Value)
	assert.Equal(t, 2, got.Answers[0].Attempts)
	assert.Nil(t, got.Answers[1].Value)
}

func TestInsert_RejectsBadStep(t *testing.T) {
	s, _ := createTestStore(t)

	rec := newActiveRecord()
	rec.CurrentStep = 9
	_, err := s.Insert(context.Background(), rec)
	assert.True(t, session.IsValidation(err))
}

func TestConditionalUpdate_AppliesAndBumpsSeq(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()

	rec, err := s.Insert(ctx, newActiveRecord())
	require.NoError(t, err)
	now := clock.Advance(5 * time.Second)

	res, err := s.ConditionalUpdate(ctx, rec.ID,
		session.Predicate{WaitingForAdmin: session.Bool(false)},
		session.Patch{WaitingForAdmin: session.Bool(true), TouchActivity: true},
	)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.True(t, res.Current.WaitingForAdmin)
	assert.Equal(t, rec.SequenceNumber+1, res.Current.SequenceNumber)
	assert.True(t, res.Current.LastActivity.Equal(now))

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Current, got)
}

func TestConditionalUpdate_PredicateMismatchLeavesRecord(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	rec, err := s.Insert(ctx, newActiveRecord())
	require.NoError(t, err)

	res, err := s.ConditionalUpdate(ctx, rec.ID,
		session.Predicate{WaitingForAdmin: session.Bool(true)},
		session.Patch{AdvanceStep: true},
	)
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, rec, res.Current)

	head, err := s.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), head, "rejected write must not append an event")
}

func TestConditionalUpdate_NotFound(t *testing.T) {
	s, _ := createTestStore(t)

	_, err := s.ConditionalUpdate(context.Background(), "missing", session.Predicate{}, session.Patch{TouchActivity: true})
	assert.True(t, session.IsNotFound(err))
}

func TestConditionalUpdate_InvalidPatch(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	rec, err := s.Insert(ctx, newActiveRecord())
	require.NoError(t, err)

	_, err = s.ConditionalUpdate(ctx, rec.ID, session.Predicate{}, session.Patch{CurrentStep: session.Int(0)})
	assert.True(t, session.IsValidation(err))
}

func TestConditionalUpdate_ConcurrentApproveExactlyOnce(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	rec := newActiveRecord()
	rec.CurrentStep = session.StepQuestion1
	rec.WaitingForAdmin = true
	rec, err := s.Insert(ctx, rec)
	require.NoError(t, err)

	approve := session.Patch{
		AdvanceStep:     true,
		WaitingForAdmin: session.Bool(false),
		Verdict:         session.VerdictPtr(session.VerdictApproved),
	}

	const writers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.ConditionalUpdate(ctx, rec.ID, session.Predicate{WaitingForAdmin: session.Bool(true)}, approve)
			if !assert.NoError(t, err) {
				return
			}
			if res.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StepQuestion2, got.CurrentStep, "step must advance exactly once")
	assert.Equal(t, rec.SequenceNumber+1, got.SequenceNumber)
}

func TestUpdateWhere_SweepThreshold(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()

	stale, err := s.Insert(ctx, newActiveRecord())
	require.NoError(t, err)
	clock.Advance(60 * time.Second)
	fresh, err := s.Insert(ctx, newActiveRecord())
	require.NoError(t, err)
	now := clock.Advance(10 * time.Second)

	cutoff := now.Add(-60 * time.Second)
	sweep := session.Filter{IsActive: session.Bool(true), LastActivityBefore: &cutoff}
	patch := session.Patch{IsActive: session.Bool(false)}

	n, err := s.UpdateWhere(ctx, sweep, patch)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	gotStale, _ := s.Get(ctx, stale.ID)
	gotFresh, _ := s.Get(ctx, fresh.ID)
	assert.False(t, gotStale.IsActive)
	assert.True(t, gotFresh.IsActive, "activity 10s ago is untouched")

	n, err = s.UpdateWhere(ctx, sweep, patch)
	require.NoError(t, err)
	assert.Zero(t, n, "second sweep is a no-op")
}

func TestDelete_OnlyInactive(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	inactive := newActiveRecord()
	inactive.Status = session.StatusInactive
	_, err := s.Insert(ctx, inactive)
	require.NoError(t, err)
	kept, err := s.Insert(ctx, newActiveRecord())
	require.NoError(t, err)

	n, err := s.Delete(ctx, session.Filter{Statuses: []session.Status{session.StatusInactive}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := s.List(ctx, session.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, kept.ID, all[0].ID)

	events, err := s.ReadEvents(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, session.OpDelete, events[2].Op)
	assert.Equal(t, session.StatusInactive, events[2].Record.Status)
}

func TestDelete_RequiresFilter(t *testing.T) {
	s, _ := createTestStore(t)

	_, err := s.Delete(context.Background(), session.Filter{})
	assert.True(t, session.IsValidation(err))
}

func TestCommitHook_FiresOnWrite(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	var calls int
	s.OnCommit(func() { calls++ })

	rec, err := s.Insert(ctx, newActiveRecord())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	_, err = s.ConditionalUpdate(ctx, rec.ID, session.Predicate{WaitingForAdmin: session.Bool(true)}, session.Patch{AdvanceStep: true})
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "rejected write must not wake subscribers")

	_, err = s.ConditionalUpdate(ctx, rec.ID, session.Predicate{}, session.Patch{TouchActivity: true})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
