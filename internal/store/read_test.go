package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/quizgate/internal/session"
)

func TestGet_NotFound(t *testing.T) {
	s, _ := createTestStore(t)

	_, err := s.Get(context.Background(), "nope")
	assert.True(t, session.IsNotFound(err))
}

func TestGetByToken_Restrictions(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	active, err := s.Insert(ctx, newActiveRecord())
	require.NoError(t, err)

	blocked := newActiveRecord()
	blocked.IsBlocked = true
	blocked.Status = session.StatusBlocked
	blocked, err = s.Insert(ctx, blocked)
	require.NoError(t, err)

	obsolete := newActiveRecord()
	obsolete.Status = session.StatusObsolete
	obsolete, err = s.Insert(ctx, obsolete)
	require.NoError(t, err)

	inactive := newActiveRecord()
	inactive.Status = session.StatusInactive
	inactive, err = s.Insert(ctx, inactive)
	require.NoError(t, err)

	got, err := s.GetByToken(ctx, active.RecoveryToken)
	require.NoError(t, err)
	assert.Equal(t, active.ID, got.ID)

	got, err = s.GetByToken(ctx, inactive.RecoveryToken)
	require.NoError(t, err)
	assert.Equal(t, session.StatusInactive, got.Status)

	_, err = s.GetByToken(ctx, blocked.RecoveryToken)
	assert.True(t, session.IsNotFound(err))
	_, err = s.GetByToken(ctx, obsolete.RecoveryToken)
	assert.True(t, session.IsNotFound(err))
}

func TestList_OrderAndFilters(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()

	older, err := s.Insert(ctx, newActiveRecord())
	require.NoError(t, err)
	clock.Advance(time.Minute)
	newer, err := s.Insert(ctx, newActiveRecord())
	require.NoError(t, err)
	obsolete := newActiveRecord()
	obsolete.Status = session.StatusObsolete
	_, err = s.Insert(ctx, obsolete)
	require.NoError(t, err)

	got, err := s.List(ctx, session.Filter{ExcludeStatuses: []session.Status{session.StatusObsolete}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, newer.ID, got[0].ID, "most recent activity first")
	assert.Equal(t, older.ID, got[1].ID)

	got, err = s.List(ctx, session.Filter{SessionID: older.ID})
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestReadEvents_Pagination(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	rec, err := s.Insert(ctx, newActiveRecord())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := s.ConditionalUpdate(ctx, rec.ID, session.Predicate{}, session.Patch{TouchActivity: true})
		require.NoError(t, err)
	}

	page, err := s.ReadEvents(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, session.OpInsert, page[0].Op)
	assert.Equal(t, int64(1), page[0].Record.SequenceNumber)

	rest, err := s.ReadEvents(ctx, page[1].Offset, 10)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, int64(4), rest[1].Record.SequenceNumber)

	head, err := s.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, rest[1].Offset, head)
}
