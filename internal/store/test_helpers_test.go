package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/quizgate/internal/session"
	"github.com/roach88/quizgate/internal/testutil"
)

// createTestStore opens a fresh store in a temp dir with a manual clock and
// sequential ids.
func createTestStore(t *testing.T) (*Store, *testutil.ManualClock) {
	t.Helper()
	clock := testutil.NewManualClock(testutil.Epoch)
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path,
		WithClock(clock.Now),
		WithIDFunc(testutil.NewSequentialIDs("session").Next),
		WithTokenFunc(testutil.NewSequentialIDs("token").Next),
	)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

// newActiveRecord returns a minimal record as a participant would create it.
func newActiveRecord() session.Record {
	return session.Record{
		Status:      session.StatusActive,
		IsActive:    true,
		CurrentStep: session.StepWelcome,
		IPAddress:   "203.0.113.7",
	}
}
