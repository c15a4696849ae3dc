package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/quizgate/internal/session"
)

func TestRemote_StreamsEvents(t *testing.T) {
	s, b := startBroker(t)
	ctx := context.Background()

	mux := http.NewServeMux()
	mux.Handle(Path, NewHandler(b))
	ts := httptest.NewServer(mux)
	defer ts.Close()

	rec, err := s.Insert(ctx, session.Record{IsActive: true})
	require.NoError(t, err)

	remote, err := NewRemote(ts.URL, WithBearer(func() string { return "tok" }))
	require.NoError(t, err)
	sub, err := remote.Subscribe(ctx, session.FeedFilter{SessionID: rec.ID})
	require.NoError(t, err)
	defer sub.Close()

	require.Eventually(t, func() bool { return b.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = s.ConditionalUpdate(ctx, rec.ID, session.Predicate{}, session.Patch{CurrentStep: session.Int(session.StepQuestion1)})
	require.NoError(t, err)

	ev := nextEvent(t, sub)
	assert.Equal(t, rec.ID, ev.Record.ID)
	assert.Equal(t, session.StepQuestion1, ev.Record.CurrentStep)
}

func TestRemote_DisconnectOnServerDrop(t *testing.T) {
	_, b := startBroker(t)

	ts := httptest.NewServer(NewHandler(b))
	defer ts.Close()

	remote, err := NewRemote(ts.URL)
	require.NoError(t, err)
	// Handler is mounted at the root here, so dial the bare server.
	remote.base.Path = ""

	sub, err := remote.Subscribe(context.Background(), session.FeedFilter{})
	require.NoError(t, err)
	defer sub.Close()

	require.Eventually(t, func() bool { return b.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)
	b.DropAll()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, session.ErrFeedDisconnected)
}

func TestNewRemote_Schemes(t *testing.T) {
	r, err := NewRemote("https://quiz.example.com/")
	require.NoError(t, err)
	assert.Equal(t, "wss://quiz.example.com/v1/feed", r.base.String())

	_, err = NewRemote("ftp://quiz.example.com")
	assert.Error(t, err)
}
