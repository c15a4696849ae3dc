package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/roach88/quizgate/internal/auth"
	"github.com/roach88/quizgate/internal/feed"
	"github.com/roach88/quizgate/internal/session"
	"github.com/roach88/quizgate/internal/store"
	"github.com/roach88/quizgate/internal/testutil"
)

const (
	waitFor  = 2 * time.Second
	password = "correct horse"
)

type apiEnv struct {
	store  *store.Store
	broker *feed.Broker
	server *httptest.Server
	issuer *auth.Issuer
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	clock := testutil.NewManualClock(testutil.Epoch)
	s, err := store.Open(filepath.Join(t.TempDir(), "api.db"),
		store.WithClock(clock.Now),
		store.WithIDFunc(testutil.NewSequentialIDs("session").Next),
	)
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

	hash, err := auth.HashPassword(password, bcrypt.MinCost)
	require.NoError(t, err)
	dir, err := auth.NewDirectory([]auth.Moderator{
		{ID: "mod-1", Email: "mod@example.com", PasswordHash: hash, Role: auth.RoleModerator, Active: true},
		{ID: "admin-1", Email: "admin@example.com", PasswordHash: hash, Role: auth.RoleSuperAdmin, Active: true},
		{ID: "gone-1", Email: "gone@example.com", PasswordHash: hash, Role: auth.RoleSuperAdmin, Active: false},
	}, auth.WithLoginClock(clock.Now))
	require.NoError(t, err)
	issuer, err := auth.NewIssuer([]byte("test-secret"), time.Hour)
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer(s, b, dir, issuer).Handler())
	t.Cleanup(srv.Close)
	return &apiEnv{store: s, broker: b, server: srv, issuer: issuer}
}

func (e *apiEnv) anonymous() *Client {
	return NewClient(e.server.URL)
}

func (e *apiEnv) login(t *testing.T, email string) *Client {
	t.Helper()
	resp, err := e.anonymous().Login(context.Background(), email, password)
	require.NoError(t, err)
	return NewClient(e.server.URL, WithToken(func() string { return resp.Token }))
}

func TestLogin(t *testing.T) {
	e := newAPIEnv(t)
	ctx := context.Background()

	resp, err := e.anonymous().Login(ctx, "admin@example.com", password)
	require.NoError(t, err)
	assert.Equal(t, "admin-1", resp.ModeratorID)
	assert.Equal(t, auth.RoleSuperAdmin, resp.Role)
	assert.NotEmpty(t, resp.Token)
	assert.True(t, resp.LastLogin.Equal(testutil.Epoch), "login is stamped")

	_, err = e.anonymous().Login(ctx, "admin@example.com", "wrong")
	assert.True(t, session.IsNotAuthorized(err))

	_, err = e.anonymous().Login(ctx, "gone@example.com", password)
	assert.True(t, session.IsNotAuthorized(err), "deactivated moderators cannot log in")
}

func TestParticipantSurface(t *testing.T) {
	e := newAPIEnv(t)
	ctx := context.Background()
	c := e.anonymous()

	rec, err := c.Insert(ctx, session.Record{IsActive: true, IPAddress: "192.0.2.1", UserNumber: 99})
	require.NoError(t, err)
	assert.Equal(t, "session-1", rec.ID)
	assert.Equal(t, int64(1), rec.UserNumber, "server assigned")
	assert.NotEmpty(t, rec.RecoveryToken, "create returns the token")

	got, err := c.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Empty(t, got.RecoveryToken, "reads by id are redacted")
	assert.Equal(t, "192.0.2.1", got.IPAddress)

	byToken, err := c.GetByToken(ctx, rec.RecoveryToken)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, byToken.ID)

	res, err := c.ConditionalUpdate(ctx, rec.ID,
		session.Predicate{CurrentStep: session.Int(session.StepWelcome)},
		session.Patch{UserName: session.String("Ana"), CurrentStep: session.Int(session.StepQuestion1)},
	)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, int64(2), res.Current.SequenceNumber)

	_, err = c.Get(ctx, "nope")
	assert.True(t, session.IsNotFound(err))

	_, err = c.List(ctx, session.Filter{})
	assert.True(t, session.IsNotAuthorized(err), "listing needs a moderator")

	_, err = c.Insert(ctx, session.Record{IsBlocked: true})
	assert.True(t, session.IsValidation(err))
}

func TestPatchAuthorization(t *testing.T) {
	e := newAPIEnv(t)
	ctx := context.Background()
	rec, err := e.store.Insert(ctx, session.Record{IsActive: true, CurrentStep: session.StepQuestion1, WaitingForAdmin: true})
	require.NoError(t, err)

	approve := session.Patch{AdvanceStep: true, WaitingForAdmin: session.Bool(false), Verdict: session.VerdictPtr(session.VerdictApproved)}
	waiting := session.Predicate{WaitingForAdmin: session.Bool(true)}

	_, err = e.anonymous().ConditionalUpdate(ctx, rec.ID, waiting, approve)
	assert.True(t, session.IsNotAuthorized(err), "judgments need a moderator")

	mod := e.login(t, "mod@example.com")
	res, err := mod.ConditionalUpdate(ctx, rec.ID, waiting, approve)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, session.StepQuestion2, res.Current.CurrentStep)

	block := session.Patch{IsBlocked: session.Bool(true), Status: session.StatusPtr(session.StatusBlocked)}
	_, err = mod.ConditionalUpdate(ctx, rec.ID, session.Predicate{}, block)
	assert.True(t, session.IsNotAuthorized(err), "blocking is privileged")

	admin := e.login(t, "admin@example.com")
	res, err = admin.ConditionalUpdate(ctx, rec.ID, session.Predicate{IsBlocked: session.Bool(false)}, block)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Empty(t, res.Current.RecoveryToken)
}

func TestParticipantWritesAreScoped(t *testing.T) {
	e := newAPIEnv(t)
	ctx := context.Background()
	owner := e.anonymous()
	rec, err := owner.Insert(ctx, session.Record{IsActive: true})
	require.NoError(t, err)

	heartbeat := session.Patch{IsActive: session.Bool(true), TouchActivity: true}

	_, err = e.anonymous().ConditionalUpdate(ctx, rec.ID, session.Predicate{}, heartbeat)
	assert.True(t, session.IsNotAuthorized(err), "writes need the recovery token")

	res, err := owner.ConditionalUpdate(ctx, rec.ID, session.Predicate{}, heartbeat)
	require.NoError(t, err)
	assert.True(t, res.Applied)

	selfApprove := session.Patch{AdvanceStep: true, WaitingForAdmin: session.Bool(false)}
	_, err = owner.ConditionalUpdate(ctx, rec.ID, session.Predicate{}, selfApprove)
	assert.True(t, session.IsNotAuthorized(err), "participants cannot advance themselves")

	admin := e.login(t, "admin@example.com")
	block := session.Patch{IsBlocked: session.Bool(true), Status: session.StatusPtr(session.StatusBlocked)}
	res, err = admin.ConditionalUpdate(ctx, rec.ID, session.Predicate{}, block)
	require.NoError(t, err)
	require.True(t, res.Applied)

	unblock := session.Patch{
		IsBlocked:   session.Bool(false),
		Status:      session.StatusPtr(session.StatusActive),
		CurrentStep: session.Int(session.StepThankYou),
	}
	_, err = owner.ConditionalUpdate(ctx, rec.ID, session.Predicate{}, unblock)
	assert.True(t, session.IsNotAuthorized(err), "participants cannot unblock")

	res, err = owner.ConditionalUpdate(ctx, rec.ID, session.Predicate{}, heartbeat)
	require.NoError(t, err)
	assert.False(t, res.Applied, "blocked rows reject participant writes")
	assert.True(t, res.Current.IsBlocked)

	mod := e.login(t, "mod@example.com")
	_, err = mod.ConditionalUpdate(ctx, rec.ID, session.Predicate{}, session.Patch{IsBlocked: session.Bool(false)})
	assert.True(t, session.IsNotAuthorized(err), "unblocking is privileged")

	got, err := e.store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, got.IsBlocked)
	assert.Equal(t, session.StatusBlocked, got.Status)
}

func TestRecoveryTokenHeader(t *testing.T) {
	e := newAPIEnv(t)
	ctx := context.Background()
	rec, err := e.store.Insert(ctx, session.Record{IsActive: true})
	require.NoError(t, err)

	patch := func(token string) int {
		body := strings.NewReader(`{"predicate":{},"patch":{"touch_activity":true}}`)
		req, err := http.NewRequestWithContext(ctx, http.MethodPatch, e.server.URL+"/v1/sessions/"+rec.ID, body)
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set(RecoveryTokenHeader, token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusForbidden, patch(""))
	assert.Equal(t, http.StatusForbidden, patch("not-the-token"))
	assert.Equal(t, http.StatusOK, patch(rec.RecoveryToken))
}

func TestBulkOperations(t *testing.T) {
	e := newAPIEnv(t)
	ctx := context.Background()
	for _, st := range []session.Status{session.StatusActive, session.StatusInactive, session.StatusInactive} {
		_, err := e.store.Insert(ctx, session.Record{Status: st, IsActive: st == session.StatusActive})
		require.NoError(t, err)
	}

	mod := e.login(t, "mod@example.com")
	list, err := mod.List(ctx, session.Filter{Statuses: []session.Status{session.StatusInactive}})
	require.NoError(t, err)
	assert.Len(t, list, 2)
	for _, rec := range list {
		assert.Empty(t, rec.RecoveryToken)
	}

	n, err := mod.UpdateWhere(ctx, session.Filter{IsActive: session.Bool(true)}, session.Patch{IsActive: session.Bool(false)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = mod.Delete(ctx, session.Filter{Statuses: []session.Status{session.StatusInactive}})
	assert.True(t, session.IsNotAuthorized(err))

	admin := e.login(t, "admin@example.com")
	n, err = admin.Delete(ctx, session.Filter{Statuses: []session.Status{session.StatusInactive}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = admin.Delete(ctx, session.Filter{})
	assert.True(t, session.IsValidation(err), "unfiltered delete is refused")
}

func TestInvalidTokenIsUnauthenticated(t *testing.T) {
	e := newAPIEnv(t)
	c := NewClient(e.server.URL, WithToken(func() string { return "forged" }))

	_, err := c.Get(context.Background(), "session-1")
	assert.True(t, session.IsNotAuthorized(err))

	req, _ := http.NewRequest(http.MethodGet, e.server.URL+"/v1/sessions/session-1", nil)
	req.Header.Set("Authorization", "Bearer forged")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	e := newAPIEnv(t)
	resp, err := http.Post(e.server.URL+"/v1/sessions", "application/json", strings.NewReader(`{"nickname":"x"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFeedAccess(t *testing.T) {
	e := newAPIEnv(t)
	ctx := context.Background()
	rec, err := e.store.Insert(ctx, session.Record{IsActive: true})
	require.NoError(t, err)

	anon, err := feed.NewRemote(e.server.URL)
	require.NoError(t, err)
	_, err = anon.Subscribe(ctx, session.FeedFilter{})
	assert.True(t, session.IsNotAuthorized(err), "the full feed needs a moderator")

	sub, err := anon.Subscribe(ctx, session.FeedFilter{SessionID: rec.ID})
	require.NoError(t, err)
	defer sub.Close()

	_, err = e.store.ConditionalUpdate(ctx, rec.ID, session.Predicate{}, session.Patch{TouchActivity: true})
	require.NoError(t, err)

	nctx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	for {
		ev, err := sub.Next(nctx)
		require.NoError(t, err)
		assert.Equal(t, rec.ID, ev.Record.ID)
		assert.Empty(t, ev.Record.RecoveryToken, "streamed snapshots are redacted")
		if ev.Record.SequenceNumber == 2 {
			break
		}
	}
}

func TestFilterQueryRoundTrip(t *testing.T) {
	before := time.Date(2026, 3, 1, 12, 0, 0, 123, time.UTC)
	f := session.Filter{
		SessionID:          "s1",
		Statuses:           []session.Status{session.StatusActive, session.StatusInactive},
		ExcludeStatuses:    []session.Status{session.StatusObsolete},
		IsActive:           session.Bool(false),
		LastActivityBefore: &before,
	}
	got, err := decodeFilter(encodeFilter(f))
	require.NoError(t, err)
	assert.Equal(t, f, got)

	_, err = decodeFilter(map[string][]string{"status": {"gone"}})
	assert.True(t, session.IsValidation(err))
}
