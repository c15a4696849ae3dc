package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/roach88/quizgate/internal/session"
	"github.com/roach88/quizgate/internal/testutil"
)

func testDirectory(t *testing.T) *Directory {
	t.Helper()
	hash, err := HashPassword("hunter2", bcrypt.MinCost)
	require.NoError(t, err)

	d, err := NewDirectory([]Moderator{
		{ID: "mod-1", Email: "mod@example.com", PasswordHash: hash, Role: RoleModerator, Active: true},
		{ID: "admin-1", Email: "Admin@Example.com", PasswordHash: hash, Role: RoleSuperAdmin, Active: true},
		{ID: "gone-1", Email: "gone@example.com", PasswordHash: hash, Role: RoleSuperAdmin, Active: false},
	})
	require.NoError(t, err)
	return d
}

func TestDirectory_Authenticate(t *testing.T) {
	d := testDirectory(t)

	m, err := d.Authenticate("mod@example.com", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "mod-1", m.ID)

	m, err = d.Authenticate("  admin@example.COM ", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "admin-1", m.ID, "email match ignores case and spaces")

	tests := []struct {
		name, email, password string
	}{
		{"wrong password", "mod@example.com", "nope"},
		{"unknown email", "who@example.com", "hunter2"},
		{"inactive account", "gone@example.com", "hunter2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Authenticate(tt.email, tt.password)
			assert.True(t, session.IsNotAuthorized(err), "got %v", err)
		})
	}

	_, err = d.Authenticate("", "")
	assert.True(t, session.IsValidation(err))
}

func TestDirectory_LastLogin(t *testing.T) {
	hash, err := HashPassword("hunter2", bcrypt.MinCost)
	require.NoError(t, err)
	clock := testutil.NewManualClock(testutil.Epoch)
	d, err := NewDirectory([]Moderator{
		{ID: "mod-1", Email: "mod@example.com", PasswordHash: hash, Role: RoleModerator, Active: true},
	}, WithLoginClock(clock.Now))
	require.NoError(t, err)

	_, ok := d.LastLogin("mod-1")
	assert.False(t, ok, "no login yet")

	_, err = d.Authenticate("mod@example.com", "nope")
	require.Error(t, err)
	_, ok = d.LastLogin("mod-1")
	assert.False(t, ok, "failed attempts are not recorded")

	first := clock.Now()
	_, err = d.Authenticate("mod@example.com", "hunter2")
	require.NoError(t, err)
	got, ok := d.LastLogin("mod-1")
	require.True(t, ok)
	assert.True(t, got.Equal(first))

	later := clock.Advance(time.Hour)
	_, err = d.Authenticate("mod@example.com", "hunter2")
	require.NoError(t, err)
	got, _ = d.LastLogin("mod-1")
	assert.True(t, got.Equal(later))
}

func TestDirectory_IsPrivileged(t *testing.T) {
	d := testDirectory(t)
	ctx := context.Background()

	for id, want := range map[string]bool{
		"admin-1": true,
		"mod-1":   false,
		"gone-1":  false,
		"nobody":  false,
	} {
		got, err := d.IsPrivileged(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got, id)
	}
}

func TestNewDirectory_Rejects(t *testing.T) {
	_, err := NewDirectory([]Moderator{{ID: "a", Role: "owner"}})
	assert.True(t, session.IsValidation(err))

	_, err = NewDirectory([]Moderator{{ID: "a", Role: RoleModerator}, {ID: "a", Role: RoleModerator}})
	assert.True(t, session.IsValidation(err))

	_, err = NewDirectory([]Moderator{
		{ID: "a", Email: "x@example.com", Role: RoleModerator},
		{ID: "b", Email: "X@example.com", Role: RoleModerator},
	})
	assert.True(t, session.IsValidation(err))
}

func TestIssuer_RoundTrip(t *testing.T) {
	clock := testutil.NewManualClock(testutil.Epoch)
	iss, err := NewIssuer([]byte("secret"), time.Hour, WithIssuerClock(clock.Now))
	require.NoError(t, err)

	tok, exp, err := iss.Issue(Moderator{ID: "admin-1", Role: RoleSuperAdmin})
	require.NoError(t, err)
	assert.Equal(t, testutil.Epoch.Add(time.Hour), exp)

	c, err := iss.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, "admin-1", c.ModeratorID)
	assert.Equal(t, RoleSuperAdmin, c.Role)

	ok, _ := c.IsPrivileged(context.Background(), "admin-1")
	assert.True(t, ok)
	ok, _ = c.IsPrivileged(context.Background(), "mod-1")
	assert.False(t, ok, "claims only speak for their own moderator")

	clock.Advance(2 * time.Hour)
	_, err = iss.Parse(tok)
	assert.True(t, session.IsNotAuthorized(err), "expired")
}

func TestIssuer_RejectsForeignSignature(t *testing.T) {
	a, _ := NewIssuer([]byte("one"), 0)
	b, _ := NewIssuer([]byte("two"), 0)

	tok, _, err := a.Issue(Moderator{ID: "mod-1", Role: RoleModerator})
	require.NoError(t, err)

	_, err = b.Parse(tok)
	assert.True(t, session.IsNotAuthorized(err))

	_, err = a.Parse("not.a.token")
	assert.True(t, session.IsNotAuthorized(err))

	_, err = NewIssuer(nil, 0)
	assert.True(t, session.IsValidation(err))
}

func TestPeekClaims(t *testing.T) {
	iss, _ := NewIssuer([]byte("secret"), 0)
	tok, _, err := iss.Issue(Moderator{ID: "mod-1", Role: RoleModerator})
	require.NoError(t, err)

	c, err := PeekClaims(tok)
	require.NoError(t, err)
	assert.Equal(t, "mod-1", c.ModeratorID)

	_, err = PeekClaims("garbage")
	assert.True(t, session.IsValidation(err))
}

func TestClaimsContext(t *testing.T) {
	_, ok := ClaimsFrom(context.Background())
	assert.False(t, ok)

	ctx := WithClaims(context.Background(), &Claims{ModeratorID: "m"})
	c, ok := ClaimsFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, "m", c.ModeratorID)
}
