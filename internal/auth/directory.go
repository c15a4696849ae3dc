// Package auth holds the moderator directory, password checks, and the
// signed session tokens moderators present to the HTTP surface.
package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/roach88/quizgate/internal/session"
)

// Role is a moderator's capability level.
type Role string

const (
	RoleModerator  Role = "moderator"
	RoleSuperAdmin Role = "super_admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleModerator || r == RoleSuperAdmin
}

// Privileged reports whether r may block and purge.
func (r Role) Privileged() bool {
	return r == RoleSuperAdmin
}

// Moderator is one configured moderator account.
type Moderator struct {
	ID           string `yaml:"id" json:"id"`
	Email        string `yaml:"email" json:"email"`
	PasswordHash string `yaml:"password_hash" json:"-"`
	Role         Role   `yaml:"role" json:"role"`
	Active       bool   `yaml:"active" json:"active"`
}

// Directory is the set of moderator accounts.
//
// Thread-safety: accounts are immutable after NewDirectory. Login times are
// guarded by mu. Safe for concurrent use.
type Directory struct {
	byID    map[string]Moderator
	byEmail map[string]Moderator
	now     func() time.Time

	mu        sync.Mutex
	lastLogin map[string]time.Time
}

// DirectoryOption configures a Directory.
type DirectoryOption func(*Directory)

// WithLoginClock sets the clock used to stamp successful logins.
func WithLoginClock(now func() time.Time) DirectoryOption {
	return func(d *Directory) { d.now = now }
}

// NewDirectory indexes mods by id and email. Ids and emails must be unique;
// emails compare case-insensitively.
func NewDirectory(mods []Moderator, opts ...DirectoryOption) (*Directory, error) {
	d := &Directory{
		byID:      make(map[string]Moderator, len(mods)),
		byEmail:   make(map[string]Moderator, len(mods)),
		now:       time.Now,
		lastLogin: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(d)
	}
	for _, m := range mods {
		if m.ID == "" {
			return nil, session.NewValidationError("moderator id is required")
		}
		if !m.Role.Valid() {
			return nil, session.NewValidationError(fmt.Sprintf("moderator %s: unknown role %q", m.ID, m.Role))
		}
		if _, dup := d.byID[m.ID]; dup {
			return nil, session.NewValidationError(fmt.Sprintf("duplicate moderator id %q", m.ID))
		}
		email := normalizeEmail(m.Email)
		if email != "" {
			if _, dup := d.byEmail[email]; dup {
				return nil, session.NewValidationError(fmt.Sprintf("duplicate moderator email %q", m.Email))
			}
			d.byEmail[email] = m
		}
		d.byID[m.ID] = m
	}
	return d, nil
}

// Lookup returns the moderator with the given id.
func (d *Directory) Lookup(id string) (Moderator, bool) {
	m, ok := d.byID[id]
	return m, ok
}

// Len returns the number of accounts.
func (d *Directory) Len() int {
	return len(d.byID)
}

// Authenticate checks email and password and stamps the account's last
// login on success. Unknown accounts, wrong passwords and deactivated
// accounts all fail with the same NotAuthorized error.
func (d *Directory) Authenticate(email, password string) (Moderator, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return Moderator{}, session.NewValidationError("email and password are required")
	}
	m, ok := d.byEmail[normalizeEmail(email)]
	if !ok || m.PasswordHash == "" {
		return Moderator{}, errInvalidCredentials()
	}
	if err := bcrypt.CompareHashAndPassword([]byte(m.PasswordHash), []byte(password)); err != nil {
		return Moderator{}, errInvalidCredentials()
	}
	if !m.Active {
		return Moderator{}, errInvalidCredentials()
	}
	d.mu.Lock()
	d.lastLogin[m.ID] = d.now().UTC()
	d.mu.Unlock()
	return m, nil
}

// LastLogin returns the time of the moderator's most recent successful
// login since the directory was built.
func (d *Directory) LastLogin(id string) (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.lastLogin[id]
	return t, ok
}

// IsPrivileged reports whether the active moderator id holds the
// super_admin role. Unknown and deactivated ids are not privileged.
func (d *Directory) IsPrivileged(_ context.Context, moderatorID string) (bool, error) {
	m, ok := d.byID[moderatorID]
	return ok && m.Active && m.Role.Privileged(), nil
}

// HashPassword returns a bcrypt hash of password. A cost of 0 uses
// bcrypt.DefaultCost.
func HashPassword(password string, cost int) (string, error) {
	if password == "" {
		return "", session.NewValidationError("password is required")
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func errInvalidCredentials() error {
	return &session.Error{Code: session.CodeNotAuthorized, Message: "invalid credentials"}
}
