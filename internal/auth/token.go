package auth

import (
	"context"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/roach88/quizgate/internal/session"
)

// DefaultTokenTTL is the lifetime of a moderator session token.
const DefaultTokenTTL = 12 * time.Hour

const issuer = "quizgate"

// Claims are the JWT claims of a moderator session token.
type Claims struct {
	ModeratorID string `json:"mid"`
	Role        Role   `json:"role"`
	jwt.RegisteredClaims
}

// IsPrivileged lets verified claims act as a moderator.RoleSource for the
// moderator they were issued to.
func (c *Claims) IsPrivileged(_ context.Context, moderatorID string) (bool, error) {
	return c != nil && c.ModeratorID == moderatorID && c.Role.Privileged(), nil
}

// Issuer signs and verifies HS256 moderator tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithIssuerClock sets the time source for issue and expiry checks.
func WithIssuerClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) { i.now = now }
}

// NewIssuer creates an issuer. A ttl of zero uses DefaultTokenTTL.
func NewIssuer(secret []byte, ttl time.Duration, opts ...IssuerOption) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, session.NewValidationError("jwt secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	i := &Issuer{secret: secret, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Issue signs a token for m and returns it with its expiry.
func (i *Issuer) Issue(m Moderator) (string, time.Time, error) {
	now := i.now()
	exp := now.Add(i.ttl)
	claims := Claims{
		ModeratorID: m.ID,
		Role:        m.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   m.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return tok, exp, nil
}

// Parse verifies tok and returns its claims. Any failure is NotAuthorized.
func (i *Issuer) Parse(tok string) (*Claims, error) {
	t, err := jwt.ParseWithClaims(tok, &Claims{},
		func(*jwt.Token) (interface{}, error) { return i.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, &session.Error{Code: session.CodeNotAuthorized, Message: "invalid token", Err: err}
	}
	c, ok := t.Claims.(*Claims)
	if !ok || !t.Valid || c.ModeratorID == "" {
		return nil, &session.Error{Code: session.CodeNotAuthorized, Message: "invalid token"}
	}
	return c, nil
}

// PeekClaims decodes tok without verifying its signature. Clients use it
// to learn their own moderator id and role; the server always verifies.
func PeekClaims(tok string) (*Claims, error) {
	var c Claims
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &c); err != nil {
		return nil, session.NewValidationError(fmt.Sprintf("malformed token: %v", err))
	}
	return &c, nil
}

type claimsKey struct{}

// WithClaims attaches verified claims to ctx.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// ClaimsFrom returns the claims attached by WithClaims.
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok && c != nil
}
