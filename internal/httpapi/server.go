package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/roach88/quizgate/internal/auth"
	"github.com/roach88/quizgate/internal/feed"
	"github.com/roach88/quizgate/internal/session"
)

// RecoveryTokenHeader carries a participant's recovery token on writes.
const RecoveryTokenHeader = "X-Recovery-Token"

const (
	maxRequestBytes  int64 = 1 << 20
	maxResponseBytes int64 = 32 << 20
)

// LoginRequest is the body of POST /v1/auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse carries a moderator session token.
type LoginResponse struct {
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expires_at"`
	ModeratorID string    `json:"moderator_id"`
	Role        auth.Role `json:"role"`
	LastLogin   time.Time `json:"last_login"`
}

// PatchRequest is the body of PATCH /v1/sessions/{id}.
type PatchRequest struct {
	Predicate session.Predicate `json:"predicate"`
	Patch     session.Patch     `json:"patch"`
}

// UpdateWhereRequest is the body of POST /v1/sessions/update-where.
type UpdateWhereRequest struct {
	Filter session.Filter `json:"filter"`
	Patch  session.Patch  `json:"patch"`
}

// CountResponse reports how many records a bulk operation touched.
type CountResponse struct {
	Count int `json:"count"`
}

// Server serves the session API.
type Server struct {
	store  session.Store
	dir    *auth.Directory
	issuer *auth.Issuer
	feed   http.Handler
	mux    *http.ServeMux
}

// NewServer wires the routes. f may be nil to disable the feed endpoint.
func NewServer(store session.Store, f session.Feed, dir *auth.Directory, issuer *auth.Issuer) *Server {
	s := &Server{store: store, dir: dir, issuer: issuer, mux: http.NewServeMux()}
	if f != nil {
		s.feed = feed.NewHandler(redactingFeed{f})
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("POST /v1/auth/login", s.handleLogin)
	s.mux.HandleFunc("GET /v1/sessions/{id}", s.handleGet)
	s.mux.HandleFunc("GET /v1/sessions", s.handleList)
	s.mux.HandleFunc("POST /v1/sessions", s.handleInsert)
	s.mux.HandleFunc("PATCH /v1/sessions/{id}", s.handlePatch)
	s.mux.HandleFunc("POST /v1/sessions/update-where", s.handleUpdateWhere)
	s.mux.HandleFunc("DELETE /v1/sessions", s.handleDelete)
	s.mux.HandleFunc("GET "+feed.Path, s.handleFeed)
	return s
}

// Handler returns the root handler with bearer authentication applied.
func (s *Server) Handler() http.Handler {
	return s.withAuth(s.mux)
}

// HTTPServer builds an *http.Server for addr.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// withAuth verifies a bearer token when present. Requests without one
// proceed as participants; invalid tokens are refused outright.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		if h == "" {
			next.ServeHTTP(w, r)
			return
		}
		tok, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || s.issuer == nil {
			writeUnauthenticated(w, "unsupported authorization")
			return
		}
		c, err := s.issuer.Parse(strings.TrimSpace(tok))
		if err != nil {
			writeUnauthenticated(w, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), c)))
	})
}

// moderator returns the verified caller if their account is still active.
func (s *Server) moderator(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	c, ok := auth.ClaimsFrom(r.Context())
	if !ok {
		writeUnauthenticated(w, "moderator token required")
		return nil, false
	}
	if s.dir != nil {
		if m, found := s.dir.Lookup(c.ModeratorID); !found || !m.Active {
			writeError(w, session.NewNotAuthorizedError("request", c.ModeratorID))
			return nil, false
		}
	}
	return c, true
}

// privileged is moderator plus the super_admin role in the directory.
func (s *Server) privileged(w http.ResponseWriter, r *http.Request, action string) bool {
	c, ok := s.moderator(w, r)
	if !ok {
		return false
	}
	var allowed bool
	if s.dir != nil {
		allowed, _ = s.dir.IsPrivileged(r.Context(), c.ModeratorID)
	}
	if !allowed {
		writeError(w, session.NewNotAuthorizedError(action, c.ModeratorID))
		return false
	}
	return true
}

// authorizePatch applies the role a patch needs. Moderators need an
// active account, and super_admin for disciplinary fields. Anonymous
// callers are participants: they are limited to their own fields, must
// present the record's recovery token and can never write a blocked row.
func (s *Server) authorizePatch(w http.ResponseWriter, r *http.Request, id string, req *PatchRequest) bool {
	if _, ok := auth.ClaimsFrom(r.Context()); ok {
		if req.Patch.RequiresPrivilege() {
			return s.privileged(w, r, "block")
		}
		_, ok := s.moderator(w, r)
		return ok
	}
	if err := req.Patch.CheckParticipantWrite(req.Predicate); err != nil {
		writeError(w, err)
		return false
	}
	if !s.ownsSession(w, r, id) {
		return false
	}
	req.Predicate.IsBlocked = session.Bool(false)
	return true
}

// ownsSession checks the recovery token header against record id.
func (s *Server) ownsSession(w http.ResponseWriter, r *http.Request, id string) bool {
	denied := &session.Error{Code: session.CodeNotAuthorized, Message: "recovery token does not match", SessionID: id}
	tok := r.Header.Get(RecoveryTokenHeader)
	if tok == "" {
		writeError(w, denied)
		return false
	}
	rec, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return false
	}
	if subtle.ConstantTimeCompare([]byte(tok), []byte(rec.RecoveryToken)) != 1 {
		writeError(w, denied)
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if s.dir == nil || s.issuer == nil {
		writeError(w, session.NewNotAuthorizedError("login", ""))
		return
	}
	m, err := s.dir.Authenticate(req.Email, req.Password)
	if err != nil {
		slog.Info("moderator login refused", "email", req.Email)
		writeError(w, err)
		return
	}
	tok, exp, err := s.issuer.Issue(m)
	if err != nil {
		writeError(w, err)
		return
	}
	last, _ := s.dir.LastLogin(m.ID)
	slog.Info("moderator login", "moderator_id", m.ID, "role", string(m.Role), "last_login", last)
	writeJSON(w, http.StatusOK, LoginResponse{Token: tok, ExpiresAt: exp, ModeratorID: m.ID, Role: m.Role, LastLogin: last})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, redact(rec))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if tok := r.URL.Query().Get("token"); tok != "" {
		rec, err := s.store.GetByToken(r.Context(), tok)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
		return
	}

	if _, ok := s.moderator(w, r); !ok {
		return
	}
	f, err := decodeFilter(r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}
	list, err := s.store.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]session.Record, len(list))
	for i, rec := range list {
		out[i] = redact(rec)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	var rec session.Record
	if !decodeBody(w, r, &rec) {
		return
	}
	// Identity, ordering and disciplinary fields are server assigned.
	rec.ID = ""
	rec.RecoveryToken = ""
	rec.UserNumber = 0
	rec.SequenceNumber = 0
	rec.CreatedAt = time.Time{}
	rec.LastActivity = time.Time{}
	if rec.IsBlocked || rec.Status == session.StatusBlocked {
		writeError(w, session.NewValidationError("new sessions cannot be blocked"))
		return
	}

	out, err := s.store.Insert(r.Context(), rec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	var req PatchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !s.authorizePatch(w, r, r.PathValue("id"), &req) {
		return
	}
	res, err := s.store.ConditionalUpdate(r.Context(), r.PathValue("id"), req.Predicate, req.Patch)
	if err != nil {
		writeError(w, err)
		return
	}
	res.Current = redact(res.Current)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleUpdateWhere(w http.ResponseWriter, r *http.Request) {
	var req UpdateWhereRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if _, ok := s.moderator(w, r); !ok {
		return
	}
	if req.Patch.RequiresPrivilege() && !s.privileged(w, r, "block") {
		return
	}
	n, err := s.store.UpdateWhere(r.Context(), req.Filter, req.Patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Count: n})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !s.privileged(w, r, "delete") {
		return
	}
	f, err := decodeFilter(r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}
	n, err := s.store.Delete(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Count: n})
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		writeError(w, &session.Error{Code: session.CodeFeedDisconnected, Message: "feed not configured"})
		return
	}
	if r.URL.Query().Get("session_id") == "" {
		if _, ok := s.moderator(w, r); !ok {
			return
		}
	}
	s.feed.ServeHTTP(w, r)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, session.NewValidationError(fmt.Sprintf("invalid json: %v", err)))
		return false
	}
	if dec.More() {
		writeError(w, session.NewValidationError("invalid json: trailing content"))
		return false
	}
	return true
}

// redact strips the recovery token from records returned to callers who
// did not present it.
func redact(rec session.Record) session.Record {
	rec.RecoveryToken = ""
	return rec
}

// redactingFeed strips recovery tokens from streamed snapshots.
type redactingFeed struct {
	session.Feed
}

func (f redactingFeed) Subscribe(ctx context.Context, filter session.FeedFilter) (session.Subscription, error) {
	sub, err := f.Feed.Subscribe(ctx, filter)
	if err != nil {
		return nil, err
	}
	return redactingSubscription{sub}, nil
}

type redactingSubscription struct {
	session.Subscription
}

func (s redactingSubscription) Next(ctx context.Context) (session.Event, error) {
	ev, err := s.Subscription.Next(ctx)
	ev.Record = redact(ev.Record)
	return ev, err
}
