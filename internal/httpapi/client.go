package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/roach88/quizgate/internal/auth"
	"github.com/roach88/quizgate/internal/session"
)

// Client is a session.Store backed by a remote Server.
//
// Transport failures surface as SESSION_UNAVAILABLE so agents retry them;
// server errors keep the code the server reported.
//
// The client remembers recovery tokens it sees from Insert and GetByToken
// and presents them on participant writes to those records.
type Client struct {
	base  string
	http  *http.Client
	token func() string

	mu     sync.Mutex
	owners map[string]string
}

var _ session.Store = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithToken sets the bearer token source sent with every request.
func WithToken(token func() string) ClientOption {
	return func(c *Client) { c.token = token }
}

// NewClient creates a client for the API at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		base:   strings.TrimRight(baseURL, "/"),
		http:   &http.Client{Timeout: 15 * time.Second},
		owners: make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Login exchanges moderator credentials for a session token.
func (c *Client) Login(ctx context.Context, email, password string) (LoginResponse, error) {
	var out LoginResponse
	err := c.do(ctx, http.MethodPost, "/v1/auth/login", nil, LoginRequest{Email: email, Password: password}, &out)
	return out, err
}

func (c *Client) Get(ctx context.Context, id string) (session.Record, error) {
	var rec session.Record
	err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(id), nil, nil, &rec)
	return rec, err
}

func (c *Client) GetByToken(ctx context.Context, token string) (session.Record, error) {
	var rec session.Record
	err := c.do(ctx, http.MethodGet, "/v1/sessions", url.Values{"token": {token}}, nil, &rec)
	if err == nil {
		c.remember(rec)
	}
	return rec, err
}

func (c *Client) List(ctx context.Context, f session.Filter) ([]session.Record, error) {
	var list []session.Record
	err := c.do(ctx, http.MethodGet, "/v1/sessions", encodeFilter(f), nil, &list)
	return list, err
}

func (c *Client) Insert(ctx context.Context, r session.Record) (session.Record, error) {
	var rec session.Record
	err := c.do(ctx, http.MethodPost, "/v1/sessions", nil, r, &rec)
	if err == nil {
		c.remember(rec)
	}
	return rec, err
}

func (c *Client) ConditionalUpdate(ctx context.Context, id string, pred session.Predicate, patch session.Patch) (session.UpdateResult, error) {
	var res session.UpdateResult
	var hdr http.Header
	if tok := c.recoveryToken(id); tok != "" {
		hdr = http.Header{RecoveryTokenHeader: {tok}}
	}
	err := c.doWith(ctx, http.MethodPatch, "/v1/sessions/"+url.PathEscape(id), nil, hdr, PatchRequest{Predicate: pred, Patch: patch}, &res)
	return res, err
}

func (c *Client) remember(rec session.Record) {
	if rec.ID == "" || rec.RecoveryToken == "" {
		return
	}
	c.mu.Lock()
	c.owners[rec.ID] = rec.RecoveryToken
	c.mu.Unlock()
}

func (c *Client) recoveryToken(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owners[id]
}

func (c *Client) UpdateWhere(ctx context.Context, f session.Filter, patch session.Patch) (int, error) {
	var out CountResponse
	err := c.do(ctx, http.MethodPost, "/v1/sessions/update-where", nil, UpdateWhereRequest{Filter: f, Patch: patch}, &out)
	return out.Count, err
}

func (c *Client) Delete(ctx context.Context, f session.Filter) (int, error) {
	var out CountResponse
	err := c.do(ctx, http.MethodDelete, "/v1/sessions", encodeFilter(f), nil, &out)
	return out.Count, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	return c.doWith(ctx, method, path, query, nil, body, out)
}

func (c *Client) doWith(ctx context.Context, method, path string, query url.Values, hdr http.Header, body, out any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		if tok := c.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &session.Error{Code: session.CodeSessionUnavailable, Message: fmt.Sprintf("%s %s", method, path), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &session.Error{Code: session.CodeSessionUnavailable, Message: "read response", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		_ = json.Unmarshal(data, &eb)
		return errorFromResponse(resp.StatusCode, eb)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &session.Error{Code: session.CodeSessionUnavailable, Message: "decode response", Err: err}
	}
	return nil
}

// Claims decodes the token claims without verifying the signature.
func (r LoginResponse) Claims() (*auth.Claims, error) {
	return auth.PeekClaims(r.Token)
}
