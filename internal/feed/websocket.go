package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/quizgate/internal/session"
)

const (
	// Path is the websocket endpoint relative to the API base URL.
	Path = "/v1/feed"

	writeTimeout       = 5 * time.Second
	pongWait           = 60 * time.Second
	pingInterval       = (pongWait * 9) / 10
	maxClientFrameSize = 512
)

// Handler streams a feed subscription to a websocket client as JSON text
// frames, one session.Event per frame. The optional session_id query
// parameter narrows the subscription to one record.
type Handler struct {
	feed     session.Feed
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler over f.
func NewHandler(f session.Feed) *Handler {
	return &Handler{
		feed:     f,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	filter := session.FeedFilter{SessionID: r.URL.Query().Get("session_id")}
	sub, err := h.feed.Subscribe(ctx, filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("feed websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxClientFrameSize)

	// The client never sends data frames. Reading drives pong handling and
	// detects disconnects.
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			reason := "feed closed"
			if errors.Is(err, session.ErrFeedDisconnected) {
				reason = err.Error()
			}
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, truncateReason(reason)),
				time.Now().Add(writeTimeout))
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(ev); err != nil {
			slog.Debug("feed websocket write failed", "session_id", filter.SessionID, "error", err)
			return
		}
	}
}

// truncateReason keeps close reasons within the 123 byte control frame limit.
func truncateReason(s string) string {
	if len(s) > 120 {
		return s[:120]
	}
	return s
}

// Remote is a session.Feed that subscribes to a Handler over a websocket.
type Remote struct {
	base   *url.URL
	token  func() string
	dialer websocket.Dialer
}

// RemoteOption configures a Remote.
type RemoteOption func(*Remote)

// WithBearer sets a bearer token source sent on every dial.
func WithBearer(token func() string) RemoteOption {
	return func(r *Remote) { r.token = token }
}

// NewRemote creates a remote feed for the API at baseURL (http or https).
func NewRemote(baseURL string, opts ...RemoteOption) (*Remote, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse feed url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported feed url scheme %q", u.Scheme)
	}
	u.Path += Path

	r := &Remote{base: u, dialer: websocket.Dialer{HandshakeTimeout: 10 * time.Second}}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Subscribe dials the feed endpoint. Dial failures surface as
// FEED_DISCONNECTED, or NOT_AUTHORIZED when the server refuses the token.
func (r *Remote) Subscribe(ctx context.Context, f session.FeedFilter) (session.Subscription, error) {
	u := *r.base
	if f.SessionID != "" {
		q := u.Query()
		q.Set("session_id", f.SessionID)
		u.RawQuery = q.Encode()
	}

	header := http.Header{}
	if r.token != nil {
		if tok := r.token(); tok != "" {
			header.Set("Authorization", "Bearer "+tok)
		}
	}

	conn, resp, err := r.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &session.Error{Code: session.CodeNotAuthorized, Message: "feed subscription refused", Err: err}
		}
		return nil, &session.Error{Code: session.CodeFeedDisconnected, Message: "dial feed", Err: err}
	}

	sub := &remoteSubscription{conn: conn, queue: newEventQueue()}
	go sub.readLoop()
	return sub, nil
}

type remoteSubscription struct {
	conn  *websocket.Conn
	queue *eventQueue
	once  sync.Once
}

func (s *remoteSubscription) readLoop() {
	for {
		var ev session.Event
		if err := s.conn.ReadJSON(&ev); err != nil {
			s.queue.Close(&session.Error{Code: session.CodeFeedDisconnected, Message: "feed connection lost", Err: err})
			return
		}
		s.queue.Enqueue(ev)
	}
}

func (s *remoteSubscription) Next(ctx context.Context) (session.Event, error) {
	return s.queue.next(ctx)
}

func (s *remoteSubscription) Close() error {
	var err error
	s.once.Do(func() {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		err = s.conn.Close()
		s.queue.Close(&session.Error{Code: session.CodeFeedDisconnected, Message: "subscription closed"})
	})
	return err
}
