package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/memelearn/service_layer/internal/logging"
)

const (
	defaultHeartbeat    = 30 * time.Second
	defaultMaxReconnect = 30 * time.Second
)

// Change is one postgres change delivered over realtime.
type Change struct {
	Schema          string         `json:"schema"`
	Table           string         `json:"table"`
	Type            string         `json:"type"`
	Record          map[string]any `json:"record"`
	OldRecord       map[string]any `json:"old_record"`
	CommitTimestamp string         `json:"commit_timestamp"`
}

// ChangeHandler receives changes. Handlers run on the read loop and must not
// block.
type ChangeHandler func(Change)

// ChangeFilter selects the changes a subscription receives.
type ChangeFilter struct {
	// Event is INSERT, UPDATE, DELETE or *.
	Event  string
	Schema string
	Table  string
	// Filter is a PostgREST style row filter such as "user_id=eq.42".
	Filter string
}

func (f ChangeFilter) normalized() ChangeFilter {
	if f.Event == "" {
		f.Event = "*"
	}
	if f.Schema == "" {
		f.Schema = "public"
	}
	return f
}

func (f ChangeFilter) topic() string {
	t := "realtime:" + f.Schema + ":" + f.Table
	if f.Filter != "" {
		t += ":" + f.Filter
	}
	return t
}

// message is a Phoenix channel frame.
type message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

type subscription struct {
	filter  ChangeFilter
	handler ChangeHandler
}

// Realtime subscribes to postgres changes and keeps the connection alive,
// reconnecting with backoff until its context ends.
type Realtime struct {
	url       string
	log       *logging.Logger
	dialer    websocket.Dialer
	heartbeat time.Duration
	maxWait   time.Duration

	mu     sync.Mutex
	conn   *websocket.Conn
	ref    int
	nextID int
	subs   map[int]subscription
}

// RealtimeOption configures a Realtime client.
type RealtimeOption func(*Realtime)

// WithHeartbeat overrides the heartbeat interval.
func WithHeartbeat(d time.Duration) RealtimeOption {
	return func(r *Realtime) { r.heartbeat = d }
}

// WithRealtimeLogger sets the logger.
func WithRealtimeLogger(log *logging.Logger) RealtimeOption {
	return func(r *Realtime) { r.log = log }
}

// Realtime builds a realtime client for the project.
func (c *Client) Realtime(opts ...RealtimeOption) *Realtime {
	return NewRealtime(c.baseURL, c.apiKey, append([]RealtimeOption{WithRealtimeLogger(c.log)}, opts...)...)
}

// NewRealtime creates a realtime client for projectURL.
func NewRealtime(projectURL, apiKey string, opts ...RealtimeOption) *Realtime {
	wsURL := strings.TrimSuffix(projectURL, "/")
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	q := url.Values{"apikey": {apiKey}, "vsn": {"1.0.0"}}

	r := &Realtime{
		url:       wsURL + "/realtime/v1/websocket?" + q.Encode(),
		dialer:    websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		heartbeat: defaultHeartbeat,
		maxWait:   defaultMaxReconnect,
		subs:      make(map[int]subscription),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logging.NewDefault("realtime")
	}
	return r
}

// Subscribe registers handler for changes matching filter. It may be called
// before or after Run; the returned function removes the subscription.
func (r *Realtime) Subscribe(filter ChangeFilter, handler ChangeHandler) func() {
	filter = filter.normalized()

	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = subscription{filter: filter, handler: handler}
	conn := r.conn
	if conn != nil {
		if err := r.joinLocked(conn, filter); err != nil {
			r.log.Named("realtime").WithError(err).Warn("join failed; will retry on reconnect")
		}
	}
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		sub, ok := r.subs[id]
		if !ok {
			return
		}
		delete(r.subs, id)
		if r.conn != nil && !r.topicInUseLocked(sub.filter.topic()) {
			_ = r.writeLocked(r.conn, message{Topic: sub.filter.topic(), Event: "phx_leave", Payload: json.RawMessage("{}")})
		}
	}
}

// Run connects and dispatches changes until ctx is done.
func (r *Realtime) Run(ctx context.Context) error {
	log := r.log.Named("realtime")
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = r.maxWait
	bo.MaxElapsedTime = 0
	bo.Reset()
	for {
		err := r.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := bo.NextBackOff()
		log.WithError(err).WithField("retry_in", wait.String()).Warn("realtime connection lost")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (r *Realtime) session(ctx context.Context) error {
	conn, _, err := r.dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close()

	r.mu.Lock()
	r.conn = conn
	joined := make(map[string]bool)
	for _, sub := range r.subs {
		if t := sub.filter.topic(); !joined[t] {
			joined[t] = true
			if err := r.joinLocked(conn, sub.filter); err != nil {
				r.conn = nil
				r.mu.Unlock()
				return err
			}
		}
	}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.conn = nil
		r.mu.Unlock()
	}()

	done := make(chan struct{})
	defer close(done)
	go r.keepAlive(conn, done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	r.log.Named("realtime").Info("realtime connected")
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		r.dispatch(msg)
	}
}

func (r *Realtime) keepAlive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			r.mu.Lock()
			err := r.writeLocked(conn, message{Topic: "phoenix", Event: "heartbeat", Payload: json.RawMessage("{}")})
			r.mu.Unlock()
			if err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (r *Realtime) dispatch(msg message) {
	if msg.Event != "postgres_changes" {
		return
	}
	var payload struct {
		Data Change `json:"data"`
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return
	}
	change := payload.Data

	r.mu.Lock()
	var handlers []ChangeHandler
	for _, sub := range r.subs {
		if sub.filter.topic() == msg.Topic && matchesEvent(sub.filter.Event, change.Type) {
			handlers = append(handlers, sub.handler)
		}
	}
	r.mu.Unlock()

	for _, h := range handlers {
		h(change)
	}
}

func matchesEvent(want, got string) bool {
	return want == "*" || strings.EqualFold(want, got)
}

func (r *Realtime) topicInUseLocked(topic string) bool {
	for _, sub := range r.subs {
		if sub.filter.topic() == topic {
			return true
		}
	}
	return false
}

func (r *Realtime) joinLocked(conn *websocket.Conn, f ChangeFilter) error {
	change := map[string]string{"event": f.Event, "schema": f.Schema, "table": f.Table}
	if f.Filter != "" {
		change["filter"] = f.Filter
	}
	payload, err := json.Marshal(map[string]any{
		"config": map[string]any{"postgres_changes": []any{change}},
	})
	if err != nil {
		return err
	}
	return r.writeLocked(conn, message{Topic: f.topic(), Event: "phx_join", Payload: payload})
}

func (r *Realtime) writeLocked(conn *websocket.Conn, msg message) error {
	r.ref++
	msg.Ref = strconv.Itoa(r.ref)
	if msg.Event == "phx_join" {
		msg.JoinRef = msg.Ref
	}
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Event, err)
	}
	return nil
}
