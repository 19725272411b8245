package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	svcerrors "github.com/memelearn/service_layer/internal/errors"
	"github.com/memelearn/service_layer/internal/logging"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Config{URL: srv.URL, APIKey: "anon-key", Logger: logging.NewDiscard("supabase")})
	require.NoError(t, err)
	return c
}

func TestNewRequiresURLAndKey(t *testing.T) {
	_, err := New(Config{APIKey: "k"})
	assert.Error(t, err)
	_, err = New(Config{URL: "http://x"})
	assert.Error(t, err)
}

func TestQueryBuilderGet(t *testing.T) {
	var got *http.Request
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.Header().Set("Content-Range", "0-1/7")
		_, _ = w.Write([]byte(`[{"id":"p1"},{"id":"p2"}]`))
	})

	resp, err := c.From("polls").
		Select("*").
		Eq("is_active", true).
		Gt("end_date", "2026-01-01").
		Order("created_at", false).
		Range(0, 1).
		Count("exact").
		Get(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "/rest/v1/polls", got.URL.Path)
	q := got.URL.Query()
	assert.Equal(t, "eq.true", q.Get("is_active"))
	assert.Equal(t, "gt.2026-01-01", q.Get("end_date"))
	assert.Equal(t, "created_at.desc", q.Get("order"))
	assert.Equal(t, "2", q.Get("limit"))
	assert.Equal(t, "anon-key", got.Header.Get("apikey"))
	assert.Equal(t, "Bearer anon-key", got.Header.Get("Authorization"))
	assert.Equal(t, "count=exact", got.Header.Get("Prefer"))
	assert.Equal(t, 7, resp.Total())

	var rows []map[string]string
	require.NoError(t, resp.JSON(&rows))
	assert.Len(t, rows, 2)
}

func TestInsertSendsBodyAndUserToken(t *testing.T) {
	var body map[string]any
	var auth, prefer, accept string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		prefer = r.Header.Get("Prefer")
		accept = r.Header.Get("Accept")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(data)
	})

	_, err := c.WithToken("user-jwt").From("trades").Single().Insert(context.Background(), map[string]any{"coin": "pepe"})
	require.NoError(t, err)

	assert.Equal(t, "pepe", body["coin"])
	assert.Equal(t, "Bearer user-jwt", auth)
	assert.Equal(t, "return=representation", prefer)
	assert.Equal(t, "application/vnd.pgrst.object+json", accept)
}

func TestUpsertSetsConflictTarget(t *testing.T) {
	var query, prefer string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		prefer = r.Header.Get("Prefer")
		w.WriteHeader(http.StatusCreated)
	})

	_, err := c.From("market_data_cache").Upsert(context.Background(), []map[string]any{{"coin_id": "pepe"}}, "coin_id")
	require.NoError(t, err)
	assert.Equal(t, "on_conflict=coin_id", query)
	assert.Contains(t, prefer, "resolution=merge-duplicates")
}

func TestPostgrestErrorCodes(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   svcerrors.ErrorCode
	}{
		{http.StatusNotAcceptable, `{"code":"PGRST116","message":"JSON object requested, multiple (or no) rows returned"}`, svcerrors.CodeNotFound},
		{http.StatusConflict, `{"code":"23505","message":"duplicate key value"}`, svcerrors.CodeValidation},
		{http.StatusBadRequest, `{"code":"P0001","message":"Poll is closed"}`, svcerrors.CodeValidation},
		{http.StatusServiceUnavailable, `{"message":"down"}`, svcerrors.CodeUpstreamUnavailable},
	}
	for _, tt := range tests {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			_, _ = w.Write([]byte(tt.body))
		})
		_, err := c.RPC(context.Background(), "vote_on_poll", map[string]any{"poll_uuid": "p1"})
		assert.Equal(t, tt.want, svcerrors.CodeOf(err), tt.body)
	}
}

func TestRaisedExceptionKeepsMessage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"P0001","message":"Poll is closed"}`))
	})
	_, err := c.RPC(context.Background(), "vote_on_poll", nil)
	assert.Equal(t, "Poll is closed", svcerrors.Message(err))
}

func TestAuthSignInAndFailures(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/v1/token":
			assert.Equal(t, "password", r.URL.Query().Get("grant_type"))
			var creds map[string]string
			_ = json.NewDecoder(r.Body).Decode(&creds)
			if creds["password"] != "correct-horse" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Invalid login credentials"}`))
				return
			}
			_, _ = w.Write([]byte(`{"access_token":"at","refresh_token":"rt","expires_in":3600,"user":{"id":"u1","email":"a@b.co"}}`))
		case "/auth/v1/signup":
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"code":422,"msg":"User already registered"}`))
		case "/auth/v1/logout":
			assert.Equal(t, "Bearer at", r.Header.Get("Authorization"))
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	sess, err := c.Auth().SignIn(ctx, "a@b.co", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, "at", sess.AccessToken)
	assert.Equal(t, "u1", sess.User.ID)

	_, err = c.Auth().SignIn(ctx, "a@b.co", "wrong-password")
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeAuthentication))
	assert.Equal(t, "Invalid login credentials", svcerrors.Message(err))

	_, err = c.Auth().SignUp(ctx, "a@b.co", "whatever1", map[string]any{"name": "a"})
	assert.True(t, svcerrors.HasCode(err, svcerrors.CodeValidation))
	assert.Equal(t, "User already registered", svcerrors.Message(err))

	require.NoError(t, c.Auth().SignOut(ctx, "at"))
}

func TestRealtimeDeliversPostgresChanges(t *testing.T) {
	upgrader := websocket.Upgrader{}
	joined := make(chan message, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/realtime/v1/websocket", r.URL.Path)
		assert.Equal(t, "anon-key", r.URL.Query().Get("apikey"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var join message
		if err := conn.ReadJSON(&join); err != nil {
			return
		}
		joined <- join
		_ = conn.WriteJSON(map[string]any{
			"topic": join.Topic,
			"event": "postgres_changes",
			"payload": map[string]any{"data": map[string]any{
				"schema": "public", "table": "polls", "type": "UPDATE",
				"record": map[string]any{"id": "p1", "total_votes": 11},
			}},
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	rt := NewRealtime(srv.URL, "anon-key", WithRealtimeLogger(logging.NewDiscard("realtime")), WithHeartbeat(time.Hour))

	var mu sync.Mutex
	var got []Change
	received := make(chan struct{}, 1)
	rt.Subscribe(ChangeFilter{Table: "polls"}, func(c Change) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
		received <- struct{}{}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = rt.Run(ctx) }()

	select {
	case join := <-joined:
		assert.Equal(t, "phx_join", join.Event)
		assert.Equal(t, "realtime:public:polls", join.Topic)
		assert.Contains(t, string(join.Payload), `"table":"polls"`)
	case <-time.After(2 * time.Second):
		t.Fatal("no join received")
	}

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("no change delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "UPDATE", got[0].Type)
	assert.Equal(t, "p1", got[0].Record["id"])
}
