package server_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/cohortchat/internal/relay"
	"github.com/Tyrowin/cohortchat/internal/server"
	"github.com/Tyrowin/cohortchat/internal/store"
	"github.com/Tyrowin/cohortchat/internal/testhelpers"
)

type testEnv struct {
	URL    string
	Server *server.Server
	Store  *store.Store
}

func setupTestServer(t *testing.T, configure func(*server.Config)) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(store.Config{Path: ":memory:"}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	for _, u := range []store.User{
		{ID: "u1", Name: "Ann", Nickname: "ann"},
		{ID: "u2", Name: "Bob"},
		{ID: "u3", Name: "Cid", Role: "MENTOR"},
	} {
		require.NoError(t, st.UpsertUser(ctx, u))
	}

	cfg := server.NewConfig()
	cfg.AllowedOrigins = []string{testhelpers.TestOrigin}
	if configure != nil {
		configure(cfg)
	}

	hub := relay.NewHub(st, relay.Options{PersistTimeout: cfg.PersistTimeout, Logger: logger})
	go hub.Run()

	srv := server.New(*cfg, hub, st, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})

	return &testEnv{URL: ts.URL, Server: srv, Store: st}
}

// joinPeer connects a peer, joins room and waits for its users-online.
func joinPeer(t *testing.T, env *testEnv, room any, userID, name string) *testhelpers.Peer {
	t.Helper()
	p := testhelpers.NewPeer(t, env.URL)
	p.Emit(relay.EventJoinRoom, map[string]any{"scheduleId": room, "userId": userID, "userName": name})
	p.Expect(relay.EventUsersOnline, nil)
	return p
}

func TestHealthEndpoints(t *testing.T) {
	env := setupTestServer(t, nil)
	joinPeer(t, env, 1, "u1", "Ann")

	for _, path := range []string{"/", "/health"} {
		t.Run(path, func(t *testing.T) {
			resp := testhelpers.MakeRequest(t, http.MethodGet, env.URL+path)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

			var health server.HealthResponse
			testhelpers.DecodeJSON(t, resp, &health)
			assert.Equal(t, server.HealthResponse{Status: "ok", Rooms: 1, Clients: 1, Joined: 1, Database: "ok"}, health)
		})
	}

	resp := testhelpers.MakeRequest(t, http.MethodGet, env.URL+"/nope")
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthReportsDatabaseDown(t *testing.T) {
	env := setupTestServer(t, nil)
	require.NoError(t, env.Store.Close())

	resp := testhelpers.MakeRequest(t, http.MethodGet, env.URL+"/health")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var health server.HealthResponse
	testhelpers.DecodeJSON(t, resp, &health)
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, "unavailable", health.Database)
}

func TestWebSocketMethodNotAllowed(t *testing.T) {
	env := setupTestServer(t, nil)

	resp := testhelpers.MakeRequest(t, http.MethodPost, env.URL+"/ws")
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestTestPage(t *testing.T) {
	env := setupTestServer(t, nil)

	resp := testhelpers.MakeRequest(t, http.MethodGet, env.URL+"/test")
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "join-room")
}

func TestMessageReachesWholeRoom(t *testing.T) {
	env := setupTestServer(t, nil)
	ann := joinPeer(t, env, 42, "u1", "Ann")
	bob := joinPeer(t, env, "42", "u2", "Bob")

	var joined relay.UserJoined
	ann.Expect(relay.EventUserJoined, &joined)
	assert.Equal(t, relay.UserJoined{UserID: "u2", UserName: "Bob"}, joined)

	ann.Emit(relay.EventSendMessage, map[string]any{"scheduleId": 42, "userId": "u1", "message": "hello"})

	var fromAnn, fromBob relay.NewMessage
	ann.Expect(relay.EventNewMessage, &fromAnn)
	bob.Expect(relay.EventNewMessage, &fromBob)

	assert.Equal(t, fromAnn, fromBob)
	assert.Equal(t, "hello", fromAnn.Message)
	assert.Equal(t, relay.Author{ID: "u1", Name: "Ann", Nickname: "ann", Role: "STUDENT"}, fromAnn.User)
	_, err := time.Parse(time.RFC3339Nano, fromAnn.CreatedAt)
	assert.NoError(t, err)
	assert.True(t, strings.HasSuffix(fromAnn.CreatedAt, "Z"))
}

func TestDisconnectNotifiesRoom(t *testing.T) {
	env := setupTestServer(t, nil)
	ann := joinPeer(t, env, 7, "u1", "Ann")
	bob := joinPeer(t, env, 7, "u2", "Bob")
	ann.Expect(relay.EventUsersOnline, nil)

	require.NoError(t, testhelpers.CloseWebSocket(ann.Conn))

	var left relay.UserLeft
	bob.Expect(relay.EventUserLeft, &left)
	assert.Equal(t, relay.UserLeft{UserID: "u1", UserName: "Ann"}, left)

	var online relay.UsersOnline
	bob.Expect(relay.EventUsersOnline, &online)
	assert.Equal(t, relay.UsersOnline{{UserID: "u2", UserName: "Bob"}}, online)
}

func TestTypingIsRelayedToOthers(t *testing.T) {
	env := setupTestServer(t, nil)
	ann := joinPeer(t, env, 9, "u1", "Ann")
	bob := joinPeer(t, env, 9, "u2", "Bob")

	ann.Emit(relay.EventTyping, map[string]any{"scheduleId": 9, "userName": "Ann"})

	var typing relay.UserTyping
	bob.Expect(relay.EventUserTyping, &typing)
	assert.Equal(t, relay.UserTyping{UserID: "u1", UserName: "Ann"}, typing)
	ann.ExpectNone(relay.EventUserTyping, 100*time.Millisecond)
}

func TestUnknownAuthorIsRejected(t *testing.T) {
	env := setupTestServer(t, nil)
	ghost := joinPeer(t, env, 5, "ghost", "Ghost")
	bob := joinPeer(t, env, 5, "u2", "Bob")

	ghost.Emit(relay.EventSendMessage, map[string]any{"scheduleId": 5, "message": "boo"})

	var e relay.Error
	ghost.Expect(relay.EventError, &e)
	assert.Equal(t, relay.ErrPersistFailed.Error(), e.Message)
	bob.ExpectNone(relay.EventNewMessage, 150*time.Millisecond)
}

func TestInvalidFramesGetErrorEvents(t *testing.T) {
	env := setupTestServer(t, nil)
	p := testhelpers.NewPeer(t, env.URL)

	p.EmitRaw("not json")
	var e relay.Error
	p.Expect(relay.EventError, &e)
	assert.Contains(t, e.Message, relay.ErrMalformedEvent.Error())

	p.Emit("shout", map[string]any{})
	p.Expect(relay.EventError, &e)
	assert.Contains(t, e.Message, relay.ErrUnknownEvent.Error())

	p.Emit(relay.EventSendMessage, map[string]any{"scheduleId": 1, "message": "too early"})
	p.Expect(relay.EventError, &e)
	assert.Equal(t, relay.ErrNotJoined.Error(), e.Message)
}

func TestOriginIsEnforced(t *testing.T) {
	env := setupTestServer(t, nil)
	wsURL := testhelpers.WebSocketURL(env.URL)

	conn, status, err := testhelpers.DialWebSocket(wsURL, "http://evil.example")
	require.Error(t, err)
	assert.Nil(t, conn)
	assert.Equal(t, http.StatusForbidden, status)

	conn, status, err = testhelpers.DialWebSocket(wsURL, "")
	require.Error(t, err)
	assert.Nil(t, conn)
	assert.Equal(t, http.StatusForbidden, status)

	conn, err = testhelpers.ConnectWebSocket(wsURL)
	require.NoError(t, err)
	_ = conn.Close()
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	env := setupTestServer(t, func(cfg *server.Config) {
		cfg.MaxMessageSize = 256
	})
	p := testhelpers.NewPeer(t, env.URL)

	p.Emit(relay.EventSendMessage, map[string]any{"scheduleId": 1, "message": strings.Repeat("x", 40<<10)})

	assert.True(t, p.WaitClosed(2*time.Second))
}

func TestEscapedMessageAtLengthLimitIsDelivered(t *testing.T) {
	env := setupTestServer(t, func(cfg *server.Config) {
		cfg.MaxMessageSize = 256
	})
	ann := joinPeer(t, env, 11, "u1", "Ann")

	bodies := map[string]string{
		"quotes":   strings.Repeat(`"`, relay.MaxMessageLength),
		"control":  strings.Repeat("\x01", relay.MaxMessageLength),
		"newlines": "a" + strings.Repeat("\n", relay.MaxMessageLength-1),
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, relay.ValidateMessage(body))
			ann.Emit(relay.EventSendMessage, map[string]any{"scheduleId": 11, "message": body})

			var got relay.NewMessage
			ann.Expect(relay.EventNewMessage, &got)
			assert.Equal(t, body, got.Message)
		})
	}
}

func TestRateLimitRejectsBurst(t *testing.T) {
	env := setupTestServer(t, func(cfg *server.Config) {
		cfg.RateLimit = server.RateLimitConfig{Burst: 2, RefillInterval: time.Hour}
	})
	p := testhelpers.NewPeer(t, env.URL)

	for i := 0; i < 3; i++ {
		p.Emit(relay.EventLeaveRoom, map[string]any{"scheduleId": 1})
	}

	var e relay.Error
	p.Expect(relay.EventError, &e)
	assert.Equal(t, relay.ErrNotJoined.Error(), e.Message)
	p.Expect(relay.EventError, &e)
	assert.Equal(t, relay.ErrNotJoined.Error(), e.Message)
	p.Expect(relay.EventError, &e)
	assert.Contains(t, e.Message, "rate limit")
}

func TestPostMessage(t *testing.T) {
	env := setupTestServer(t, nil)
	bob := joinPeer(t, env, 42, "u2", "Bob")
	url := env.URL + "/api/rooms/42/messages"

	resp := testhelpers.PostJSON(t, url, server.PostMessageRequest{UserID: "u3", Message: "from the api"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	var created relay.NewMessage
	testhelpers.DecodeJSON(t, resp, &created)
	assert.Equal(t, "from the api", created.Message)
	assert.Equal(t, "MENTOR", created.User.Role)

	var live relay.NewMessage
	bob.Expect(relay.EventNewMessage, &live)
	assert.Equal(t, created, live)

	tests := []struct {
		name   string
		url    string
		body   any
		status int
		code   string
	}{
		{name: "unknown author", url: url, body: server.PostMessageRequest{UserID: "ghost", Message: "hi"}, status: http.StatusUnprocessableEntity, code: "unknown_author"},
		{name: "empty message", url: url, body: server.PostMessageRequest{UserID: "u1", Message: "  "}, status: http.StatusBadRequest, code: "invalid_message"},
		{name: "missing user", url: url, body: server.PostMessageRequest{Message: "hi"}, status: http.StatusBadRequest, code: "invalid_message"},
		{name: "malformed body", url: url, body: []string{"nope"}, status: http.StatusBadRequest, code: "invalid_body"},
		{name: "invalid room", url: env.URL + "/api/rooms/a%20b/messages", body: server.PostMessageRequest{UserID: "u1", Message: "hi"}, status: http.StatusBadRequest, code: "invalid_room_key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := testhelpers.PostJSON(t, tt.url, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			var e server.ErrorResponse
			testhelpers.DecodeJSON(t, resp, &e)
			assert.Equal(t, tt.code, e.Error)
			assert.NotEmpty(t, e.Message)
		})
	}

	bob.ExpectNone(relay.EventNewMessage, 100*time.Millisecond)
}

func TestListMessages(t *testing.T) {
	env := setupTestServer(t, nil)
	ann := joinPeer(t, env, 3, "u1", "Ann")

	for _, body := range []string{"one", "two", "three"} {
		ann.Emit(relay.EventSendMessage, map[string]any{"scheduleId": 3, "message": body})
		ann.Expect(relay.EventNewMessage, nil)
	}

	resp := testhelpers.MakeRequest(t, http.MethodGet, env.URL+"/api/rooms/3/messages?limit=2")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var page server.HistoryResponse
	testhelpers.DecodeJSON(t, resp, &page)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "one", page.Messages[0].Message)
	assert.Equal(t, "two", page.Messages[1].Message)
	assert.Equal(t, "Ann", page.Messages[0].User.Name)

	resp = testhelpers.MakeRequest(t, http.MethodGet, env.URL+"/api/rooms/3/messages?limit=2&cursor="+page.NextCursor)
	var rest server.HistoryResponse
	testhelpers.DecodeJSON(t, resp, &rest)
	require.Len(t, rest.Messages, 1)
	assert.Equal(t, "three", rest.Messages[0].Message)

	resp = testhelpers.MakeRequest(t, http.MethodGet, env.URL+"/api/rooms/empty/messages")
	var empty server.HistoryResponse
	testhelpers.DecodeJSON(t, resp, &empty)
	assert.NotNil(t, empty.Messages)
	assert.Empty(t, empty.Messages)

	for _, query := range []string{"?cursor=abc", "?limit=0", "?limit=many"} {
		resp := testhelpers.MakeRequest(t, http.MethodGet, env.URL+"/api/rooms/3/messages"+query)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, query)
	}
}

func TestShutdownClosesConnections(t *testing.T) {
	env := setupTestServer(t, nil)
	peers := []*testhelpers.Peer{
		joinPeer(t, env, 1, "u1", "Ann"),
		joinPeer(t, env, 1, "u2", "Bob"),
		testhelpers.NewPeer(t, env.URL),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.Server.Shutdown(ctx))

	for i, p := range peers {
		assert.True(t, p.WaitClosed(2*time.Second), "peer %d still open", i)
	}

	resp := testhelpers.MakeRequest(t, http.MethodGet, env.URL+"/health")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestShutdownDuringConnects(t *testing.T) {
	env := setupTestServer(t, nil)
	url := testhelpers.WebSocketURL(env.URL)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				conn, err := testhelpers.ConnectWebSocket(url)
				if err != nil {
					continue
				}
				_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
				for {
					if _, _, err := conn.ReadMessage(); err != nil {
						break
					}
				}
				_ = conn.Close()
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.Server.Shutdown(ctx))

	// Connections accepted after Shutdown are closed straight away.
	conn, err := testhelpers.ConnectWebSocket(url)
	require.NoError(t, err)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	_ = conn.Close()

	close(stop)
	wg.Wait()
}
