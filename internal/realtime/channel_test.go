package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-sparchat/internal/model"
	"go-sparchat/internal/notify"
	"go-sparchat/internal/session"
	"go-sparchat/pkg/logger"
)

type fakeCreds struct {
	mu         sync.Mutex
	token      string
	terminated []string
}

func (f *fakeCreds) AccessToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *fakeCreds) Terminate(_ context.Context, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = ""
	f.terminated = append(f.terminated, reason)
}

func (f *fakeCreds) terminations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.terminated)
}

type toastRecorder struct {
	mu     sync.Mutex
	toasts []notify.Toast
}

func (r *toastRecorder) Notify(t notify.Toast) {
	r.mu.Lock()
	r.toasts = append(r.toasts, t)
	r.mu.Unlock()
}

func (r *toastRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.toasts)
}

// wsServer is a scriptable websocket peer.
type wsServer struct {
	*httptest.Server
	dials    atomic.Int32
	rejected string

	mu      sync.Mutex
	conns   []*websocket.Conn
	frames  chan model.Envelope
	headers []http.Header
	tokens  []string
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{frames: make(chan model.Envelope, 64)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.dials.Add(1)
		token := r.URL.Query().Get("token")
		if token == "" || token == s.rejected {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.headers = append(s.headers, r.Header.Clone())
		s.tokens = append(s.tokens, token)
		s.mu.Unlock()

		go func() {
			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					return
				}
				for _, line := range strings.Split(string(msg), "\n") {
					var env model.Envelope
					if json.Unmarshal([]byte(line), &env) == nil {
						s.frames <- env
					}
				}
			}
		}()
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
}

func (s *wsServer) last() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}

func (s *wsServer) push(t *testing.T, raw string) {
	t.Helper()
	conn := s.last()
	require.NotNil(t, conn)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func fastBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(10 * time.Millisecond)
}

func newChannel(s *wsServer, creds Credentials, n notify.Notifier) *Channel {
	return New(creds, logger.NewNop(), Options{URL: s.wsURL(), Notifier: n, NewBackOff: fastBackOff})
}

func TestConnect_NoTokenDoesNotDial(t *testing.T) {
	srv := newWSServer(t)
	ch := newChannel(srv, &fakeCreds{}, nil)

	err := ch.Connect(context.Background())
	require.ErrorIs(t, err, ErrNoToken)
	assert.Equal(t, StateDisconnected, ch.State())
	assert.Equal(t, int32(0), srv.dials.Load())
}

func TestConnect_HandshakeCarriesToken(t *testing.T) {
	srv := newWSServer(t)
	ch := newChannel(srv, &fakeCreds{token: "tok-1"}, nil)

	var connects atomic.Int32
	ch.On(model.EventConnect, func(json.RawMessage) { connects.Add(1) })

	var states []State
	var statesMu sync.Mutex
	ch.OnStateChange(func(s State) {
		statesMu.Lock()
		states = append(states, s)
		statesMu.Unlock()
	})

	require.NoError(t, ch.Connect(context.Background()))
	t.Cleanup(ch.Disconnect)

	assert.Equal(t, StateConnected, ch.State())
	assert.Equal(t, int32(1), connects.Load())

	srv.mu.Lock()
	assert.Equal(t, "tok-1", srv.tokens[0])
	assert.Equal(t, "Bearer tok-1", srv.headers[0].Get("Authorization"))
	srv.mu.Unlock()

	statesMu.Lock()
	assert.Equal(t, []State{StateConnecting, StateConnected}, states)
	statesMu.Unlock()

	// Connecting again while connected is a no-op.
	require.NoError(t, ch.Connect(context.Background()))
	assert.Equal(t, int32(1), srv.dials.Load())
}

func TestEmit_SendsEnvelope(t *testing.T) {
	srv := newWSServer(t)
	ch := newChannel(srv, &fakeCreds{token: "tok"}, nil)

	require.ErrorIs(t, ch.Emit(model.EventJoinConversation, model.JoinPayload{RoomID: "c1"}), ErrNotConnected)

	require.NoError(t, ch.Connect(context.Background()))
	t.Cleanup(ch.Disconnect)
	require.NoError(t, ch.Emit(model.EventJoinConversation, model.JoinPayload{RoomID: "c1"}))

	select {
	case env := <-srv.frames:
		assert.Equal(t, model.EventJoinConversation, env.Event)
		assert.JSONEq(t, `{"roomId":"c1"}`, string(env.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the join frame")
	}
}

func TestEmit_RateLimited(t *testing.T) {
	srv := newWSServer(t)
	ch := New(&fakeCreds{token: "tok"}, logger.NewNop(), Options{URL: srv.wsURL(), SendRate: 0.001, SendBurst: 2})
	require.NoError(t, ch.Connect(context.Background()))
	t.Cleanup(ch.Disconnect)

	payload := model.TypingPayload{RoomID: "c1", IsTyping: true}
	require.NoError(t, ch.Emit(model.EventTyping, payload))
	require.NoError(t, ch.Emit(model.EventTyping, payload))
	assert.ErrorIs(t, ch.Emit(model.EventTyping, payload), ErrRateLimited)
}

func TestDispatch_InArrivalOrderAndOff(t *testing.T) {
	srv := newWSServer(t)
	ch := newChannel(srv, &fakeCreds{token: "tok"}, nil)

	var mu sync.Mutex
	var got []string
	off := ch.On(model.EventNewMessage, func(data json.RawMessage) {
		var ev model.MessageEvent
		if json.Unmarshal(data, &ev) == nil {
			mu.Lock()
			got = append(got, ev.Message)
			mu.Unlock()
		}
	})

	require.NoError(t, ch.Connect(context.Background()))
	t.Cleanup(ch.Disconnect)

	srv.push(t, `{"event":"new_message","data":{"roomId":"c1","message":"one"}}`+"\n"+
		`{"event":"new_message","data":{"roomId":"c1","message":"two"}}`)
	srv.push(t, `{"event":"new_message","data":{"roomId":"c1","message":"three"}}`)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"one", "two", "three"}, got)
	mu.Unlock()

	off()
	off()
	srv.push(t, `{"event":"new_message","data":{"roomId":"c1","message":"four"}}`)
	srv.push(t, `not json`)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	assert.Len(t, got, 3)
	mu.Unlock()
	assert.Equal(t, StateConnected, ch.State())
}

func TestConnect_UnauthorizedHandshake(t *testing.T) {
	srv := newWSServer(t)
	srv.rejected = "stale"
	toasts := &toastRecorder{}
	creds := &fakeCreds{token: "stale"}
	ch := newChannel(srv, creds, toasts)

	var connectErrors atomic.Int32
	ch.On(model.EventConnectError, func(json.RawMessage) { connectErrors.Add(1) })

	err := ch.Connect(context.Background())
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, StateErrored, ch.State())
	assert.Equal(t, int32(1), connectErrors.Load())
	assert.Equal(t, 1, toasts.count())
	assert.Zero(t, creds.terminations(), "a failed handshake alone never logs out")

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), srv.dials.Load(), "a rejected token is not retried")
	assert.False(t, ch.needsRetry())

	creds.mu.Lock()
	creds.token = "fresh"
	creds.mu.Unlock()
	assert.True(t, ch.needsRetry())
	ch.Disconnect()
}

func TestServerAuthCloseTerminatesSession(t *testing.T) {
	srv := newWSServer(t)
	creds := &fakeCreds{token: "tok"}
	ch := newChannel(srv, creds, nil)

	var disconnects atomic.Int32
	ch.On(model.EventDisconnect, func(json.RawMessage) { disconnects.Add(1) })

	require.NoError(t, ch.Connect(context.Background()))
	conn := srv.last()
	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(model.CloseAuthFailed, "session expired")))

	assert.Eventually(t, func() bool { return creds.terminations() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateDisconnected, ch.State())
	assert.Equal(t, int32(1), disconnects.Load())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), srv.dials.Load())
}

// rotatingRefresher swaps the credential for next on every call.
type rotatingRefresher struct {
	creds    *fakeCreds
	next     string
	mu       sync.Mutex
	rejected []string
}

func (r *rotatingRefresher) Refresh(_ context.Context, rejected string) error {
	r.mu.Lock()
	r.rejected = append(r.rejected, rejected)
	r.mu.Unlock()
	r.creds.mu.Lock()
	r.creds.token = r.next
	r.creds.mu.Unlock()
	return nil
}

func (r *rotatingRefresher) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.rejected...)
}

func (s *wsServer) lastToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tokens) == 0 {
		return ""
	}
	return s.tokens[len(s.tokens)-1]
}

func TestServerAuthCloseRefreshesAndReconnects(t *testing.T) {
	srv := newWSServer(t)
	creds := &fakeCreds{token: "tok"}
	refresher := &rotatingRefresher{creds: creds, next: "tok2"}
	ch := New(creds, logger.NewNop(), Options{URL: srv.wsURL(), Refresher: refresher, NewBackOff: fastBackOff})
	defer ch.Disconnect()

	require.NoError(t, ch.Connect(context.Background()))
	require.NoError(t, srv.last().WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(model.CloseAuthFailed, "token expired")))

	require.Eventually(t, func() bool { return srv.lastToken() == "tok2" && ch.Connected() }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"tok"}, refresher.calls())
	assert.Zero(t, creds.terminations())
}

func TestRejectedHandshakeRefreshesAndReconnects(t *testing.T) {
	srv := newWSServer(t)
	srv.rejected = "stale"
	creds := &fakeCreds{token: "stale"}
	refresher := &rotatingRefresher{creds: creds, next: "fresh"}
	ch := New(creds, logger.NewNop(), Options{URL: srv.wsURL(), Refresher: refresher, NewBackOff: fastBackOff})
	defer ch.Disconnect()

	require.ErrorIs(t, ch.Connect(context.Background()), ErrUnauthorized)
	require.Eventually(t, ch.Connected, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "fresh", srv.lastToken())
	assert.Equal(t, []string{"stale"}, refresher.calls())
}

func TestUnexpectedDropReconnects(t *testing.T) {
	srv := newWSServer(t)
	toasts := &toastRecorder{}
	ch := newChannel(srv, &fakeCreds{token: "tok"}, toasts)

	var connects atomic.Int32
	ch.On(model.EventConnect, func(json.RawMessage) { connects.Add(1) })

	require.NoError(t, ch.Connect(context.Background()))
	t.Cleanup(ch.Disconnect)

	srv.last().Close()

	assert.Eventually(t, func() bool {
		return connects.Load() == 2 && ch.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), srv.dials.Load())
	assert.Equal(t, 1, toasts.count())
}

func TestDisconnect_StopsReconnecting(t *testing.T) {
	srv := newWSServer(t)
	ch := newChannel(srv, &fakeCreds{token: "tok"}, nil)

	require.NoError(t, ch.Connect(context.Background()))
	ch.Disconnect()
	ch.Disconnect()

	assert.Equal(t, StateDisconnected, ch.State())
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), srv.dials.Load())
	assert.ErrorIs(t, ch.Emit(model.EventTyping, model.TypingPayload{}), ErrNotConnected)
}

func mintToken(t *testing.T, id string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"id":       id,
		"username": "boxer-" + id,
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func TestBind_FollowsSession(t *testing.T) {
	srv := newWSServer(t)
	store := session.NewStore(session.NewMemoryStorage(), logger.NewNop())
	ch := newChannel(srv, store, nil)

	unbind := ch.Bind(store)
	defer unbind()
	assert.Equal(t, StateDisconnected, ch.State())

	ctx := context.Background()
	require.NoError(t, store.SetCredential(ctx, mintToken(t, "1"), "refresh"))
	assert.Eventually(t, func() bool { return ch.State() == StateConnected }, 2*time.Second, 10*time.Millisecond)

	store.Terminate(ctx, "logout")
	assert.Equal(t, StateDisconnected, ch.State())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), srv.dials.Load())
}

func TestBind_RetriesRejectedHandshakeAfterRotation(t *testing.T) {
	srv := newWSServer(t)
	ctx := context.Background()
	stale := mintToken(t, "1")
	srv.rejected = stale

	store := session.NewStore(session.NewMemoryStorage(), logger.NewNop())
	require.NoError(t, store.SetCredential(ctx, stale, "refresh"))

	ch := newChannel(srv, store, nil)
	defer ch.Bind(store)()
	t.Cleanup(ch.Disconnect)

	assert.Eventually(t, func() bool { return ch.State() == StateErrored }, 2*time.Second, 10*time.Millisecond)

	fresh, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"id": "1", "gen": 2}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	require.NoError(t, store.SetCredential(ctx, fresh, "refresh"))

	assert.Eventually(t, func() bool { return ch.State() == StateConnected }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), srv.dials.Load())
}
