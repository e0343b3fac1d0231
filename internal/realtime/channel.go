// Package realtime owns the single websocket connection of an authenticated
// session: handshake, event registry, connection state and reconnection.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"go-sparchat/internal/model"
	"go-sparchat/internal/notify"
	"go-sparchat/pkg/logger"
	"go-sparchat/pkg/metrics"
)

// State is the connection state of the channel.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateErrored      State = "errored"
)

var (
	ErrNotConnected   = errors.New("realtime: not connected")
	ErrNoToken        = errors.New("realtime: no access token")
	ErrUnauthorized   = errors.New("realtime: handshake rejected")
	ErrRateLimited    = errors.New("realtime: emit rate limit exceeded")
	ErrSendBufferFull = errors.New("realtime: send buffer full")
)

const (
	DefaultSendRate  = 10
	DefaultSendBurst = 20

	sendBufferSize = 256
	dialTimeout    = 15 * time.Second
)

// Credentials is what the channel needs from the session store.
type Credentials interface {
	AccessToken() string
	Terminate(ctx context.Context, reason string)
}

// Refresher obtains a new access token after the server rejected the
// current one. The gateway client implements it.
type Refresher interface {
	Refresh(ctx context.Context, rejected string) error
}

// Options configures a Channel.
type Options struct {
	// URL of the websocket endpoint, e.g. ws://localhost:8080/ws.
	URL string

	Dialer   *websocket.Dialer
	Notifier notify.Notifier
	// Refresher, when set, is asked for a new token on a rejected handshake
	// or a 4001 close instead of ending the session.
	Refresher Refresher

	SendRate  float64
	SendBurst int

	// ReconnectMaxElapsed bounds one reconnect streak. Zero retries forever.
	ReconnectMaxElapsed time.Duration
	// NewBackOff overrides the reconnect policy.
	NewBackOff func() backoff.BackOff
}

type handlerEntry struct {
	id uint64
	fn func(json.RawMessage)
}

// Channel is the transport multiplexor shared by every chat controller and
// the notification relay.
type Channel struct {
	url        string
	creds      Credentials
	dialer     *websocket.Dialer
	notifier   notify.Notifier
	refresher  Refresher
	logger     *logger.Logger
	limiter    *rate.Limiter
	newBackOff func() backoff.BackOff

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	gen         uint64
	want        bool
	blocked     string
	cancelRetry context.CancelFunc

	handlersMu sync.RWMutex
	handlers   map[string][]handlerEntry
	nextID     uint64
	stateFns   []handlerEntryState
}

type handlerEntryState struct {
	id uint64
	fn func(State)
}

func New(creds Credentials, log *logger.Logger, opts Options) *Channel {
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			HandshakeTimeout: dialTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		}
	}
	if opts.SendRate <= 0 {
		opts.SendRate = DefaultSendRate
	}
	if opts.SendBurst <= 0 {
		opts.SendBurst = DefaultSendBurst
	}
	if opts.NewBackOff == nil {
		maxElapsed := opts.ReconnectMaxElapsed
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = maxElapsed
			return b
		}
	}

	return &Channel{
		url:        opts.URL,
		creds:      creds,
		dialer:     opts.Dialer,
		notifier:   opts.Notifier,
		refresher:  opts.Refresher,
		logger:     logger.OrGlobal(log).Named("realtime"),
		limiter:    rate.NewLimiter(rate.Limit(opts.SendRate), opts.SendBurst),
		newBackOff: opts.NewBackOff,
		state:      StateDisconnected,
		handlers:   make(map[string][]handlerEntry),
	}
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the channel can emit.
func (c *Channel) Connected() bool {
	return c.State() == StateConnected
}

// On registers fn for event. Handlers run on the read goroutine in arrival
// order. The returned function removes the handler and may be called twice.
func (c *Channel) On(event string, fn func(data json.RawMessage)) (off func()) {
	c.handlersMu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers[event] = append(c.handlers[event], handlerEntry{id: id, fn: fn})
	c.handlersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.handlersMu.Lock()
			defer c.handlersMu.Unlock()
			entries := c.handlers[event]
			for i, e := range entries {
				if e.id == id {
					c.handlers[event] = append(entries[:i:i], entries[i+1:]...)
					break
				}
			}
			if len(c.handlers[event]) == 0 {
				delete(c.handlers, event)
			}
		})
	}
}

// OnStateChange registers fn for connection state transitions.
func (c *Channel) OnStateChange(fn func(State)) (off func()) {
	c.handlersMu.Lock()
	c.nextID++
	id := c.nextID
	c.stateFns = append(c.stateFns, handlerEntryState{id: id, fn: fn})
	c.handlersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.handlersMu.Lock()
			defer c.handlersMu.Unlock()
			for i, e := range c.stateFns {
				if e.id == id {
					c.stateFns = append(c.stateFns[:i:i], c.stateFns[i+1:]...)
					break
				}
			}
		})
	}
}

// Emit sends event with payload. It never blocks on the network.
func (c *Channel) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}
	frame, err := json.Marshal(model.Envelope{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", event, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return ErrNotConnected
	}
	if !c.limiter.Allow() {
		return ErrRateLimited
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Connect dials with the current access token. A transport failure leaves
// the channel errored and starts reconnecting in the background; a rejected
// handshake does not retry until the token changes.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.want = true
	c.mu.Unlock()

	err := c.connectOnce(ctx)
	if err != nil && !errors.Is(err, ErrUnauthorized) && !errors.Is(err, ErrNoToken) {
		c.startReconnect()
	}
	return err
}

// Disconnect closes the connection and stops reconnecting. Idempotent.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.want = false
	c.blocked = ""
	if c.cancelRetry != nil {
		c.cancelRetry()
		c.cancelRetry = nil
	}
	wasConnected := c.conn != nil
	c.dropLocked()
	changed := c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if changed {
		c.emitState(StateDisconnected)
	}
	if wasConnected {
		c.logger.Info("disconnected")
		c.dispatch(model.EventDisconnect, nil)
	}
}

func (c *Channel) connectOnce(ctx context.Context) error {
	token := c.creds.AccessToken()
	if token == "" {
		return ErrNoToken
	}

	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	if !c.want {
		c.mu.Unlock()
		return ErrNotConnected
	}
	previous := c.state
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	c.emitState(StateConnecting)

	conn, resp, err := c.dial(ctx, token)
	if err != nil {
		unauthorized := resp != nil && resp.StatusCode == http.StatusUnauthorized
		c.mu.Lock()
		if !c.want {
			changed := c.setStateLocked(StateDisconnected)
			c.mu.Unlock()
			if changed {
				c.emitState(StateDisconnected)
			}
			return ErrNotConnected
		}
		if unauthorized {
			c.blocked = token
		}
		c.setStateLocked(StateErrored)
		c.mu.Unlock()
		c.emitState(StateErrored)

		c.logger.Warn("connect failed", zap.Bool("unauthorized", unauthorized), zap.Error(err))
		c.dispatch(model.EventConnectError, errorPayload(err))
		if previous != StateErrored {
			c.toast(notify.LevelError, "Connection error", "Could not reach the chat server")
		}
		if unauthorized {
			c.refreshRejected(token)
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return fmt.Errorf("realtime connect: %w", err)
	}

	c.mu.Lock()
	if !c.want {
		changed := c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		_ = conn.Close()
		if changed {
			c.emitState(StateDisconnected)
		}
		return ErrNotConnected
	}
	if c.cancelRetry != nil {
		c.cancelRetry()
		c.cancelRetry = nil
	}
	c.gen++
	gen := c.gen
	c.conn = conn
	c.send = make(chan []byte, sendBufferSize)
	c.done = make(chan struct{})
	c.blocked = ""
	send, done := c.send, c.done
	c.setStateLocked(StateConnected)
	c.mu.Unlock()
	c.emitState(StateConnected)

	c.logger.Info("connected", zap.String("url", c.url))
	go c.writePump(conn, send, done)
	c.dispatch(model.EventConnect, nil)
	go c.readPump(conn, gen)
	return nil
}

func (c *Channel) dial(ctx context.Context, token string) (*websocket.Conn, *http.Response, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return nil, nil, fmt.Errorf("parse websocket url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, resp, err := c.dialer.DialContext(dialCtx, u.String(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, resp, err
}

// connectionLost handles an unexpected end of the read loop for connection gen.
func (c *Channel) connectionLost(gen uint64, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.dropLocked()
	authFailed := websocket.IsCloseError(err, model.CloseAuthFailed)
	next := StateErrored
	token := c.creds.AccessToken()
	switch {
	case authFailed && c.refresher != nil:
		c.blocked = token
	case authFailed:
		next = StateDisconnected
		c.want = false
	}
	c.setStateLocked(next)
	retry := c.want
	c.mu.Unlock()
	c.emitState(next)

	c.dispatch(model.EventDisconnect, nil)

	if authFailed {
		c.logger.Warn("server closed connection: authentication failed")
		if c.refresher != nil {
			c.refreshRejected(token)
			return
		}
		c.creds.Terminate(context.Background(), "realtime authentication failed")
		return
	}

	c.logger.Warn("connection lost", zap.Error(err))
	c.toast(notify.LevelWarning, "Connection lost", "Reconnecting to the chat server")
	if retry {
		c.startReconnect()
	}
}

// refreshRejected asks the refresher for a token to replace rejected and
// reconnects once it rotates. A failed exchange ends the session through the
// refresher, which disconnects any bound channel.
func (c *Channel) refreshRejected(rejected string) {
	if c.refresher == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.refresher.Refresh(ctx, rejected); err != nil {
			c.logger.Warn("token refresh after rejection failed", zap.Error(err))
			return
		}
		if c.creds.AccessToken() != rejected && c.needsRetry() {
			c.Connect(context.Background())
		}
	}()
}

// dropLocked tears down the current connection. c.mu must be held.
func (c *Channel) dropLocked() {
	if c.conn == nil {
		return
	}
	c.gen++
	close(c.done)
	c.conn = nil
	c.send = nil
	c.done = nil
}

func (c *Channel) startReconnect() {
	c.mu.Lock()
	if c.cancelRetry != nil || !c.want {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelRetry = cancel
	c.mu.Unlock()

	go c.reconnect(ctx)
}

func (c *Channel) reconnect(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		if ctx.Err() == nil && c.cancelRetry != nil {
			c.cancelRetry()
			c.cancelRetry = nil
		}
		c.mu.Unlock()
	}()

	b := backoff.WithContext(c.newBackOff(), ctx)
	op := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		metrics.ReconnectsTotal.Inc()
		err := c.connectOnce(ctx)
		if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrNoToken) || errors.Is(err, ErrNotConnected) {
			return backoff.Permanent(err)
		}
		return err
	}

	// The first attempt waits one interval so a flapping server is not hammered.
	first := b.NextBackOff()
	if first == backoff.Stop {
		return
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(first):
	}

	err := backoff.RetryNotify(op, b, func(err error, next time.Duration) {
		c.logger.Debug("reconnect attempt failed", zap.Duration("next", next), zap.Error(err))
	})
	if err != nil && ctx.Err() == nil {
		c.logger.Warn("giving up reconnecting", zap.Error(err))
	}
}

// setStateLocked reports whether the state changed. c.mu must be held.
func (c *Channel) setStateLocked(s State) bool {
	if c.state == s {
		return false
	}
	c.state = s
	metrics.SetConnectionState(string(s))
	return true
}

func (c *Channel) emitState(s State) {
	c.handlersMu.RLock()
	fns := make([]func(State), 0, len(c.stateFns))
	for _, e := range c.stateFns {
		fns = append(fns, e.fn)
	}
	c.handlersMu.RUnlock()

	for _, fn := range fns {
		fn(s)
	}
}

func (c *Channel) dispatch(event string, data json.RawMessage) {
	c.handlersMu.RLock()
	entries := c.handlers[event]
	fns := make([]func(json.RawMessage), 0, len(entries))
	for _, e := range entries {
		fns = append(fns, e.fn)
	}
	c.handlersMu.RUnlock()

	for _, fn := range fns {
		fn(data)
	}
}

func (c *Channel) toast(level notify.Level, title, message string) {
	if c.notifier == nil {
		return
	}
	t := notify.New(level, title, message)
	t.Source = "realtime"
	c.notifier.Notify(t)
}

func errorPayload(err error) json.RawMessage {
	data, _ := json.Marshal(model.ErrorEvent{Message: err.Error()})
	return data
}
