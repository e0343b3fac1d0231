// Package chat implements the per-room chat controller: join and leave,
// history backfill merged with live events, typing indicators and send.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"go-sparchat/internal/model"
	"go-sparchat/internal/notify"
	"go-sparchat/internal/realtime"
	"go-sparchat/internal/session"
	"go-sparchat/pkg/logger"
)

// State is the controller lifecycle.
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateReady   State = "ready"
)

var (
	ErrEmptyMessage = errors.New("chat: message is empty")
	ErrNoRoom       = errors.New("chat: no active room")
	ErrNotConnected = errors.New("chat: not connected")
)

const (
	DefaultTypingQuiet  = 2 * time.Second
	DefaultTypingExpiry = 3 * time.Second
)

// Transport is the slice of the realtime channel a controller uses.
type Transport interface {
	On(event string, fn func(data json.RawMessage)) (off func())
	Emit(event string, payload any) error
	State() realtime.State
}

// HistoryFetcher loads the persisted messages of a room.
type HistoryFetcher interface {
	History(ctx context.Context, combat bool, roomID string) ([]model.Message, error)
}

// IdentitySource reports who the local user is.
type IdentitySource interface {
	Identity() *session.Identity
}

// Options configures a Controller.
type Options struct {
	Kind Kind

	// TypingQuiet is how long input must stay idle before "stopped" is sent.
	TypingQuiet time.Duration
	// TypingExpiry clears a remote typing indicator that was never renewed.
	TypingExpiry time.Duration

	// Provisional shows sent messages immediately and swaps them for the
	// server echo carrying the same client id.
	Provisional bool

	Notifier notify.Notifier
}

// View is a snapshot for rendering.
type View struct {
	State      State
	Kind       Kind
	RoomID     string
	Messages   []model.Message
	Typing     *model.TypingSignal
	Connection realtime.State
	HistoryErr error
}

// Controller owns one room binding at a time. Its buffer is never shared
// with another controller, even for the same room.
type Controller struct {
	transport Transport
	history   HistoryFetcher
	identity  IdentitySource
	notifier  notify.Notifier
	logger    *logger.Logger
	proto     protocol
	opts      Options

	mu         sync.Mutex
	state      State
	room       string
	epoch      uint64
	offs       []func()
	messages   []model.Message
	held       []model.Message
	historyErr error
	typing     typingState

	onChange func(View)
}

func New(transport Transport, history HistoryFetcher, identity IdentitySource, log *logger.Logger, opts Options) *Controller {
	if opts.TypingQuiet <= 0 {
		opts.TypingQuiet = DefaultTypingQuiet
	}
	if opts.TypingExpiry <= 0 {
		opts.TypingExpiry = DefaultTypingExpiry
	}
	return &Controller{
		transport: transport,
		history:   history,
		identity:  identity,
		notifier:  opts.Notifier,
		logger:    logger.OrGlobal(log).Named("chat").With(zap.String("kind", opts.Kind.String())),
		proto:     protocols[opts.Kind],
		opts:      opts,
		state:     StateIdle,
	}
}

// OnChange registers the render callback, invoked after every mutation.
func (c *Controller) OnChange(fn func(View)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// View returns the current snapshot.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

// Enter binds the controller to roomID, dropping any previous binding first.
// The join is emitted immediately and history is fetched in the background
// using ctx. Results for a room that is no longer active are discarded.
func (c *Controller) Enter(ctx context.Context, roomID string) {
	c.mu.Lock()
	stop := c.teardownLocked()
	c.epoch++
	epoch := c.epoch
	c.room = roomID
	c.state = StateLoading
	c.offs = []func(){
		c.transport.On(c.proto.message, c.handleMessage(epoch)),
		c.transport.On(c.proto.typingIn, c.handleTyping(epoch)),
		c.transport.On(c.proto.roomErr, c.handleRoomError(epoch)),
		c.transport.On(model.EventConnect, c.handleConnect(epoch)),
		c.transport.On(model.EventDisconnect, c.handleDisconnect(epoch)),
		c.transport.On(model.EventConnectError, c.handleConnectionChange(epoch)),
	}
	c.mu.Unlock()

	stop()
	c.logger.Debug("entering room", zap.String("room_id", roomID))
	c.changed()

	c.join(roomID)
	go c.loadHistory(ctx, epoch, roomID)
}

// Close drops the room binding and returns to Idle. The shared channel stays up.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	stop := c.teardownLocked()
	c.epoch++
	c.room = ""
	c.state = StateIdle
	c.mu.Unlock()

	stop()
	c.changed()
}

// Send emits body to the active room. Nothing is appended locally unless
// provisional mode is on; the canonical copy arrives as the server echo.
func (c *Controller) Send(body string) error {
	text := strings.TrimSpace(body)
	if text == "" {
		return ErrEmptyMessage
	}

	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return ErrNoRoom
	}
	if c.transport.State() != realtime.StateConnected {
		c.mu.Unlock()
		return ErrNotConnected
	}

	payload := model.SendPayload{RoomID: c.room, Message: text}
	if c.opts.Provisional {
		payload.ClientID = uuid.NewString()
		c.messages = append(c.messages, c.provisionalLocked(payload))
	}
	stopTyping := c.stopLocalTypingLocked()
	c.mu.Unlock()
	// The burst ends with this send even when the emit fails.
	defer stopTyping()

	if c.opts.Provisional {
		c.changed()
	}

	if err := c.transport.Emit(c.proto.send, payload); err != nil {
		c.logger.Warn("send failed", zap.String("room_id", payload.RoomID), zap.Error(err))
		if payload.ClientID != "" {
			c.dropProvisional(payload.ClientID)
		}
		if errors.Is(err, realtime.ErrNotConnected) {
			return ErrNotConnected
		}
		return err
	}
	return nil
}

func (c *Controller) provisionalLocked(p model.SendPayload) model.Message {
	msg := model.Message{
		ID:          p.ClientID,
		Body:        p.Message,
		CreatedAt:   time.Now(),
		ClientID:    p.ClientID,
		Placeholder: true,
		Provisional: true,
	}
	if c.identity != nil {
		if id := c.identity.Identity(); id != nil {
			msg.SenderID = id.ID
			msg.SenderUsername = id.DisplayName
		}
	}
	if c.opts.Kind == Combat {
		msg.CombatID = p.RoomID
	} else {
		msg.ConversationID = p.RoomID
	}
	return msg
}

func (c *Controller) dropProvisional(clientID string) {
	c.mu.Lock()
	for i := range c.messages {
		if c.messages[i].Provisional && c.messages[i].ClientID == clientID {
			c.messages = append(c.messages[:i], c.messages[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
	c.changed()
}

func (c *Controller) join(roomID string) {
	err := c.transport.Emit(c.proto.join, model.JoinPayload{RoomID: roomID})
	switch {
	case err == nil:
	case errors.Is(err, realtime.ErrNotConnected):
		c.logger.Debug("join deferred until connected", zap.String("room_id", roomID))
	default:
		c.logger.Warn("join failed", zap.String("room_id", roomID), zap.Error(err))
	}
}

func (c *Controller) loadHistory(ctx context.Context, epoch uint64, roomID string) {
	msgs, err := c.history.History(ctx, c.opts.Kind == Combat, roomID)

	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		c.logger.Debug("discarding history for abandoned room", zap.String("room_id", roomID))
		return
	}

	if err != nil {
		c.historyErr = err
		c.logger.Warn("history fetch failed", zap.String("room_id", roomID), zap.Error(err))
		msgs = nil
	}
	kept := msgs[:0]
	for i := range msgs {
		if room := msgs[i].RoomID(); room == "" || room == roomID {
			kept = append(kept, msgs[i])
		}
	}
	msgs = kept
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })

	// Anything appended while loading is a provisional send; keep it after history.
	pending := c.messages
	c.messages = msgs
	for _, m := range c.held {
		c.mergeLocked(m)
	}
	for _, m := range pending {
		c.appendLocked(m)
	}
	c.held = nil
	c.state = StateReady
	c.mu.Unlock()

	c.changed()
}

func (c *Controller) handleMessage(epoch uint64) func(json.RawMessage) {
	return func(data json.RawMessage) {
		var ev model.MessageEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("dropping malformed message event", zap.Error(err))
			return
		}

		c.mu.Lock()
		if epoch != c.epoch || ev.RoomID != c.room {
			c.mu.Unlock()
			return
		}
		msg := ev.ToMessage(c.opts.Kind == Combat)
		if msg.ID == "" {
			msg.ID = uuid.NewString()
			msg.Placeholder = true
		}
		if c.state == StateLoading && !c.hasProvisionalLocked(msg.ClientID) {
			c.held = append(c.held, msg)
		} else {
			c.appendLocked(msg)
		}
		if c.typing.remote != nil && c.typing.remote.UserID == msg.SenderID {
			c.clearRemoteTypingLocked()
		}
		c.mu.Unlock()

		c.changed()
	}
}

// appendLocked adds msg in arrival order, replacing a provisional entry with
// the same client id in place.
func (c *Controller) appendLocked(msg model.Message) {
	if msg.ClientID != "" {
		for i := range c.messages {
			if c.messages[i].Provisional && c.messages[i].ClientID == msg.ClientID {
				c.messages[i] = msg
				return
			}
		}
	}
	if !msg.Placeholder {
		for i := range c.messages {
			if !c.messages[i].Placeholder && c.messages[i].ID == msg.ID {
				return
			}
		}
	}
	c.messages = append(c.messages, msg)
}

func (c *Controller) hasProvisionalLocked(clientID string) bool {
	if clientID == "" {
		return false
	}
	for i := range c.messages {
		if c.messages[i].Provisional && c.messages[i].ClientID == clientID {
			return true
		}
	}
	return false
}

// mergeLocked appends a held live message unless history already contains it.
func (c *Controller) mergeLocked(msg model.Message) {
	for i := range c.messages {
		if c.messages[i].SameContent(&msg) {
			return
		}
	}
	c.messages = append(c.messages, msg)
}

func (c *Controller) handleRoomError(epoch uint64) func(json.RawMessage) {
	return func(data json.RawMessage) {
		var ev model.ErrorEvent
		_ = json.Unmarshal(data, &ev)
		if ev.Message == "" {
			ev.Message = "The server rejected the request"
		}

		c.mu.Lock()
		active := epoch == c.epoch
		room := c.room
		c.mu.Unlock()
		if !active {
			return
		}

		c.logger.Warn("room error", zap.String("room_id", room), zap.String("message", ev.Message))
		if c.notifier != nil {
			t := notify.New(notify.LevelError, "Chat error", ev.Message)
			t.Source = "chat"
			c.notifier.Notify(t)
		}
	}
}

// handleConnect rejoins the active room after a reconnect.
func (c *Controller) handleConnect(epoch uint64) func(json.RawMessage) {
	return func(json.RawMessage) {
		c.mu.Lock()
		active := epoch == c.epoch
		room := c.room
		c.mu.Unlock()
		if !active {
			return
		}
		c.join(room)
		c.changed()
	}
}

func (c *Controller) handleDisconnect(epoch uint64) func(json.RawMessage) {
	return func(json.RawMessage) {
		c.mu.Lock()
		if epoch != c.epoch {
			c.mu.Unlock()
			return
		}
		c.clearRemoteTypingLocked()
		c.typing.local = false
		c.mu.Unlock()
		c.changed()
	}
}

func (c *Controller) handleConnectionChange(epoch uint64) func(json.RawMessage) {
	return func(json.RawMessage) {
		c.mu.Lock()
		active := epoch == c.epoch
		c.mu.Unlock()
		if active {
			c.changed()
		}
	}
}

// teardownLocked detaches listeners, stops timers and discards the buffer.
// The returned function emits a final "stopped" typing edge and must be
// called without c.mu held.
func (c *Controller) teardownLocked() func() {
	for _, off := range c.offs {
		off()
	}
	c.offs = nil
	stop := c.stopLocalTypingLocked()
	c.clearRemoteTypingLocked()
	c.messages = nil
	c.held = nil
	c.historyErr = nil
	return stop
}

func (c *Controller) viewLocked() View {
	v := View{
		State:      c.state,
		Kind:       c.opts.Kind,
		RoomID:     c.room,
		Messages:   make([]model.Message, len(c.messages)),
		Connection: c.transport.State(),
		HistoryErr: c.historyErr,
	}
	copy(v.Messages, c.messages)
	if c.typing.remote != nil {
		sig := *c.typing.remote
		v.Typing = &sig
	}
	return v
}

func (c *Controller) changed() {
	c.mu.Lock()
	fn := c.onChange
	var v View
	if fn != nil {
		v = c.viewLocked()
	}
	c.mu.Unlock()

	if fn != nil {
		fn(v)
	}
}
