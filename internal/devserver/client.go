package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"go-sparchat/internal/model"
	"go-sparchat/pkg/metrics"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait.
	maxMessageSize = 64 * 1024
	maxBodyLength  = 4000
)

// Client is a middleman between one websocket connection and the hub.
type Client struct {
	server *Server
	conn   *websocket.Conn
	// Buffered channel of outbound frames. Closed by the hub.
	send chan []byte

	userID    string
	username  string
	expiresAt time.Time

	// rooms is owned by the hub goroutine.
	rooms map[string]bool
}

func roomKey(kind, id string) string {
	return kind + ":" + id
}

// readPump handles inbound frames until the connection dies.
func (c *Client) readPump() {
	defer func() {
		c.server.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.server.logger.Debug("read error", zap.Error(err))
			}
			return
		}

		if !c.expiresAt.IsZero() && time.Now().After(c.expiresAt) {
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(model.CloseAuthFailed, "token expired"),
				time.Now().Add(writeWait))
			return
		}

		dec := json.NewDecoder(bytes.NewReader(message))
		for {
			var env model.Envelope
			if err := dec.Decode(&env); err != nil {
				if !errors.Is(err, io.EOF) {
					c.reply(model.EventError, model.ErrorEvent{Message: "malformed frame"})
				}
				break
			}
			c.handle(context.Background(), env)
		}
	}
}

// writePump pumps frames from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Coalesce queued frames into one write.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handle(ctx context.Context, env model.Envelope) {
	switch env.Event {
	case model.EventJoinConversation:
		c.handleJoin(ctx, RoomConversation, model.EventError, env.Data)
	case model.EventJoinCombat:
		c.handleJoin(ctx, RoomCombat, model.EventCombatError, env.Data)
	case model.EventSendMessage:
		c.handleSend(ctx, RoomConversation, model.EventNewMessage, model.EventError, env.Data)
	case model.EventSendCombat:
		c.handleSend(ctx, RoomCombat, model.EventCombatMessage, model.EventCombatError, env.Data)
	case model.EventTyping:
		c.handleTyping(ctx, RoomConversation, model.EventOpponentTyping, env.Data)
	case model.EventCombatTyping:
		c.handleTyping(ctx, RoomCombat, model.EventTypingInCombat, env.Data)
	default:
		c.reply(model.EventError, model.ErrorEvent{Message: "unknown event " + env.Event})
	}
}

func (c *Client) handleJoin(ctx context.Context, kind, errEvent string, data json.RawMessage) {
	var p model.JoinPayload
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == "" {
		c.reply(errEvent, model.ErrorEvent{Message: "roomId is required"})
		return
	}
	ok, err := c.server.repo.IsParticipant(ctx, kind, p.RoomID, c.userID)
	if err != nil || !ok {
		c.reply(errEvent, model.ErrorEvent{Message: "you are not a participant of this room"})
		return
	}
	c.server.hub.join <- membership{client: c, room: roomKey(kind, p.RoomID)}
}

func (c *Client) handleSend(ctx context.Context, kind, outEvent, errEvent string, data json.RawMessage) {
	var p model.SendPayload
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == "" {
		c.reply(errEvent, model.ErrorEvent{Message: "roomId is required"})
		return
	}
	body := strings.TrimSpace(p.Message)
	if body == "" || len(body) > maxBodyLength {
		c.reply(errEvent, model.ErrorEvent{Message: "message must be between 1 and 4000 characters"})
		return
	}
	ok, err := c.server.repo.IsParticipant(ctx, kind, p.RoomID, c.userID)
	if err != nil || !ok {
		c.reply(errEvent, model.ErrorEvent{Message: "you are not a participant of this room"})
		return
	}

	msg := &model.Message{SenderID: c.userID, SenderUsername: c.username, Body: body}
	if err := c.server.repo.SaveMessage(ctx, kind, p.RoomID, msg); err != nil {
		c.server.logger.Error("failed to save message", zap.Error(err))
		c.reply(errEvent, model.ErrorEvent{Message: "message could not be delivered"})
		return
	}
	metrics.ServerMessagesTotal.WithLabelValues(kind).Inc()

	frame, err := encodeFrame(outEvent, model.MessageEvent{
		ID:             msg.ID,
		RoomID:         p.RoomID,
		SenderID:       msg.SenderID,
		SenderUsername: msg.SenderUsername,
		Message:        msg.Body,
		Timestamp:      msg.CreatedAt,
		ClientID:       p.ClientID,
	})
	if err != nil {
		return
	}
	// The sender's own sockets receive the echo too.
	c.server.hub.Publish(ctx, Delivery{Room: roomKey(kind, p.RoomID), Frame: frame})
}

func (c *Client) handleTyping(ctx context.Context, kind, outEvent string, data json.RawMessage) {
	var p model.TypingPayload
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == "" {
		return
	}
	frame, err := encodeFrame(outEvent, model.TypingSignal{
		RoomID:   p.RoomID,
		UserID:   c.userID,
		Username: c.username,
		IsTyping: p.IsTyping,
	})
	if err != nil {
		return
	}
	c.server.hub.Publish(ctx, Delivery{Room: roomKey(kind, p.RoomID), Except: c.userID, Frame: frame})
}

func (c *Client) reply(event string, payload any) {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		return
	}
	c.server.hub.Publish(context.Background(), Delivery{client: c, Frame: frame})
}

func encodeFrame(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(model.Envelope{Event: event, Data: data})
}
