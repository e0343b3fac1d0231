package model

import (
	"encoding/json"
	"time"
)

// ---------------------------------------------
// ⚡ Realtime Wire Models
// ---------------------------------------------

// Envelope is the JSON frame carried over the realtime connection.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event names used on the wire. Lifecycle events are dispatched locally only.
const (
	EventJoinConversation = "join_conversation"
	EventJoinCombat       = "join_combat"
	EventSendMessage      = "send_message"
	EventSendCombat       = "send_combat_message"
	EventTyping           = "typing"
	EventCombatTyping     = "combat_typing"

	EventNewMessage     = "new_message"
	EventCombatMessage  = "receive_combat_message"
	EventOpponentTyping = "opponent_typing"
	EventTypingInCombat = "typing_in_combat"
	EventError          = "error"
	EventCombatError    = "combat_error"

	EventCombatInvitation    = "combat_invitation"
	EventNewCombatInvitation = "newCombatInvitation"
	EventCombatResponse      = "combat_response"

	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
)

// CloseAuthFailed is the websocket close code the server uses when it drops a
// connection because the session is no longer valid.
const CloseAuthFailed = 4001

// JoinPayload asks to join a room.
type JoinPayload struct {
	RoomID string `json:"roomId"`
}

// SendPayload asks the server to persist and broadcast a message.
type SendPayload struct {
	RoomID   string `json:"roomId"`
	Message  string `json:"message"`
	ClientID string `json:"clientId,omitempty"`
}

// TypingPayload is the outbound typing edge.
type TypingPayload struct {
	RoomID   string `json:"roomId"`
	IsTyping bool   `json:"isTyping"`
}

// MessageEvent is a delivered message.
type MessageEvent struct {
	ID             string    `json:"id,omitempty"`
	RoomID         string    `json:"roomId"`
	SenderID       string    `json:"senderId"`
	SenderUsername string    `json:"senderUsername"`
	Message        string    `json:"message"`
	Timestamp      time.Time `json:"timestamp"`
	ClientID       string    `json:"clientId,omitempty"`
}

// TypingSignal is the projection of a remote participant typing.
type TypingSignal struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

// ErrorEvent is a room-scoped server rejection.
type ErrorEvent struct {
	Message string `json:"message"`
}

// Invitation is an incoming combat invitation.
type Invitation struct {
	ID       string       `json:"id"`
	CombatID string       `json:"combatId,omitempty"`
	From     *Participant `json:"from,omitempty"`
	Date     *time.Time   `json:"date,omitempty"`
	Location string       `json:"location,omitempty"`
}

// InvitationResponse tells the inviter how an invitation was answered.
type InvitationResponse struct {
	InvitationID string       `json:"invitationId"`
	CombatID     string       `json:"combatId,omitempty"`
	Status       string       `json:"status"`
	Responder    *Participant `json:"responder,omitempty"`
}

// Invitation response statuses.
const (
	ResponseAccepted = "accepted"
	ResponseDeclined = "declined"
)

// ToMessage converts a live push into a buffer entry scoped to the given kind.
func (e *MessageEvent) ToMessage(combat bool) Message {
	msg := Message{
		ID:             e.ID,
		SenderID:       e.SenderID,
		SenderUsername: e.SenderUsername,
		Body:           e.Message,
		CreatedAt:      e.Timestamp,
		ClientID:       e.ClientID,
	}
	if combat {
		msg.CombatID = e.RoomID
	} else {
		msg.ConversationID = e.RoomID
	}
	return msg
}
