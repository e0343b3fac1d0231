// Package model defines the chat data structures shared by the client and the dev server.
package model

import "time"

// ---------------------------------------------
// 🗄️ History & API Models
// ---------------------------------------------

// Message is one chat line in a conversation or combat room.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	CombatID       string    `json:"combat_id,omitempty"`
	SenderID       string    `json:"sender_id"`
	SenderUsername string    `json:"sender_username"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"created_at"`
	ReadBy         []string  `json:"read_by,omitempty"`

	// Client-side only.
	ClientID    string `json:"-"`
	Placeholder bool   `json:"-"`
	Provisional bool   `json:"-"`
}

// RoomID returns whichever room the message is scoped to.
func (m *Message) RoomID() string {
	if m.CombatID != "" {
		return m.CombatID
	}
	return m.ConversationID
}

// SameContent reports whether two messages describe the same delivery.
// Live pushes carry no server id, so sender, body and timestamp are compared.
func (m *Message) SameContent(o *Message) bool {
	if m.ID != "" && o.ID != "" && !m.Placeholder && !o.Placeholder {
		return m.ID == o.ID
	}
	return m.SenderID == o.SenderID && m.Body == o.Body && m.CreatedAt.Equal(o.CreatedAt)
}

// MessageSummary is the preview of the latest message shown in conversation lists.
type MessageSummary struct {
	Body      string    `json:"body"`
	SenderID  string    `json:"sender_id"`
	CreatedAt time.Time `json:"created_at"`
}

// ListMessagesResponse is one page of message history.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	Page     int       `json:"page"`
	HasMore  bool      `json:"has_more"`
}
