package model

import "time"

// Participant is the public identity of a chat member.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Conversation is a private thread between two users.
// The server keeps one per unordered pair; the id is opaque and stable.
type Conversation struct {
	ID               string          `json:"id"`
	OtherParticipant *Participant    `json:"other_participant,omitempty"`
	LastMessage      *MessageSummary `json:"last_message,omitempty"`
	UnreadCount      int             `json:"unread_count"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// ListConversationsResponse is one page of the conversation list.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	Page          int            `json:"page"`
	HasMore       bool           `json:"has_more"`
}

// PageRequest selects a page of a paginated listing.
type PageRequest struct {
	Page  int
	Limit int
}

// Normalize applies defaults and bounds.
func (p PageRequest) Normalize() PageRequest {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit <= 0 {
		p.Limit = 50
	}
	if p.Limit > 100 {
		p.Limit = 100
	}
	return p
}
