package chat

import "go-sparchat/internal/model"

// Kind selects the room protocol a controller speaks.
type Kind int

const (
	// Conversation is a one-to-one direct message room.
	Conversation Kind = iota
	// Combat is the room attached to a scheduled sparring match.
	Combat
)

func (k Kind) String() string {
	if k == Combat {
		return "combat"
	}
	return "conversation"
}

// protocol is the set of event names one room kind uses.
type protocol struct {
	join     string
	send     string
	typing   string
	message  string
	typingIn string
	roomErr  string
}

var protocols = map[Kind]protocol{
	Conversation: {
		join:     model.EventJoinConversation,
		send:     model.EventSendMessage,
		typing:   model.EventTyping,
		message:  model.EventNewMessage,
		typingIn: model.EventOpponentTyping,
		roomErr:  model.EventError,
	},
	Combat: {
		join:     model.EventJoinCombat,
		send:     model.EventSendCombat,
		typing:   model.EventCombatTyping,
		message:  model.EventCombatMessage,
		typingIn: model.EventTypingInCombat,
		roomErr:  model.EventCombatError,
	},
}
