package devserver

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"go-sparchat/pkg/logger"
	"go-sparchat/pkg/metrics"
)

// redisChannel carries deliveries between dev server instances.
const redisChannel = "sparchat:deliveries"

// Delivery routes one frame to a room, to every socket of a user, or to a
// single local client.
type Delivery struct {
	Room   string `json:"room,omitempty"`
	UserID string `json:"user_id,omitempty"`
	// Except skips the sockets of this user.
	Except string          `json:"except,omitempty"`
	Frame  json.RawMessage `json:"frame"`
	Origin string          `json:"origin,omitempty"`

	client *Client
}

type membership struct {
	client *Client
	room   string
}

type Hub struct {
	clients map[*Client]bool
	rooms   map[string]map[*Client]bool
	users   map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	join       chan membership
	deliver    chan Delivery

	redis    *redis.Client
	instance string
	logger   *logger.Logger
}

// NewHub creates a hub. redisClient may be nil for a single instance.
func NewHub(redisClient *redis.Client, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		users:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		join:       make(chan membership),
		deliver:    make(chan Delivery, 256),
		redis:      redisClient,
		instance:   uuid.NewString(),
		logger:     logger.OrGlobal(log).Named("hub"),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				h.remove(client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			addTo(h.users, client.userID, client)
			metrics.ServerConnectionsActive.Inc()

		case client := <-h.unregister:
			h.remove(client)

		case m := <-h.join:
			if h.clients[m.client] {
				addTo(h.rooms, m.room, m.client)
				m.client.rooms[m.room] = true
			}

		case d := <-h.deliver:
			h.fanout(d)
		}
	}
}

func (h *Hub) remove(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	removeFrom(h.users, client.userID, client)
	for room := range client.rooms {
		removeFrom(h.rooms, room, client)
	}
	close(client.send)
	metrics.ServerConnectionsActive.Dec()
}

func (h *Hub) fanout(d Delivery) {
	if d.client != nil {
		if h.clients[d.client] {
			h.push(d.client, d.Frame)
		}
		return
	}

	var targets map[*Client]bool
	switch {
	case d.Room != "":
		targets = h.rooms[d.Room]
	case d.UserID != "":
		targets = h.users[d.UserID]
	}
	for client := range targets {
		if d.Except != "" && client.userID == d.Except {
			continue
		}
		h.push(client, d.Frame)
	}
}

// push drops a client whose send buffer is full.
func (h *Hub) push(client *Client, frame []byte) {
	select {
	case client.send <- frame:
	default:
		h.logger.Warn("dropping slow client", zap.String("user_id", client.userID))
		h.remove(client)
	}
}

// Publish routes d through Redis when configured so every instance sees it,
// or straight into the local hub otherwise.
func (h *Hub) Publish(ctx context.Context, d Delivery) {
	if h.redis == nil || d.client != nil {
		h.deliver <- d
		return
	}

	d.Origin = h.instance
	payload, err := json.Marshal(d)
	if err != nil {
		return
	}
	if err := h.redis.Publish(ctx, redisChannel, payload).Err(); err != nil {
		h.logger.Warn("redis publish failed, delivering locally", zap.Error(err))
		h.deliver <- d
	}
}

// SubscribeToRedis feeds deliveries published by any instance into this hub.
func (h *Hub) SubscribeToRedis(ctx context.Context) {
	if h.redis == nil {
		return
	}
	pubsub := h.redis.Subscribe(ctx, redisChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var d Delivery
			if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
				h.logger.Warn("dropping malformed delivery", zap.Error(err))
				continue
			}
			h.deliver <- d
		}
	}
}

func addTo(index map[string]map[*Client]bool, key string, client *Client) {
	set, ok := index[key]
	if !ok {
		set = make(map[*Client]bool)
		index[key] = set
	}
	set[client] = true
}

func removeFrom(index map[string]map[*Client]bool, key string, client *Client) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, client)
	if len(set) == 0 {
		delete(index, key)
	}
}
