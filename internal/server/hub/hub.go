package hub

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/roamly/roamchat/internal/bus"
	"github.com/roamly/roamchat/internal/server/chat"
	"github.com/roamly/roamchat/internal/wire"
	"go.uber.org/zap"
)

// Hub tracks connected clients and conversation room membership and fans
// chat.* bus events out to room members. Messages received over the
// socket go through the same chat.Service path as REST sends, so the
// realtime channel is a latency optimization, never a second store.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	rooms   map[string]map[*Client]bool

	service *chat.Service
	bus     *bus.Bus
	logger  *zap.Logger
	cancel  context.CancelFunc
}

// New creates a hub.
func New(service *chat.Service, b *bus.Bus, logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]bool),
		rooms:   make(map[string]map[*Client]bool),
		service: service,
		bus:     b,
		logger:  logger,
	}
}

// Start subscribes to chat.* bus events and begins broadcasting.
func (h *Hub) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)
	ch, unsub := h.bus.Subscribe("chat.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				h.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the broadcast loop.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
}

// Register adds a connected client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	h.logger.Info("realtime client connected", zap.String("user_id", c.UserID))
}

// Unregister removes a client from the hub and every room, closing its
// send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	for room, members := range h.rooms {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()
	c.closeSend()
	h.logger.Info("realtime client disconnected", zap.String("user_id", c.UserID))
}

// HandleCommand processes one inbound envelope from a client.
func (h *Hub) HandleCommand(c *Client, env wire.Envelope) {
	switch env.Type {
	case wire.CmdJoinRoom:
		var p wire.RoomPayload
		if json.Unmarshal(env.Payload, &p) != nil || p.ConversationID == "" {
			return
		}
		h.join(c, p.ConversationID)

	case wire.CmdLeaveRoom:
		var p wire.RoomPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		h.leave(c, p.ConversationID)

	case wire.CmdSendMessage:
		var p wire.SendPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		_, _, err := h.service.Send(chat.SendInput{
			SenderID:       c.UserID,
			ConversationID: p.ConversationID,
			Content:        p.Content,
			ClientID:       p.Metadata["clientId"],
		})
		if err != nil {
			h.logger.Warn("socket send rejected",
				zap.String("user_id", c.UserID),
				zap.String("conversation_id", p.ConversationID),
				zap.Error(err))
		}

	case wire.CmdMarkRead:
		var p wire.ReadPayload
		if json.Unmarshal(env.Payload, &p) != nil || p.ConversationID == "" {
			return
		}
		if _, err := h.service.MarkRead(p.ConversationID, c.UserID, "", p.MessageIDs); err != nil {
			h.logger.Warn("socket mark read rejected", zap.Error(err))
		}

	case wire.CmdTyping:
		var p wire.TypingPayload
		if json.Unmarshal(env.Payload, &p) != nil || p.ConversationID == "" {
			return
		}
		p.UserID = c.UserID
		h.broadcast(p.ConversationID, wire.NewEnvelope(wire.EventTyping, p), c)
	}
}

func (h *Hub) join(c *Client, conversationID string) {
	h.mu.Lock()
	members, ok := h.rooms[conversationID]
	if !ok {
		members = make(map[*Client]bool)
		h.rooms[conversationID] = members
	}
	members[c] = true
	h.mu.Unlock()
}

func (h *Hub) leave(c *Client, conversationID string) {
	h.mu.Lock()
	if members, ok := h.rooms[conversationID]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, conversationID)
		}
	}
	h.mu.Unlock()
}

// RoomSize returns the number of clients joined to a conversation room.
func (h *Hub) RoomSize(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[conversationID])
}

func (h *Hub) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case "chat.message":
		msg, ok := evt.Payload.(wire.Message)
		if !ok {
			return
		}
		h.broadcast(msg.ConversationID, wire.NewEnvelope(wire.EventNewMessage, msg), nil)

	case "chat.read":
		p, ok := evt.Payload.(wire.ReadPayload)
		if !ok {
			return
		}
		h.broadcast(p.ConversationID, wire.NewEnvelope(wire.EventMessageRead, p), nil)
	}
}

// broadcast sends an envelope to every member of a room except skip.
func (h *Hub) broadcast(conversationID string, env wire.Envelope, skip *Client) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}

	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[conversationID]))
	for c := range h.rooms[conversationID] {
		if c != skip {
			members = append(members, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range members {
		c.trySend(data)
	}
}
