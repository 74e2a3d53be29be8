package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/roamly/roamchat/internal/bus"
	"github.com/roamly/roamchat/internal/server/store"
	"github.com/roamly/roamchat/internal/wire"
	"go.uber.org/zap"
)

// Service is the authoritative message store. Every operation enforces
// that the acting user participates in the target conversation before
// touching data. Mutations publish chat.* events on the bus for the
// realtime hub to fan out.
type Service struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
}

// NewService creates the chat service backed by the store.
func NewService(db *store.DB, b *bus.Bus, logger *zap.Logger) *Service {
	return &Service{db: db, bus: b, logger: logger}
}

// SendInput carries one send request. Exactly one of RecipientID and
// ConversationID must be set; ClientID is the sender's correlation id
// used to suppress dual-path duplicates.
type SendInput struct {
	SenderID       string
	SenderEmail    string
	RecipientID    string
	ConversationID string
	Content        string
	ContextID      string
	ClientID       string
}

// Send persists a message, creating the conversation if needed, and
// publishes a chat.message event. Returns the stored message and the
// durable conversation id.
func (s *Service) Send(in SendInput) (*wire.Message, string, error) {
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, "", &ValidationError{Reason: "empty message"}
	}

	var conv *store.Conversation
	var recipientID string
	switch {
	case in.ConversationID != "":
		c, err := s.db.GetConversation(in.ConversationID)
		if err != nil {
			return nil, "", err
		}
		if c == nil {
			return nil, "", ErrNotFound
		}
		ok, err := s.db.IsParticipant(c.ID, in.SenderID, in.SenderEmail)
		if err != nil {
			return nil, "", err
		}
		if !ok {
			return nil, "", ErrPermissionDenied
		}
		conv = c
		recipientID = c.OtherParticipant(in.SenderID)

	case in.RecipientID != "":
		c, err := s.db.FindOrCreateConversation(
			store.Participant{UserID: in.SenderID, Email: in.SenderEmail},
			store.Participant{UserID: in.RecipientID},
			in.ContextID,
		)
		if err != nil {
			return nil, "", err
		}
		conv = c
		recipientID = in.RecipientID

	default:
		return nil, "", &ValidationError{Reason: "missing recipient or conversation"}
	}

	msg := &store.Message{
		ID:             uuid.New().String(),
		ClientID:       in.ClientID,
		ConversationID: conv.ID,
		SenderID:       in.SenderID,
		RecipientID:    recipientID,
		Content:        content,
		ContextID:      conv.ContextID,
		CreatedAt:      time.Now().UnixMilli(),
	}
	stored, err := s.db.InsertMessage(msg)
	if err != nil {
		return nil, "", err
	}

	out := messageToWire(stored)
	s.bus.Publish(bus.Event{
		Kind:      "chat.message",
		Timestamp: time.Now(),
		Payload:   out,
	})
	s.logger.Info("message stored",
		zap.String("conversation_id", conv.ID),
		zap.String("message_id", stored.ID))
	return &out, conv.ID, nil
}

// Resolve finds or creates the conversation between the caller and a
// counterpart, scoped by an optional context id.
func (s *Service) Resolve(userID, email, recipientID, contextID string) (*wire.Conversation, error) {
	if recipientID == "" {
		return nil, &ValidationError{Reason: "missing recipient"}
	}
	conv, err := s.db.FindOrCreateConversation(
		store.Participant{UserID: userID, Email: email},
		store.Participant{UserID: recipientID},
		contextID,
	)
	if err != nil {
		return nil, err
	}
	parts, err := s.db.Participants(conv.ID)
	if err != nil {
		return nil, err
	}
	out := conversationToWire(conv, parts, 0)
	return &out, nil
}

// ListConversations returns the user's conversations ordered by recency.
func (s *Service) ListConversations(userID string) ([]wire.Conversation, error) {
	sums, err := s.db.ListConversationsForUser(userID)
	if err != nil {
		return nil, err
	}
	out := make([]wire.Conversation, 0, len(sums))
	for _, sum := range sums {
		out = append(out, conversationToWire(&sum.Conversation, sum.Participants, sum.UnreadCount))
	}
	return out, nil
}

// ListMessages returns a page of a conversation's messages newest-first,
// after verifying the caller is a participant.
func (s *Service) ListMessages(conversationID, userID, email string, page, limit int) ([]wire.Message, error) {
	conv, err := s.db.GetConversation(conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, ErrNotFound
	}
	ok, err := s.db.IsParticipant(conversationID, userID, email)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrPermissionDenied
	}

	msgs, err := s.db.ListMessages(conversationID, page, limit)
	if err != nil {
		return nil, err
	}
	out := make([]wire.Message, 0, len(msgs))
	for i := range msgs {
		out = append(out, messageToWire(&msgs[i]))
	}
	return out, nil
}

// MarkRead flags unread messages addressed to the caller as read and
// publishes a chat.read event when anything changed. Zero updated is a
// valid outcome.
func (s *Service) MarkRead(conversationID, userID, email string, messageIDs []string) (int, error) {
	conv, err := s.db.GetConversation(conversationID)
	if err != nil {
		return 0, err
	}
	if conv == nil {
		return 0, ErrNotFound
	}
	ok, err := s.db.IsParticipant(conversationID, userID, email)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrPermissionDenied
	}

	n, err := s.db.MarkMessagesRead(conversationID, userID, messageIDs)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.bus.Publish(bus.Event{
			Kind:      "chat.read",
			Timestamp: time.Now(),
			Payload: wire.ReadPayload{
				ConversationID: conversationID,
				MessageIDs:     messageIDs,
				ReaderID:       userID,
			},
		})
	}
	return n, nil
}

// SoftDelete marks a message deleted. Only the original sender may
// delete, and only while still a participant of the conversation.
func (s *Service) SoftDelete(messageID, userID, email string) error {
	msg, err := s.db.GetMessage(messageID)
	if err != nil {
		return err
	}
	if msg == nil {
		return ErrNotFound
	}
	if msg.SenderID != userID {
		return ErrPermissionDenied
	}
	ok, err := s.db.IsParticipant(msg.ConversationID, userID, email)
	if err != nil {
		return err
	}
	if !ok {
		return ErrPermissionDenied
	}
	return s.db.SoftDeleteMessage(messageID)
}

func messageToWire(m *store.Message) wire.Message {
	content := m.Content
	if m.Deleted {
		content = wire.DeletedPlaceholder
	}
	return wire.Message{
		ID:             m.ID,
		ClientID:       m.ClientID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		RecipientID:    m.RecipientID,
		Content:        content,
		ContextID:      m.ContextID,
		Status:         wire.StatusConfirmed,
		Read:           m.Read,
		Deleted:        m.Deleted,
		CreatedAt:      m.CreatedAt,
	}
}

func conversationToWire(c *store.Conversation, parts []store.Participant, unread int) wire.Conversation {
	out := wire.Conversation{
		ID:            c.ID,
		ContextID:     c.ContextID,
		LastMessage:   c.LastMessage,
		LastMessageAt: c.LastMessageAt,
		UpdatedAt:     c.UpdatedAt,
		UnreadCount:   unread,
		LastRead:      make(map[string]int64, len(parts)),
	}
	for _, p := range parts {
		out.Participants = append(out.Participants, wire.Participant{
			ID:          p.UserID,
			DisplayName: p.DisplayName,
			Email:       p.Email,
		})
		if p.LastReadAt > 0 {
			out.LastRead[p.UserID] = p.LastReadAt
		}
	}
	return out
}
