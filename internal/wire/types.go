package wire

import (
	"fmt"
	"strings"
	"time"
)

// LocalIDPrefix marks client-local conversation ids on the wire. Local
// conversations exist only on the device that created them and are never
// used as synchronization targets until promoted to a durable id.
const LocalIDPrefix = "temp_"

// ConvID identifies a conversation, tagged as either server-assigned
// (durable) or client-local (placeholder created while offline).
type ConvID struct {
	Value string
	Local bool
}

// DurableID returns a durable conversation id.
func DurableID(v string) ConvID {
	return ConvID{Value: v}
}

// NewLocalID synthesizes a client-local conversation id.
func NewLocalID() ConvID {
	return ConvID{Value: fmt.Sprintf("%s%d", LocalIDPrefix, time.Now().UnixMilli()), Local: true}
}

// ParseConvID classifies a wire id string as durable or local.
func ParseConvID(v string) ConvID {
	return ConvID{Value: v, Local: strings.HasPrefix(v, LocalIDPrefix)}
}

// IsZero reports whether the id is unset.
func (c ConvID) IsZero() bool { return c.Value == "" }

func (c ConvID) String() string { return c.Value }

// Participant is a conversation member with display info.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Email       string `json:"email,omitempty"`
}

// Conversation is the canonical conversation shape. LastRead maps
// participant id to the unix-ms timestamp of their last read marker.
type Conversation struct {
	ID            string           `json:"id"`
	Participants  []Participant    `json:"participants"`
	ContextID     string           `json:"contextId,omitempty"`
	LastMessage   string           `json:"lastMessage,omitempty"`
	LastMessageAt int64            `json:"lastMessageAt,omitempty"`
	UpdatedAt     int64            `json:"updatedAt"`
	LastRead      map[string]int64 `json:"lastRead,omitempty"`
	UnreadCount   int              `json:"unreadCount,omitempty"`
}

// Message is the canonical message shape. Content is the single
// authoritative text field; ClientID carries the sender's correlation id
// so optimistic copies can be reconciled with the authoritative one.
type Message struct {
	ID             string `json:"id"`
	ClientID       string `json:"clientId,omitempty"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	RecipientID    string `json:"recipientId,omitempty"`
	Content        string `json:"content"`
	ContextID      string `json:"contextId,omitempty"`
	Status         string `json:"status,omitempty"`
	Read           bool   `json:"read"`
	Deleted        bool   `json:"deleted,omitempty"`
	CreatedAt      int64  `json:"createdAt"`
}

// Message status values used by the client-side send state machine.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
)

// DeletedPlaceholder replaces the denormalized conversation preview when
// every message has been soft-deleted.
const DeletedPlaceholder = "Message deleted"
