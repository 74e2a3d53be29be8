package wire

import "encoding/json"

// Realtime event and command names shared by the hub and the client
// transport.
const (
	CmdJoinRoom    = "join_room"
	CmdLeaveRoom   = "leave_room"
	CmdSendMessage = "send_message"
	CmdMarkRead    = "mark_read"
	CmdTyping      = "typing"

	EventNewMessage  = "new_message"
	EventMessageRead = "message_read"
	EventTyping      = "typing"
)

// Envelope is the framing for every realtime payload in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload into an envelope. Marshal errors are
// impossible for the fixed payload types below, so they are swallowed.
func NewEnvelope(typ string, payload any) Envelope {
	data, _ := json.Marshal(payload)
	return Envelope{Type: typ, Payload: data}
}

// RoomPayload is the body of join_room / leave_room commands.
type RoomPayload struct {
	ConversationID string `json:"conversationId"`
}

// SendPayload is the body of a send_message command.
type SendPayload struct {
	ConversationID string            `json:"conversationId"`
	Content        string            `json:"content"`
	SenderID       string            `json:"senderId,omitempty"`
	Timestamp      int64             `json:"timestamp,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// ReadPayload is the body of a mark_read command and a message_read event.
type ReadPayload struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds,omitempty"`
	ReaderID       string   `json:"readerId,omitempty"`
}

// TypingPayload is the body of a typing command/event.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId,omitempty"`
	IsTyping       bool   `json:"isTyping"`
}

// SendRequest is the REST POST /api/send body. Exactly one of RecipientID
// and ConversationID must be set; ContextID scopes find-or-create to a
// subject such as a vehicle listing.
type SendRequest struct {
	RecipientID    string            `json:"recipientId,omitempty"`
	ConversationID string            `json:"conversationId,omitempty"`
	Content        string            `json:"content"`
	ContextID      string            `json:"contextId,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// SendResponse is the REST POST /api/send reply.
type SendResponse struct {
	Message        Message `json:"message"`
	ConversationID string  `json:"conversationId"`
}

// ResolveRequest is the REST POST /api/conversations find-or-create body.
type ResolveRequest struct {
	RecipientID string `json:"recipientId"`
	ContextID   string `json:"contextId,omitempty"`
}

// MarkReadRequest is the PATCH /api/conversations/:id/read body. An empty
// MessageIDs list marks the whole conversation.
type MarkReadRequest struct {
	MessageIDs []string `json:"messageIds,omitempty"`
}

// MarkReadResponse reports how many messages were newly marked. Zero is a
// valid outcome on repeat calls.
type MarkReadResponse struct {
	Updated int `json:"updated"`
}

// ErrorResponse is the REST error body. Code carries the taxonomy label
// so clients can classify without string-matching messages.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
