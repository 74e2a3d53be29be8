package store

// Conversation is a stored conversation row. PairKey is the sorted
// participant ids joined with '|', used to enforce one conversation per
// (participants, context).
type Conversation struct {
	ID            string
	PairKey       string
	ContextID     string
	LastMessage   string
	LastMessageAt int64
	CreatedAt     int64
	UpdatedAt     int64
}

// Participant is a conversation membership row. LastReadAt is the
// per-user read marker used to compute unread counts without scanning
// message history.
type Participant struct {
	ConversationID string
	UserID         string
	Email          string
	DisplayName    string
	LastReadAt     int64
}

// Message is a stored message row. ClientID is the sender's correlation
// id, kept to suppress duplicates from the dual-path send.
type Message struct {
	ID             string
	ClientID       string
	ConversationID string
	SenderID       string
	RecipientID    string
	Content        string
	ContextID      string
	Read           bool
	Deleted        bool
	CreatedAt      int64
}

// ConversationSummary is a conversation joined with the calling user's
// unread count and the participant list, for conversation listings.
type ConversationSummary struct {
	Conversation
	Participants []Participant
	UnreadCount  int
	LastReadAt   int64
}
