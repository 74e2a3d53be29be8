package store

// Conversation is a cached conversation row. Local marks a placeholder
// created while the server was unreachable; local rows are promoted to
// the durable id the next time resolution succeeds.
type Conversation struct {
	ID            string
	Local         bool
	CounterpartID string
	ContextID     string
	LastMessage   string
	LastMessageAt int64
	UpdatedAt     int64
}

// PendingAction is one queued offline operation, replayed in FIFO order
// when connectivity returns. Non-critical actions are dropped after a
// failed replay; critical ones go back on the queue.
type PendingAction struct {
	ID        int64
	Type      string
	Method    string
	Target    string
	Payload   []byte
	Critical  bool
	CreatedAt int64
}

// Action types used by the pipeline.
const (
	ActionSendMessage = "send_message"
	ActionMarkRead    = "mark_read"
)
