package bus

import "time"

// Event is one bus notification. Kind is a dotted name whose leading
// segment is the namespace subscribers filter on: "chat.message",
// "chat.read", "net.online", "queue.flushed", "message.confirmed".
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
