package store

// Role is the sender of a message turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn in a thread. Messages are append-only: they are never
// mutated after creation and are deleted only through thread deletion.
//
// A user message and the assistant reply it produced are two independent rows
// correlated only by creation order.
type Message struct {
	UID       string // local short identifier; replaced by nothing, canonical from birth
	Content   string
	Role      Role
	CreatedTs int64
	ID        int64
	ThreadID  int32
}

type FindMessage struct {
	ThreadID *int32
	Role     *Role
}
