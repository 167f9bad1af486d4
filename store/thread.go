package store

// Thread is one persisted conversation between a user and the assistant.
//
// Token is the remote provider's thread identifier. Exactly one thread is
// considered "current" per user from the orchestrator's point of view, but a
// user may own many threads; switching between them is a first-class
// operation.
type Thread struct {
	UID       string // local short identifier, stable across renames
	Token     string // remote provider thread token
	Title     string
	CreatedTs int64
	UpdatedTs int64 // last-activity marker, bumped on every completed exchange
	ID        int32
	CreatorID int32
}

type FindThread struct {
	ID        *int32
	UID       *string
	Token     *string
	CreatorID *int32
}

type UpdateThread struct {
	Title     *string
	UpdatedTs *int64
	ID        int32
}

type DeleteThread struct {
	ID int32
}
