package domain

import "time"

// OperationKind is the remote-side effect a queued operation performs.
type OperationKind string

const (
	OpCreate OperationKind = "create"
	OpUpdate OperationKind = "update"
	OpDelete OperationKind = "delete"
)

// EventPayload is the snapshot of event fields taken when an operation is queued.
type EventPayload struct {
	Title string
	Start time.Time
	End   time.Time
	Color string
}

// SyncOperation is a pending change to push to the remote calendar.
type SyncOperation struct {
	ID        string
	Seq       int64 // enqueue order, assigned by the store
	Kind      OperationKind
	TaskID    string
	SessionID string
	EventID   string // may be empty for updates; resolved from the session at dispatch
	Payload   EventPayload
	Retries   int
	LastError string
	CreatedAt time.Time
}

// Exhausted reports whether the operation reached the retry ceiling and is
// now inert.
func (op SyncOperation) Exhausted(maxRetries int) bool {
	return maxRetries > 0 && op.Retries >= maxRetries
}
