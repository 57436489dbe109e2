package ports

import (
	"context"
	"time"

	"focus-sync/internal/domain"
)

// CalendarGateway is the remote calendar the sync engine and queue talk to.
// Implementations wrap failures with the domain sentinels (ErrTransient,
// ErrAuthExpired, ErrCursorExpired, ErrRemoteNotFound).
type CalendarGateway interface {
	ListEvents(ctx context.Context, calendarIDs []string, r domain.TimeRange) ([]domain.CalendarEvent, error)
	CreateEvent(ctx context.Context, in domain.EventInput) (string, error)
	UpdateEvent(ctx context.Context, eventID string, patch domain.EventPatch) error
	DeleteEvent(ctx context.Context, eventID string) error
	FullSync(ctx context.Context, r domain.TimeRange, pageToken string) (domain.FullSyncPage, error)
	IncrementalSync(ctx context.Context, cursor, pageToken string) (domain.DeltaPage, error)
}

// TaskRepository persists tasks. Get returns domain.ErrNotFound for unknown ids.
type TaskRepository interface {
	GetTask(ctx context.Context, id string) (domain.Task, error)
	PutTask(ctx context.Context, t domain.Task) error
}

// SessionRepository persists sessions. List results are ordered by
// PlannedStart, then CreatedAt.
type SessionRepository interface {
	GetSession(ctx context.Context, id string) (domain.Session, error)
	PutSession(ctx context.Context, s domain.Session) error
	DeleteSession(ctx context.Context, id string) error
	ListSessionsByTask(ctx context.Context, taskID string) ([]domain.Session, error)
	// ListSessionsPlannedBetween returns sessions whose PlannedStart is in r.
	ListSessionsPlannedBetween(ctx context.Context, r domain.TimeRange) ([]domain.Session, error)
	ListActiveSessions(ctx context.Context) ([]domain.Session, error)
	// FindSessionByEventID matches either the owned or the imported link.
	FindSessionByEventID(ctx context.Context, eventID string) (domain.Session, error)
}

// OperationRepository persists the outbound queue. List is in Seq order.
type OperationRepository interface {
	AppendOperation(ctx context.Context, op domain.SyncOperation) (domain.SyncOperation, error)
	GetOperation(ctx context.Context, id string) (domain.SyncOperation, error)
	PutOperation(ctx context.Context, op domain.SyncOperation) error
	DeleteOperation(ctx context.Context, id string) error
	ListOperations(ctx context.Context) ([]domain.SyncOperation, error)
}

// CursorRepository persists the incremental sync cursor. Get returns
// domain.ErrNotFound when no cursor is stored.
type CursorRepository interface {
	GetCursor(ctx context.Context) (domain.SyncCursor, error)
	PutCursor(ctx context.Context, c domain.SyncCursor) error
	ClearCursor(ctx context.Context) error
}

// Store groups every repository the core needs.
type Store interface {
	TaskRepository
	SessionRepository
	OperationRepository
	CursorRepository
}

// Clock returns the current time.
type Clock func() time.Time
