package domain

import "time"

// TimeRange is a half-open [From, To) window.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// LinkMetadata is stored on remote events this system creates so they can be
// traced back to a task and session.
type LinkMetadata struct {
	TaskID    string
	SessionID string
}

// CalendarEvent is a provider-neutral view of a remote calendar event.
type CalendarEvent struct {
	ID         string
	CalendarID string
	Title      string
	Start      time.Time
	End        time.Time
	Color      string
	Link       LinkMetadata
	Deleted    bool
	Updated    time.Time
}

// EventInput is what the system writes when creating a remote event.
type EventInput struct {
	Title string
	Start time.Time
	End   time.Time
	Color string
	Link  LinkMetadata
}

// EventPatch carries the fields to change on a remote event; nil fields are
// left untouched.
type EventPatch struct {
	Title *string
	Start *time.Time
	End   *time.Time
	Color *string
}

// FullSyncPage is one page of a full listing. Cursor is only set on the last page.
type FullSyncPage struct {
	Events        []CalendarEvent
	NextPageToken string
	Cursor        string
}

// DeltaPage is one page of an incremental listing.
type DeltaPage struct {
	Changed       []CalendarEvent
	DeletedIDs    []string
	NextPageToken string
	Cursor        string
}

// SyncCursor is the resumption point for incremental sync.
type SyncCursor struct {
	Token        string
	LastFullSync time.Time
	UpdatedAt    time.Time
}
