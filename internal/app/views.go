package app

import (
	"time"

	"focus-sync/internal/domain"
)

type taskView struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	EstimatedMinutes int       `json:"estimated_minutes"`
	TagIDs           []string  `json:"tag_ids,omitempty"`
	Color            string    `json:"color,omitempty"`
	ScheduledDate    string    `json:"scheduled_date,omitempty"`
	Completed        bool      `json:"completed"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func newTaskView(t domain.Task) taskView {
	v := taskView{
		ID:               t.ID,
		Title:            t.Title,
		EstimatedMinutes: t.EstimatedMinutes,
		TagIDs:           t.TagIDs,
		Color:            t.Color,
		Completed:        t.Completed,
		UpdatedAt:        t.UpdatedAt,
	}
	if !t.ScheduledDate.IsZero() {
		v.ScheduledDate = t.ScheduledDate.Format("2006-01-02")
	}
	return v
}

type sessionView struct {
	ID                 string     `json:"id"`
	TaskID             string     `json:"task_id"`
	PlannedStart       time.Time  `json:"planned_start"`
	PlannedEnd         time.Time  `json:"planned_end"`
	ActualStart        *time.Time `json:"actual_start,omitempty"`
	ActualEnd          *time.Time `json:"actual_end,omitempty"`
	AccumulatedSeconds int64      `json:"accumulated_seconds"`
	Active             bool       `json:"active"`
	AutoEnd            bool       `json:"auto_end"`
	ManualContinue     bool       `json:"manual_continue"`
	Discarded          bool       `json:"discarded"`
	OwnedEventID       string     `json:"owned_event_id,omitempty"`
	ImportedEventID    string     `json:"imported_event_id,omitempty"`
	Synced             bool       `json:"synced"`
}

func newSessionView(s domain.Session) sessionView {
	return sessionView{
		ID:                 s.ID,
		TaskID:             s.TaskID,
		PlannedStart:       s.PlannedStart,
		PlannedEnd:         s.PlannedEnd,
		ActualStart:        s.ActualStart,
		ActualEnd:          s.ActualEnd,
		AccumulatedSeconds: s.AccumulatedSeconds,
		Active:             s.IsActive,
		AutoEnd:            s.AutoEnd,
		ManualContinue:     s.WasManualContinue,
		Discarded:          s.IsDiscarded,
		OwnedEventID:       s.OwnedEventID,
		ImportedEventID:    s.ImportedEventID,
		Synced:             s.HasSyncedToCalendar,
	}
}

type operationView struct {
	ID        string               `json:"id"`
	Kind      domain.OperationKind `json:"kind"`
	SessionID string               `json:"session_id"`
	EventID   string               `json:"event_id,omitempty"`
	Retries   int                  `json:"retries"`
	LastError string               `json:"last_error,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
}

func newOperationView(op domain.SyncOperation) operationView {
	return operationView{
		ID:        op.ID,
		Kind:      op.Kind,
		SessionID: op.SessionID,
		EventID:   op.EventID,
		Retries:   op.Retries,
		LastError: op.LastError,
		CreatedAt: op.CreatedAt,
	}
}

type eventView struct {
	ID         string    `json:"id"`
	CalendarID string    `json:"calendar_id"`
	Title      string    `json:"title"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	TaskID     string    `json:"task_id,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
}

func newEventView(ev domain.CalendarEvent) eventView {
	return eventView{
		ID:         ev.ID,
		CalendarID: ev.CalendarID,
		Title:      ev.Title,
		Start:      ev.Start,
		End:        ev.End,
		TaskID:     ev.Link.TaskID,
		SessionID:  ev.Link.SessionID,
	}
}
