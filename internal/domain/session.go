package domain

import (
	"fmt"
	"time"
)

// Session is a time block: the planned span plus what actually happened in it.
//
// PlannedStart/PlannedEnd carry the user's intent and are only changed by
// explicit planning actions, an overrun extension on resume, or a remote edit.
// ActualStart is the start of the currently running segment; SessionStart
// anchors the whole logical run across merged resumes.
type Session struct {
	ID     string
	TaskID string

	PlannedStart time.Time
	PlannedEnd   time.Time

	ActualStart  *time.Time
	ActualEnd    *time.Time
	SessionStart *time.Time

	AccumulatedSeconds int64

	IsActive          bool
	AutoEnd           bool
	WasManualContinue bool
	IsDiscarded       bool

	// At most one of OwnedEventID and ImportedEventID is set.
	OwnedEventID        string
	ImportedEventID     string
	HasSyncedToCalendar bool

	// Span last written to the remote event; lets reconciliation tell our own
	// echo apart from an edit made in the calendar app.
	PushedStart *time.Time
	PushedEnd   *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the structural invariants of a session.
func (s Session) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("session: empty id")
	}
	if s.TaskID == "" {
		return fmt.Errorf("session %s: empty task id", s.ID)
	}
	if s.OwnedEventID != "" && s.ImportedEventID != "" {
		return fmt.Errorf("session %s: %w", s.ID, ErrLinkConflict)
	}
	if s.AccumulatedSeconds < 0 {
		return fmt.Errorf("session %s: negative accumulated seconds", s.ID)
	}
	if s.IsActive && s.IsDiscarded {
		return fmt.Errorf("session %s: %w", s.ID, ErrSessionDiscarded)
	}
	if s.IsActive && s.ActualStart == nil {
		return fmt.Errorf("session %s: active without actual start", s.ID)
	}
	return nil
}

// IsUnstarted reports whether no work was ever recorded on the session.
func (s Session) IsUnstarted() bool {
	return !s.IsActive && s.SessionStart == nil && s.ActualStart == nil && s.AccumulatedSeconds == 0
}

// HasCalendarLink reports whether the session is tied to a remote event,
// either already linked or with a create in flight.
func (s Session) HasCalendarLink() bool {
	return s.OwnedEventID != "" || s.ImportedEventID != "" || s.HasSyncedToCalendar
}

// EventID returns whichever remote event id the session is linked to.
func (s Session) EventID() string {
	if s.OwnedEventID != "" {
		return s.OwnedEventID
	}
	return s.ImportedEventID
}

// RunningSeconds returns the length of the current segment, or 0 if idle.
func (s Session) RunningSeconds(now time.Time) int64 {
	if !s.IsActive || s.ActualStart == nil {
		return 0
	}
	d := now.Sub(*s.ActualStart)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}

// TotalWorkSeconds returns confirmed plus running work time.
func (s Session) TotalWorkSeconds(now time.Time) int64 {
	return s.AccumulatedSeconds + s.RunningSeconds(now)
}

// Begin starts a new running segment at now.
func (s *Session) Begin(now time.Time) {
	t := now
	if s.SessionStart == nil {
		anchor := now
		s.SessionStart = &anchor
	}
	s.ActualStart = &t
	s.ActualEnd = nil
	s.IsActive = true
	s.UpdatedAt = now
}

// Finish folds the running segment into AccumulatedSeconds and closes it.
func (s *Session) Finish(now time.Time) {
	s.AccumulatedSeconds += s.RunningSeconds(now)
	end := now
	s.ActualEnd = &end
	s.IsActive = false
	s.UpdatedAt = now
}

// ResetActuals clears everything recorded about actual work.
func (s *Session) ResetActuals(now time.Time) {
	s.ActualStart = nil
	s.ActualEnd = nil
	s.SessionStart = nil
	s.AccumulatedSeconds = 0
	s.IsActive = false
	s.WasManualContinue = false
	s.UpdatedAt = now
}

// Discard tombstones the session and drops its calendar references.
func (s *Session) Discard(now time.Time) {
	s.ResetActuals(now)
	s.IsDiscarded = true
	s.OwnedEventID = ""
	s.ImportedEventID = ""
	s.HasSyncedToCalendar = false
	s.PushedStart = nil
	s.PushedEnd = nil
}

// LinkOwned records the remote event this system created for the session.
func (s *Session) LinkOwned(eventID string, start, end time.Time) error {
	if s.ImportedEventID != "" {
		return fmt.Errorf("session %s: %w", s.ID, ErrLinkConflict)
	}
	s.OwnedEventID = eventID
	s.HasSyncedToCalendar = true
	s.MarkPushed(start, end)
	return nil
}

// MarkPushed records the span last written to the remote event.
func (s *Session) MarkPushed(start, end time.Time) {
	ps, pe := start, end
	s.PushedStart = &ps
	s.PushedEnd = &pe
}

// EventSpan returns the span a completed session occupies on the calendar.
func (s Session) EventSpan() (time.Time, time.Time) {
	start := s.PlannedStart
	if s.SessionStart != nil {
		start = *s.SessionStart
	}
	end := s.PlannedEnd
	if s.ActualEnd != nil {
		end = *s.ActualEnd
	}
	return start, end
}
