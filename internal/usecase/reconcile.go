package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"focus-sync/internal/domain"
)

// reconcileDeleted applies a remote deletion. Owned links are cleared and the
// session kept; sessions anchored on an imported event are removed, except a
// running one which only loses its anchor.
func (e *Engine) reconcileDeleted(ctx context.Context, eventID string, rep *Report) error {
	s, err := e.store.FindSessionByEventID(ctx, eventID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	return e.locks.With(s.ID, func() error {
		s, err := e.store.GetSession(ctx, s.ID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		now := e.now()

		switch eventID {
		case s.OwnedEventID:
			s.OwnedEventID = ""
			s.HasSyncedToCalendar = false
			s.PushedStart, s.PushedEnd = nil, nil
			s.UpdatedAt = now
			rep.PulledDeletes++
			e.log.Info("owned event deleted remotely, unlinked", slog.String("session", s.ID), slog.String("event", eventID))
			return e.store.PutSession(ctx, s)

		case s.ImportedEventID:
			rep.PulledDeletes++
			if s.IsActive {
				s.ImportedEventID = ""
				s.UpdatedAt = now
				e.log.Info("imported event deleted under running session, unlinked", slog.String("session", s.ID), slog.String("event", eventID))
				return e.store.PutSession(ctx, s)
			}
			e.log.Info("imported event deleted remotely, session removed", slog.String("session", s.ID), slog.String("event", eventID))
			return e.store.DeleteSession(ctx, s.ID)
		}
		return nil
	})
}

// reconcileChanged applies a remote edit with remote-wins semantics. Our own
// pushed span coming back is not an edit.
func (e *Engine) reconcileChanged(ctx context.Context, ev domain.CalendarEvent, rep *Report) error {
	s, err := e.store.FindSessionByEventID(ctx, ev.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return e.relink(ctx, ev, rep)
	}
	if err != nil {
		return err
	}

	tol := e.policy.Get().ConflictTolerance
	return e.locks.With(s.ID, func() error {
		s, err := e.store.GetSession(ctx, s.ID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if s.IsDiscarded || s.EventID() != ev.ID {
			return nil
		}

		owned := s.OwnedEventID == ev.ID
		if owned && s.PushedStart != nil && s.PushedEnd != nil &&
			within(*s.PushedStart, ev.Start, tol) && within(*s.PushedEnd, ev.End, tol) {
			return nil
		}
		if within(s.PlannedStart, ev.Start, tol) && within(s.PlannedEnd, ev.End, tol) {
			return nil
		}

		e.log.Info("remote edit wins",
			slog.String("session", s.ID),
			slog.String("event", ev.ID),
			slog.Time("planned_start", s.PlannedStart),
			slog.Time("remote_start", ev.Start),
		)
		s.PlannedStart = ev.Start
		s.PlannedEnd = ev.End
		s.UpdatedAt = e.now()
		if owned {
			s.MarkPushed(ev.Start, ev.End)
			rep.Conflicts++
		}
		rep.PulledUpdates++
		return e.store.PutSession(ctx, s)
	})
}

// relink restores an owned link whose write-back was lost after a create,
// using the session id stamped into the event's metadata.
func (e *Engine) relink(ctx context.Context, ev domain.CalendarEvent, rep *Report) error {
	if ev.Link.SessionID == "" {
		return nil
	}
	return e.locks.With(ev.Link.SessionID, func() error {
		s, err := e.store.GetSession(ctx, ev.Link.SessionID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if s.IsDiscarded || s.OwnedEventID != "" || s.ImportedEventID != "" {
			return nil
		}
		if err := s.LinkOwned(ev.ID, ev.Start, ev.End); err != nil {
			return err
		}
		s.UpdatedAt = e.now()
		rep.Relinked++
		e.log.Info("relinked owned event from metadata", slog.String("session", s.ID), slog.String("event", ev.ID))
		return e.store.PutSession(ctx, s)
	})
}

func within(a, b time.Time, tol time.Duration) bool {
	return absDuration(a.Sub(b)) <= tol
}
