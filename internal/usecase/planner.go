package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"focus-sync/internal/domain"
	"focus-sync/internal/lock"
	"focus-sync/internal/ports"
)

// Planner is the thin planning surface: it creates tasks and puts sessions on
// the calendar ahead of time, which is what gives sessions their links.
type Planner struct {
	log   *slog.Logger
	store ports.Store
	queue Enqueuer
	locks *lock.Keyed
	newID func() string
}

func NewPlanner(log *slog.Logger, store ports.Store, queue Enqueuer, locks *lock.Keyed) *Planner {
	if log == nil {
		log = slog.Default()
	}
	if locks == nil {
		locks = lock.NewKeyed()
	}
	return &Planner{log: log, store: store, queue: queue, locks: locks, newID: uuid.NewString}
}

// TaskInput describes a task to create.
type TaskInput struct {
	Title            string
	EstimatedMinutes int
	TagIDs           []string
	Color            string
	ScheduledDate    time.Time
}

func (p *Planner) CreateTask(ctx context.Context, in TaskInput, now time.Time) (domain.Task, error) {
	if strings.TrimSpace(in.Title) == "" {
		return domain.Task{}, fmt.Errorf("task: title is required: %w", domain.ErrInvalid)
	}
	if in.EstimatedMinutes < 0 {
		return domain.Task{}, fmt.Errorf("task: estimate must not be negative: %w", domain.ErrInvalid)
	}
	t := domain.Task{
		ID:               p.newID(),
		Title:            in.Title,
		EstimatedMinutes: in.EstimatedMinutes,
		TagIDs:           in.TagIDs,
		Color:            in.Color,
		ScheduledDate:    in.ScheduledDate,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := p.store.PutTask(ctx, t); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// Schedule plans a session and queues creation of its calendar event.
func (p *Planner) Schedule(ctx context.Context, taskID string, start, end time.Time, autoEnd bool, now time.Time) (domain.Session, error) {
	if !end.After(start) {
		return domain.Session{}, fmt.Errorf("schedule: end %s is not after start %s: %w", end.Format(time.RFC3339), start.Format(time.RFC3339), domain.ErrInvalid)
	}
	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		return domain.Session{}, err
	}
	s := domain.Session{
		ID:                  p.newID(),
		TaskID:              task.ID,
		PlannedStart:        start,
		PlannedEnd:          end,
		AutoEnd:             autoEnd,
		HasSyncedToCalendar: true,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := p.store.PutSession(ctx, s); err != nil {
		return domain.Session{}, err
	}
	err = p.queue.Enqueue(ctx, domain.SyncOperation{
		Kind:      domain.OpCreate,
		TaskID:    task.ID,
		SessionID: s.ID,
		Payload:   domain.EventPayload{Title: task.Title, Start: start, End: end, Color: task.Color},
	})
	if err != nil {
		return s, err
	}
	p.log.Info("session scheduled", slog.String("task", task.ID), slog.String("session", s.ID), slog.Time("start", start))
	return s, nil
}

// LinkImported anchors a session to an existing calendar event. Linking the
// same event twice returns the existing session.
func (p *Planner) LinkImported(ctx context.Context, taskID string, ev domain.CalendarEvent, now time.Time) (domain.Session, error) {
	if ev.ID == "" {
		return domain.Session{}, fmt.Errorf("link: event id is required: %w", domain.ErrInvalid)
	}
	if existing, err := p.store.FindSessionByEventID(ctx, ev.ID); err == nil {
		if existing.OwnedEventID == ev.ID {
			return domain.Session{}, fmt.Errorf("link %s: event is owned by session %s: %w", ev.ID, existing.ID, domain.ErrLinkConflict)
		}
		return existing, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Session{}, err
	}
	if _, err := p.store.GetTask(ctx, taskID); err != nil {
		return domain.Session{}, err
	}
	s := domain.Session{
		ID:              p.newID(),
		TaskID:          taskID,
		PlannedStart:    ev.Start,
		PlannedEnd:      ev.End,
		AutoEnd:         true,
		ImportedEventID: ev.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := p.store.PutSession(ctx, s); err != nil {
		return domain.Session{}, err
	}
	return s, nil
}

// Unschedule removes a planned session from the plan. Owned events are
// deleted remotely; imported events are only unlinked.
func (p *Planner) Unschedule(ctx context.Context, sessionID string, now time.Time) error {
	var op *domain.SyncOperation
	err := p.locks.With(sessionID, func() error {
		s, err := p.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if s.IsActive {
			return fmt.Errorf("unschedule %s: %w", sessionID, domain.ErrSessionActive)
		}
		if s.IsDiscarded {
			return nil
		}
		if s.OwnedEventID != "" || s.HasSyncedToCalendar {
			op = &domain.SyncOperation{Kind: domain.OpDelete, TaskID: s.TaskID, SessionID: s.ID, EventID: s.OwnedEventID}
		}
		s.Discard(now)
		return p.store.PutSession(ctx, s)
	})
	if err != nil || op == nil {
		return err
	}
	return p.queue.Enqueue(ctx, *op)
}
