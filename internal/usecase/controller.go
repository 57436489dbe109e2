package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"focus-sync/internal/domain"
	"focus-sync/internal/events"
	"focus-sync/internal/lock"
	"focus-sync/internal/ports"
)

// ControllerConfig holds the dependencies of NewController.
type ControllerConfig struct {
	Log    *slog.Logger
	Tasks  ports.TaskRepository
	Store  ports.SessionRepository
	Queue  Enqueuer
	Events events.Publisher
	Locks  *lock.Keyed
	Policy *PolicySource
	NewID  func() string
}

// StopResult reports how a stop resolved.
type StopResult struct {
	Session domain.Session
	Outcome events.Outcome
}

// Controller owns the single active session and every start/stop transition.
// All methods are serialized; the active pointer is never exposed mutably.
type Controller struct {
	mu       sync.Mutex
	activeID string

	log      *slog.Logger
	tasks    ports.TaskRepository
	sessions ports.SessionRepository
	queue    Enqueuer
	events   events.Publisher
	locks    *lock.Keyed
	policy   *PolicySource
	newID    func() string
}

func NewController(cfg ControllerConfig) *Controller {
	c := &Controller{
		log:      cfg.Log,
		tasks:    cfg.Tasks,
		sessions: cfg.Store,
		queue:    cfg.Queue,
		events:   cfg.Events,
		locks:    cfg.Locks,
		policy:   cfg.Policy,
		newID:    cfg.NewID,
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.locks == nil {
		c.locks = lock.NewKeyed()
	}
	if c.policy == nil {
		c.policy = NewPolicySource(domain.DefaultPolicy())
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	return c
}

// Recover restores the active pointer from the store after a restart. If the
// store holds several active sessions, all but the most recently started are
// stopped.
func (c *Controller) Recover(ctx context.Context, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	active, err := c.sessions.ListActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("list active sessions: %w", err)
	}
	if len(active) == 0 {
		c.activeID = ""
		return nil
	}
	keep := active[0]
	for _, s := range active[1:] {
		if s.ActualStart.After(*keep.ActualStart) {
			keep = s
		}
	}
	for _, s := range active {
		if s.ID == keep.ID {
			continue
		}
		c.log.Warn("stopping extra active session", slog.String("session", s.ID))
		if _, err := c.stopLocked(ctx, s.ID, now, false); err != nil {
			return err
		}
	}
	c.activeID = keep.ID
	c.log.Info("recovered active session", slog.String("session", keep.ID), slog.String("task", keep.TaskID))
	return nil
}

// Active returns the running session and its task.
func (c *Controller) Active(ctx context.Context) (domain.Session, domain.Task, bool, error) {
	c.mu.Lock()
	id := c.activeID
	c.mu.Unlock()
	if id == "" {
		return domain.Session{}, domain.Task{}, false, nil
	}
	s, err := c.sessions.GetSession(ctx, id)
	if err != nil {
		return domain.Session{}, domain.Task{}, false, err
	}
	if !s.IsActive {
		return domain.Session{}, domain.Task{}, false, nil
	}
	t, err := c.tasks.GetTask(ctx, s.TaskID)
	if err != nil {
		return domain.Session{}, domain.Task{}, false, err
	}
	return s, t, true, nil
}

// Start begins work on a task. It resumes the last stopped session when
// inside the merge window, otherwise starts the preferred or nearest planned
// session within the proximity window, otherwise creates an ad-hoc session.
func (c *Controller) Start(ctx context.Context, taskID, preferredID string, now time.Time) (domain.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	task, err := c.tasks.GetTask(ctx, taskID)
	if err != nil {
		return domain.Session{}, err
	}

	if c.activeID != "" {
		active, err := c.sessions.GetSession(ctx, c.activeID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			c.activeID = ""
		case err != nil:
			return domain.Session{}, err
		case !active.IsActive:
			c.activeID = ""
		case active.TaskID == taskID:
			return active, nil
		default:
			if _, err := c.stopLocked(ctx, active.ID, now, false); err != nil {
				return domain.Session{}, fmt.Errorf("stop previous session: %w", err)
			}
		}
	}

	sessions, err := c.sessions.ListSessionsByTask(ctx, taskID)
	if err != nil {
		return domain.Session{}, err
	}
	p := c.policy.Get()

	if last, ok := lastStopped(sessions); ok && now.Sub(*last.ActualEnd) < p.MergeWindow {
		return c.resumeLocked(ctx, task, last, sessions, now, false)
	}

	sess, ok := c.pickPlanned(preferredID, sessions, now)
	if ok && !sess.PlannedEnd.After(now) {
		// Started late: give the block the remaining estimate so auto-end
		// does not fire on the first tick.
		sess.PlannedEnd = now.Add(remaining(task, sessions, p))
	}
	if !ok {
		sess = domain.Session{
			ID:           c.newID(),
			TaskID:       task.ID,
			PlannedStart: now,
			PlannedEnd:   now.Add(remaining(task, sessions, p)),
			AutoEnd:      true,
			CreatedAt:    now,
		}
		c.log.Debug("creating ad-hoc session", slog.String("task", task.ID), slog.String("session", sess.ID))
	}
	return c.beginLocked(ctx, task, sess, now)
}

// Resume restarts a stopped session in place. Outside the merge window it is
// a contract violation and fails with ErrNotResumable.
func (c *Controller) Resume(ctx context.Context, sessionID string, now time.Time) (domain.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumeByIDLocked(ctx, sessionID, now, false)
}

// Continue keeps the session running past its planned end, suppressing
// auto-end. A recently stopped session is resumed first.
func (c *Controller) Continue(ctx context.Context, sessionID string, now time.Time) (domain.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if s.IsDiscarded {
		return domain.Session{}, fmt.Errorf("continue %s: %w", sessionID, domain.ErrSessionDiscarded)
	}
	if !s.IsActive {
		return c.resumeByIDLocked(ctx, sessionID, now, true)
	}
	err = c.update(ctx, sessionID, func(s *domain.Session) {
		s.WasManualContinue = true
		s.UpdatedAt = now
	})
	if err != nil {
		return domain.Session{}, err
	}
	return c.sessions.GetSession(ctx, sessionID)
}

// Stop ends the running session. Work below the commitment threshold is
// discarded (ad-hoc) or reset (pre-linked) unless forceKeep is set.
func (c *Controller) Stop(ctx context.Context, sessionID string, now time.Time, forceKeep bool) (StopResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked(ctx, sessionID, now, forceKeep)
}

// CompleteTask stops the task's running session, keeping its time, and marks
// the task completed.
func (c *Controller) CompleteTask(ctx context.Context, taskID string, now time.Time) (domain.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	task, err := c.tasks.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if c.activeID != "" {
		active, err := c.sessions.GetSession(ctx, c.activeID)
		if err == nil && active.IsActive && active.TaskID == taskID {
			if _, err := c.stopLocked(ctx, active.ID, now, true); err != nil {
				return domain.Task{}, err
			}
		}
	}
	task.Completed = true
	task.UpdatedAt = now
	if err := c.tasks.PutTask(ctx, task); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// DiscardMissed tombstones a planned session nobody started and returns the
// owned event id to delete. It re-checks the missed conditions under lock.
func (c *Controller) DiscardMissed(ctx context.Context, sessionID string, now time.Time) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.policy.Get()
	var eventID string
	err := c.locks.With(sessionID, func() error {
		s, err := c.sessions.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if !isMissed(s, now, p) {
			return nil
		}
		eventID = s.OwnedEventID
		s.Discard(now)
		return c.sessions.PutSession(ctx, s)
	})
	if err != nil {
		return "", false, err
	}
	return eventID, eventID != "", nil
}

func (c *Controller) resumeByIDLocked(ctx context.Context, sessionID string, now time.Time, manual bool) (domain.Session, error) {
	s, err := c.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if s.IsActive {
		return s, nil
	}
	if !resumable(s, now, c.policy.Get()) {
		return domain.Session{}, fmt.Errorf("resume %s: %w", sessionID, domain.ErrNotResumable)
	}
	task, err := c.tasks.GetTask(ctx, s.TaskID)
	if err != nil {
		return domain.Session{}, err
	}
	if c.activeID != "" && c.activeID != sessionID {
		if _, err := c.stopLocked(ctx, c.activeID, now, false); err != nil && !errors.Is(err, domain.ErrSessionNotActive) {
			return domain.Session{}, fmt.Errorf("stop previous session: %w", err)
		}
	}
	sessions, err := c.sessions.ListSessionsByTask(ctx, s.TaskID)
	if err != nil {
		return domain.Session{}, err
	}
	return c.resumeLocked(ctx, task, s, sessions, now, manual)
}

func (c *Controller) resumeLocked(ctx context.Context, task domain.Task, s domain.Session, all []domain.Session, now time.Time, manual bool) (domain.Session, error) {
	if now.After(s.PlannedEnd) {
		s.PlannedEnd = now.Add(remaining(task, all, c.policy.Get()))
		s.WasManualContinue = true
	}
	if manual {
		s.WasManualContinue = true
	}
	c.log.Debug("resuming session", slog.String("session", s.ID), slog.Time("planned_end", s.PlannedEnd))
	return c.beginLocked(ctx, task, s, now)
}

func (c *Controller) beginLocked(ctx context.Context, task domain.Task, s domain.Session, now time.Time) (domain.Session, error) {
	err := c.locks.With(s.ID, func() error {
		// Another component may have touched the session since it was read.
		if cur, err := c.sessions.GetSession(ctx, s.ID); err == nil {
			s.OwnedEventID = cur.OwnedEventID
			s.ImportedEventID = cur.ImportedEventID
			s.HasSyncedToCalendar = cur.HasSyncedToCalendar
			s.PushedStart, s.PushedEnd = cur.PushedStart, cur.PushedEnd
			if cur.IsDiscarded {
				return fmt.Errorf("start %s: %w", s.ID, domain.ErrSessionDiscarded)
			}
		}
		s.Begin(now)
		return c.sessions.PutSession(ctx, s)
	})
	if err != nil {
		return domain.Session{}, err
	}
	c.activeID = s.ID
	c.log.Info("session started",
		slog.String("task", task.ID),
		slog.String("session", s.ID),
		slog.Time("planned_end", s.PlannedEnd),
	)
	c.publish(events.Event{Type: events.SessionStarted, Timestamp: now, Task: task, Session: s})
	return s, nil
}

func (c *Controller) stopLocked(ctx context.Context, sessionID string, now time.Time, forceKeep bool) (StopResult, error) {
	var (
		res     StopResult
		task    domain.Task
		op      *domain.SyncOperation
		decided bool
	)
	err := c.locks.With(sessionID, func() error {
		s, err := c.sessions.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if !s.IsActive {
			return fmt.Errorf("stop %s: %w", sessionID, domain.ErrSessionNotActive)
		}
		task, err = c.tasks.GetTask(ctx, s.TaskID)
		if err != nil {
			return err
		}

		threshold := c.policy.Get().CommitmentThreshold(task)
		total := time.Duration(s.TotalWorkSeconds(now)) * time.Second
		switch {
		case forceKeep || total >= threshold:
			s.Finish(now)
			res.Outcome = events.OutcomeCompleted
			op = completionOp(task, s)
		case !s.HasCalendarLink():
			s.Discard(now)
			res.Outcome = events.OutcomeDiscarded
		default:
			s.ResetActuals(now)
			res.Outcome = events.OutcomeReset
		}
		res.Session = s
		decided = true
		return c.sessions.PutSession(ctx, s)
	})
	if err != nil && !decided {
		return StopResult{}, err
	}
	if c.activeID == sessionID {
		c.activeID = ""
	}
	if err != nil {
		// Listeners learn the outcome even when the store rejects it.
		c.log.Error("stopped session not saved",
			slog.String("session", sessionID),
			slog.String("error", err.Error()),
		)
		c.publish(events.Event{Type: events.SessionStopped, Timestamp: now, Task: task, Session: res.Session, Outcome: res.Outcome})
		return res, err
	}

	c.log.Info("session stopped",
		slog.String("task", task.ID),
		slog.String("session", sessionID),
		slog.String("outcome", string(res.Outcome)),
		slog.Int64("accumulated_sec", res.Session.AccumulatedSeconds),
	)
	c.publish(events.Event{Type: events.SessionStopped, Timestamp: now, Task: task, Session: res.Session, Outcome: res.Outcome})

	if op != nil && c.queue != nil {
		if err := c.queue.Enqueue(ctx, *op); err != nil {
			return res, err
		}
		if op.Kind == domain.OpCreate {
			if err := c.update(ctx, sessionID, func(s *domain.Session) { s.HasSyncedToCalendar = true }); err != nil {
				return res, err
			}
			res.Session.HasSyncedToCalendar = true
		}
	}
	return res, nil
}

// completionOp builds the calendar write for a completed session spanning
// SessionStart to ActualEnd.
func completionOp(task domain.Task, s domain.Session) *domain.SyncOperation {
	// Imported events belong to someone else's calendar entry: completing
	// the session never writes to them, not even the actual span.
	if s.ImportedEventID != "" {
		return nil
	}
	start, end := s.EventSpan()
	op := &domain.SyncOperation{
		TaskID:    task.ID,
		SessionID: s.ID,
		EventID:   s.OwnedEventID,
		Payload:   domain.EventPayload{Title: task.Title, Start: start, End: end, Color: task.Color},
		Kind:      domain.OpUpdate,
	}
	if s.OwnedEventID == "" && !s.HasSyncedToCalendar {
		op.Kind = domain.OpCreate
	}
	return op
}

func (c *Controller) update(ctx context.Context, sessionID string, fn func(*domain.Session)) error {
	return c.locks.With(sessionID, func() error {
		s, err := c.sessions.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		fn(&s)
		return c.sessions.PutSession(ctx, s)
	})
}

func (c *Controller) pickPlanned(preferredID string, sessions []domain.Session, now time.Time) (domain.Session, bool) {
	window := c.policy.Get().ProximityWindow
	if preferredID != "" {
		for _, s := range sessions {
			if s.ID == preferredID && startable(s) && near(s.PlannedStart, now, window) {
				return s, true
			}
		}
	}

	var (
		best     domain.Session
		bestDist time.Duration
		found    bool
	)
	for _, s := range sessions {
		if !startable(s) {
			continue
		}
		d := absDuration(s.PlannedStart.Sub(now))
		if !found || d < bestDist {
			best, bestDist, found = s, d, true
		}
	}
	if found && bestDist <= window {
		return best, true
	}
	return domain.Session{}, false
}

func (c *Controller) publish(e events.Event) {
	if c.events != nil {
		c.events.Publish(e)
	}
}

func startable(s domain.Session) bool {
	return !s.IsDiscarded && s.IsUnstarted()
}

func resumable(s domain.Session, now time.Time, p domain.Policy) bool {
	return !s.IsDiscarded && !s.IsActive && s.ActualEnd != nil && now.Sub(*s.ActualEnd) < p.MergeWindow
}

func isMissed(s domain.Session, now time.Time, p domain.Policy) bool {
	return !s.IsDiscarded &&
		!s.IsActive &&
		s.SessionStart == nil &&
		s.AccumulatedSeconds == 0 &&
		s.OwnedEventID != "" &&
		now.After(s.PlannedEnd.Add(p.MergeWindow))
}

// lastStopped returns the task's most recently stopped, non-discarded session.
func lastStopped(sessions []domain.Session) (domain.Session, bool) {
	var (
		last  domain.Session
		found bool
	)
	for _, s := range sessions {
		if s.IsDiscarded || s.IsActive || s.ActualEnd == nil {
			continue
		}
		if !found || s.ActualEnd.After(*last.ActualEnd) {
			last, found = s, true
		}
	}
	return last, found
}

// remaining returns the estimate left on the task, or the default ad-hoc
// length when nothing remains.
func remaining(task domain.Task, sessions []domain.Session, p domain.Policy) time.Duration {
	var done int64
	for _, s := range sessions {
		if !s.IsDiscarded {
			done += s.AccumulatedSeconds
		}
	}
	left := time.Duration(task.EstimatedSeconds()-done) * time.Second
	if left <= 0 {
		return p.DefaultAdHocLength
	}
	return left
}

func near(a, b time.Time, window time.Duration) bool {
	return absDuration(a.Sub(b)) <= window
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
