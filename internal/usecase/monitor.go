package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"focus-sync/internal/domain"
	"focus-sync/internal/events"
	"focus-sync/internal/ports"
)

// MonitorConfig holds the dependencies of NewMonitor.
type MonitorConfig struct {
	Log        *slog.Logger
	Controller *Controller
	Sessions   ports.SessionRepository
	Queue      Enqueuer
	Events     events.Publisher
	Policy     *PolicySource
	Location   *time.Location // defines "today" for the missed sweep
	Clock      ports.Clock
}

// Monitor is the periodic check that auto-ends overdue sessions, keeps
// overtime visible on the calendar, and retires missed blocks.
type Monitor struct {
	log      *slog.Logger
	ctrl     *Controller
	sessions ports.SessionRepository
	queue    Enqueuer
	events   events.Publisher
	policy   *PolicySource
	loc      *time.Location
	now      ports.Clock

	mu          sync.Mutex
	lastResync  map[string]time.Time
	lastSweep   time.Time
	promptedFor string
}

func NewMonitor(cfg MonitorConfig) *Monitor {
	m := &Monitor{
		log:        cfg.Log,
		ctrl:       cfg.Controller,
		sessions:   cfg.Sessions,
		queue:      cfg.Queue,
		events:     cfg.Events,
		policy:     cfg.Policy,
		loc:        cfg.Location,
		now:        cfg.Clock,
		lastResync: make(map[string]time.Time),
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.policy == nil {
		m.policy = NewPolicySource(domain.DefaultPolicy())
	}
	if m.loc == nil {
		m.loc = time.UTC
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Run ticks every MonitorInterval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.policy.Get().MonitorInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	m.log.Info("auto-end monitor started", slog.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Tick(ctx, m.now()); err != nil {
				m.log.Error("monitor tick failed", slog.String("error", err.Error()))
			}
			if next := m.policy.Get().MonitorInterval; next != interval && next > 0 {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// Tick runs one check at now.
func (m *Monitor) Tick(ctx context.Context, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkActive(ctx, now); err != nil {
		return err
	}
	return m.sweepMissed(ctx, now)
}

func (m *Monitor) checkActive(ctx context.Context, now time.Time) error {
	sess, task, ok, err := m.ctrl.Active(ctx)
	if err != nil {
		return fmt.Errorf("load active session: %w", err)
	}
	if !ok {
		m.promptedFor = ""
		return nil
	}
	p := m.policy.Get()
	if now.Sub(sess.PlannedEnd) <= p.EndGrace {
		return nil
	}

	if sess.AutoEnd && !sess.WasManualContinue {
		res, err := m.ctrl.Stop(ctx, sess.ID, now, true)
		if errors.Is(err, domain.ErrSessionNotActive) {
			// Stopped by the user since Active was read.
			return nil
		}
		if err != nil {
			return fmt.Errorf("auto-end %s: %w", sess.ID, err)
		}
		delete(m.lastResync, sess.ID)
		m.log.Info("session auto-ended", slog.String("session", sess.ID), slog.Time("planned_end", sess.PlannedEnd))
		m.publish(events.Event{Type: events.SessionAutoEnded, Timestamp: now, Task: task, Session: res.Session, Outcome: res.Outcome})
		return nil
	}

	if m.promptedFor != sess.ID {
		m.promptedFor = sess.ID
		m.publish(events.Event{Type: events.SessionReachedPlannedEnd, Timestamp: now, Task: task, Session: sess})
	}

	// Overtime: let the owned event grow while work continues. Imported
	// events are left at their original span.
	if sess.ImportedEventID != "" || (sess.OwnedEventID == "" && !sess.HasSyncedToCalendar) {
		return nil
	}
	if last, ok := m.lastResync[sess.ID]; ok && now.Sub(last) < p.ResyncThrottle {
		return nil
	}
	start := sess.PlannedStart
	if sess.SessionStart != nil {
		start = *sess.SessionStart
	}
	err = m.queue.Enqueue(ctx, domain.SyncOperation{
		Kind:      domain.OpUpdate,
		TaskID:    task.ID,
		SessionID: sess.ID,
		EventID:   sess.OwnedEventID,
		Payload:   domain.EventPayload{Title: task.Title, Start: start, End: now, Color: task.Color},
	})
	if err != nil {
		return err
	}
	m.lastResync[sess.ID] = now
	m.log.Debug("overtime resync queued", slog.String("session", sess.ID), slog.Time("end", now))
	return nil
}

func (m *Monitor) sweepMissed(ctx context.Context, now time.Time) error {
	p := m.policy.Get()
	if !m.lastSweep.IsZero() && now.Sub(m.lastSweep) < p.MissedThrottle {
		return nil
	}
	m.lastSweep = now

	local := now.In(m.loc)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, m.loc)
	today, err := m.sessions.ListSessionsPlannedBetween(ctx, domain.TimeRange{From: dayStart.UTC(), To: dayStart.AddDate(0, 0, 1).UTC()})
	if err != nil {
		return fmt.Errorf("list today's sessions: %w", err)
	}

	for _, s := range today {
		if !isMissed(s, now, p) {
			continue
		}
		eventID, discarded, err := m.ctrl.DiscardMissed(ctx, s.ID, now)
		if err != nil {
			return fmt.Errorf("discard missed %s: %w", s.ID, err)
		}
		if !discarded {
			continue
		}
		m.log.Info("missed session discarded", slog.String("session", s.ID), slog.String("event", eventID))
		err = m.queue.Enqueue(ctx, domain.SyncOperation{
			Kind:      domain.OpDelete,
			TaskID:    s.TaskID,
			SessionID: s.ID,
			EventID:   eventID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *Monitor) publish(e events.Event) {
	if m.events != nil {
		m.events.Publish(e)
	}
}
