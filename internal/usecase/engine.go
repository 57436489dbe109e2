package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"focus-sync/internal/domain"
	"focus-sync/internal/lock"
	"focus-sync/internal/ports"
)

// maxPages bounds one paginated listing so a misbehaving remote cannot spin
// the engine forever.
const maxPages = 500

// Mode is the kind of pull a sync pass ran.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// Pusher drains outbound operations.
type Pusher interface {
	Process(ctx context.Context) (PushResult, error)
}

// Report summarizes one sync pass.
type Report struct {
	Mode      Mode          `json:"mode"`
	FellBack  bool          `json:"fell_back"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	PushedCreates int `json:"pushed_creates"`
	PushedUpdates int `json:"pushed_updates"`
	PushedDeletes int `json:"pushed_deletes"`
	PushFailed    int `json:"push_failed"`
	PushPending   int `json:"push_pending"`

	PulledEvents  int `json:"pulled_events"`
	PulledUpdates int `json:"pulled_updates"`
	PulledDeletes int `json:"pulled_deletes"`
	Relinked      int `json:"relinked"`
	Conflicts     int `json:"conflicts_resolved"`

	Error string `json:"error,omitempty"`
}

// EngineConfig holds the dependencies of NewEngine.
type EngineConfig struct {
	Log     *slog.Logger
	Queue   Pusher
	Gateway ports.CalendarGateway
	Store   ports.Store
	Locks   *lock.Keyed
	Policy  *PolicySource
	Clock   ports.Clock
}

// Engine runs two-way sync: push the queue, then pull remote changes.
type Engine struct {
	log     *slog.Logger
	queue   Pusher
	gateway ports.CalendarGateway
	store   ports.Store
	locks   *lock.Keyed
	policy  *PolicySource
	now     ports.Clock
	group   singleflight.Group
}

func NewEngine(cfg EngineConfig) *Engine {
	e := &Engine{
		log:     cfg.Log,
		queue:   cfg.Queue,
		gateway: cfg.Gateway,
		store:   cfg.Store,
		locks:   cfg.Locks,
		policy:  cfg.Policy,
		now:     cfg.Clock,
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.locks == nil {
		e.locks = lock.NewKeyed()
	}
	if e.policy == nil {
		e.policy = NewPolicySource(domain.DefaultPolicy())
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// PerformSync runs one pass. A concurrent call joins the pass in flight
// (including its forceFull choice). The report is always non-nil; on failure
// its Error field carries the same error that is returned.
func (e *Engine) PerformSync(ctx context.Context, forceFull bool) (*Report, error) {
	v, err, _ := e.group.Do("sync", func() (any, error) {
		return e.run(ctx, forceFull)
	})
	rep, _ := v.(*Report)
	if rep == nil {
		rep = &Report{}
	}
	return rep, err
}

func (e *Engine) run(ctx context.Context, forceFull bool) (*Report, error) {
	started := e.now()
	rep := &Report{StartedAt: started.UTC()}
	fail := func(err error) (*Report, error) {
		rep.Duration = e.now().Sub(started)
		rep.Error = err.Error()
		e.log.Error("sync failed", slog.String("mode", string(rep.Mode)), slog.String("error", err.Error()))
		return rep, err
	}

	if e.queue != nil {
		push, err := e.queue.Process(ctx)
		rep.PushedCreates = push.Creates
		rep.PushedUpdates = push.Updates
		rep.PushedDeletes = push.Deletes
		rep.PushFailed = push.Failed
		rep.PushPending = push.Remaining
		if err != nil {
			return fail(fmt.Errorf("push: %w", err))
		}
	}

	cursor, err := e.store.GetCursor(ctx)
	hasCursor := err == nil && cursor.Token != ""
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fail(fmt.Errorf("load cursor: %w", err))
	}

	if forceFull || !hasCursor {
		err = e.fullSync(ctx, rep)
	} else {
		err = e.incrementalSync(ctx, rep, cursor)
		if errors.Is(err, domain.ErrCursorExpired) {
			e.log.Warn("sync cursor expired, falling back to full sync")
			if cerr := e.store.ClearCursor(ctx); cerr != nil {
				return fail(fmt.Errorf("clear cursor: %w", cerr))
			}
			rep.FellBack = true
			err = e.fullSync(ctx, rep)
		}
	}
	if err != nil {
		return fail(err)
	}

	rep.Duration = e.now().Sub(started)
	e.log.Info("sync completed",
		slog.String("mode", string(rep.Mode)),
		slog.Bool("fell_back", rep.FellBack),
		slog.Int("pushed", rep.PushedCreates+rep.PushedUpdates+rep.PushedDeletes),
		slog.Int("pulled", rep.PulledEvents),
		slog.Int("conflicts", rep.Conflicts),
		slog.Duration("dur", rep.Duration),
	)
	return rep, nil
}

func (e *Engine) fullSync(ctx context.Context, rep *Report) error {
	rep.Mode = ModeFull
	now := e.now()
	p := e.policy.Get()
	window := domain.TimeRange{From: now.Add(-p.SyncLookBack), To: now.Add(p.SyncLookAhead)}

	var (
		all       []domain.CalendarEvent
		token     string
		pageToken string
	)
	for page := 0; ; page++ {
		if page >= maxPages {
			return fmt.Errorf("full sync: more than %d pages", maxPages)
		}
		res, err := e.gateway.FullSync(ctx, window, pageToken)
		if err != nil {
			return fmt.Errorf("full sync: %w", err)
		}
		all = append(all, res.Events...)
		if res.Cursor != "" {
			token = res.Cursor
		}
		if res.NextPageToken == "" {
			break
		}
		pageToken = res.NextPageToken
	}
	if token == "" {
		return domain.ErrMissingCursor
	}

	for _, ev := range all {
		rep.PulledEvents++
		var err error
		if ev.Deleted {
			err = e.reconcileDeleted(ctx, ev.ID, rep)
		} else {
			err = e.reconcileChanged(ctx, ev, rep)
		}
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", ev.ID, err)
		}
	}

	stamp := e.now().UTC()
	if err := e.store.PutCursor(ctx, domain.SyncCursor{Token: token, LastFullSync: stamp, UpdatedAt: stamp}); err != nil {
		return fmt.Errorf("store cursor: %w", err)
	}
	return nil
}

func (e *Engine) incrementalSync(ctx context.Context, rep *Report, cur domain.SyncCursor) error {
	rep.Mode = ModeIncremental

	var (
		changed   []domain.CalendarEvent
		deleted   []string
		token     string
		pageToken string
	)
	for page := 0; ; page++ {
		if page >= maxPages {
			return fmt.Errorf("incremental sync: more than %d pages", maxPages)
		}
		res, err := e.gateway.IncrementalSync(ctx, cur.Token, pageToken)
		if err != nil {
			return fmt.Errorf("incremental sync: %w", err)
		}
		changed = append(changed, res.Changed...)
		deleted = append(deleted, res.DeletedIDs...)
		if res.Cursor != "" {
			token = res.Cursor
		}
		if res.NextPageToken == "" {
			break
		}
		pageToken = res.NextPageToken
	}

	for _, id := range deleted {
		rep.PulledEvents++
		if err := e.reconcileDeleted(ctx, id, rep); err != nil {
			return fmt.Errorf("reconcile %s: %w", id, err)
		}
	}
	for _, ev := range changed {
		rep.PulledEvents++
		var err error
		if ev.Deleted {
			err = e.reconcileDeleted(ctx, ev.ID, rep)
		} else {
			err = e.reconcileChanged(ctx, ev, rep)
		}
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", ev.ID, err)
		}
	}

	if token == "" {
		e.log.Warn("incremental sync returned no new cursor, keeping previous")
		return nil
	}
	cur.Token = token
	cur.UpdatedAt = e.now().UTC()
	if err := e.store.PutCursor(ctx, cur); err != nil {
		return fmt.Errorf("store cursor: %w", err)
	}
	return nil
}
