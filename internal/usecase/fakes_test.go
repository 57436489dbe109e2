package usecase

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"focus-sync/internal/adapter/memory"
	"focus-sync/internal/domain"
	"focus-sync/internal/events"
	"focus-sync/internal/lock"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeGateway records calls and serves scripted sync pages.
type fakeGateway struct {
	mu sync.Mutex

	nextID  int
	events  map[string]domain.CalendarEvent
	created []domain.EventInput
	updated map[string]domain.EventPatch
	deleted []string

	createErr error
	updateErr error
	deleteErr error

	fullPages  []domain.FullSyncPage
	deltaPages []domain.DeltaPage
	fullErr    error
	deltaErr   error
	fullCalls  int
	deltaCalls int
	cursorsFed []string

	// entered is signalled and block received from before CreateEvent returns.
	entered chan struct{}
	block   chan struct{}

	onFull func()
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		events:  make(map[string]domain.CalendarEvent),
		updated: make(map[string]domain.EventPatch),
	}
}

func (f *fakeGateway) ListEvents(ctx context.Context, calendarIDs []string, r domain.TimeRange) ([]domain.CalendarEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.CalendarEvent
	for _, ev := range f.events {
		if !ev.Start.Before(r.From) && ev.Start.Before(r.To) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeGateway) CreateEvent(ctx context.Context, in domain.EventInput) (string, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	id := fmt.Sprintf("ev-%d", f.nextID)
	f.created = append(f.created, in)
	f.events[id] = domain.CalendarEvent{ID: id, Title: in.Title, Start: in.Start, End: in.End, Color: in.Color, Link: in.Link}
	return id, nil
}

func (f *fakeGateway) UpdateEvent(ctx context.Context, eventID string, patch domain.EventPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	ev, ok := f.events[eventID]
	if !ok {
		return fmt.Errorf("event %s: %w", eventID, domain.ErrRemoteNotFound)
	}
	if patch.Start != nil {
		ev.Start = *patch.Start
	}
	if patch.End != nil {
		ev.End = *patch.End
	}
	f.events[eventID] = ev
	f.updated[eventID] = patch
	return nil
}

func (f *fakeGateway) DeleteEvent(ctx context.Context, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if _, ok := f.events[eventID]; !ok {
		return fmt.Errorf("event %s: %w", eventID, domain.ErrRemoteNotFound)
	}
	delete(f.events, eventID)
	f.deleted = append(f.deleted, eventID)
	return nil
}

func (f *fakeGateway) FullSync(ctx context.Context, r domain.TimeRange, pageToken string) (domain.FullSyncPage, error) {
	if f.onFull != nil {
		f.onFull()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fullCalls++
	if f.fullErr != nil {
		return domain.FullSyncPage{}, f.fullErr
	}
	idx := 0
	if pageToken != "" {
		fmt.Sscanf(pageToken, "page-%d", &idx)
	}
	if idx >= len(f.fullPages) {
		return domain.FullSyncPage{}, nil
	}
	return f.fullPages[idx], nil
}

func (f *fakeGateway) IncrementalSync(ctx context.Context, cursor, pageToken string) (domain.DeltaPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deltaCalls++
	f.cursorsFed = append(f.cursorsFed, cursor)
	if f.deltaErr != nil {
		return domain.DeltaPage{}, f.deltaErr
	}
	idx := 0
	if pageToken != "" {
		fmt.Sscanf(pageToken, "page-%d", &idx)
	}
	if idx >= len(f.deltaPages) {
		return domain.DeltaPage{}, nil
	}
	return f.deltaPages[idx], nil
}

func (f *fakeGateway) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

// recorder collects published lifecycle events synchronously.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

// harness wires every usecase component over the in-memory store.
type harness struct {
	t       *testing.T
	ctx     context.Context
	store   *memory.Store
	gw      *fakeGateway
	rec     *recorder
	locks   *lock.Keyed
	policy  *PolicySource
	queue   *Queue
	ctrl    *Controller
	planner *Planner
	monitor *Monitor
	engine  *Engine
	now     time.Time
	ids     int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		ctx:    context.Background(),
		store:  memory.NewStore(),
		gw:     newFakeGateway(),
		rec:    &recorder{},
		locks:  lock.NewKeyed(),
		policy: NewPolicySource(domain.DefaultPolicy()),
		now:    time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
	}
	log := quietLogger()
	clock := func() time.Time { return h.now }

	h.queue = NewQueue(QueueConfig{
		Log: log, Operations: h.store, Sessions: h.store, Gateway: h.gw,
		Locks: h.locks, Policy: h.policy, Clock: clock,
	})
	h.ctrl = NewController(ControllerConfig{
		Log: log, Tasks: h.store, Store: h.store, Queue: h.queue, Events: h.rec,
		Locks: h.locks, Policy: h.policy, NewID: h.nextID,
	})
	h.planner = NewPlanner(log, h.store, h.queue, h.locks)
	h.planner.newID = h.nextID
	h.monitor = NewMonitor(MonitorConfig{
		Log: log, Controller: h.ctrl, Sessions: h.store, Queue: h.queue, Events: h.rec,
		Policy: h.policy, Location: time.UTC, Clock: clock,
	})
	h.engine = NewEngine(EngineConfig{
		Log: log, Queue: h.queue, Gateway: h.gw, Store: h.store,
		Locks: h.locks, Policy: h.policy, Clock: clock,
	})
	return h
}

func (h *harness) nextID() string {
	h.ids++
	return fmt.Sprintf("id-%d", h.ids)
}

func (h *harness) at(hour, min int) time.Time {
	return time.Date(2026, 3, 2, hour, min, 0, 0, time.UTC)
}

func (h *harness) task(title string, estimateMin int) domain.Task {
	h.t.Helper()
	tk, err := h.planner.CreateTask(h.ctx, TaskInput{Title: title, EstimatedMinutes: estimateMin, Color: "5"}, h.now)
	require.NoError(h.t, err)
	return tk
}

func (h *harness) session(id string) domain.Session {
	h.t.Helper()
	s, err := h.store.GetSession(h.ctx, id)
	require.NoError(h.t, err)
	return s
}

func (h *harness) ops() []domain.SyncOperation {
	h.t.Helper()
	ops, err := h.store.ListOperations(h.ctx)
	require.NoError(h.t, err)
	return ops
}

// scheduleLinked plans a session and pushes its create so it carries an
// owned event id.
func (h *harness) scheduleLinked(taskID string, start, end time.Time, autoEnd bool) domain.Session {
	h.t.Helper()
	s, err := h.planner.Schedule(h.ctx, taskID, start, end, autoEnd, h.now)
	require.NoError(h.t, err)
	_, err = h.queue.Process(h.ctx)
	require.NoError(h.t, err)
	s = h.session(s.ID)
	require.NotEmpty(h.t, s.OwnedEventID)
	return s
}

// flakyStore fails PutSession while failPut is set.
type flakyStore struct {
	*memory.Store
	failPut bool
}

func (s *flakyStore) PutSession(ctx context.Context, sess domain.Session) error {
	if s.failPut {
		return fmt.Errorf("put session %s: disk full", sess.ID)
	}
	return s.Store.PutSession(ctx, sess)
}

// failingEnqueuer rejects every operation.
type failingEnqueuer struct{ err error }

func (f failingEnqueuer) Enqueue(ctx context.Context, op domain.SyncOperation) error { return f.err }
