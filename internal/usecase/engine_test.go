package usecase

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"focus-sync/internal/domain"
)

func TestPerformSync_FullSyncWithoutCursorFails(t *testing.T) {
	h := newHarness(t)
	h.gw.fullPages = []domain.FullSyncPage{{Events: nil}}

	rep, err := h.engine.PerformSync(h.ctx, false)
	assert.ErrorIs(t, err, domain.ErrMissingCursor)
	require.NotNil(t, rep)
	assert.Equal(t, ModeFull, rep.Mode)
	assert.NotEmpty(t, rep.Error)

	_, err = h.store.GetCursor(h.ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPerformSync_FirstRunIsPaginatedFullSync(t *testing.T) {
	h := newHarness(t)
	h.gw.fullPages = []domain.FullSyncPage{
		{Events: []domain.CalendarEvent{{ID: "x1", Start: h.at(9, 0), End: h.at(10, 0)}}, NextPageToken: "page-1"},
		{Events: []domain.CalendarEvent{{ID: "x2", Start: h.at(11, 0), End: h.at(12, 0)}}, Cursor: "c1"},
	}

	rep, err := h.engine.PerformSync(h.ctx, false)
	require.NoError(t, err)
	assert.Equal(t, ModeFull, rep.Mode)
	assert.False(t, rep.FellBack)
	assert.Equal(t, 2, rep.PulledEvents)
	assert.Equal(t, 2, h.gw.fullCalls)

	cur, err := h.store.GetCursor(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, "c1", cur.Token)
	assert.False(t, cur.LastFullSync.IsZero())
}

func TestPerformSync_ExpiredCursorFallsBackOnce(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.PutCursor(h.ctx, domain.SyncCursor{Token: "stale"}))
	h.gw.deltaErr = fmt.Errorf("410 gone: %w", domain.ErrCursorExpired)
	h.gw.fullPages = []domain.FullSyncPage{{Cursor: "fresh"}}

	var clearedFirst bool
	h.gw.onFull = func() {
		_, err := h.store.GetCursor(h.ctx)
		clearedFirst = errors.Is(err, domain.ErrNotFound)
	}

	rep, err := h.engine.PerformSync(h.ctx, false)
	require.NoError(t, err)
	assert.True(t, rep.FellBack)
	assert.Equal(t, ModeFull, rep.Mode)
	assert.Equal(t, 1, h.gw.deltaCalls)
	assert.Equal(t, 1, h.gw.fullCalls)
	assert.True(t, clearedFirst)
	assert.Equal(t, []string{"stale"}, h.gw.cursorsFed)

	cur, err := h.store.GetCursor(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, "fresh", cur.Token)
}

func TestPerformSync_ForceFullIgnoresCursor(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.PutCursor(h.ctx, domain.SyncCursor{Token: "c0"}))
	h.gw.fullPages = []domain.FullSyncPage{{Cursor: "c1"}}

	rep, err := h.engine.PerformSync(h.ctx, true)
	require.NoError(t, err)
	assert.Equal(t, ModeFull, rep.Mode)
	assert.Zero(t, h.gw.deltaCalls)
}

func TestPerformSync_IncrementalKeepsCursorWhenNoneReturned(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.PutCursor(h.ctx, domain.SyncCursor{Token: "c0"}))
	h.gw.deltaPages = []domain.DeltaPage{{}}

	rep, err := h.engine.PerformSync(h.ctx, false)
	require.NoError(t, err)
	assert.Equal(t, ModeIncremental, rep.Mode)

	cur, err := h.store.GetCursor(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, "c0", cur.Token)
}

func TestPerformSync_PushesBeforePulling(t *testing.T) {
	h := newHarness(t)
	tk := h.task("Write", 60)
	_, err := h.planner.Schedule(h.ctx, tk.ID, h.at(9, 0), h.at(10, 0), true, h.now)
	require.NoError(t, err)
	h.gw.fullPages = []domain.FullSyncPage{{Cursor: "c1"}}
	h.gw.onFull = func() {
		assert.Equal(t, 1, h.gw.createdCount())
	}

	rep, err := h.engine.PerformSync(h.ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.PushedCreates)
}

func TestPerformSync_PushFailureAbortsPull(t *testing.T) {
	h := newHarness(t)
	tk := h.task("Write", 60)
	_, err := h.planner.Schedule(h.ctx, tk.ID, h.at(9, 0), h.at(10, 0), true, h.now)
	require.NoError(t, err)
	h.gw.createErr = domain.ErrAuthExpired

	rep, err := h.engine.PerformSync(h.ctx, false)
	assert.ErrorIs(t, err, domain.ErrAuthExpired)
	assert.NotEmpty(t, rep.Error)
	assert.Zero(t, h.gw.fullCalls)
}

func TestReconcile_DeletedOwnedEventUnlinksOnly(t *testing.T) {
	h := newHarness(t)
	tk := h.task("Write", 60)
	s := h.scheduleLinked(tk.ID, h.at(9, 0), h.at(10, 0), true)
	require.NoError(t, h.store.PutCursor(h.ctx, domain.SyncCursor{Token: "c0"}))
	h.gw.deltaPages = []domain.DeltaPage{{DeletedIDs: []string{s.OwnedEventID}, Cursor: "c1"}}

	rep, err := h.engine.PerformSync(h.ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.PulledDeletes)

	got := h.session(s.ID)
	assert.Empty(t, got.OwnedEventID)
	assert.False(t, got.IsDiscarded)
	assert.Equal(t, h.at(9, 0), got.PlannedStart)
}

func TestReconcile_DeletedImportedEventRemovesSession(t *testing.T) {
	h := newHarness(t)
	tk := h.task("Standup", 15)
	ev := domain.CalendarEvent{ID: "imp-1", Start: h.at(9, 0), End: h.at(9, 15)}
	s, err := h.planner.LinkImported(h.ctx, tk.ID, ev, h.now)
	require.NoError(t, err)
	require.NoError(t, h.store.PutCursor(h.ctx, domain.SyncCursor{Token: "c0"}))
	h.gw.deltaPages = []domain.DeltaPage{{Changed: []domain.CalendarEvent{{ID: "imp-1", Deleted: true}}, Cursor: "c1"}}

	_, err = h.engine.PerformSync(h.ctx, false)
	require.NoError(t, err)

	_, err = h.store.GetSession(h.ctx, s.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReconcile_DeletedImportedEventUnderActiveSessionUnlinks(t *testing.T) {
	h := newHarness(t)
	tk := h.task("Standup", 15)
	ev := domain.CalendarEvent{ID: "imp-1", Start: h.at(9, 0), End: h.at(9, 15)}
	s, err := h.planner.LinkImported(h.ctx, tk.ID, ev, h.now)
	require.NoError(t, err)
	_, err = h.ctrl.Start(h.ctx, tk.ID, "", h.at(9, 0))
	require.NoError(t, err)

	h.gw.fullPages = []domain.FullSyncPage{{Events: []domain.CalendarEvent{{ID: "imp-1", Deleted: true}}, Cursor: "c1"}}
	_, err = h.engine.PerformSync(h.ctx, false)
	require.NoError(t, err)

	got := h.session(s.ID)
	assert.True(t, got.IsActive)
	assert.Empty(t, got.ImportedEventID)
}

func TestReconcile_RemoteEditWinsBeyondTolerance(t *testing.T) {
	h := newHarness(t)
	tk := h.task("Write", 60)
	s := h.scheduleLinked(tk.ID, h.at(9, 0), h.at(10, 0), true)
	require.NoError(t, h.store.PutCursor(h.ctx, domain.SyncCursor{Token: "c0"}))
	h.gw.deltaPages = []domain.DeltaPage{{
		Changed: []domain.CalendarEvent{{ID: s.OwnedEventID, Start: h.at(9, 30), End: h.at(10, 30)}},
		Cursor:  "c1",
	}}

	rep, err := h.engine.PerformSync(h.ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Conflicts)
	assert.Equal(t, 1, rep.PulledUpdates)

	got := h.session(s.ID)
	assert.Equal(t, h.at(9, 30), got.PlannedStart)
	assert.Equal(t, h.at(10, 30), got.PlannedEnd)
}

func TestReconcile_SmallDriftIsIgnored(t *testing.T) {
	h := newHarness(t)
	tk := h.task("Write", 60)
	s := h.scheduleLinked(tk.ID, h.at(9, 0), h.at(10, 0), true)
	require.NoError(t, h.store.PutCursor(h.ctx, domain.SyncCursor{Token: "c0"}))
	h.gw.deltaPages = []domain.DeltaPage{{
		Changed: []domain.CalendarEvent{{ID: s.OwnedEventID, Start: h.at(9, 0).Add(30 * time.Second), End: h.at(10, 1)}},
		Cursor:  "c1",
	}}

	rep, err := h.engine.PerformSync(h.ctx, false)
	require.NoError(t, err)
	assert.Zero(t, rep.Conflicts)
	assert.Equal(t, h.at(9, 0), h.session(s.ID).PlannedStart)
}

func TestReconcile_OwnPushedSpanIsNotAnEdit(t *testing.T) {
	h := newHarness(t)
	tk := h.task("Write", 60)
	s := h.scheduleLinked(tk.ID, h.at(9, 0), h.at(10, 0), true)
	_, err := h.ctrl.Start(h.ctx, tk.ID, "", h.at(9, 10))
	require.NoError(t, err)
	_, err = h.ctrl.Stop(h.ctx, s.ID, h.at(9, 50), false)
	require.NoError(t, err)

	require.NoError(t, h.store.PutCursor(h.ctx, domain.SyncCursor{Token: "c0"}))
	h.gw.deltaPages = []domain.DeltaPage{{
		Changed: []domain.CalendarEvent{{ID: s.OwnedEventID, Start: h.at(9, 10), End: h.at(9, 50)}},
		Cursor:  "c1",
	}}

	rep, err := h.engine.PerformSync(h.ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.PushedUpdates)
	assert.Zero(t, rep.Conflicts)

	got := h.session(s.ID)
	assert.Equal(t, h.at(9, 0), got.PlannedStart)
	assert.Equal(t, h.at(10, 0), got.PlannedEnd)
}

func TestReconcile_ImportedRemoteWins(t *testing.T) {
	h := newHarness(t)
	tk := h.task("Standup", 15)
	s, err := h.planner.LinkImported(h.ctx, tk.ID, domain.CalendarEvent{ID: "imp-1", Start: h.at(9, 0), End: h.at(9, 15)}, h.now)
	require.NoError(t, err)
	h.gw.fullPages = []domain.FullSyncPage{{
		Events: []domain.CalendarEvent{{ID: "imp-1", Start: h.at(9, 30), End: h.at(9, 45)}},
		Cursor: "c1",
	}}

	rep, err := h.engine.PerformSync(h.ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.PulledUpdates)
	assert.Zero(t, rep.Conflicts)
	assert.Equal(t, h.at(9, 30), h.session(s.ID).PlannedStart)
}

func TestReconcile_RelinksLostWriteBack(t *testing.T) {
	h := newHarness(t)
	tk := h.task("Write", 60)
	s, err := h.planner.Schedule(h.ctx, tk.ID, h.at(9, 0), h.at(10, 0), true, h.now)
	require.NoError(t, err)
	require.NoError(t, h.store.DeleteOperation(h.ctx, h.ops()[0].ID))

	h.gw.fullPages = []domain.FullSyncPage{{
		Events: []domain.CalendarEvent{{
			ID: "remote-9", Start: h.at(9, 0), End: h.at(10, 0),
			Link: domain.LinkMetadata{TaskID: tk.ID, SessionID: s.ID},
		}},
		Cursor: "c1",
	}}

	rep, err := h.engine.PerformSync(h.ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Relinked)
	assert.Equal(t, "remote-9", h.session(s.ID).OwnedEventID)
}

func TestReconcile_UnlinkedEventsAreIgnored(t *testing.T) {
	h := newHarness(t)
	h.gw.fullPages = []domain.FullSyncPage{{
		Events: []domain.CalendarEvent{{ID: "dentist", Start: h.at(9, 0), End: h.at(10, 0)}},
		Cursor: "c1",
	}}

	rep, err := h.engine.PerformSync(h.ctx, false)
	require.NoError(t, err)
	assert.Zero(t, rep.PulledUpdates+rep.PulledDeletes+rep.Relinked)
}

func TestPerformSync_ConcurrentCallsShareOnePass(t *testing.T) {
	h := newHarness(t)
	tk := h.task("Write", 60)
	_, err := h.planner.Schedule(h.ctx, tk.ID, h.at(9, 0), h.at(10, 0), true, h.now)
	require.NoError(t, err)
	h.gw.fullPages = []domain.FullSyncPage{{Cursor: "c1"}}
	h.gw.entered = make(chan struct{}, 1)
	h.gw.block = make(chan struct{})

	var wg sync.WaitGroup
	reps := make([]*Report, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		reps[0], _ = h.engine.PerformSync(h.ctx, false)
	}()
	<-h.gw.entered
	wg.Add(1)
	go func() {
		defer wg.Done()
		reps[1], _ = h.engine.PerformSync(h.ctx, false)
	}()
	close(h.gw.block)
	wg.Wait()

	assert.Equal(t, 1, h.gw.createdCount())
	require.NotNil(t, reps[0])
	require.NotNil(t, reps[1])
	assert.Empty(t, reps[0].Error)
	assert.Empty(t, reps[1].Error)
}
