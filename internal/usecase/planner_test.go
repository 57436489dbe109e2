package usecase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"focus-sync/internal/domain"
)

func TestPlanner_CreateTaskValidates(t *testing.T) {
	h := newHarness(t)
	_, err := h.planner.CreateTask(h.ctx, TaskInput{Title: "  "}, h.now)
	assert.Error(t, err)
	_, err = h.planner.CreateTask(h.ctx, TaskInput{Title: "x", EstimatedMinutes: -1}, h.now)
	assert.Error(t, err)

	tk, err := h.planner.CreateTask(h.ctx, TaskInput{Title: "x", EstimatedMinutes: 45, TagIDs: []string{"work"}}, h.now)
	require.NoError(t, err)
	got, err := h.store.GetTask(h.ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, 45, got.EstimatedMinutes)
	assert.Equal(t, []string{"work"}, got.TagIDs)
}

func TestPlanner_ScheduleRejectsEmptySpan(t *testing.T) {
	h := newHarness(t)
	tk := h.task("x", 30)
	_, err := h.planner.Schedule(h.ctx, tk.ID, h.at(10, 0), h.at(10, 0), true, h.now)
	assert.Error(t, err)
	assert.Empty(t, h.ops())
}

func TestPlanner_LinkImportedIsIdempotent(t *testing.T) {
	h := newHarness(t)
	tk := h.task("Standup", 15)
	ev := domain.CalendarEvent{ID: "imp-1", Start: h.at(9, 0), End: h.at(9, 15)}

	first, err := h.planner.LinkImported(h.ctx, tk.ID, ev, h.now)
	require.NoError(t, err)
	second, err := h.planner.LinkImported(h.ctx, tk.ID, ev, h.now)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Empty(t, h.ops())
}

func TestPlanner_LinkImportedRefusesOwnedEvent(t *testing.T) {
	h := newHarness(t)
	tk := h.task("Write", 60)
	s := h.scheduleLinked(tk.ID, h.at(9, 0), h.at(10, 0), true)

	_, err := h.planner.LinkImported(h.ctx, tk.ID, domain.CalendarEvent{ID: s.OwnedEventID}, h.now)
	assert.ErrorIs(t, err, domain.ErrLinkConflict)
}

func TestPlanner_UnscheduleDeletesOwnedEvent(t *testing.T) {
	h := newHarness(t)
	tk := h.task("Write", 60)
	s := h.scheduleLinked(tk.ID, h.at(9, 0), h.at(10, 0), true)

	require.NoError(t, h.planner.Unschedule(h.ctx, s.ID, h.now))
	_, err := h.queue.Process(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{s.OwnedEventID}, h.gw.deleted)
	assert.True(t, h.session(s.ID).IsDiscarded)
}

func TestPlanner_UnscheduleImportedOnlyUnlinks(t *testing.T) {
	h := newHarness(t)
	tk := h.task("Standup", 15)
	s, err := h.planner.LinkImported(h.ctx, tk.ID, domain.CalendarEvent{ID: "imp-1", Start: h.at(9, 0), End: h.at(9, 15)}, h.now)
	require.NoError(t, err)

	require.NoError(t, h.planner.Unschedule(h.ctx, s.ID, h.now))
	assert.Empty(t, h.ops())
	got := h.session(s.ID)
	assert.True(t, got.IsDiscarded)
	assert.Empty(t, got.ImportedEventID)
}

func TestPlanner_UnscheduleActiveFails(t *testing.T) {
	h := newHarness(t)
	tk := h.task("Write", 60)
	s := h.scheduleLinked(tk.ID, h.at(9, 0), h.at(10, 0), true)
	_, err := h.ctrl.Start(h.ctx, tk.ID, s.ID, h.at(9, 0))
	require.NoError(t, err)

	err = h.planner.Unschedule(h.ctx, s.ID, h.at(9, 5))
	assert.ErrorIs(t, err, domain.ErrSessionActive)
}
