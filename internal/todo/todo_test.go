package todo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/gunshikin/kanri/internal/records"
)

var now = time.Date(2025, 7, 15, 10, 0, 0, 0, time.UTC)

func sample() []Todo {
	return []Todo{
		{ID: "1", Title: "refill ammo", Priority: PriorityUrgent, Status: StatusPending, DueDate: "2025-07-14", Category: "supply"},
		{ID: "2", Title: "file taxes", Priority: PriorityHigh, Status: StatusInProgress, DueDate: "2025-07-15", Assignee: "hanako"},
		{ID: "3", Title: "clean base", Priority: PriorityLow, Status: StatusCompleted, DueDate: "2025-07-01", Category: "supply"},
		{ID: "4", Title: "plan trip", Priority: PriorityUrgent, Status: StatusCompleted, Assignee: "taro"},
	}
}

func TestComputeStats(t *testing.T) {
	s := ComputeStats(sample(), now)

	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 2, s.Completed)
	assert.Equal(t, 1, s.InProgress)
	assert.Equal(t, 1, s.Pending)
	assert.Equal(t, 1, s.Overdue, "completed tasks are never overdue")
	assert.Equal(t, 1, s.DueToday)
	assert.Equal(t, 1, s.Urgent)
	assert.Equal(t, 50, s.CompletionRate)
	assert.Equal(t, CategoryStats{Total: 2, Completed: 1}, s.ByCategory["supply"])
	assert.Equal(t, CategoryStats{Total: 2, Completed: 1}, s.ByCategory[DefaultCategory])
}

func TestComputeStats_Empty(t *testing.T) {
	s := ComputeStats(nil, now)
	assert.Equal(t, 0, s.CompletionRate)
	assert.Empty(t, s.ByCategory)
}

func TestFilter(t *testing.T) {
	got := Filter{Priority: "urgent", Status: "all"}.Apply(sample())
	assert.Len(t, got, 2)

	got = Filter{Assignee: "hanako"}.Apply(sample())
	if assert.Len(t, got, 1) {
		assert.Equal(t, "2", got[0].ID)
	}

	assert.Len(t, Filter{}.Apply(sample()), 4)
}

func TestWithStatus(t *testing.T) {
	done := Todo{ID: "1"}.WithStatus(StatusCompleted, now)
	assert.True(t, done.Done)
	assert.Equal(t, "2025-07-15T10:00:00Z", done.CompletedAt)

	reopened := done.WithStatus(StatusInProgress, now)
	assert.False(t, reopened.Done)
	assert.Empty(t, reopened.CompletedAt)
}

func TestValidateAndDefaults(t *testing.T) {
	assert.ErrorIs(t, Todo{}.Validate(), records.ErrInvalidEntity)
	assert.ErrorIs(t, Todo{Title: "x", Priority: "someday"}.Validate(), records.ErrInvalidEntity)
	assert.ErrorIs(t, Todo{Title: "x", Status: "blocked"}.Validate(), records.ErrInvalidEntity)
	assert.ErrorIs(t, Todo{Title: "x", DueDate: "15/07/2025"}.Validate(), records.ErrInvalidEntity)
	assert.NoError(t, Todo{Title: "x", DueDate: "2025-07-15"}.Validate())

	td := Todo{Title: "restock"}.WithDefaults()
	assert.Equal(t, PriorityMedium, td.Priority)
	assert.Equal(t, StatusPending, td.Status)
	assert.Equal(t, DefaultCategory, td.Category)
	assert.False(t, td.Done)
	assert.True(t, Todo{Title: "x", Status: StatusCompleted}.WithDefaults().Done)
}

func TestFilterMatches(t *testing.T) {
	f := Filter{Status: "all", Assignee: "hanako"}
	assert.True(t, f.Matches(sample()[1]))
	assert.False(t, f.Matches(sample()[0]))
}
