// Package todo models the household "operations" list.
package todo

import (
	"fmt"
	"strings"
	"time"

	"github.com/gunshikin/kanri/internal/records"
)

// Table is the backend table (or collection) name.
const Table = "todos"

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
)

// DefaultCategory is used for tasks without a category.
const DefaultCategory = "general"

// Todo is one task.
type Todo struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    Priority `json:"priority"`
	Status      Status   `json:"status"`
	Done        bool     `json:"done"`
	Category    string   `json:"category,omitempty"`
	Assignee    string   `json:"assignee,omitempty"`
	DueDate     string   `json:"due_date,omitempty"` // YYYY-MM-DD
	CompletedAt string   `json:"completed_at,omitempty"`
	CreatedAt   string   `json:"created_at,omitempty"`
	UpdatedAt   string   `json:"updated_at,omitempty"`
}

func (t Todo) EntityID() string { return t.ID }

// Validate checks a task before it is stored.
func (t Todo) Validate() error {
	if strings.TrimSpace(t.Title) == "" {
		return fmt.Errorf("%w: title is required", records.ErrInvalidEntity)
	}
	switch t.Priority {
	case "", PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
	default:
		return fmt.Errorf("%w: unknown priority %q", records.ErrInvalidEntity, t.Priority)
	}
	switch t.Status {
	case "", StatusPending, StatusInProgress, StatusCompleted:
	default:
		return fmt.Errorf("%w: unknown status %q", records.ErrInvalidEntity, t.Status)
	}
	if t.DueDate != "" {
		if _, err := time.Parse(time.DateOnly, t.DueDate); err != nil {
			return fmt.Errorf("%w: due_date %q is not YYYY-MM-DD", records.ErrInvalidEntity, t.DueDate)
		}
	}
	return nil
}

// WithDefaults fills the fields a new task needs.
func (t Todo) WithDefaults() Todo {
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.Category == "" {
		t.Category = DefaultCategory
	}
	t.Done = t.Status == StatusCompleted
	return t
}

// WithStatus returns a copy moved to status, keeping Done and CompletedAt in
// step with it.
func (t Todo) WithStatus(status Status, now time.Time) Todo {
	t.Status = status
	t.Done = status == StatusCompleted
	if t.Done {
		t.CompletedAt = now.UTC().Format(time.RFC3339)
	} else {
		t.CompletedAt = ""
	}
	return t
}

// CategoryStats counts tasks in one category.
type CategoryStats struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
}

// Stats summarises a task list.
type Stats struct {
	Total          int                      `json:"total"`
	Completed      int                      `json:"completed"`
	InProgress     int                      `json:"in_progress"`
	Pending        int                      `json:"pending"`
	Overdue        int                      `json:"overdue"`
	Urgent         int                      `json:"urgent"`
	DueToday       int                      `json:"due_today"`
	CompletionRate int                      `json:"completion_rate"` // percent, rounded
	ByCategory     map[string]CategoryStats `json:"by_category"`
}

// ComputeStats summarises todos as of now. Due dates are compared as
// calendar days in now's location.
func ComputeStats(todos []Todo, now time.Time) Stats {
	today := now.Format(time.DateOnly)
	s := Stats{Total: len(todos), ByCategory: map[string]CategoryStats{}}

	for _, t := range todos {
		completed := t.Status == StatusCompleted
		switch t.Status {
		case StatusCompleted:
			s.Completed++
		case StatusInProgress:
			s.InProgress++
		default:
			s.Pending++
		}
		if !completed && t.DueDate != "" {
			if t.DueDate < today {
				s.Overdue++
			} else if t.DueDate == today {
				s.DueToday++
			}
		}
		if !completed && t.Priority == PriorityUrgent {
			s.Urgent++
		}

		cat := t.Category
		if cat == "" {
			cat = DefaultCategory
		}
		cs := s.ByCategory[cat]
		cs.Total++
		if completed {
			cs.Completed++
		}
		s.ByCategory[cat] = cs
	}

	if s.Total > 0 {
		s.CompletionRate = (s.Completed*100 + s.Total/2) / s.Total
	}
	return s
}

// Filter selects tasks. Empty or "all" fields match anything.
type Filter struct {
	Status   string
	Priority string
	Assignee string
	Category string
}

func matches(want, got string) bool {
	return want == "" || want == "all" || want == got
}

// Matches reports whether t passes every field of f.
func (f Filter) Matches(t Todo) bool {
	return matches(f.Status, string(t.Status)) &&
		matches(f.Priority, string(t.Priority)) &&
		matches(f.Assignee, t.Assignee) &&
		matches(f.Category, t.Category)
}

// Apply returns the todos matching f, preserving order.
func (f Filter) Apply(todos []Todo) []Todo {
	var out []Todo
	for _, t := range todos {
		if f.Matches(t) {
			out = append(out, t)
		}
	}
	return out
}
