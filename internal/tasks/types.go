// Package tasks holds the session-scoped task list that gates turn completion.
//
// A task list is replaced wholesale on every write. The Writer serializes
// writes per session and enforces that at most one item is in progress; the
// stores only persist what they are given.
package tasks

import (
	"errors"
	"fmt"
	"strings"
)

// Status is the lifecycle state of a task item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Done reports whether the item no longer blocks completion.
func (s Status) Done() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Priority orders task items for the model.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Item is one tracked unit of work.
type Item struct {
	ID       string   `json:"id,omitempty" jsonschema:"description=Stable identifier for the item."`
	Content  string   `json:"content" jsonschema:"minLength=1,description=What needs to be done."`
	Status   Status   `json:"status" jsonschema:"enum=pending,enum=in_progress,enum=completed,enum=cancelled"`
	Priority Priority `json:"priority,omitempty" jsonschema:"enum=high,enum=medium,enum=low"`
}

var (
	// ErrMultipleInProgress is returned when a write marks more than one item in progress.
	ErrMultipleInProgress = errors.New("at most one task may be in_progress")

	// ErrInvalidItem is returned for items with missing or unknown fields.
	ErrInvalidItem = errors.New("invalid task item")
)

// Validate checks a complete list. Items must have content, a known status,
// a known priority (empty is treated as medium) and unique IDs.
func Validate(items []Item) error {
	seen := make(map[string]struct{}, len(items))
	inProgress := 0
	for i, item := range items {
		if strings.TrimSpace(item.Content) == "" {
			return fmt.Errorf("%w: item %d has no content", ErrInvalidItem, i)
		}
		if !item.Status.Valid() {
			return fmt.Errorf("%w: item %d has unknown status %q", ErrInvalidItem, i, item.Status)
		}
		if item.Priority != "" && !item.Priority.Valid() {
			return fmt.Errorf("%w: item %d has unknown priority %q", ErrInvalidItem, i, item.Priority)
		}
		if item.ID != "" {
			if _, dup := seen[item.ID]; dup {
				return fmt.Errorf("%w: duplicate id %q", ErrInvalidItem, item.ID)
			}
			seen[item.ID] = struct{}{}
		}
		if item.Status == StatusInProgress {
			inProgress++
		}
	}
	if inProgress > 1 {
		return fmt.Errorf("%w (got %d)", ErrMultipleInProgress, inProgress)
	}
	return nil
}

// Incomplete returns the items that are neither completed nor cancelled, in order.
func Incomplete(items []Item) []Item {
	var out []Item
	for _, item := range items {
		if !item.Status.Done() {
			out = append(out, item)
		}
	}
	return out
}

// Clone returns a copy of items that shares no backing array with the input.
func Clone(items []Item) []Item {
	if items == nil {
		return nil
	}
	out := make([]Item, len(items))
	copy(out, items)
	return out
}
