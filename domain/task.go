package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Status is both the lifecycle stage of a task and the board column key.
type Status string

const (
	StatusTodo       Status = "Todo"
	StatusInProgress Status = "In Progress"
	StatusDone       Status = "Done"
)

// Statuses lists the board columns in display order.
var Statuses = []Status{StatusTodo, StatusInProgress, StatusDone}

// Valid reports whether s is one of the board columns.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone:
		return true
	}
	return false
}

// Priority orders tasks within a column.
type Priority string

const (
	PriorityLow    Priority = "Low"
	PriorityMedium Priority = "Medium"
	PriorityHigh   Priority = "High"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Task represents a single card on the shared board.
//
// Version is the optimistic concurrency token: every successful write replaces
// it with a strictly greater value, and conditional writes compare against it.
type Task struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	Status       Status    `json:"status"`
	Priority     Priority  `json:"priority"`
	AssignedUser string    `json:"assignedUser,omitempty"`
	Version      Version   `json:"version"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// NewTask carries the caller supplied fields of a create request.
type NewTask struct {
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Status       Status   `json:"status,omitempty"`
	Priority     Priority `json:"priority,omitempty"`
	AssignedUser string   `json:"assignedUser,omitempty"`
}

// Patch holds the fields of an update. Nil pointers leave the stored value
// untouched.
type Patch struct {
	Title        *string   `json:"title,omitempty"`
	Description  *string   `json:"description,omitempty"`
	Status       *Status   `json:"status,omitempty"`
	Priority     *Priority `json:"priority,omitempty"`
	AssignedUser Assignee  `json:"assignedUser"`
}

// MarshalJSON leaves assignedUser out when the patch does not touch it, so a
// decoded patch keeps the absent/null distinction.
func (p Patch) MarshalJSON() ([]byte, error) {
	type plain Patch
	out := struct {
		plain
		AssignedUser *Assignee `json:"assignedUser,omitempty"`
	}{plain: plain(p)}
	if p.AssignedUser.Set {
		out.AssignedUser = &p.AssignedUser
	}
	return json.Marshal(out)
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Status == nil && p.Priority == nil && !p.AssignedUser.Set
}

// Apply returns a copy of t with the patch fields merged in.
func (p Patch) Apply(t Task) Task {
	if p.Title != nil {
		t.Title = strings.TrimSpace(*p.Title)
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.AssignedUser.Set {
		t.AssignedUser = p.AssignedUser.UserID
	}
	return t
}

// PatchFrom builds a patch that sets every mutable field of t. Forced writes
// that resolve a conflict submit the whole snapshot this way.
func PatchFrom(t Task) Patch {
	title := t.Title
	desc := t.Description
	status := t.Status
	prio := t.Priority
	return Patch{
		Title:        &title,
		Description:  &desc,
		Status:       &status,
		Priority:     &prio,
		AssignedUser: AssignTo(t.AssignedUser),
	}
}

// Assignee is a tri-state assignment: absent, explicitly cleared (null) or set
// to a user id.
type Assignee struct {
	Set    bool
	UserID string
}

// AssignTo returns an Assignee that sets the user, or clears it when id is empty.
func AssignTo(id string) Assignee { return Assignee{Set: true, UserID: id} }

// Unassign returns an Assignee that clears the assignment.
func Unassign() Assignee { return Assignee{Set: true} }

func (a Assignee) MarshalJSON() ([]byte, error) {
	if !a.Set || a.UserID == "" {
		return []byte("null"), nil
	}
	return json.Marshal(a.UserID)
}

func (a *Assignee) UnmarshalJSON(b []byte) error {
	a.Set = true
	s := strings.TrimSpace(string(b))
	if s == "null" {
		a.UserID = ""
		return nil
	}
	return json.Unmarshal(b, &a.UserID)
}
