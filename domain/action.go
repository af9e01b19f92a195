package domain

import "time"

// Verb names the kind of mutation recorded in the action log.
type Verb string

const (
	VerbCreate      Verb = "create"
	VerbUpdate      Verb = "update"
	VerbDelete      Verb = "delete"
	VerbSmartAssign Verb = "smart_assign"
)

// ActionLogEntry is an append-only audit record written for every successful
// mutation. TaskTitle is a snapshot so deleted tasks stay readable.
type ActionLogEntry struct {
	ID        string    `json:"id"`
	Actor     string    `json:"actor"`
	Verb      Verb      `json:"verb"`
	TaskID    string    `json:"taskId"`
	TaskTitle string    `json:"taskTitle"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

// User is referenced by tasks and audit entries. Its lifecycle is owned
// elsewhere.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// ActionView is the activity feed projection of an entry.
type ActionView struct {
	ID        string    `json:"id"`
	Verb      Verb      `json:"verb"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
	Actor     User      `json:"actor"`
	Task      TaskRef   `json:"task"`
}

// TaskRef identifies the subject task of an activity entry.
type TaskRef struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Deleted bool   `json:"deleted,omitempty"`
}

// UserLoad summarises the assignment load of one user.
type UserLoad struct {
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	TotalTasks  int    `json:"totalTasks"`
	ActiveTasks int    `json:"activeTasks"`
	DoneTasks   int    `json:"doneTasks"`
}
