// Package bus implements the bidirectional event bus of spec.md §4.2
// (daemon, C2), §4.5 (router, C5), and the wire half of §4.3 (client,
// C3): single newline-terminated JSON objects with a mandatory "type"
// field, exchanged between a controller and any number of local clients
// on the remote side.
package bus

import "time"

// EventType enumerates the wire types of spec.md §6.
type EventType string

const (
	TypeNewTaskspaceRequest EventType = "new_taskspace_request"
	TypeUpdateTaskspace     EventType = "update_taskspace"
	TypeStatusRequest       EventType = "status_request"
	TypeStatusResponse      EventType = "status_response"
	TypeProgressLog         EventType = "progress_log"
	TypeUserSignal          EventType = "user_signal"
)

// Category is the severity/kind of a progress_log event.
type Category string

const (
	CategoryInfo      Category = "info"
	CategoryWarn      Category = "warn"
	CategoryError     Category = "error"
	CategoryMilestone Category = "milestone"
	CategoryQuestion  Category = "question"
)

// Envelope is the minimal shape every event satisfies; used for the
// first-pass parse that decides which concrete type to unmarshal into.
type Envelope struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// NewTaskspaceRequest is emitted by `taskctl new-taskspace`.
type NewTaskspaceRequest struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	Cwd           string    `json:"cwd,omitempty"`
	InitialPrompt string    `json:"initial_prompt,omitempty"`
}

// UpdateTaskspace is emitted by `taskctl update-taskspace`; UUID is
// derived from the caller's working directory, per spec.md §4.3/§9.
type UpdateTaskspace struct {
	Type        EventType `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	UUID        string    `json:"uuid"`
	Name        string    `json:"name,omitempty"`
	Description string    `json:"description,omitempty"`
}

// StatusRequest is emitted by `taskctl status`.
type StatusRequest struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskspaceStatus is one entry of a StatusResponse.
type TaskspaceStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	UUID   string `json:"uuid"`
}

// StatusResponse answers a StatusRequest with the current roster
// summary, emitted by the controller's event router.
type StatusResponse struct {
	Type            EventType         `json:"type"`
	Timestamp       time.Time         `json:"timestamp"`
	Taskspaces      []TaskspaceStatus `json:"taskspaces"`
	ActiveTaskSpace string            `json:"activeTaskSpace,omitempty"`
}

// ProgressLog is emitted by `taskctl log-progress` or the tool endpoint.
type ProgressLog struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	Message       string    `json:"message"`
	Category      Category  `json:"category"`
	TaskspaceUUID string    `json:"taskspace_uuid,omitempty"`
}

// UserSignal is emitted by `taskctl signal-user`.
type UserSignal struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	Message       string    `json:"message"`
	TaskspaceUUID string    `json:"taskspace_uuid,omitempty"`
}
