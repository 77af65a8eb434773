// Package audit keeps a durable JSON-lines trail of every device action
// newtlife takes.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Event is one auditable action against one device.
type Event struct {
	ID         string        `json:"id"`
	Timestamp  time.Time     `json:"timestamp"`
	User       string        `json:"user"`
	Workflow   string        `json:"workflow"`
	RunID      string        `json:"run_id,omitempty"`
	Device     string        `json:"device"`
	Address    string        `json:"address,omitempty"`
	Type       EventType     `json:"type"`
	Phase      string        `json:"phase,omitempty"`
	Status     string        `json:"status,omitempty"`
	Credential string        `json:"credential,omitempty"`
	Message    string        `json:"message,omitempty"`
	LogPath    string        `json:"log_path,omitempty"`
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// EventType categorizes audit events
type EventType string

const (
	EventTypePhase  EventType = "phase"
	EventTypeRun    EventType = "run"
	EventTypeBackup EventType = "backup"
)

// Filter defines criteria for querying audit events
type Filter struct {
	Device      string
	Workflow    string
	RunID       string
	Type        EventType
	StartTime   time.Time
	EndTime     time.Time
	SuccessOnly bool
	FailureOnly bool
	Limit       int
	Offset      int
}

// NewEvent creates a new audit event
func NewEvent(user, workflow, device string, typ EventType) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		User:      user,
		Workflow:  workflow,
		Device:    device,
		Type:      typ,
	}
}

// WithRun sets the run identifier
func (e *Event) WithRun(id string) *Event {
	e.RunID = id
	return e
}

// WithPhase sets the phase name and its status
func (e *Event) WithPhase(phase, status string) *Event {
	e.Phase = phase
	e.Status = status
	return e
}

// WithCredential sets the credential tier that logged in
func (e *Event) WithCredential(label string) *Event {
	e.Credential = label
	return e
}

// WithSuccess marks the event as successful
func (e *Event) WithSuccess() *Event {
	e.Success = true
	return e
}

// WithError marks the event as failed
func (e *Event) WithError(err error) *Event {
	e.Success = false
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// WithDuration sets the operation duration
func (e *Event) WithDuration(d time.Duration) *Event {
	e.Duration = d
	return e
}
