package domain

import "time"

// EventType identifies what produced a repository event.
type EventType string

const (
	EventPush        EventType = "push"
	EventPullRequest EventType = "pull_request"
	EventSchedule    EventType = "schedule"
	EventManual      EventType = "manual"
)

func (t EventType) String() string {
	return string(t)
}

// Valid reports whether the event type is one the engine understands.
func (t EventType) Valid() bool {
	switch t {
	case EventPush, EventPullRequest, EventSchedule, EventManual:
		return true
	default:
		return false
	}
}

// Event is a repository event that may trigger workflow runs.
type Event struct {
	ID         string
	Type       EventType
	Repo       string
	Ref        string // Full ref, e.g. refs/heads/feature-x
	Branch     string // Branch the event happened on
	BaseBranch string // Target branch for pull_request events
	HeadSHA    string
	Actor      string
	Payload    map[string]any
	ReceivedAt time.Time
}

// NewEvent creates a new Event.
func NewEvent(id string, eventType EventType) *Event {
	return &Event{
		ID:         id,
		Type:       eventType,
		Payload:    make(map[string]any),
		ReceivedAt: time.Now().UTC(),
	}
}
