package proto

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies one kind of run event on the dashboard stream.
type EventType string

const (
	EventIterationStart EventType = "iteration_start"
	EventIterationEnd   EventType = "iteration_end"
	EventActionStart    EventType = "action_start"
	EventActionEnd      EventType = "action_end"
	EventLogLine        EventType = "log_line"
	EventPRUpdated      EventType = "pr_updated"
	EventBudgetWarning  EventType = "budget_warning"
	EventGutterSignal   EventType = "gutter_signal"
	EventStateChange    EventType = "state_change"
)

// Event is one entry of the append-only activity log and of the dashboard
// event stream. Events are emitted in the order they occur and never
// reordered.
//
//nolint:govet // Logical field grouping preferred over memory optimization
type Event struct {
	Timestamp time.Time      `json:"ts"`
	RunID     string         `json:"run_id"`
	Type      EventType      `json:"type"`
	Iteration int            `json:"iteration,omitempty"`
	Message   string         `json:"message,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// NewEvent creates an event stamped with the current UTC time.
func NewEvent(runID string, typ EventType, iteration int, message string) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		RunID:     runID,
		Type:      typ,
		Iteration: iteration,
		Message:   message,
	}
}

// WithField attaches a structured field and returns the event for chaining.
func (e *Event) WithField(key string, value any) *Event {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// ToJSON serializes the event as a single JSONL line payload.
func (e *Event) ToJSON() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize event: %w", err)
	}
	return data, nil
}

// EventFromJSON parses one activity log line.
func EventFromJSON(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to parse event: %w", err)
	}
	return &e, nil
}
