package eventbus

import (
	"context"
	"time"
)

// EventType represents the type of an event
type EventType string

// Standard event types
const (
	// Plan lifecycle events
	EventPlanAccepted        EventType = "plan_accepted"
	EventPlanStarted         EventType = "plan_started"
	EventPlanCompleted       EventType = "plan_completed"
	EventPlanAborted         EventType = "plan_aborted"
	EventPlanFailed          EventType = "plan_failed"
	EventPlanCancelRequested EventType = "plan_cancel_requested"

	// Step lifecycle events
	EventStepDispatched EventType = "step_dispatched"
	EventStepVerifying  EventType = "step_verifying"
	EventStepCompleted  EventType = "step_completed"
	EventStepFailed     EventType = "step_failed"
	EventStepTimedOut   EventType = "step_timed_out"
	EventStepImpossible EventType = "step_impossible"
	EventStepAborted    EventType = "step_aborted"

	// Vehicle events
	EventStopActionIssued     EventType = "stop_action_issued"
	EventStopActionFailed     EventType = "stop_action_failed"
	EventCompleteActionIssued EventType = "complete_action_issued"
	EventCompleteActionFailed EventType = "complete_action_failed"

	// System events
	EventSystemError   EventType = "system_error"
	EventSystemWarning EventType = "system_warning"
	EventSystemInfo    EventType = "system_info"
)

// StepEvents lists every step transition event.
var StepEvents = []EventType{
	EventStepDispatched, EventStepVerifying, EventStepCompleted, EventStepFailed,
	EventStepTimedOut, EventStepImpossible, EventStepAborted,
}

// PlanEvents lists every plan transition event.
var PlanEvents = []EventType{
	EventPlanAccepted, EventPlanStarted, EventPlanCompleted, EventPlanAborted,
	EventPlanFailed, EventPlanCancelRequested,
}

// EventHandler is a function that handles events
type EventHandler func(context.Context, Event) error

// Event represents something that has happened within the system
type Event interface {
	// Type returns the event type
	Type() EventType

	// Payload returns the event data
	Payload() interface{}

	// Metadata returns additional information about the event
	Metadata() map[string]interface{}

	// Timestamp returns when the event occurred
	Timestamp() int64

	// Source returns information about what generated the event
	Source() string
}

// EventBus is the central event dispatch system
type EventBus interface {
	// Publish sends an event to all subscribed handlers
	Publish(ctx context.Context, event Event) error

	// Subscribe registers a handler for specific event types
	// Returns a subscription ID that can be used to unsubscribe
	Subscribe(eventTypes []EventType, handler EventHandler) (string, error)

	// SubscribeAll registers a handler for all event types
	// Returns a subscription ID that can be used to unsubscribe
	SubscribeAll(handler EventHandler) (string, error)

	// Unsubscribe removes a subscription by ID
	Unsubscribe(subscriptionID string) error

	// Close shuts down the event bus, cleaning up resources
	Close() error
}

// BaseEvent is a simple implementation of the Event interface
type BaseEvent struct {
	eventType  EventType
	payload    interface{}
	metadata   map[string]interface{}
	timestamp  int64
	sourceInfo string
}

// NewEvent creates a new BaseEvent
func NewEvent(
	eventType EventType,
	payload interface{},
	source string,
	metadata map[string]interface{},
) *BaseEvent {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}

	return &BaseEvent{
		eventType:  eventType,
		payload:    payload,
		metadata:   metadata,
		timestamp:  time.Now().UnixNano(),
		sourceInfo: source,
	}
}

// Type returns the event type
func (e *BaseEvent) Type() EventType {
	return e.eventType
}

// Payload returns the event data
func (e *BaseEvent) Payload() interface{} {
	return e.payload
}

// Metadata returns additional information about the event
func (e *BaseEvent) Metadata() map[string]interface{} {
	return e.metadata
}

// Timestamp returns when the event occurred
func (e *BaseEvent) Timestamp() int64 {
	return e.timestamp
}

// Source returns information about what generated the event
func (e *BaseEvent) Source() string {
	return e.sourceInfo
}

// WithMetadata adds or updates metadata and returns the same event
func (e *BaseEvent) WithMetadata(key string, value interface{}) *BaseEvent {
	e.metadata[key] = value
	return e
}
