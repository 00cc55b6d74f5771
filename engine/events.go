package engine

import "time"

// EventType identifies the kind of event emitted by the Engine.
type EventType int

const (
	// Connection events
	EventStatusChanged EventType = iota + 1

	// Tag events
	EventTagUpdated
	EventTagWritten

	// Recipe events
	EventRecipeCreated
	EventRecipeUpdated
	EventRecipeDeleted
	EventRecipeApplied

	// Publisher events
	EventPublisherStarted
	EventPublisherStopped
)

func (t EventType) String() string {
	switch t {
	case EventStatusChanged:
		return "status"
	case EventTagUpdated:
		return "tag"
	case EventTagWritten:
		return "tag-written"
	case EventRecipeCreated:
		return "recipe-created"
	case EventRecipeUpdated:
		return "recipe-updated"
	case EventRecipeDeleted:
		return "recipe-deleted"
	case EventRecipeApplied:
		return "recipe-applied"
	case EventPublisherStarted:
		return "publisher-started"
	case EventPublisherStopped:
		return "publisher-stopped"
	default:
		return "unknown"
	}
}

// Event is the envelope emitted by the Engine's EventBus.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   interface{}
}

// StatusEvent is the payload for connection state changes.
type StatusEvent struct {
	State     string    `json:"state"`
	Error     string    `json:"error,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Since     time.Time `json:"since"`
	Address   string    `json:"address"`
}

// TagEvent is the payload for tag updates and writes.
type TagEvent struct {
	Name    string      `json:"name"`
	Address string      `json:"address"`
	Type    string      `json:"type"`
	Value   interface{} `json:"value"`
}

// RecipeEvent is the payload for recipe changes.
type RecipeEvent struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// ServiceEvent is the payload for MQTT/Valkey/Kafka lifecycle events.
type ServiceEvent struct {
	Kind string // "mqtt", "valkey", "kafka"
	Name string
}
