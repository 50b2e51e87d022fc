// Package events defines event types and the asynchronous event bus used to
// fan marketplace and room lifecycle notifications out to telemetry and
// other observers.
package events

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Account events
	EventUserLogin      EventType = "user_login"
	EventUserRegistered EventType = "user_registered"

	// Catalog events
	EventGameUploaded   EventType = "game_uploaded"
	EventGameUpdated    EventType = "game_updated"
	EventGameDeleted    EventType = "game_deleted"
	EventGameDownloaded EventType = "game_downloaded"
	EventReviewSaved    EventType = "review_saved"

	// Room events
	EventRoomCreated EventType = "room_created"
	EventRoomJoined  EventType = "room_joined"
	EventRoomClosed  EventType = "room_closed"

	// System events
	EventShutdown EventType = "shutdown"
)

// Event is a single notification delivered through the EventBus.
type Event struct {
	Type    EventType
	Source  string
	Payload any
}

// UserPayload accompanies account events.
type UserPayload struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

// GamePayload accompanies catalog events.
type GamePayload struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Author  string `json:"author"`
	User    string `json:"user,omitempty"`
}

// RoomPayload accompanies room lifecycle events.
type RoomPayload struct {
	RoomID   string `json:"room_id"`
	GameName string `json:"game_name"`
	Host     string `json:"host"`
	Port     uint16 `json:"port"`
	Player   string `json:"player,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// ReviewPayload accompanies review events.
type ReviewPayload struct {
	GameName string `json:"game_name"`
	Reviewer string `json:"reviewer"`
	Rating   int    `json:"rating"`
}
