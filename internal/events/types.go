// Package events defines the in-process events that carry game server
// activity to the bridge.
package events

import "github.com/shirou/gopsutil/v3/process"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Game server lifecycle
	EventServerStartup EventType = "server_startup"
	EventServerStop    EventType = "server_stop"

	// Player activity parsed from the console
	EventPlayerChat   EventType = "player_chat"
	EventPlayerJoined EventType = "player_joined"
	EventPlayerLeft   EventType = "player_left"

	// Bot connection state, reported by the listener
	EventBotConnected    EventType = "bot_connected"
	EventBotDisconnected EventType = "bot_disconnected"

	// Raised by the watchdog when a check changes level
	EventHealthAlert EventType = "health_alert"

	// System events
	EventShutdown EventType = "shutdown"
)

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// ServerStartupPayload is emitted once the game server reports it is ready.
type ServerStartupPayload struct {
	PID int32
	// Process is primed for CPU sampling; nil if the pid could not be opened.
	Process *process.Process
}

// ServerStopPayload is emitted when the game server process exits.
type ServerStopPayload struct {
	PID      int32
	ExitCode int
}

// PlayerChatPayload carries one chat line typed by a player.
type PlayerChatPayload struct {
	Player  string
	Message string
}

// PlayerPayload identifies the player that joined or left.
type PlayerPayload struct {
	Player string
}

// BotConnectionPayload names the connection role whose state changed.
type BotConnectionPayload struct {
	Role string
}

// HealthAlertPayload describes a check whose level changed. Level is
// empty once the check has recovered.
type HealthAlertPayload struct {
	Check   string
	Level   string
	Message string
}
