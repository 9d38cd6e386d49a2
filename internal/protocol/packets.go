// Package protocol implements the wire format spoken between qqbridge and
// the remote bot. Every frame is a single JSON text message carrying either
// an Envelope (a typed event or command) or a Response to a synchronous
// exchange.
package protocol

import "encoding/json"

// EventType is the discriminator carried in every Envelope.
type EventType string

// Outgoing events published by the sender role.
const (
	TypeMessage        EventType = "message"
	TypePlayerChat     EventType = "player_chat"
	TypePlayerLeft     EventType = "player_left"
	TypePlayerJoined   EventType = "player_joined"
	TypeServerStartup  EventType = "server_startup"
	TypeServerShutdown EventType = "server_shutdown"
)

// Commands accepted by the listener role. TypeMessage is shared: inbound it
// asks the game server to broadcast the text to every player.
const (
	TypeCommand          EventType = "command"
	TypeServerOccupation EventType = "server_occupation"
	TypePlayerList       EventType = "player_list"
)

var knownTypes = map[EventType]struct{}{
	TypeMessage:          {},
	TypePlayerChat:       {},
	TypePlayerLeft:       {},
	TypePlayerJoined:     {},
	TypeServerStartup:    {},
	TypeServerShutdown:   {},
	TypeCommand:          {},
	TypeServerOccupation: {},
	TypePlayerList:       {},
}

// Known reports whether t belongs to the fixed vocabulary.
func (t EventType) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// Envelope is a typed message. Data is present only when the event defines
// a payload, and is canonical: compact JSON, never a literal null. Encode
// compacts and DecodeEnvelope drops null, so an envelope built by hand with
// other Data round-trips to an equivalent rather than identical value.
type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Response answers a synchronous exchange. A missing or false Success is a
// failure regardless of Data.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Occupation is the payload of a server_occupation reply or push.
type Occupation struct {
	CPU    float64 `json:"cpu"`
	Memory float32 `json:"memory"`
}

// MaxFrameSize bounds a single inbound text frame.
const MaxFrameSize = 1 << 20
