// Package server hosts the game server process: it launches it with
// console pipes, parses its log output into events, keeps the online
// roster, and exposes the command surface the bot drives.
package server

import (
	"sort"
	"sync"
	"time"
)

// Status is the lifecycle of the hosted game server.
type Status int

const (
	StatusStopped Status = iota
	StatusStarting
	StatusReady
	StatusStopping
)

var statusStrings = map[Status]string{
	StatusStopped:  "stopped",
	StatusStarting: "starting",
	StatusReady:    "ready",
	StatusStopping: "stopping",
}

// String returns the string representation of Status.
func (s Status) String() string {
	if str, ok := statusStrings[s]; ok {
		return str
	}
	return "stopped"
}

// MarshalJSON serializes Status as a JSON string (e.g. "ready").
func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// PlayerInfo holds information about an online player.
type PlayerInfo struct {
	Name     string    `json:"name"`
	JoinedAt time.Time `json:"joined_at"`
}

// GameState tracks the server status and who is online. It is safe for
// concurrent use.
type GameState struct {
	mu sync.RWMutex

	status          Status
	players         map[string]PlayerInfo
	statusChangedAt time.Time
	readyAt         time.Time
}

// NewGameState creates a stopped state with nobody online.
func NewGameState() *GameState {
	return &GameState{
		players:         make(map[string]PlayerInfo),
		statusChangedAt: time.Now(),
	}
}

// SetStatus updates the status and returns the previous one.
func (s *GameState) SetStatus(status Status) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.status
	if old != status {
		s.status = status
		s.statusChangedAt = time.Now()
		if status == StatusReady {
			s.readyAt = s.statusChangedAt
		}
	}
	return old
}

// Status returns the current status.
func (s *GameState) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// AddPlayer marks a player online. It reports false if they already were.
func (s *GameState) AddPlayer(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.players[name]; ok {
		return false
	}
	s.players[name] = PlayerInfo{Name: name, JoinedAt: time.Now()}
	return true
}

// RemovePlayer marks a player offline. It reports false if they were not
// online.
func (s *GameState) RemovePlayer(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.players[name]; !ok {
		return false
	}
	delete(s.players, name)
	return true
}

// PlayerNames returns the online players sorted by name. The result is
// never nil.
func (s *GameState) PlayerNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.players))
	for name := range s.players {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset clears the roster and marks the server stopped.
func (s *GameState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusStopped
	s.players = make(map[string]PlayerInfo)
	s.statusChangedAt = time.Now()
	s.readyAt = time.Time{}
}

// Snapshot returns a read-only copy of the current state.
func (s *GameState) Snapshot() GameStateSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	players := make([]PlayerInfo, 0, len(s.players))
	for _, p := range s.players {
		players = append(players, p)
	}
	sort.Slice(players, func(i, j int) bool { return players[i].Name < players[j].Name })

	return GameStateSnapshot{
		Status:          s.status,
		PlayerCount:     len(players),
		Players:         players,
		StatusChangedAt: s.statusChangedAt,
		ReadyAt:         s.readyAt,
	}
}

// GameStateSnapshot is an immutable snapshot of a game state.
type GameStateSnapshot struct {
	Status          Status       `json:"status"`
	PlayerCount     int          `json:"player_count"`
	Players         []PlayerInfo `json:"players"`
	StatusChangedAt time.Time    `json:"status_changed_at"`
	ReadyAt         time.Time    `json:"ready_at,omitempty"`
}
