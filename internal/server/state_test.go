package server

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGameState_Roster(t *testing.T) {
	s := NewGameState()
	assert.Equal(t, []string{}, s.PlayerNames())

	assert.True(t, s.AddPlayer("Steve"))
	assert.True(t, s.AddPlayer("Alex"))
	assert.False(t, s.AddPlayer("Steve"))
	assert.Equal(t, []string{"Alex", "Steve"}, s.PlayerNames())

	assert.True(t, s.RemovePlayer("Steve"))
	assert.False(t, s.RemovePlayer("Steve"))
	assert.Equal(t, []string{"Alex"}, s.PlayerNames())

	s.Reset()
	assert.Empty(t, s.PlayerNames())
	assert.Equal(t, StatusStopped, s.Status())
}

func TestGameState_StatusTransitions(t *testing.T) {
	s := NewGameState()
	assert.Equal(t, StatusStopped, s.SetStatus(StatusStarting))
	assert.Equal(t, StatusStarting, s.SetStatus(StatusReady))
	assert.Equal(t, StatusReady, s.SetStatus(StatusReady))

	snap := s.Snapshot()
	assert.Equal(t, StatusReady, snap.Status)
	assert.False(t, snap.ReadyAt.IsZero())

	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"status":"ready"`)
}
