package connector

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qqbridge-project/qqbridge/internal/protocol"
)

type fakeHost struct {
	mu         sync.Mutex
	commands   []string
	broadcasts []string
	players    []string
	execErr    error
}

func (h *fakeHost) Execute(command string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = append(h.commands, command)
	return h.execErr
}

func (h *fakeHost) Broadcast(message string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcasts = append(h.broadcasts, message)
	return nil
}

func (h *fakeHost) OnlinePlayers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.players
}

type fakeSampler struct {
	cpu float64
	mem float32
	err error
}

func (s *fakeSampler) Percent(time.Duration) (float64, error) { return s.cpu, s.err }
func (s *fakeSampler) MemoryPercent() (float32, error)        { return s.mem, s.err }

// askBot writes each request in turn and collects the listener's reply.
func askBot(requests ...string) (func(int, *websocket.Conn, *fakeBot), chan protocol.Response) {
	replies := make(chan protocol.Response, len(requests))
	return func(_ int, conn *websocket.Conn, bot *fakeBot) {
		for _, req := range requests {
			bot.reply(conn, req)
			frame, ok := bot.read(conn)
			if !ok {
				return
			}
			resp, err := protocol.DecodeResponse([]byte(frame))
			if err != nil {
				return
			}
			replies <- resp
		}
		drain(bot, conn)
	}, replies
}

func nextReply(t *testing.T, replies chan protocol.Response) protocol.Response {
	t.Helper()
	select {
	case resp := <-replies:
		return resp
	case <-time.After(3 * time.Second):
		t.Fatal("no reply from listener")
		return protocol.Response{}
	}
}

func startListener(t *testing.T, bot *fakeBot, host Host, dialer Dialer) *Listener {
	t.Helper()
	l := NewListener(bot.botConfig(), host, dialer)
	l.SetReconnectInterval(20 * time.Millisecond)
	l.Start()
	t.Cleanup(l.Close)
	return l
}

func TestListener_ExecutesCommands(t *testing.T) {
	handle, replies := askBot(`{"type": "command", "data": "time set day"}`)
	bot := newFakeBot(t, handle)
	host := &fakeHost{}
	startListener(t, bot, host, nil)

	resp := nextReply(t, replies)
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Data)

	host.mu.Lock()
	defer host.mu.Unlock()
	assert.Equal(t, []string{"time set day"}, host.commands)

	bot.mu.Lock()
	defer bot.mu.Unlock()
	assert.Equal(t, "/websocket/minecraft", bot.paths[0])
	assert.Equal(t, "Survival", bot.headers[0].Get("name"))
}

func TestListener_ReportsCommandFailure(t *testing.T) {
	handle, replies := askBot(`{"type": "command", "data": "stop"}`)
	bot := newFakeBot(t, handle)
	startListener(t, bot, &fakeHost{execErr: errors.New("stdin closed")}, nil)

	resp := nextReply(t, replies)
	assert.False(t, resp.Success)
	assert.JSONEq(t, `"stdin closed"`, string(resp.Data))
}

func TestListener_BroadcastsMessagesAndListsPlayers(t *testing.T) {
	handle, replies := askBot(
		`{"type": "message", "data": "[QQ] <Tom> hello"}`,
		`{"type": "player_list"}`,
	)
	bot := newFakeBot(t, handle)
	host := &fakeHost{players: []string{"Steve", "Alex"}}
	startListener(t, bot, host, nil)

	assert.True(t, nextReply(t, replies).Success)
	list := nextReply(t, replies)
	require.True(t, list.Success)

	var players []string
	require.NoError(t, json.Unmarshal(list.Data, &players))
	assert.Equal(t, []string{"Steve", "Alex"}, players)

	host.mu.Lock()
	defer host.mu.Unlock()
	assert.Equal(t, []string{"[QQ] <Tom> hello"}, host.broadcasts)
}

func TestListener_EmptyPlayerListIsArray(t *testing.T) {
	handle, replies := askBot(`{"type": "player_list"}`)
	bot := newFakeBot(t, handle)
	startListener(t, bot, &fakeHost{}, nil)

	resp := nextReply(t, replies)
	assert.True(t, resp.Success)
	assert.JSONEq(t, `[]`, string(resp.Data))
}

func TestListener_OccupationWithoutProcess(t *testing.T) {
	handle, replies := askBot(`{"type": "server_occupation"}`)
	bot := newFakeBot(t, handle)
	startListener(t, bot, &fakeHost{}, nil)

	resp := nextReply(t, replies)
	assert.False(t, resp.Success)
	assert.JSONEq(t, `"unavailable"`, string(resp.Data))
}

func TestListener_OccupationWithProcess(t *testing.T) {
	handle, replies := askBot(`{"type": "server_occupation"}`)
	bot := newFakeBot(t, handle)
	l := NewListener(bot.botConfig(), &fakeHost{}, nil)
	l.SetProcess(&fakeSampler{cpu: 12.5, mem: 30})
	l.Start()
	t.Cleanup(l.Close)

	resp := nextReply(t, replies)
	require.True(t, resp.Success)
	var occ protocol.Occupation
	require.NoError(t, json.Unmarshal(resp.Data, &occ))
	assert.Equal(t, 12.5, occ.CPU)
	assert.Equal(t, float32(30), occ.Memory)
}

func TestListener_RejectsUnknownTypes(t *testing.T) {
	handle, replies := askBot(`{"type": "reload_plugins"}`, `{"type": "command", "data": "list"}`)
	bot := newFakeBot(t, handle)
	host := &fakeHost{}
	startListener(t, bot, host, nil)

	assert.False(t, nextReply(t, replies).Success)
	assert.True(t, nextReply(t, replies).Success, "the connection survives an unknown type")
}

func TestListener_WithoutHost(t *testing.T) {
	handle, replies := askBot(`{"type": "command", "data": "list"}`)
	bot := newFakeBot(t, handle)
	startListener(t, bot, nil, nil)

	assert.False(t, nextReply(t, replies).Success)
}

func TestListener_ReconnectsUntilBotIsUp(t *testing.T) {
	handle, replies := askBot(`{"type": "command", "data": "list"}`)
	bot := newFakeBot(t, handle)
	dialer := newCountingDialer()
	dialer.fail.Store(true)
	l := startListener(t, bot, &fakeHost{}, dialer)

	require.True(t, waitFor(t, 2*time.Second, func() bool { return dialer.dials.Load() >= 3 }))
	assert.False(t, l.Connected())
	dialer.fail.Store(false)

	assert.True(t, nextReply(t, replies).Success)
	assert.True(t, l.Connected())
}

func TestListener_ReconnectsAfterMalformedFrame(t *testing.T) {
	replies := make(chan protocol.Response, 1)
	bot := newFakeBot(t, func(n int, conn *websocket.Conn, bot *fakeBot) {
		if n == 0 {
			bot.reply(conn, "garbage")
			drain(bot, conn)
			return
		}
		handle, inner := askBot(`{"type": "command", "data": "list"}`)
		go func() { replies <- <-inner }()
		handle(n, conn, bot)
	})
	startListener(t, bot, &fakeHost{}, nil)

	assert.True(t, nextReply(t, replies).Success)
	assert.Equal(t, 2, bot.acceptedCount())
}

func TestListener_IgnoresAcknowledgements(t *testing.T) {
	replies := make(chan protocol.Response, 1)
	bot := newFakeBot(t, func(n int, conn *websocket.Conn, bot *fakeBot) {
		bot.reply(conn, `{"success": true}`)
		h, inner := askBot(`{"type": "player_list"}`)
		go func() { replies <- <-inner }()
		h(n, conn, bot)
	})
	startListener(t, bot, &fakeHost{}, nil)

	assert.True(t, nextReply(t, replies).Success)
	assert.Equal(t, 1, bot.acceptedCount(), "an acknowledgement does not drop the connection")
}

func TestListener_PushesTelemetry(t *testing.T) {
	bot := newFakeBot(t, func(_ int, conn *websocket.Conn, bot *fakeBot) {
		drain(bot, conn)
	})
	l := NewListener(bot.botConfig(), &fakeHost{}, nil)
	l.SetTelemetryInterval(30 * time.Millisecond)
	l.SetProcess(&fakeSampler{cpu: 5, mem: 10})
	l.Start()
	t.Cleanup(l.Close)

	require.True(t, waitFor(t, 2*time.Second, func() bool { return bot.frameCount() > 0 }))
	env, err := protocol.DecodeEnvelope([]byte(bot.recorded()[0]))
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeServerOccupation, env.Type)
	assert.JSONEq(t, `{"cpu":5,"memory":10}`, string(env.Data))
}

func TestListener_CloseStopsLoop(t *testing.T) {
	bot := newFakeBot(t, func(_ int, conn *websocket.Conn, bot *fakeBot) {
		drain(bot, conn)
	})
	l := NewListener(bot.botConfig(), &fakeHost{}, nil)
	l.Start()
	l.Start()
	require.True(t, waitFor(t, 2*time.Second, l.Connected))
	assert.True(t, l.Running())

	done := make(chan struct{})
	go func() {
		l.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not stop the receive loop")
	}

	assert.False(t, l.Running())
	assert.False(t, l.Connected())
	l.Close()
	assert.Equal(t, 1, bot.acceptedCount())
}

func TestListener_ReportsConnectionState(t *testing.T) {
	bot := newFakeBot(t, func(n int, conn *websocket.Conn, bot *fakeBot) {
		if n == 0 {
			return // hang up immediately
		}
		drain(bot, conn)
	})

	var mu sync.Mutex
	var states []bool
	l := NewListener(bot.botConfig(), &fakeHost{}, nil)
	l.SetReconnectInterval(20 * time.Millisecond)
	l.SetStateHook(func(connected bool) {
		mu.Lock()
		states = append(states, connected)
		mu.Unlock()
	})
	l.Start()
	t.Cleanup(l.Close)

	require.True(t, waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) >= 3
	}))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false, true}, states[:3])
}
