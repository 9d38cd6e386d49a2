package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/qqbridge-project/qqbridge/internal/config"
	"github.com/qqbridge-project/qqbridge/internal/protocol"
)

// ListenerRole is the path segment the listener connects on.
const ListenerRole = "minecraft"

// ErrProcessUnavailable answers telemetry requests while no game server
// process is attached.
var ErrProcessUnavailable = errors.New("unavailable")

// Host is the game server surface the listener dispatches bot commands to.
type Host interface {
	Execute(command string) error
	Broadcast(message string) error
	OnlinePlayers() []string
}

// ProcessSampler samples a process's resource usage.
// *process.Process from gopsutil satisfies it.
type ProcessSampler interface {
	Percent(interval time.Duration) (float64, error)
	MemoryPercent() (float32, error)
}

// Listener keeps its own connection to the bot, answers commands the bot
// sends, and periodically pushes process telemetry. Unlike the Sender it
// never gives up reconnecting.
type Listener struct {
	mu      sync.Mutex
	procMu  sync.RWMutex
	running atomic.Bool

	conn      *Connection
	host      Host
	proc      ProcessSampler
	limiter   *rate.Limiter
	telemetry time.Duration

	// onState is told when the listener gains or loses its connection.
	onState func(connected bool)

	cancel context.CancelFunc
	done   chan struct{}
	logger zerolog.Logger
}

// NewListener creates a stopped listener. host may be nil, in which case
// commands that need it are answered with a failure.
func NewListener(bot config.BotConfig, host Host, dialer Dialer) *Listener {
	return &Listener{
		conn:      NewConnection(ListenerRole, bot, dialer),
		host:      host,
		limiter:   rate.NewLimiter(rate.Every(bot.ReconnectInterval()), 1),
		telemetry: bot.TelemetryInterval(),
		logger:    log.With().Str("component", "listener").Logger(),
	}
}

// SetReconnectInterval overrides the pause between reconnect attempts.
func (l *Listener) SetReconnectInterval(d time.Duration) {
	l.limiter.SetLimit(rate.Every(d))
}

// SetTelemetryInterval overrides the push period. Takes effect on Start.
func (l *Listener) SetTelemetryInterval(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.telemetry = d
}

// SetStateHook registers fn to be called after the listener connects and
// after it loses the connection. Call before Start.
func (l *Listener) SetStateHook(fn func(connected bool)) {
	l.onState = fn
}

// SetProcess attaches the game server process used for telemetry.
func (l *Listener) SetProcess(p ProcessSampler) {
	l.procMu.Lock()
	defer l.procMu.Unlock()
	l.proc = p
}

// ClearProcess detaches the game server process.
func (l *Listener) ClearProcess() {
	l.SetProcess(nil)
}

// Start launches the receive loop. Calling Start on a running listener is
// a no-op.
func (l *Listener) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running.Load() {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	l.running.Store(true)

	go l.run(ctx, l.done)
	if l.telemetry > 0 {
		go l.pushTelemetry(ctx, l.telemetry)
	}
	l.logger.Info().Str("url", l.conn.URL()).Msg("listener started")
}

// Close stops the loop, releases the connection, and waits for the loop to
// exit. Safe to call repeatedly.
func (l *Listener) Close() {
	l.mu.Lock()
	if !l.running.Load() {
		l.mu.Unlock()
		l.conn.Close()
		return
	}
	l.running.Store(false)
	l.cancel()
	done := l.done
	l.mu.Unlock()

	l.conn.Close()
	<-done
	l.logger.Info().Msg("listener stopped")
}

// Running reports whether the receive loop is active.
func (l *Listener) Running() bool {
	return l.running.Load()
}

// Connected reports whether the listener holds a live handle.
func (l *Listener) Connected() bool {
	return l.conn.IsLive()
}

func (l *Listener) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for l.running.Load() {
		if !l.conn.IsLive() {
			if err := l.limiter.Wait(ctx); err != nil {
				return
			}
			if !l.conn.Connect(ctx) {
				l.logger.Debug().Msg("bot unreachable, will retry")
				continue
			}
			l.notify(true)
		}

		data, err := l.conn.Receive(ctx, 0)
		if err != nil {
			if ctx.Err() != nil || !l.running.Load() {
				return
			}
			l.logger.Warn().Err(err).Msg("connection to bot lost, reconnecting")
			l.lose()
			continue
		}

		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			if protocol.IsResponse(data) {
				l.logger.Trace().Msg("acknowledgement received")
				continue
			}
			l.logger.Warn().Err(err).Msg("malformed message from bot, reconnecting")
			l.lose()
			continue
		}

		resp := l.dispatch(env)
		wire, err := protocol.EncodeResponse(resp)
		if err != nil {
			l.logger.Error().Err(err).Str("type", string(env.Type)).Msg("failed to encode reply")
			continue
		}
		if err := l.conn.Send(ctx, wire); err != nil {
			l.logger.Warn().Err(err).Msg("failed to reply to bot, reconnecting")
			l.lose()
		}
	}
}

func (l *Listener) lose() {
	l.conn.drop()
	l.notify(false)
}

func (l *Listener) notify(connected bool) {
	if l.onState != nil {
		l.onState(connected)
	}
}

// dispatch executes one bot command and builds its reply.
func (l *Listener) dispatch(env protocol.Envelope) protocol.Response {
	logger := l.logger.With().Str("type", string(env.Type)).Logger()

	data, err := l.handle(env)
	if err != nil {
		logger.Warn().Err(err).Msg("bot command failed")
		resp, _ := protocol.Reply(false, err.Error())
		return resp
	}

	resp, err := protocol.Reply(true, data)
	if err != nil {
		logger.Error().Err(err).Msg("failed to build reply")
		resp, _ = protocol.Reply(false, nil)
	}
	logger.Debug().Msg("bot command handled")
	return resp
}

func (l *Listener) handle(env protocol.Envelope) (interface{}, error) {
	switch env.Type {
	case protocol.TypeServerOccupation:
		return l.Occupation()
	case protocol.TypeCommand, protocol.TypeMessage, protocol.TypePlayerList:
	default:
		return nil, fmt.Errorf("unsupported message type %q", env.Type)
	}

	if l.host == nil {
		return nil, errors.New("game server is not available")
	}

	switch env.Type {
	case protocol.TypePlayerList:
		players := l.host.OnlinePlayers()
		if players == nil {
			players = []string{}
		}
		return players, nil
	case protocol.TypeCommand:
		command, err := env.Text()
		if err != nil {
			return nil, err
		}
		l.logger.Info().Str("command", command).Msg("executing command from bot")
		return nil, l.host.Execute(command)
	default:
		text, err := env.Text()
		if err != nil {
			return nil, err
		}
		return nil, l.host.Broadcast(text)
	}
}

// Occupation samples the attached process.
func (l *Listener) Occupation() (protocol.Occupation, error) {
	l.procMu.RLock()
	proc := l.proc
	l.procMu.RUnlock()

	if proc == nil {
		return protocol.Occupation{}, ErrProcessUnavailable
	}

	cpu, err := proc.Percent(0)
	if err != nil {
		return protocol.Occupation{}, fmt.Errorf("failed to sample cpu: %w", err)
	}
	mem, err := proc.MemoryPercent()
	if err != nil {
		return protocol.Occupation{}, fmt.Errorf("failed to sample memory: %w", err)
	}
	return protocol.Occupation{CPU: cpu, Memory: mem}, nil
}

// pushTelemetry sends an occupation sample every interval while a process
// is attached and the connection is live. Failures are left to the receive
// loop to detect.
func (l *Listener) pushTelemetry(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !l.conn.IsLive() {
			continue
		}
		occ, err := l.Occupation()
		if err != nil {
			if !errors.Is(err, ErrProcessUnavailable) {
				l.logger.Debug().Err(err).Msg("telemetry sample failed")
			}
			continue
		}
		env, err := protocol.NewEnvelope(protocol.TypeServerOccupation, occ)
		if err != nil {
			continue
		}
		wire, err := protocol.Encode(env)
		if err != nil {
			continue
		}
		if err := l.conn.Send(ctx, wire); err != nil {
			l.logger.Debug().Err(err).Msg("telemetry push failed")
			continue
		}
		l.logger.Trace().Float64("cpu", occ.CPU).Float32("memory", occ.Memory).Msg("telemetry pushed")
	}
}
