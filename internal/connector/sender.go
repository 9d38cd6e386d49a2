package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/qqbridge-project/qqbridge/internal/config"
	"github.com/qqbridge-project/qqbridge/internal/protocol"
)

const (
	// SenderRole is the path segment the sender connects on.
	SenderRole = "bot"
	// MaxReconnectAttempts bounds reconnect+resend after a transport failure.
	MaxReconnectAttempts = 3
	// DefaultResponseTimeout bounds the wait for a synchronous reply.
	DefaultResponseTimeout = 10 * time.Second
)

// Failure classes returned by Sender.Send. Only ErrTransport is retried.
var (
	ErrNotConnected = errors.New("bot connection is down and reconnect failed")
	ErrTimeout      = errors.New("timed out waiting for bot response")
	ErrTransport    = errors.New("bot connection lost during exchange")
	ErrRejected     = errors.New("bot rejected the request")
	ErrClosed       = errors.New("sender is closed")
	ErrUnknown      = errors.New("unexpected failure while sending")
)

// SyncFlagStore holds the bot-confirmed "sync all messages" flag.
// *config.Config satisfies it.
type SyncFlagStore interface {
	SyncAllMessages() bool
	SetSyncAllMessages(enabled bool) error
}

// DeliveryRecorder observes the outcome of every send.
type DeliveryRecorder interface {
	RecordDelivery(eventType protocol.EventType, ok bool)
}

// Sender publishes game events to the bot. Exchanges on its connection are
// serialized: at most one request is in flight at a time.
type Sender struct {
	exchangeMu sync.Mutex

	conn     *Connection
	flags    SyncFlagStore
	recorder DeliveryRecorder
	timeout  time.Duration
	closed   atomic.Bool
	logger   zerolog.Logger
}

// NewSender creates a sender for the bot described by bot. A nil dialer
// uses DefaultDialer.
func NewSender(bot config.BotConfig, flags SyncFlagStore, dialer Dialer) *Sender {
	return &Sender{
		conn:    NewConnection(SenderRole, bot, dialer),
		flags:   flags,
		timeout: bot.ResponseTimeout(),
		logger:  log.With().Str("component", "sender").Logger(),
	}
}

// SetRecorder attaches a delivery recorder. Call before first use.
func (s *Sender) SetRecorder(r DeliveryRecorder) {
	s.recorder = r
}

// SetResponseTimeout overrides the synchronous reply bound.
func (s *Sender) SetResponseTimeout(d time.Duration) {
	s.exchangeMu.Lock()
	defer s.exchangeMu.Unlock()
	s.timeout = d
}

// Connect establishes the connection eagerly.
func (s *Sender) Connect(ctx context.Context) bool {
	if s.closed.Load() {
		return false
	}
	s.exchangeMu.Lock()
	defer s.exchangeMu.Unlock()
	return s.conn.Connect(ctx)
}

// Send publishes one event. With waitResponse it blocks for the bot's reply
// and returns its payload, which is nil when the bot sent none. Failures are
// returned as one of the Err* values; nothing panics past this call.
func (s *Sender) Send(ctx context.Context, eventType protocol.EventType, data interface{}, waitResponse bool) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("event", string(eventType)).Msg("unexpected failure while sending")
			result, err = nil, fmt.Errorf("%w: %v", ErrUnknown, r)
		}
		if s.recorder != nil {
			s.recorder.RecordDelivery(eventType, err == nil)
		}
	}()

	if s.closed.Load() {
		return nil, ErrClosed
	}

	env, err := protocol.NewEnvelope(eventType, data)
	if err != nil {
		s.logger.Error().Err(err).Str("event", string(eventType)).Msg("failed to build envelope")
		return nil, fmt.Errorf("%w: %v", ErrUnknown, err)
	}
	wire, err := protocol.Encode(env)
	if err != nil {
		s.logger.Error().Err(err).Str("event", string(eventType)).Msg("failed to encode envelope")
		return nil, fmt.Errorf("%w: %v", ErrUnknown, err)
	}

	s.exchangeMu.Lock()
	defer s.exchangeMu.Unlock()

	if !s.conn.IsLive() {
		if !s.conn.Connect(ctx) {
			s.logger.Warn().Str("event", string(eventType)).Msg("connection to bot is down, cannot send")
			return nil, ErrNotConnected
		}
		s.logger.Info().Msg("connection was closed, reconnected to bot")
	}

	result, err = s.exchange(ctx, eventType, wire, waitResponse)
	if !errors.Is(err, ErrTransport) {
		return result, err
	}

	s.logger.Warn().Err(err).Str("event", string(eventType)).Msg("connection to bot lost, reconnecting")
	for attempt := 1; attempt <= MaxReconnectAttempts; attempt++ {
		if s.closed.Load() {
			return nil, ErrClosed
		}
		if !s.conn.Connect(ctx) {
			s.logger.Warn().Int("attempt", attempt).Int("max", MaxReconnectAttempts).Msg("reconnect failed")
			continue
		}
		result, err = s.exchange(ctx, eventType, wire, waitResponse)
		if !errors.Is(err, ErrTransport) {
			return result, err
		}
		s.logger.Warn().Err(err).Int("attempt", attempt).Int("max", MaxReconnectAttempts).Msg("resend failed")
	}

	s.logger.Error().Str("event", string(eventType)).Msg("giving up after reconnect attempts")
	return nil, err
}

// exchange performs one transmit and, if asked, one bounded receive.
// The handle is dropped on every failure except a rejection.
func (s *Sender) exchange(ctx context.Context, eventType protocol.EventType, wire []byte, waitResponse bool) (json.RawMessage, error) {
	if err := s.conn.Send(ctx, wire); err != nil {
		if s.closed.Load() {
			return nil, ErrClosed
		}
		s.conn.drop()
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	s.logger.Debug().Str("event", string(eventType)).RawJSON("envelope", wire).Msg("event sent")

	if !waitResponse {
		return nil, nil
	}

	s.logger.Debug().Str("event", string(eventType)).Msg("waiting for bot response")
	reply, err := s.conn.Receive(ctx, s.timeout)
	switch {
	case err == nil:
	case s.closed.Load():
		return nil, ErrClosed
	case errors.Is(err, ErrReceiveTimeout):
		s.logger.Warn().Str("event", string(eventType)).Dur("timeout", s.timeout).Msg("timed out waiting for bot response")
		s.conn.drop()
		return nil, ErrTimeout
	case ctx.Err() != nil:
		s.conn.drop()
		return nil, ctx.Err()
	default:
		s.conn.drop()
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	resp, err := protocol.DecodeResponse(reply)
	if err != nil {
		s.conn.drop()
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	s.logger.Debug().Str("event", string(eventType)).Bool("success", resp.Success).Msg("bot responded")

	if !resp.Success {
		s.logger.Warn().Str("event", string(eventType)).Msg("bot rejected the event, check the bot")
		return nil, ErrRejected
	}
	return resp.Data, nil
}

// Close releases the connection and interrupts a suspended exchange.
// Later sends fail with ErrClosed.
func (s *Sender) Close() {
	s.closed.Store(true)
	s.conn.Close()
}

// Disconnect releases the current handle. Unlike Close, the sender stays
// usable and reconnects on the next send.
func (s *Sender) Disconnect() {
	s.conn.Close()
}

// Connected reports whether the sender holds a live handle.
func (s *Sender) Connected() bool {
	return s.conn.IsLive()
}

// PublishChat relays a player chat line without waiting for a reply.
func (s *Sender) PublishChat(ctx context.Context, player, message string) bool {
	_, err := s.Send(ctx, protocol.TypePlayerChat, [2]string{player, message}, false)
	if err != nil {
		s.logger.Warn().Err(err).Str("player", player).Msg("failed to relay player chat")
		return false
	}
	return true
}

// PublishSynchronousMessage sends text to the group and reports whether the
// bot accepted it.
func (s *Sender) PublishSynchronousMessage(ctx context.Context, text string) bool {
	s.logger.Info().Str("message", text).Msg("sending message to the group")
	if _, err := s.Send(ctx, protocol.TypeMessage, text, true); err != nil {
		s.logger.Error().Err(err).Msg("failed to send message to the group")
		return false
	}
	s.logger.Info().Msg("message sent to the group")
	return true
}

// AnnounceStartup tells the bot the game server is up. The bot's reply
// payload is the authoritative sync flag and is persisted.
func (s *Sender) AnnounceStartup(ctx context.Context) bool {
	data, err := s.Send(ctx, protocol.TypeServerStartup, nil, true)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to send server startup message, check the config or whether the bot is running")
		return false
	}
	s.logger.Info().Msg("server startup message sent")

	if len(data) == 0 || s.flags == nil {
		return true
	}
	var syncAll bool
	if err := json.Unmarshal(data, &syncAll); err != nil {
		s.logger.Warn().Err(err).RawJSON("data", data).Msg("startup reply is not a sync flag, keeping current value")
		return true
	}
	if err := s.flags.SetSyncAllMessages(syncAll); err != nil {
		s.logger.Error().Err(err).Msg("failed to persist sync flag")
	}
	s.logger.Info().Bool("sync_all_messages", syncAll).Msg("sync flag confirmed by bot")
	return true
}

// AnnounceShutdown tells the bot the game server is stopping.
func (s *Sender) AnnounceShutdown(ctx context.Context) bool {
	if _, err := s.Send(ctx, protocol.TypeServerShutdown, nil, true); err != nil {
		s.logger.Error().Err(err).Msg("failed to send server shutdown message, check the config or whether the bot is running")
		return false
	}
	s.logger.Info().Msg("server shutdown message sent")
	return true
}

// AnnouncePlayerLeft tells the bot a player disconnected.
func (s *Sender) AnnouncePlayerLeft(ctx context.Context, player string) bool {
	if _, err := s.Send(ctx, protocol.TypePlayerLeft, player, true); err != nil {
		s.logger.Error().Err(err).Str("player", player).Msg("failed to send player left message")
		return false
	}
	s.logger.Info().Str("player", player).Msg("player left message sent")
	return true
}

// AnnouncePlayerJoined tells the bot a player connected.
func (s *Sender) AnnouncePlayerJoined(ctx context.Context, player string) bool {
	if _, err := s.Send(ctx, protocol.TypePlayerJoined, player, true); err != nil {
		s.logger.Error().Err(err).Str("player", player).Msg("failed to send player joined message")
		return false
	}
	s.logger.Info().Str("player", player).Msg("player joined message sent")
	return true
}
