// Package plugin connects game server activity to the bot: it owns the
// sender and listener, reacts to host events, and implements the !!qq
// relay command.
package plugin

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/qqbridge-project/qqbridge/internal/config"
	"github.com/qqbridge-project/qqbridge/internal/connector"
	"github.com/qqbridge-project/qqbridge/internal/events"
)

// RelayCommand is the chat command players use to message the group.
const RelayCommand = "!!qq"

// Replies shown to the command source. § codes are Minecraft colors.
const (
	ReplySyncEnabled = "§7Sync all messages is enabled, this command is disabled."
	ReplySent        = "§aMessage sent!"
	ReplyFailed      = "§cFailed to send message!"
	ReplyUsage       = "§cUsage: " + RelayCommand + " <message>"
)

// Publisher is the outbound half of the bridge. *connector.Sender
// satisfies it.
type Publisher interface {
	Connect(ctx context.Context) bool
	Disconnect()
	Close()
	PublishChat(ctx context.Context, player, message string) bool
	PublishSynchronousMessage(ctx context.Context, text string) bool
	AnnounceStartup(ctx context.Context) bool
	AnnounceShutdown(ctx context.Context) bool
	AnnouncePlayerLeft(ctx context.Context, player string) bool
	AnnouncePlayerJoined(ctx context.Context, player string) bool
}

// CommandListener is the inbound half of the bridge. *connector.Listener
// satisfies it.
type CommandListener interface {
	Start()
	Close()
	SetStateHook(fn func(connected bool))
	SetProcess(p connector.ProcessSampler)
	ClearProcess()
}

// Teller shows a private message to one player.
type Teller interface {
	Tell(player, message string) error
}

// Plugin wires the bridge to the host's lifecycle.
type Plugin struct {
	mu     sync.Mutex
	loaded bool

	cfg      *config.Config
	sender   Publisher
	listener CommandListener
	bus      *events.EventBus
	teller   Teller

	sessionID string
	logger    zerolog.Logger
}

// New creates an unloaded plugin. bus and teller may be nil.
func New(cfg *config.Config, sender Publisher, listener CommandListener, bus *events.EventBus, teller Teller) *Plugin {
	session := uuid.NewString()
	return &Plugin{
		cfg:       cfg,
		sender:    sender,
		listener:  listener,
		bus:       bus,
		teller:    teller,
		sessionID: session,
		logger: log.With().
			Str("component", "plugin").
			Str("session", session).
			Logger(),
	}
}

// SessionID identifies this bridge run in logs and telemetry.
func (p *Plugin) SessionID() string {
	return p.sessionID
}

// OnLoad starts the listener and subscribes the hooks to the event bus.
func (p *Plugin) OnLoad(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaded {
		return
	}
	p.loaded = true

	p.logger.Info().Str("command", RelayCommand).Msg("registering relay command")
	if p.bus != nil {
		p.subscribe()
		bus := p.bus
		p.listener.SetStateHook(func(connected bool) {
			ev := events.Event{Type: events.EventBotDisconnected, Source: "listener",
				Payload: events.BotConnectionPayload{Role: connector.ListenerRole}}
			if connected {
				ev.Type = events.EventBotConnected
			}
			bus.Emit(context.Background(), ev)
		})
	}
	p.listener.Start()
}

// OnUnload disconnects from the bot and stops the listener.
func (p *Plugin) OnUnload(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.loaded {
		return
	}
	p.loaded = false

	p.logger.Info().Msg("plugin unloading, disconnecting from the bot")
	if p.bus != nil {
		p.unsubscribe()
	}
	p.sender.Close()
	p.listener.Close()
}

// OnServerStartup announces the server to the bot and hands the process to
// the listener for telemetry. sampler may be nil.
func (p *Plugin) OnServerStartup(ctx context.Context, sampler connector.ProcessSampler) {
	p.logger.Info().Msg("server started, notifying the bot")
	p.sender.AnnounceStartup(ctx)
	if sampler != nil {
		p.listener.SetProcess(sampler)
	}
}

// OnServerStop announces the shutdown and detaches the process.
func (p *Plugin) OnServerStop(ctx context.Context) {
	p.logger.Info().Msg("server stopped, notifying the bot")
	p.sender.AnnounceShutdown(ctx)
	p.listener.ClearProcess()
}

// OnPlayerChat relays a chat line and runs the relay command if the line
// is one.
func (p *Plugin) OnPlayerChat(ctx context.Context, player, message string) {
	p.sender.PublishChat(ctx, player, message)

	if text, ok := ParseRelayCommand(message); ok {
		p.HandleRelayCommand(ctx, p.PlayerSource(player), text)
	}
}

// OnPlayerLeft reports a player leaving.
func (p *Plugin) OnPlayerLeft(ctx context.Context, player string) {
	p.sender.AnnouncePlayerLeft(ctx, player)
}

// OnPlayerJoined reports a player joining.
func (p *Plugin) OnPlayerJoined(ctx context.Context, player string) {
	p.sender.AnnouncePlayerJoined(ctx, player)
}

// ParseRelayCommand extracts the message from a "!!qq <message>" line.
// A bare "!!qq" is recognized with an empty message.
func ParseRelayCommand(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if line == RelayCommand {
		return "", true
	}
	if !strings.HasPrefix(line, RelayCommand+" ") {
		return "", false
	}
	return strings.TrimSpace(line[len(RelayCommand):]), true
}

// HandleRelayCommand sends message to the group on behalf of src and
// replies with the outcome. It reports whether the message was delivered.
func (p *Plugin) HandleRelayCommand(ctx context.Context, src CommandSource, message string) bool {
	if message == "" {
		src.Reply(ReplyUsage)
		return false
	}
	if p.cfg.SyncAllMessages() {
		src.Reply(ReplySyncEnabled)
		return false
	}

	text := fmt.Sprintf("[%s] <%s> %s", p.cfg.GetBot().Name, src.Name(), message)
	ok := p.sender.PublishSynchronousMessage(ctx, text)
	if ok {
		src.Reply(ReplySent)
	} else {
		src.Reply(ReplyFailed)
	}
	return ok
}
