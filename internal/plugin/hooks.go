package plugin

import (
	"context"
	"fmt"

	"github.com/qqbridge-project/qqbridge/internal/events"
)

const handlerName = "plugin"

var hookedEvents = []events.EventType{
	events.EventServerStartup,
	events.EventServerStop,
	events.EventPlayerChat,
	events.EventPlayerJoined,
	events.EventPlayerLeft,
	events.EventBotConnected,
	events.EventBotDisconnected,
}

func (p *Plugin) subscribe() {
	p.bus.Subscribe(events.EventServerStartup, handlerName, p.onServerStartup)
	p.bus.Subscribe(events.EventServerStop, handlerName, p.onServerStop)
	p.bus.Subscribe(events.EventPlayerChat, handlerName, p.onPlayerChat)
	p.bus.Subscribe(events.EventPlayerJoined, handlerName, p.onPlayerJoined)
	p.bus.Subscribe(events.EventPlayerLeft, handlerName, p.onPlayerLeft)
	p.bus.Subscribe(events.EventBotConnected, handlerName, p.onBotConnected)
	p.bus.Subscribe(events.EventBotDisconnected, handlerName, p.onBotDisconnected)
}

func (p *Plugin) unsubscribe() {
	for _, et := range hookedEvents {
		p.bus.Unsubscribe(et, handlerName)
	}
}

func (p *Plugin) onServerStartup(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.ServerStartupPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", event.Payload)
	}
	// a nil *process.Process must not become a non-nil interface
	if payload.Process != nil {
		p.OnServerStartup(ctx, payload.Process)
	} else {
		p.OnServerStartup(ctx, nil)
	}
	return nil
}

func (p *Plugin) onServerStop(ctx context.Context, _ events.Event) error {
	p.OnServerStop(ctx)
	return nil
}

func (p *Plugin) onPlayerChat(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.PlayerChatPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", event.Payload)
	}
	p.OnPlayerChat(ctx, payload.Player, payload.Message)
	return nil
}

func (p *Plugin) onPlayerJoined(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.PlayerPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", event.Payload)
	}
	p.OnPlayerJoined(ctx, payload.Player)
	return nil
}

func (p *Plugin) onPlayerLeft(ctx context.Context, event events.Event) error {
	payload, ok := event.Payload.(events.PlayerPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T", event.Payload)
	}
	p.OnPlayerLeft(ctx, payload.Player)
	return nil
}

// The sender follows the listener: it connects when the bot becomes
// reachable and lets go of its handle when the bot goes away.
func (p *Plugin) onBotConnected(ctx context.Context, _ events.Event) error {
	p.sender.Connect(ctx)
	return nil
}

func (p *Plugin) onBotDisconnected(context.Context, events.Event) error {
	p.sender.Disconnect()
	return nil
}
