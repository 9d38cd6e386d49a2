// Package telemetry publishes bridge activity and game server resource
// samples to an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/qqbridge-project/qqbridge/internal/config"
	"github.com/qqbridge-project/qqbridge/internal/events"
	"github.com/qqbridge-project/qqbridge/internal/util"
)

// Topic suffixes under the configured prefix.
const (
	TopicStatus     = "status"
	TopicServer     = "server"
	TopicPlayers    = "players"
	TopicBot        = "bot"
	TopicOccupation = "occupation"
	TopicHealth     = "health"
)

// ErrDisabled is returned when MQTT is turned off in the configuration.
var ErrDisabled = errors.New("MQTT is disabled")

const handlerName = "mqtt"

// client is the subset of mqtt.Client the handler uses.
type client interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// ProcessSource yields the game server process, or nil while it is down.
// *server.ProcessManager satisfies it.
type ProcessSource interface {
	Sampler() *process.Process
}

// MQTTHandler mirrors bus events to MQTT and publishes periodic process
// samples.
type MQTTHandler struct {
	bus      *events.EventBus
	client   client
	source   ProcessSource
	prefix   string
	interval time.Duration
	metadata map[string]interface{}
	logger   zerolog.Logger
}

// NewMQTTHandler creates a handler for the configured broker. source may
// be nil, in which case no occupation samples are published.
func NewMQTTHandler(cfg *config.Config, bus *events.EventBus, source ProcessSource, session string) (*MQTTHandler, error) {
	mqttCfg := cfg.GetApplicationData().MQTT
	if !mqttCfg.Enabled {
		return nil, ErrDisabled
	}
	bot := cfg.GetBot()

	sysInfo := util.GetSystemInfo()
	h := &MQTTHandler{
		bus:      bus,
		source:   source,
		prefix:   strings.Trim(mqttCfg.Topic, "/"),
		interval: bot.TelemetryInterval(),
		metadata: map[string]interface{}{
			"hostname": sysInfo.Hostname,
			"os":       sysInfo.OS,
			"server":   bot.Name,
			"session":  session,
		},
		logger: util.ComponentLogger("mqtt"),
	}

	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if mqttCfg.UseTLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, mqttCfg.BrokerURL, mqttCfg.Port))

	if mqttCfg.ClientID != "" {
		opts.SetClientID(mqttCfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("qqbridge-%s", session))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)

	offline, _ := json.Marshal(h.buildMessage(map[string]interface{}{"online": false}))
	opts.SetWill(h.topic(TopicStatus), string(offline), 1, true)

	if mqttCfg.UseTLS {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		if mqttCfg.CertFile != "" && mqttCfg.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(mqttCfg.CertFile, mqttCfg.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(mqtt.Client) {
		h.logger.Info().Msg("MQTT connected")
		h.publishRetained(TopicStatus, map[string]interface{}{"online": true})
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		h.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	h.client = mqtt.NewClient(opts)
	return h, nil
}

// Start connects to the broker, mirrors events until ctx is cancelled, then
// publishes an offline status and disconnects.
func (h *MQTTHandler) Start(ctx context.Context) error {
	h.logger.Info().Str("prefix", h.prefix).Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()
	defer h.unsubscribeEvents()

	var tick <-chan time.Time
	if h.source != nil && h.interval > 0 {
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			h.PublishShutdown()
			h.client.Disconnect(5000)
			h.logger.Info().Msg("MQTT disconnected")
			return nil
		case <-tick:
			h.publishOccupation()
		}
	}
}

var mirroredEvents = []events.EventType{
	events.EventServerStartup,
	events.EventServerStop,
	events.EventPlayerJoined,
	events.EventPlayerLeft,
	events.EventBotConnected,
	events.EventBotDisconnected,
	events.EventHealthAlert,
}

func (h *MQTTHandler) subscribeEvents() {
	if h.bus == nil {
		return
	}
	for _, et := range mirroredEvents {
		h.bus.Subscribe(et, handlerName, h.onEvent)
	}
}

func (h *MQTTHandler) unsubscribeEvents() {
	if h.bus == nil {
		return
	}
	for _, et := range mirroredEvents {
		h.bus.Unsubscribe(et, handlerName)
	}
}

// onEvent maps a bus event onto its topic. Process handles are not
// serialized.
func (h *MQTTHandler) onEvent(_ context.Context, event events.Event) error {
	switch p := event.Payload.(type) {
	case events.ServerStartupPayload:
		h.publish(TopicServer, map[string]interface{}{"event": string(event.Type), "pid": p.PID})
	case events.ServerStopPayload:
		h.publish(TopicServer, map[string]interface{}{"event": string(event.Type), "pid": p.PID, "exit_code": p.ExitCode})
	case events.PlayerPayload:
		h.publish(TopicPlayers, map[string]interface{}{"event": string(event.Type), "player": p.Player})
	case events.BotConnectionPayload:
		h.publish(TopicBot, map[string]interface{}{"event": string(event.Type), "role": p.Role})
	case events.HealthAlertPayload:
		h.publish(TopicHealth, map[string]interface{}{"check": p.Check, "level": p.Level, "message": p.Message})
	default:
		h.publish(TopicServer, map[string]interface{}{"event": string(event.Type)})
	}
	return nil
}

func (h *MQTTHandler) publishOccupation() {
	proc := h.source.Sampler()
	if proc == nil {
		return
	}
	cpu, err := proc.Percent(0)
	if err != nil {
		h.logger.Debug().Err(err).Msg("cpu sample failed")
		return
	}
	memory, err := proc.MemoryPercent()
	if err != nil {
		h.logger.Debug().Err(err).Msg("memory sample failed")
		return
	}
	h.publish(TopicOccupation, map[string]interface{}{"cpu": cpu, "memory": memory})
}

func (h *MQTTHandler) topic(suffix string) string {
	if h.prefix == "" {
		return suffix
	}
	return h.prefix + "/" + suffix
}

func (h *MQTTHandler) publish(suffix string, payload interface{}) {
	h.send(suffix, payload, false)
}

func (h *MQTTHandler) publishRetained(suffix string, payload interface{}) {
	h.send(suffix, payload, true)
}

// send publishes a JSON message at QoS 1 without blocking the caller.
func (h *MQTTHandler) send(suffix string, payload interface{}, retained bool) {
	if !h.client.IsConnected() {
		return
	}
	topic := h.topic(suffix)

	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.client.Publish(topic, 1, retained, data)
	go func() {
		token.Wait()
		if token.Error() != nil {
			h.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event payload.
func (h *MQTTHandler) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+2)
	for k, v := range h.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

// PublishShutdown marks the bridge offline.
func (h *MQTTHandler) PublishShutdown() {
	h.publishRetained(TopicStatus, map[string]interface{}{"online": false})
}
