// Package config handles configuration loading, validation, and persistence
// for the qqbridge plugin.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultAPIPort    = 8765
	DefaultBotURI     = "ws://127.0.0.1:8000/websocket"
)

// Config is the root configuration structure for qqbridge.
type Config struct {
	mu       sync.RWMutex
	path     string
	firstRun bool

	Bot             BotConfig       `json:"bot"`
	Server          ServerConfig    `json:"server"`
	ApplicationData ApplicationData `json:"application_data"`
}

// BotConfig describes the remote bot endpoint.
type BotConfig struct {
	// URI is the websocket base; each role appends "/<role>".
	URI  string `json:"uri"`
	Name string `json:"name"`

	// SyncAll is confirmed by the bot during the startup handshake.
	// Use SyncAllMessages/SetSyncAllMessages at runtime.
	SyncAll bool `json:"sync_all_messages"`

	ResponseTimeoutSec   int `json:"response_timeout_sec"`
	ReconnectIntervalSec int `json:"reconnect_interval_sec"`
	TelemetryIntervalSec int `json:"telemetry_interval_sec"`
}

// ServerConfig describes how to launch the game server.
type ServerConfig struct {
	Executable string   `json:"executable"`
	Args       []string `json:"args"`
	WorkDir    string   `json:"work_dir"`
	AutoStart  bool     `json:"auto_start"`
}

// ApplicationData contains bridge application configuration.
type ApplicationData struct {
	MQTT    MQTTConfig    `json:"mqtt"`
	API     APIConfig     `json:"api"`
	Stats   StatsConfig   `json:"stats"`
	Health  HealthConfig  `json:"health"`
	Logging LoggingConfig `json:"logging"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled   bool   `json:"enabled"`
	BrokerURL string `json:"broker_url"`
	Port      int    `json:"port"`
	UseTLS    bool   `json:"use_tls"`
	CertFile  string `json:"cert_file"`
	KeyFile   string `json:"key_file"`
	ClientID  string `json:"client_id"`
	Topic     string `json:"topic_prefix"`
}

// APIConfig holds the local REST API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"` // 0 disables limiting
}

// StatsConfig holds delivery statistics settings.
type StatsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HealthConfig holds the watchdog settings. Durations are in seconds.
type HealthConfig struct {
	Enabled           bool    `json:"enabled"`
	IntervalSec       int     `json:"interval_sec"`
	DiskWarnPercent   float64 `json:"disk_warn_percent"`
	StartupTimeoutSec int     `json:"startup_timeout_sec"`
	LinkDownAlertSec  int     `json:"link_down_alert_sec"`
}

// Interval returns the check period.
func (h HealthConfig) Interval() time.Duration {
	return seconds(h.IntervalSec, 60)
}

// StartupTimeout returns how long the server may stay starting.
func (h HealthConfig) StartupTimeout() time.Duration {
	return seconds(h.StartupTimeoutSec, 300)
}

// LinkDownAlert returns how long a bot link may stay down.
func (h HealthConfig) LinkDownAlert() time.Duration {
	return seconds(h.LinkDownAlertSec, 300)
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Bot: BotConfig{
			URI:                  DefaultBotURI,
			Name:                 "Server",
			ResponseTimeoutSec:   10,
			ReconnectIntervalSec: 5,
			TelemetryIntervalSec: 60,
		},
		Server: ServerConfig{
			Executable: "java",
			Args:       []string{"-Xmx2G", "-jar", "server.jar", "nogui"},
			WorkDir:    "server",
			AutoStart:  true,
		},
		ApplicationData: ApplicationData{
			MQTT: MQTTConfig{
				BrokerURL: "localhost",
				Port:      1883,
				Topic:     "qqbridge",
			},
			API: APIConfig{
				Enabled:      true,
				Host:         "127.0.0.1",
				Port:         DefaultAPIPort,
				RateLimitRPS: 10,
			},
			Stats: StatsConfig{
				Enabled: true,
				Path:    "config/stats.db",
			},
			Health: HealthConfig{
				Enabled:           true,
				IntervalSec:       60,
				DiskWarnPercent:   90,
				StartupTimeoutSec: 300,
				LinkDownAlertSec:  300,
			},
			Logging: LoggingConfig{
				Level:      "info",
				Directory:  "logs",
				MaxSizeMB:  10,
				MaxBackups: 5,
			},
		},
	}
}

// Load reads configuration from a JSON file, creating it with defaults on
// first run.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			cfg.firstRun = true
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // Start with defaults, then overlay
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Re-save so config.json always lists every option.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.saveLocked()
}

func (c *Config) saveLocked() error {
	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetBot returns a copy of the bot configuration.
func (c *Config) GetBot() BotConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Bot
}

// GetServer returns a copy of the game server configuration.
func (c *Config) GetServer() ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server
}

// GetApplicationData returns a copy of the application data configuration.
func (c *Config) GetApplicationData() ApplicationData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ApplicationData
}

// SyncAllMessages reports whether the bot mirrors all chat automatically.
func (c *Config) SyncAllMessages() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Bot.SyncAll
}

// SetSyncAllMessages records the bot-confirmed sync flag and persists it.
// This is the only runtime write path into the configuration.
func (c *Config) SetSyncAllMessages(enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Bot.SyncAll = enabled
	if c.path == "" {
		return nil
	}
	if err := c.saveLocked(); err != nil {
		return fmt.Errorf("failed to persist sync flag: %w", err)
	}
	return nil
}

// ResponseTimeout returns the synchronous exchange timeout.
func (b BotConfig) ResponseTimeout() time.Duration {
	return seconds(b.ResponseTimeoutSec, 10)
}

// ReconnectInterval returns the listener's pause between reconnect attempts.
func (b BotConfig) ReconnectInterval() time.Duration {
	return seconds(b.ReconnectIntervalSec, 5)
}

// TelemetryInterval returns the occupation push period; zero disables it.
func (b BotConfig) TelemetryInterval() time.Duration {
	if b.TelemetryIntervalSec <= 0 {
		return 0
	}
	return time.Duration(b.TelemetryIntervalSec) * time.Second
}

func seconds(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// SetPath points the config at a file; used when constructing one in code.
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

// IsFirstRun returns true if the config file was created by this Load.
func (c *Config) IsFirstRun() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.firstRun
}
