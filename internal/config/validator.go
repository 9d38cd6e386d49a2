package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validateBot(&cfg.Bot, result)
	validateServer(&cfg.Server, result)
	validateApplicationData(&cfg.ApplicationData, result)

	return result
}

func validateBot(bot *BotConfig, result *ValidationResult) {
	if strings.TrimSpace(bot.URI) == "" {
		result.AddError("bot.uri", "bot websocket URI is required")
	} else if u, err := url.Parse(bot.URI); err != nil {
		result.AddError("bot.uri", fmt.Sprintf("invalid URI: %v", err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		result.AddError("bot.uri", fmt.Sprintf("unsupported scheme %q (expected ws or wss)", u.Scheme))
	}

	if strings.TrimSpace(bot.Name) == "" {
		result.AddWarning("bot.name", "display name is empty, relayed messages will have no server tag")
	}

	if bot.ResponseTimeoutSec > 60 {
		result.AddWarning("bot.response_timeout_sec",
			"response timeout above 60s keeps chat commands blocked for a long time")
	}
	if bot.ReconnectIntervalSec < 0 {
		result.AddError("bot.reconnect_interval_sec", "reconnect interval cannot be negative")
	}
}

func validateServer(server *ServerConfig, result *ValidationResult) {
	if server.AutoStart && strings.TrimSpace(server.Executable) == "" {
		result.AddError("server.executable", "executable is required when auto_start is enabled")
	}
}

func validateApplicationData(data *ApplicationData, result *ValidationResult) {
	if data.MQTT.Enabled {
		if strings.TrimSpace(data.MQTT.BrokerURL) == "" {
			result.AddError("application_data.mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if data.MQTT.Port < 1 || data.MQTT.Port > 65535 {
			result.AddError("application_data.mqtt.port", "invalid MQTT port")
		}
	}

	if data.API.Enabled {
		validatePort(data.API.Port, "application_data.api.port", result)
		if data.API.RateLimitRPS < 0 {
			result.AddError("application_data.api.rate_limit_rps", "rate limit must not be negative")
		}
	}

	if data.Health.Enabled && (data.Health.DiskWarnPercent <= 0 || data.Health.DiskWarnPercent > 100) {
		result.AddWarning("application_data.health.disk_warn_percent", "disk warning threshold outside (0, 100], disk alerts start at 95%")
	}

	if data.Stats.Enabled && strings.TrimSpace(data.Stats.Path) == "" {
		result.AddError("application_data.stats.path", "stats database path is required when enabled")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}
