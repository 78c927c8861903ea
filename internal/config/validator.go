package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/partyline-project/partyline/internal/protocol"
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

	validateMediatorData(&cfg.MediatorData, result)
	validateApplicationData(&cfg.ApplicationData, result)

	return result
}

func validateMediatorData(data *MediatorData, result *ValidationResult) {
	// Socket descriptors
	seen := make(map[string]bool)
	for _, socketID := range data.Sockets {
		if strings.TrimSpace(socketID) == "" {
			result.AddError("mediator_data.med_sockets", "socket descriptors must not be empty")
			continue
		}
		if len(socketID) > protocol.MaxDescriptorLen {
			result.AddError("mediator_data.med_sockets",
				fmt.Sprintf("socket descriptor %q exceeds %d bytes", socketID, protocol.MaxDescriptorLen))
		}
		if seen[socketID] {
			result.AddError("mediator_data.med_sockets",
				fmt.Sprintf("duplicate socket descriptor: %s", socketID))
		}
		seen[socketID] = true
	}

	// Queue behavior
	if data.QueueSizeLimit < 1 {
		result.AddError("mediator_data.med_queue_size_limit", "queue size limit must be at least 1")
	}
	if data.QueueSizeLimit > 65536 {
		result.AddWarning("mediator_data.med_queue_size_limit",
			fmt.Sprintf("very large queue limit (%d) may hold significant memory", data.QueueSizeLimit))
	}
	if data.RequestExpirySec < 0 {
		result.AddError("mediator_data.med_request_expiry_sec", "request expiry must not be negative (0 disables)")
	}
	if data.TickIntervalMS < 1 {
		result.AddError("mediator_data.med_tick_interval_ms", "tick interval must be at least 1ms")
	} else if data.TickIntervalMS < 5 {
		result.AddWarning("mediator_data.med_tick_interval_ms",
			"tick interval below 5ms may saturate a core")
	}

	// Transport
	switch data.TransportMode {
	case TransportModeMemory, TransportModeUDP:
	default:
		result.AddError("mediator_data.net_transport_mode",
			fmt.Sprintf("unknown transport mode %q (expected %s or %s)",
				data.TransportMode, TransportModeMemory, TransportModeUDP))
	}

	validatePort(data.UDPPort, "mediator_data.net_udp_port", result)
	validatePort(data.APIPort, "mediator_data.net_api_port", result)
	if data.UDPPort == data.APIPort {
		result.AddError("mediator_data.ports", "UDP and API ports must be unique")
	}

	if data.PingTimeoutSec < 1 {
		result.AddError("mediator_data.net_ping_timeout_sec", "ping timeout must be at least 1 second")
	}
	if data.SweepIntervalSec < 1 {
		result.AddError("mediator_data.net_sweep_interval_sec", "sweep interval must be at least 1 second")
	}

	// Identity provider
	switch data.ProviderMode {
	case ProviderModeStatic:
		if strings.TrimSpace(data.StaticUserID) == "" {
			result.AddError("mediator_data.idp_static_user_id",
				"static identity mode requires a local user id")
		}
	case ProviderModeHTTP:
		if strings.TrimSpace(data.ProviderURL) == "" {
			result.AddError("mediator_data.idp_provider_url", "identity provider URL is required")
		}
		if strings.TrimSpace(data.Login) == "" {
			result.AddError("mediator_data.idp_login", "identity provider login is required")
		}
		if strings.TrimSpace(data.Password) == "" {
			result.AddError("mediator_data.idp_password", "identity provider password is required")
		}
	default:
		result.AddError("mediator_data.idp_mode",
			fmt.Sprintf("unknown identity mode %q (expected %s or %s)",
				data.ProviderMode, ProviderModeStatic, ProviderModeHTTP))
	}

	if data.RefreshIntervalSec < 30 {
		result.AddWarning("mediator_data.idp_refresh_interval_sec",
			"refresh interval below 30s may hammer the identity provider")
	}
}

func validateApplicationData(data *ApplicationData, result *ValidationResult) {
	// Timer validation
	validateTimers(&data.Timers, result)

	// Journal
	if data.Journal.Enabled {
		if data.Journal.RetentionDays < 1 {
			result.AddError("application_data.journal.retention_days",
				"retention days must be at least 1")
		}
		if strings.TrimSpace(data.Journal.Path) == "" {
			result.AddError("application_data.journal.path", "journal path is required when enabled")
		}
	}

	// MQTT
	if data.MQTT.Enabled {
		if strings.TrimSpace(data.MQTT.BrokerURL) == "" {
			result.AddError("application_data.mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if data.MQTT.Port < 1 || data.MQTT.Port > 65535 {
			result.AddError("application_data.mqtt.port", "invalid MQTT port")
		}
	}

	// Security
	if data.Security.TLSEnabled {
		if strings.TrimSpace(data.Security.TLSCertFile) == "" {
			result.AddError("application_data.security.tls_cert_file",
				"TLS certificate file is required when TLS is enabled")
		}
		if strings.TrimSpace(data.Security.TLSKeyFile) == "" {
			result.AddError("application_data.security.tls_key_file",
				"TLS key file is required when TLS is enabled")
		}
	}

	if data.Security.RateLimitRPS < 1 {
		result.AddWarning("application_data.security.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the API to abuse")
	}

	if !data.Security.AuthDisabled && strings.TrimSpace(data.Security.TokenDBPath) == "" {
		result.AddError("application_data.security.token_db_path",
			"token database path is required when auth is enabled")
	}
}

func validateTimers(timers *TimerConfig, result *ValidationResult) {
	if timers.StatsPollingInterval < 5 {
		result.AddWarning("timers.stats_polling_interval",
			"stats polling below 5s may cause excessive MQTT traffic")
	}
	if timers.HeartbeatInterval < 10 {
		result.AddWarning("timers.heartbeat_interval",
			"heartbeat interval less than 10s may cause excessive traffic")
	}
	if timers.RequestSweepInterval < 5 {
		result.AddWarning("timers.request_sweep_interval",
			"request sweep below 5s adds avoidable lock pressure")
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

// IsPortAvailable checks if a port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
