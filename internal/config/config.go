// Package config handles configuration loading, validation, and persistence
// for the Partyline packet mediator.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultAPIPort    = 5000
	DefaultUDPPort    = 11710
	DefaultQueueLimit = 2048
	DefaultTickMS     = 20
)

// Transport modes.
const (
	TransportModeMemory = "memory"
	TransportModeUDP    = "udp"
)

// Identity provider modes.
const (
	ProviderModeStatic = "static"
	ProviderModeHTTP   = "http"
)

// Config is the root configuration structure for Partyline.
type Config struct {
	mu   sync.RWMutex
	path string

	MediatorData    MediatorData    `json:"mediator_data"`
	ApplicationData ApplicationData `json:"application_data"`
}

// MediatorData contains mediator, transport and identity configuration.
type MediatorData struct {
	// Sockets opened at startup, once the local user is logged in
	Sockets []string `json:"med_sockets"`

	// Queue behavior
	QueueSizeLimit   int `json:"med_queue_size_limit"`
	RequestExpirySec int `json:"med_request_expiry_sec"`
	TickIntervalMS   int `json:"med_tick_interval_ms"`

	// Transport
	TransportMode    string `json:"net_transport_mode"`
	BindAddress      string `json:"net_bind_address"`
	UDPPort          int    `json:"net_udp_port"`
	APIPort          int    `json:"net_api_port"`
	PingTimeoutSec   int    `json:"net_ping_timeout_sec"`
	SweepIntervalSec int    `json:"net_sweep_interval_sec"`

	// Identity provider
	ProviderMode       string `json:"idp_mode"`
	ProviderURL        string `json:"idp_provider_url"`
	Login              string `json:"idp_login"`
	Password           string `json:"idp_password"`
	StaticUserID       string `json:"idp_static_user_id"`
	RefreshIntervalSec int    `json:"idp_refresh_interval_sec"`
}

// ApplicationData contains daemon application configuration.
type ApplicationData struct {
	Timers   TimerConfig    `json:"timers"`
	Journal  JournalConfig  `json:"journal"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Security SecurityConfig `json:"security"`
	Logging  LoggingConfig  `json:"logging"`
}

// TimerConfig holds health check and task interval settings.
type TimerConfig struct {
	GeneralHealthInterval int `json:"general_health_interval_sec"`
	DiskCheckInterval     int `json:"disk_check_interval_sec"`
	StatsPollingInterval  int `json:"stats_polling_interval_sec"`
	HeartbeatInterval     int `json:"heartbeat_interval_sec"`
	RequestSweepInterval  int `json:"request_sweep_interval_sec"`
}

// JournalConfig holds event journal settings.
type JournalConfig struct {
	Enabled       bool   `json:"enabled"`
	Path          string `json:"path"`
	PruneTime     string `json:"prune_time"`
	RetentionDays int    `json:"retention_days"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled   bool   `json:"enabled"`
	BrokerURL string `json:"broker_url"`
	Port      int    `json:"port"`
	UseTLS    bool   `json:"use_tls"`
	CertFile  string `json:"cert_file"`
	KeyFile   string `json:"key_file"`
	CAFile    string `json:"ca_file"`
	ClientID  string `json:"client_id"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	TLSEnabled     bool     `json:"tls_enabled"`
	TLSCertFile    string   `json:"tls_cert_file"`
	TLSKeyFile     string   `json:"tls_key_file"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	IPWhitelist    []string `json:"ip_whitelist"`
	AuthDisabled   bool     `json:"auth_disabled"`
	TokenDBPath    string   `json:"token_db_path"`
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
		MediatorData: MediatorData{
			Sockets:            []string{"main"},
			QueueSizeLimit:     DefaultQueueLimit,
			RequestExpirySec:   0, // disabled
			TickIntervalMS:     DefaultTickMS,
			TransportMode:      TransportModeUDP,
			BindAddress:        "0.0.0.0",
			UDPPort:            DefaultUDPPort,
			APIPort:            DefaultAPIPort,
			PingTimeoutSec:     30,
			SweepIntervalSec:   10,
			ProviderMode:       ProviderModeStatic,
			RefreshIntervalSec: 300,
		},
		ApplicationData: ApplicationData{
			Timers: TimerConfig{
				GeneralHealthInterval: 60,
				DiskCheckInterval:     3600,
				StatsPollingInterval:  10,
				HeartbeatInterval:     60,
				RequestSweepInterval:  30,
			},
			Journal: JournalConfig{
				Enabled:       true,
				Path:          "data/journal.db",
				PruneTime:     "04:00",
				RetentionDays: 30,
			},
			MQTT: MQTTConfig{
				Enabled: false,
				Port:    8883,
				UseTLS:  true,
			},
			Security: SecurityConfig{
				RateLimitRPS: 100,
				AuthDisabled: true,
				TokenDBPath:  "data/tokens.db",
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

// Load reads configuration from a JSON file.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
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

	// Re-save config to persist any new default fields added in code updates.
	// This ensures config.json always reflects the complete set of options.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Ensure config directory exists
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

// GetMediatorData returns a copy of the mediator configuration.
func (c *Config) GetMediatorData() MediatorData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MediatorData
}

// SetMediatorData updates the mediator configuration.
func (c *Config) SetMediatorData(data MediatorData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.MediatorData = data
}

// GetApplicationData returns a copy of the application data configuration.
func (c *Config) GetApplicationData() ApplicationData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ApplicationData
}

// SetApplicationData updates the application data configuration.
func (c *Config) SetApplicationData(data ApplicationData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ApplicationData = data
}

// UpdateMediatorField updates a specific field in mediator data.
func (c *Config) UpdateMediatorField(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Marshal current mediator data to map
	data, _ := json.Marshal(c.MediatorData)
	m := make(map[string]interface{})
	json.Unmarshal(data, &m)

	// Update field
	m[key] = value

	// Unmarshal back
	updated, _ := json.Marshal(m)
	if err := json.Unmarshal(updated, &c.MediatorData); err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}

	return nil
}

// UpdateAppField updates a specific field in application data.
func (c *Config) UpdateAppField(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, _ := json.Marshal(c.ApplicationData)
	m := make(map[string]interface{})
	json.Unmarshal(data, &m)

	m[key] = value

	updated, _ := json.Marshal(m)
	if err := json.Unmarshal(updated, &c.ApplicationData); err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}

	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// IsFirstRun returns true if the configuration needs initial setup.
func (c *Config) IsFirstRun() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch c.MediatorData.ProviderMode {
	case ProviderModeHTTP:
		return c.MediatorData.Login == "" || c.MediatorData.ProviderURL == ""
	default:
		return c.MediatorData.StaticUserID == ""
	}
}
