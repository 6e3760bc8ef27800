// Package config handles configuration loading, validation, and persistence
// for the Lighthouse master server.
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
	DefaultConfigDir   = "config"
	DefaultConfigFile  = "config.json"
	DefaultMasterPort  = 27950
	DefaultAPIPort     = 8080
	DefaultGameName    = "DarkPlaces"
	DefaultHashSize    = 4
	DefaultMaxServers  = 4096
	DefaultMaxPerAddr  = 8
)

// PolicyAccept and PolicyReject are the recognised game policy modes.
const (
	PolicyAccept = "accept"
	PolicyReject = "reject"
)

// Config is the root configuration structure for Lighthouse.
type Config struct {
	mu   sync.RWMutex
	path string

	MasterData      MasterData      `json:"master_data"`
	ApplicationData ApplicationData `json:"application_data"`
}

// MasterData contains the registry and UDP listener configuration. All of it
// is read once at startup; registry sizing cannot change while running.
type MasterData struct {
	// Identity
	Name   string `json:"master_name"`
	Region string `json:"master_region"`

	// Listener
	ListenAddress string `json:"listen_address"`
	Port          int    `json:"listen_port"`
	EnableIPv4    bool   `json:"enable_ipv4"`
	EnableIPv6    bool   `json:"enable_ipv6"`

	// Registry sizing
	HashSize             uint `json:"hash_size"`
	MaxServers           int  `json:"max_servers"`
	MaxServersPerAddress int  `json:"max_servers_per_address"`
	HashPorts            bool `json:"hash_ports"`
	AllowLoopback        bool `json:"allow_loopback"`

	// Game handling
	DefaultGame string     `json:"default_game"`
	GamePolicy  GamePolicy `json:"game_policy"`

	// Address mappings, each "from[:port]=to[:port]"
	AddressMappings []string `json:"address_mappings"`
}

// GamePolicy restricts which game names may register. An empty game list
// accepts everything regardless of mode.
type GamePolicy struct {
	Mode  string   `json:"mode"`
	Games []string `json:"games"`
}

// ApplicationData contains diagnostics and persistence configuration.
type ApplicationData struct {
	API      APIConfig      `json:"api"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Snapshot SnapshotConfig `json:"snapshot"`
	Stats    StatsConfig    `json:"stats"`
	Logging  LoggingConfig  `json:"logging"`
}

// APIConfig holds the HTTP diagnostics API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
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

// SnapshotConfig holds periodic registry snapshot settings.
type SnapshotConfig struct {
	Enabled     bool   `json:"enabled"`
	Path        string `json:"path"`
	IntervalSec int    `json:"interval_sec"`
}

// StatsConfig holds registry statistics archive settings.
type StatsConfig struct {
	Enabled           bool   `json:"enabled"`
	DatabasePath      string `json:"database_path"`
	SampleIntervalSec int    `json:"sample_interval_sec"`
	RetentionDays     int    `json:"retention_days"`
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
		MasterData: MasterData{
			Name:                 "lighthouse",
			Port:                 DefaultMasterPort,
			EnableIPv4:           true,
			EnableIPv6:           true,
			HashSize:             DefaultHashSize,
			MaxServers:           DefaultMaxServers,
			MaxServersPerAddress: DefaultMaxPerAddr,
			AllowLoopback:        true,
			DefaultGame:          DefaultGameName,
			GamePolicy: GamePolicy{
				Mode: PolicyReject,
			},
		},
		ApplicationData: ApplicationData{
			API: APIConfig{
				Enabled:      true,
				Port:         DefaultAPIPort,
				RateLimitRPS: 100,
			},
			MQTT: MQTTConfig{
				Port:   8883,
				UseTLS: true,
			},
			Snapshot: SnapshotConfig{
				Path:        "lighthouse-servers.csv",
				IntervalSec: 300,
			},
			Stats: StatsConfig{
				DatabasePath:      "lighthouse-stats.db",
				SampleIntervalSec: 60,
				RetentionDays:     30,
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

// GetMasterData returns a copy of the master configuration.
func (c *Config) GetMasterData() MasterData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MasterData
}

// SetMasterData updates the master configuration.
func (c *Config) SetMasterData(data MasterData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.MasterData = data
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

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}
