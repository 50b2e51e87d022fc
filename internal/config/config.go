// Package config handles configuration loading, validation, and persistence
// for the GameStore daemon.
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
	DefaultListenPort = 8888
	DefaultAPIPort    = 5000
)

// Config is the root configuration structure for gamestored.
type Config struct {
	mu   sync.RWMutex
	path string

	Server  ServerConfig  `json:"server"`
	Storage StorageConfig `json:"storage"`
	Rooms   RoomsConfig   `json:"rooms"`
	API     APIConfig     `json:"api"`
	MQTT    MQTTConfig    `json:"mqtt"`
	Logging LoggingConfig `json:"logging"`
}

// ServerConfig holds the game protocol listener settings.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	// ReadTimeoutSec bounds how long a session read may block waiting for
	// the next frame. Zero means block indefinitely.
	ReadTimeoutSec int `json:"read_timeout_sec"`
}

// StorageConfig holds artifact and catalog storage paths.
type StorageConfig struct {
	// ArtifactsDir stores uploaded game archives ({name}_{version}.zip).
	ArtifactsDir string `json:"artifacts_dir"`
	// InstallDir is where uploaded archives are unpacked, one subdirectory
	// per game.
	InstallDir string `json:"install_dir"`
	// DatabasePath is the SQLite catalog file.
	DatabasePath string `json:"database_path"`
}

// RoomsConfig holds room orchestration settings.
type RoomsConfig struct {
	// ServerProgram is the room-server entry point looked up inside a
	// game's install directory.
	ServerProgram string `json:"server_program"`
	// HealthGateMS is how long a freshly spawned room server must survive
	// before the room is committed.
	HealthGateMS int `json:"health_gate_ms"`
	// SweepIntervalSec is how often dead rooms are reaped in the
	// background. Zero disables the sweep.
	SweepIntervalSec int `json:"sweep_interval_sec"`
}

// APIConfig holds the operator REST API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
	// RateLimitRPS caps per-client request rate; zero disables limiting.
	RateLimitRPS int `json:"rate_limit_rps"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
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
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           DefaultListenPort,
			ReadTimeoutSec: 0,
		},
		Storage: StorageConfig{
			ArtifactsDir: "data/storage",
			InstallDir:   "data/installed",
			DatabasePath: "data/gamestore.db",
		},
		Rooms: RoomsConfig{
			ServerProgram:    "server",
			HealthGateMS:     500,
			SweepIntervalSec: 60,
		},
		API: APIConfig{
			Enabled:      true,
			Port:         DefaultAPIPort,
			RateLimitRPS: 20,
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			Port:        1883,
			TopicPrefix: "gamestore",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxSizeMB:  10,
			MaxBackups: 5,
		},
	}
}

// Load reads configuration from a JSON file, creating a default one when
// none exists yet.
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
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

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

// GetServer returns a copy of the listener configuration.
func (c *Config) GetServer() ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server
}

// GetStorage returns a copy of the storage configuration.
func (c *Config) GetStorage() StorageConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Storage
}

// GetRooms returns a copy of the room orchestration configuration.
func (c *Config) GetRooms() RoomsConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Rooms
}

// GetAPI returns a copy of the API configuration.
func (c *Config) GetAPI() APIConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.API
}

// GetMQTT returns a copy of the MQTT configuration.
func (c *Config) GetMQTT() MQTTConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MQTT
}

// GetLogging returns a copy of the logging configuration.
func (c *Config) GetLogging() LoggingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}
