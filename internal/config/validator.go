package config

import (
	"fmt"
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

// Validate performs validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validateServer(&cfg.Server, result)
	validateStorage(&cfg.Storage, result)
	validateRooms(&cfg.Rooms, result)
	validateAPI(&cfg.API, result)
	validateMQTT(&cfg.MQTT, result)

	return result
}

func validateServer(s *ServerConfig, result *ValidationResult) {
	if s.Port < 1 || s.Port > 65535 {
		result.AddError("server.port", fmt.Sprintf("invalid port: %d", s.Port))
	}
	if s.ReadTimeoutSec < 0 {
		result.AddError("server.read_timeout_sec", "must not be negative")
	}
}

func validateStorage(s *StorageConfig, result *ValidationResult) {
	if strings.TrimSpace(s.ArtifactsDir) == "" {
		result.AddError("storage.artifacts_dir", "artifacts directory is required")
	}
	if strings.TrimSpace(s.InstallDir) == "" {
		result.AddError("storage.install_dir", "install directory is required")
	}
	if strings.TrimSpace(s.DatabasePath) == "" {
		result.AddError("storage.database_path", "database path is required")
	}
}

func validateRooms(r *RoomsConfig, result *ValidationResult) {
	if strings.TrimSpace(r.ServerProgram) == "" {
		result.AddError("rooms.server_program", "room server program name is required")
	}
	if r.HealthGateMS < 0 {
		result.AddError("rooms.health_gate_ms", "must not be negative")
	}
	if r.HealthGateMS > 10000 {
		result.AddWarning("rooms.health_gate_ms",
			fmt.Sprintf("health gate of %d ms delays every room creation", r.HealthGateMS))
	}
	if r.SweepIntervalSec < 0 {
		result.AddError("rooms.sweep_interval_sec", "must not be negative")
	}
}

func validateAPI(a *APIConfig, result *ValidationResult) {
	if !a.Enabled {
		return
	}
	if a.Port < 1 || a.Port > 65535 {
		result.AddError("api.port", fmt.Sprintf("invalid port: %d", a.Port))
	}
}

func validateMQTT(m *MQTTConfig, result *ValidationResult) {
	if !m.Enabled {
		return
	}
	if strings.TrimSpace(m.BrokerURL) == "" {
		result.AddError("mqtt.broker_url", "broker URL is required when MQTT is enabled")
	}
	if m.Port < 1 || m.Port > 65535 {
		result.AddError("mqtt.port", fmt.Sprintf("invalid port: %d", m.Port))
	}
}
