package config

import (
	"fmt"
	"net"
	"strings"
)

// maxHashSize mirrors the upper bound enforced by the registry: hash tables
// above 2^12 buckets stop paying for themselves at realistic server counts.
const maxHashSize = 12

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

	validateMasterData(&cfg.MasterData, result)
	validateApplicationData(&cfg.ApplicationData, result)

	return result
}

func validateMasterData(data *MasterData, result *ValidationResult) {
	validatePort(data.Port, "master_data.listen_port", result)

	if data.ListenAddress != "" {
		if net.ParseIP(data.ListenAddress) == nil {
			result.AddError("master_data.listen_address",
				fmt.Sprintf("not a valid IP address: %s", data.ListenAddress))
		}
	}

	if !data.EnableIPv4 && !data.EnableIPv6 {
		result.AddError("master_data.enable_ipv4",
			"at least one of IPv4 and IPv6 must be enabled")
	}

	// Registry sizing
	if data.HashSize < 1 || data.HashSize > maxHashSize {
		result.AddError("master_data.hash_size",
			fmt.Sprintf("hash size must be between 1 and %d bits", maxHashSize))
	}

	if data.MaxServers < 1 {
		result.AddError("master_data.max_servers", "must allow at least 1 server")
	}
	if data.MaxServers > 1<<16 {
		result.AddWarning("master_data.max_servers",
			fmt.Sprintf("very large registry (%d slots) allocated up front", data.MaxServers))
	}

	if data.MaxServersPerAddress < 0 {
		result.AddError("master_data.max_servers_per_address", "must not be negative")
	}

	// Counting servers per host walks a hash bucket; with ports hashed the
	// occupants of one host scatter across buckets and the count comes out
	// wrong. Refuse the combination rather than enforce the quota badly.
	if data.HashPorts && data.MaxServersPerAddress > 0 {
		result.AddError("master_data.hash_ports",
			"hash_ports cannot be combined with a per-address server limit; set max_servers_per_address to 0")
	}

	if strings.TrimSpace(data.DefaultGame) == "" {
		result.AddError("master_data.default_game", "default game name is required")
	}

	validateGamePolicy(&data.GamePolicy, result)
	validateMappings(data.AddressMappings, result)
}

func validateGamePolicy(policy *GamePolicy, result *ValidationResult) {
	switch policy.Mode {
	case "", PolicyAccept, PolicyReject:
	default:
		result.AddError("master_data.game_policy.mode",
			fmt.Sprintf("unknown policy mode %q (must be %q or %q)", policy.Mode, PolicyAccept, PolicyReject))
	}

	if policy.Mode == "" && len(policy.Games) > 0 {
		result.AddError("master_data.game_policy.mode",
			"policy mode is required when a game list is set")
	}

	for _, name := range policy.Games {
		if strings.TrimSpace(name) == "" {
			result.AddError("master_data.game_policy.games", "game names must not be empty")
			break
		}
	}
}

// validateMappings checks mapping syntax only. Hostname resolution and the
// semantic rules (no 0.0.0.0 source, no loopback target) are enforced when
// the mapping table is built at startup.
func validateMappings(mappings []string, result *ValidationResult) {
	seen := make(map[string]bool, len(mappings))
	for _, m := range mappings {
		field := fmt.Sprintf("master_data.address_mappings[%s]", m)

		from, to, found := strings.Cut(m, "=")
		if !found {
			result.AddError(field, "mapping must have the form \"from=to\"")
			continue
		}
		if strings.TrimSpace(from) == "" || strings.TrimSpace(to) == "" {
			result.AddError(field, "both sides of a mapping must be non-empty")
			continue
		}
		if seen[from] {
			result.AddError(field, fmt.Sprintf("duplicate mapping for %q", from))
		}
		seen[from] = true
	}
}

func validateApplicationData(data *ApplicationData, result *ValidationResult) {
	// API
	if data.API.Enabled {
		validatePort(data.API.Port, "application_data.api.port", result)
		if data.API.RateLimitRPS < 1 {
			result.AddWarning("application_data.api.rate_limit_rps",
				"rate limit is disabled (0 RPS), this may expose the API to abuse")
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

	// Snapshot
	if data.Snapshot.Enabled {
		if strings.TrimSpace(data.Snapshot.Path) == "" {
			result.AddError("application_data.snapshot.path", "snapshot path is required when enabled")
		}
		if data.Snapshot.IntervalSec < 1 {
			result.AddError("application_data.snapshot.interval_sec", "interval must be at least 1 second")
		} else if data.Snapshot.IntervalSec < 10 {
			result.AddWarning("application_data.snapshot.interval_sec",
				"snapshot interval less than 10s causes excessive disk churn")
		}
	}

	// Stats archive
	if data.Stats.Enabled {
		if strings.TrimSpace(data.Stats.DatabasePath) == "" {
			result.AddError("application_data.stats.database_path", "database path is required when enabled")
		}
		if data.Stats.SampleIntervalSec < 1 {
			result.AddError("application_data.stats.sample_interval_sec", "interval must be at least 1 second")
		}
		if data.Stats.RetentionDays < 1 {
			result.AddError("application_data.stats.retention_days", "retention must be at least 1 day")
		}
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
