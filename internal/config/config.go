// Package config holds runtime configuration for the profile gate service,
// populated from viper (which merges CLI flags, environment variables, and
// defaults registered by the cobra command in cmd/profilegate).
package config

import "github.com/spf13/viper"

// Config holds all runtime configuration for the profile gate service.
type Config struct {
	ListenHost string
	ListenPort int
	StateDir   string

	UpstreamAPIKey   string
	DownstreamAPIKey string
	DownstreamURL    string

	BackoffSequenceMinutes []int

	CooldownConnectionResetMS int
	CooldownTimeoutMS         int
	CooldownDNSFailureMS      int
	CooldownSOCKSErrorMS      int
	CooldownPermanentMS       int

	GlobalPacingMS         int
	EmptyQueueDelayMS      int
	ProcessingDelayMS      int
	ReactivationIntervalMS int
	QueueLockStaleMinutes  int
	QueueLockMaxAttempts   int
	QueueLockRetryDelayMS  int

	AuditDBPath string
	LogLevel    string
}

// Load reads configuration from viper. Values are bound in
// cmd/profilegate/main.go via bindFlag, matching the reference
// CLI's flag/env wiring pattern.
func Load() Config {
	return Config{
		ListenHost: viper.GetString("listen_host"),
		ListenPort: viper.GetInt("listen_port"),
		StateDir:   viper.GetString("state_dir"),

		UpstreamAPIKey:   viper.GetString("upstream_api_key"),
		DownstreamAPIKey: viper.GetString("downstream_api_key"),
		DownstreamURL:    viper.GetString("downstream_url"),

		BackoffSequenceMinutes: viper.GetIntSlice("backoff_sequence_minutes"),

		CooldownConnectionResetMS: viper.GetInt("cooldown_connection_reset_ms"),
		CooldownTimeoutMS:         viper.GetInt("cooldown_timeout_ms"),
		CooldownDNSFailureMS:      viper.GetInt("cooldown_dns_failure_ms"),
		CooldownSOCKSErrorMS:      viper.GetInt("cooldown_socks_error_ms"),
		CooldownPermanentMS:       viper.GetInt("cooldown_permanent_ms"),

		GlobalPacingMS:         viper.GetInt("global_pacing_ms"),
		EmptyQueueDelayMS:      viper.GetInt("empty_queue_delay_ms"),
		ProcessingDelayMS:      viper.GetInt("processing_delay_ms"),
		ReactivationIntervalMS: viper.GetInt("reactivation_interval_ms"),
		QueueLockStaleMinutes:  viper.GetInt("queue_lock_stale_minutes"),
		QueueLockMaxAttempts:   viper.GetInt("queue_lock_max_attempts"),
		QueueLockRetryDelayMS:  viper.GetInt("queue_lock_retry_delay_ms"),

		AuditDBPath: viper.GetString("audit_db_path"),
		LogLevel:    viper.GetString("log_level"),
	}
}

// DefaultBackoffSequenceMinutes is used when BACKOFF_SEQUENCE_MINUTES is unset.
var DefaultBackoffSequenceMinutes = []int{1, 2, 4, 8, 16, 32, 60, 120, 240, 480}
