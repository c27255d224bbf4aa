package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joestump/profile-gate/internal/api"
	"github.com/joestump/profile-gate/internal/audit"
	"github.com/joestump/profile-gate/internal/config"
	"github.com/joestump/profile-gate/internal/connregistry"
	"github.com/joestump/profile-gate/internal/cooldown"
	"github.com/joestump/profile-gate/internal/dispatcher"
	"github.com/joestump/profile-gate/internal/model"
	"github.com/joestump/profile-gate/internal/queue"
	"github.com/joestump/profile-gate/internal/scheduler"
	"github.com/joestump/profile-gate/internal/validator"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "profilegate",
		Short: "Rate-limit-aware gaming profile validation gate",
		RunE:  run,
	}

	f := rootCmd.Flags()
	f.String("listen-host", "0.0.0.0", "admission API listen host")
	f.Int("listen-port", 8088, "admission API listen port")
	f.String("state-dir", "/state", "directory for the three JSON state files")
	f.String("upstream-api-key", "", "upstream provider API key")
	f.String("downstream-api-key", "", "downstream ingest API key")
	f.String("downstream-url", "", "downstream ingest endpoint URL")
	f.String("backoff-sequence-minutes", "1,2,4,8,16,32,60,120,240,480", "comma-separated 429 backoff sequence, minutes")
	f.Int("cooldown-connection-reset-ms", 60_000, "cooldown duration for connection_reset, ms")
	f.Int("cooldown-timeout-ms", 30_000, "cooldown duration for timeout, ms")
	f.Int("cooldown-dns-failure-ms", 120_000, "cooldown duration for dns_failure, ms")
	f.Int("cooldown-socks-error-ms", 60_000, "cooldown duration for socks_error, ms")
	f.Int("cooldown-permanent-ms", 86_400_000, "cooldown duration for permanent, ms")
	f.Int("global-pacing-ms", 1000, "minimum gap between any two dispatches, ms")
	f.Int("empty-queue-delay-ms", 5000, "sleep when the queue has no processable profile, ms")
	f.Int("processing-delay-ms", 350, "sleep between dispatched profiles, ms")
	f.Int("reactivation-interval-ms", 60_000, "interval between reactivation loop ticks, ms")
	f.Int("queue-lock-stale-minutes", 5, "age after which a queue lock file is considered stale")
	f.Int("queue-lock-max-attempts", 20, "max attempts to acquire the queue lock")
	f.Int("queue-lock-retry-delay-ms", 500, "delay between queue lock acquisition attempts, ms")
	f.String("audit-db-path", "/state/audit.db", "path to the audit/history sqlite database")
	f.String("log-level", "info", "zerolog level: debug|info|warn|error")

	bindFlag := func(viperKey, flagName string) {
		_ = viper.BindPFlag(viperKey, f.Lookup(flagName))
	}
	bindFlag("listen_host", "listen-host")
	bindFlag("listen_port", "listen-port")
	bindFlag("state_dir", "state-dir")
	bindFlag("upstream_api_key", "upstream-api-key")
	bindFlag("downstream_api_key", "downstream-api-key")
	bindFlag("downstream_url", "downstream-url")
	bindFlag("backoff_sequence_minutes", "backoff-sequence-minutes")
	bindFlag("cooldown_connection_reset_ms", "cooldown-connection-reset-ms")
	bindFlag("cooldown_timeout_ms", "cooldown-timeout-ms")
	bindFlag("cooldown_dns_failure_ms", "cooldown-dns-failure-ms")
	bindFlag("cooldown_socks_error_ms", "cooldown-socks-error-ms")
	bindFlag("cooldown_permanent_ms", "cooldown-permanent-ms")
	bindFlag("global_pacing_ms", "global-pacing-ms")
	bindFlag("empty_queue_delay_ms", "empty-queue-delay-ms")
	bindFlag("processing_delay_ms", "processing-delay-ms")
	bindFlag("reactivation_interval_ms", "reactivation-interval-ms")
	bindFlag("queue_lock_stale_minutes", "queue-lock-stale-minutes")
	bindFlag("queue_lock_max_attempts", "queue-lock-max-attempts")
	bindFlag("queue_lock_retry_delay_ms", "queue-lock-retry-delay-ms")
	bindFlag("audit_db_path", "audit-db-path")
	bindFlag("log_level", "log-level")

	// The external env var names are specified verbatim (no app prefix),
	// unlike the ambient operational knobs which ride AutomaticEnv below.
	for viperKey, envName := range map[string]string{
		"backoff_sequence_minutes":    "BACKOFF_SEQUENCE_MINUTES",
		"cooldown_connection_reset_ms": "COOLDOWN_CONNECTION_RESET_MS",
		"cooldown_timeout_ms":         "COOLDOWN_TIMEOUT_MS",
		"cooldown_dns_failure_ms":     "COOLDOWN_DNS_FAILURE_MS",
		"cooldown_socks_error_ms":     "COOLDOWN_SOCKS_ERROR_MS",
		"cooldown_permanent_ms":       "COOLDOWN_PERMANENT_MS",
		"listen_host":                 "LISTEN_HOST",
		"listen_port":                 "LISTEN_PORT",
		"upstream_api_key":            "UPSTREAM_API_KEY",
		"downstream_api_key":          "DOWNSTREAM_API_KEY",
	} {
		_ = viper.BindEnv(viperKey, envName)
	}

	viper.SetEnvPrefix("PROFILEGATE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if len(cfg.BackoffSequenceMinutes) == 0 {
		cfg.BackoffSequenceMinutes = parseBackoffSequence(viper.GetString("backoff_sequence_minutes"))
	}
	if len(cfg.BackoffSequenceMinutes) == 0 {
		cfg.BackoffSequenceMinutes = config.DefaultBackoffSequenceMinutes
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	log.Info().
		Str("listen", api.ListenAddr(cfg.ListenHost, cfg.ListenPort)).
		Str("state_dir", cfg.StateDir).
		Ints("backoff_sequence_minutes", cfg.BackoffSequenceMinutes).
		Msg("profile gate starting")

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	auditDB, err := audit.Open(cfg.AuditDBPath)
	if err != nil {
		return fmt.Errorf("open audit database: %w", err)
	}
	defer auditDB.Close() //nolint:errcheck

	registry, err := connregistry.Load(filepath.Join(cfg.StateDir, "config_proxies.json"))
	if err != nil {
		return fmt.Errorf("load connection registry: %w", err)
	}

	durations := cooldown.Durations{
		Sequence:        cfg.BackoffSequenceMinutes,
		ConnectionReset: time.Duration(cfg.CooldownConnectionResetMS) * time.Millisecond,
		Timeout:         time.Duration(cfg.CooldownTimeoutMS) * time.Millisecond,
		DNSFailure:      time.Duration(cfg.CooldownDNSFailureMS) * time.Millisecond,
		SOCKSError:      time.Duration(cfg.CooldownSOCKSErrorMS) * time.Millisecond,
		Permanent:       time.Duration(cfg.CooldownPermanentMS) * time.Millisecond,
	}
	cooldowns, err := cooldown.Load(filepath.Join(cfg.StateDir, "endpoint_cooldowns.json"), durations, auditDB)
	if err != nil {
		return fmt.Errorf("load cooldown store: %w", err)
	}
	cooldowns.SyncConnections(registry.Connections())

	lockOpts := queue.LockOptions{
		StaleAfter:  time.Duration(cfg.QueueLockStaleMinutes) * time.Minute,
		MaxAttempts: cfg.QueueLockMaxAttempts,
		RetryDelay:  time.Duration(cfg.QueueLockRetryDelayMS) * time.Millisecond,
	}
	queueStore, err := queue.Open(filepath.Join(cfg.StateDir, "profiles_queue.json"), lockOpts)
	if err != nil {
		return fmt.Errorf("open queue store: %w", err)
	}

	disp := dispatcher.New(registry, cooldowns, auditDB, time.Duration(cfg.GlobalPacingMS)*time.Millisecond)
	valid := validator.New(disp, upstreamBaseURL(), cfg.UpstreamAPIKey)

	avail := &availabilityAdapter{registry: registry, cooldowns: cooldowns}
	timing := scheduler.Timing{
		EmptyQueueDelay:      time.Duration(cfg.EmptyQueueDelayMS) * time.Millisecond,
		ProcessingDelay:      time.Duration(cfg.ProcessingDelayMS) * time.Millisecond,
		ReactivationInterval: time.Duration(cfg.ReactivationIntervalMS) * time.Millisecond,
	}
	sched := scheduler.New(queueStore, valid, cooldowns, avail, timing, cfg.DownstreamURL, cfg.DownstreamAPIKey, auditDB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sched.SeedDeferredSet(ctx); err != nil {
		return fmt.Errorf("seed deferred set: %w", err)
	}

	server := api.New(api.ListenAddr(cfg.ListenHost, cfg.ListenPort), queueStore, cooldowns, registry, auditDB)
	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("admission api error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	go sched.Run(ctx)
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("admission api shutdown")
	}

	return nil
}

func parseBackoffSequence(raw string) []int {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || v <= 0 {
			continue
		}
		out = append(out, v)
	}
	return out
}

// upstreamBaseURL is the upstream provider's web API root. It's a fixed
// collaborator address rather than a per-deployment secret, so it isn't
// read from the environment the way API keys are.
func upstreamBaseURL() string {
	return "https://api.upstream-provider.example/ISteamUser"
}

// availabilityAdapter bridges the Connection Registry and Cooldown Store
// into the single interface the scheduler's reactivation loop needs,
// without either of those packages importing each other.
type availabilityAdapter struct {
	registry  *connregistry.Registry
	cooldowns *cooldown.Store
}

func (a *availabilityAdapter) ConnectionIndices() []int {
	conns := a.registry.Connections()
	out := make([]int, len(conns))
	for i, c := range conns {
		out[i] = c.Index
	}
	return out
}

func (a *availabilityAdapter) AnyAvailableFor(endpoint model.EndpointClass, connIndices []int) bool {
	for _, idx := range connIndices {
		if a.cooldowns.IsAvailable(idx, endpoint) {
			return true
		}
	}
	return false
}
