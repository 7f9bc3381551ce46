// Package config loads process-wide and per-service configuration from
// environment variables (optionally via a .env file), the way the rest of
// the stack is wired: godotenv for local development convenience, viper for
// env-var binding and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServicePolicy is one entry of the configuration surface described in
// spec §6: { service_name, per_sku_limit, max_concurrency, handler_ref }.
// HandlerRef is resolved against the handler registry at startup; it is a
// string key here, not a function value, because config is serializable.
type ServicePolicy struct {
	ServiceName    string
	PerSKULimit    int
	MaxConcurrency int
	HandlerRef     string
}

// Config is the process-wide configuration: the poller's tick interval and
// retry budget, the store/coordination backend selection, and the ordered
// list of service policies.
type Config struct {
	TickInterval time.Duration
	MaxRetries   int

	DatabaseURL string
	RedisAddr   string
	RedisPass   string

	StuckRowStaleAfter time.Duration
	JanitorInterval    time.Duration

	HTTPAddr string
	NodeID   string

	Services []ServicePolicy
}

// Load reads configuration from the environment, falling back to .env in
// the working directory if present. Viper does the env-var binding so a
// caller can also supply a config.yaml without code changes, matching the
// pattern the rest of the pack uses for local overrides of remote config.
func Load() (Config, error) {
	_ = godotenv.Load() // optional; missing .env is not an error

	v := viper.New()
	v.SetEnvPrefix("fairqueue")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	v.SetDefault("tick_interval", "5s")
	v.SetDefault("max_retries", 3)
	v.SetDefault("database_url", "postgres://localhost:5432/fairqueue?sslmode=disable")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("stuck_row_stale_after", "2m")
	v.SetDefault("janitor_interval", "10s")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("node_id", "")

	tickInterval, err := time.ParseDuration(v.GetString("tick_interval"))
	if err != nil {
		return Config{}, fmt.Errorf("config: tick_interval: %w", err)
	}
	staleAfter, err := time.ParseDuration(v.GetString("stuck_row_stale_after"))
	if err != nil {
		return Config{}, fmt.Errorf("config: stuck_row_stale_after: %w", err)
	}
	janitorInterval, err := time.ParseDuration(v.GetString("janitor_interval"))
	if err != nil {
		return Config{}, fmt.Errorf("config: janitor_interval: %w", err)
	}

	nodeID := v.GetString("node_id")
	if nodeID == "" {
		nodeID = fmt.Sprintf("fairqueue-%d", time.Now().UnixNano())
	}

	cfg := Config{
		TickInterval:       tickInterval,
		MaxRetries:         v.GetInt("max_retries"),
		DatabaseURL:        v.GetString("database_url"),
		RedisAddr:          v.GetString("redis_addr"),
		RedisPass:          v.GetString("redis_password"),
		StuckRowStaleAfter: staleAfter,
		JanitorInterval:    janitorInterval,
		HTTPAddr:           v.GetString("http_addr"),
		NodeID:             nodeID,
		Services:           DefaultServicePolicies(),
	}
	return cfg, nil
}

// DefaultServicePolicies returns the demo service roster used when no
// external policy source (database table, config file) is wired in. A
// production deployment would load these from a table instead.
func DefaultServicePolicies() []ServicePolicy {
	return []ServicePolicy{
		{ServiceName: "iam", PerSKULimit: 5, MaxConcurrency: 10, HandlerRef: "iam"},
		{ServiceName: "iot", PerSKULimit: 5, MaxConcurrency: 10, HandlerRef: "iot"},
		{ServiceName: "apm", PerSKULimit: 5, MaxConcurrency: 10, HandlerRef: "apm"},
	}
}
