package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds all application configuration.
type Config struct {
	// Chat API Connection
	DiscordAPIURL    string        `koanf:"discord_api_url"`
	DiscordToken     string        `koanf:"discord_token"`
	DiscordAPIDebug  bool          `koanf:"discord_api_debug"`
	HTTPTimeout      time.Duration `koanf:"http_timeout"`
	SupportInviteURL string        `koanf:"support_invite_url"`

	// Incident Feed
	IncidentWebhookURL string `koanf:"incident_webhook_url"`

	// Access Gate
	NoticeThreshold      int      `koanf:"notice_threshold"`
	ProtectedCommunities []string `koanf:"protected_communities"`

	// Recovery Flows
	BackfillTimeout time.Duration `koanf:"backfill_timeout"`
	SuggestTimeout  time.Duration `koanf:"suggest_timeout"`
	SuggestCutoff   float64       `koanf:"suggest_cutoff"`

	// Worker Pool (outbound notice/feed delivery)
	PoolWorkers    int           `koanf:"pool_workers"`
	PoolQueueDepth int           `koanf:"pool_queue_depth"`
	PoolMaxRetries int           `koanf:"pool_max_retries"`
	PoolRetryBase  time.Duration `koanf:"pool_retry_base"`

	// Storage
	DataDir string `koanf:"data_dir"`

	// Operational
	LogLevel         string        `koanf:"log_level"`
	LogFormat        string        `koanf:"log_format"`
	MetricsEnabled   bool          `koanf:"metrics_enabled"`
	MetricsAddr      string        `koanf:"metrics_addr"`
	HealthAddr       string        `koanf:"health_addr"`
	InteractionsAddr string        `koanf:"interactions_addr"`
	JanitorInterval  time.Duration `koanf:"janitor_interval"`
}

// ProtectedCommunityIDs parses the protected community list into snowflakes.
func (c *Config) ProtectedCommunityIDs() ([]int64, error) {
	ids := make([]int64, 0, len(c.ProtectedCommunities))
	for _, raw := range c.ProtectedCommunities {
		id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid protected community snowflake %q: %w", raw, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// sanitise removes a single layer of matching surrounding quotes from all string
// fields and string slice elements. This normalises values from Docker --env-file
// which does not strip shell quoting.
func (c *Config) sanitise() {
	c.DiscordAPIURL = stripEnvQuotes(c.DiscordAPIURL)
	c.DiscordToken = stripEnvQuotes(c.DiscordToken)
	c.SupportInviteURL = stripEnvQuotes(c.SupportInviteURL)
	c.IncidentWebhookURL = stripEnvQuotes(c.IncidentWebhookURL)
	c.DataDir = stripEnvQuotes(c.DataDir)
	c.LogLevel = stripEnvQuotes(c.LogLevel)
	c.LogFormat = stripEnvQuotes(c.LogFormat)
	c.MetricsAddr = stripEnvQuotes(c.MetricsAddr)
	c.HealthAddr = stripEnvQuotes(c.HealthAddr)
	c.InteractionsAddr = stripEnvQuotes(c.InteractionsAddr)

	for i, s := range c.ProtectedCommunities {
		c.ProtectedCommunities[i] = stripEnvQuotes(s)
	}
}

// defaults sets sensible default values.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"discord_api_url":   "https://discord.com/api/v10",
		"http_timeout":      "15s",
		"notice_threshold":  10,
		"backfill_timeout":  "180s",
		"suggest_timeout":   "180s",
		"suggest_cutoff":    0.6,
		"pool_workers":      4,
		"pool_queue_depth":  1024,
		"pool_max_retries":  3,
		"pool_retry_base":   "1s",
		"data_dir":          "/data",
		"log_level":         "info",
		"log_format":        "json",
		"metrics_enabled":   true,
		"metrics_addr":      ":9090",
		"health_addr":       ":8081",
		"interactions_addr": ":8080",
		"janitor_interval":  "1h",
	}
}

// stripEnvQuotes removes a single layer of matching surrounding single or double
// quotes from s. Only symmetric pairs are stripped: 'x' → x, "x" → x.
// Unpaired or mismatched quotes are left as-is.
func stripEnvQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '\'' && s[len(s)-1] == '\'') ||
		(s[0] == '"' && s[len(s)-1] == '"') {
		return s[1 : len(s)-1]
	}
	return s
}

// Load reads configuration from environment variables, applying _FILE secret injection.
func Load() (*Config, error) {
	// Use "." as delimiter so that env vars with "_" in their names are
	// treated as flat keys, not nested paths. E.g. DISCORD_TOKEN → "discord_token"
	// maps to struct tag koanf:"discord_token" without any nesting.
	k := koanf.New(".")

	defs := defaults()
	if err := k.Load(&rawProvider{data: defs}, nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if err := injectFileSecrets(k); err != nil {
		return nil, fmt.Errorf("inject file secrets: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Post-process comma-separated list fields that koanf won't split automatically
	cfg.ProtectedCommunities = splitCSV(k.String("protected_communities"))

	cfg.sanitise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and semantic constraints.
func (c *Config) Validate() error {
	if c.DiscordToken == "" {
		return fmt.Errorf("DISCORD_TOKEN is required")
	}
	if !strings.HasPrefix(c.DiscordAPIURL, "http://") && !strings.HasPrefix(c.DiscordAPIURL, "https://") {
		return fmt.Errorf("DISCORD_API_URL must start with http:// or https://; got %q", c.DiscordAPIURL)
	}
	if c.IncidentWebhookURL != "" &&
		!strings.HasPrefix(c.IncidentWebhookURL, "http://") && !strings.HasPrefix(c.IncidentWebhookURL, "https://") {
		return fmt.Errorf("INCIDENT_WEBHOOK_URL must start with http:// or https://; got %q", c.IncidentWebhookURL)
	}

	if c.NoticeThreshold < 1 {
		return fmt.Errorf("NOTICE_THRESHOLD must be >= 1; got %d", c.NoticeThreshold)
	}
	if c.BackfillTimeout <= 0 {
		return fmt.Errorf("BACKFILL_TIMEOUT must be > 0; got %s", c.BackfillTimeout)
	}
	if c.SuggestTimeout <= 0 {
		return fmt.Errorf("SUGGEST_TIMEOUT must be > 0; got %s", c.SuggestTimeout)
	}
	if c.SuggestCutoff <= 0 || c.SuggestCutoff > 1 {
		return fmt.Errorf("SUGGEST_CUTOFF must be in (0, 1]; got %g", c.SuggestCutoff)
	}

	if c.PoolWorkers < 1 || c.PoolWorkers > 64 {
		return fmt.Errorf("POOL_WORKERS must be 1–64; got %d", c.PoolWorkers)
	}
	if c.PoolQueueDepth < 1 {
		return fmt.Errorf("POOL_QUEUE_DEPTH must be >= 1; got %d", c.PoolQueueDepth)
	}

	if c.JanitorInterval <= 0 {
		return fmt.Errorf("JANITOR_INTERVAL must be > 0; got %s", c.JanitorInterval)
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of trace,debug,info,warn,error,fatal,panic; got %q", c.LogLevel)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text; got %q", c.LogFormat)
	}

	if _, err := c.ProtectedCommunityIDs(); err != nil {
		return fmt.Errorf("PROTECTED_COMMUNITIES: %w", err)
	}

	return nil
}

// injectFileSecrets reads _FILE env vars and injects their file contents.
var fileSecretKeys = []string{
	"discord_token",
	"incident_webhook_url",
}

func injectFileSecrets(k *koanf.Koanf) error {
	for _, key := range fileSecretKeys {
		fileKey := key + "_file"
		filePath := k.String(fileKey)
		if filePath == "" {
			// Also check uppercased env var with _FILE suffix
			envKey := strings.ToUpper(key) + "_FILE"
			filePath = os.Getenv(envKey)
		}
		if filePath == "" {
			continue
		}
		filePath = stripEnvQuotes(filePath)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("reading secret file for %s (%s): %w", key, filePath, err)
		}
		val := strings.TrimSpace(string(content))
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("setting %s from file: %w", key, err)
		}
	}
	return nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// rawProvider implements koanf.Provider for a map[string]interface{}.
type rawProvider struct {
	data map[string]interface{}
}

// Read returns the config map directly (no Parser needed).
func (r *rawProvider) Read() (map[string]interface{}, error) {
	return r.data, nil
}

// ReadBytes is not used by rawProvider; koanf calls Read() when no Parser is given.
func (r *rawProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("rawProvider does not support ReadBytes")
}
