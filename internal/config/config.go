// Package config loads and validates charrelay configuration from YAML,
// with environment-variable overrides for secrets and deploy paths.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all charrelay configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Identity of the bot's own platform user; the resolver skips its
	// messages when building freewill context.
	BotUserID string `yaml:"bot_user_id"`

	Store    StoreConfig    `yaml:"store"`
	Platform PlatformConfig `yaml:"platform"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Watchdog WatchdogConfig `yaml:"watchdog"`
	Actions  ActionsConfig  `yaml:"actions"`
	Cache    CacheConfig    `yaml:"cache"`
	Backends BackendsConfig `yaml:"backends"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// StoreConfig configures SQLite persistence.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// PlatformConfig points at the chat platform's REST API, used for webhook
// delivery and channel history reads.
type PlatformConfig struct {
	BaseURL       string `yaml:"base_url"`
	BotToken      string `yaml:"bot_token"`
	OpsWebhookURL string `yaml:"ops_webhook_url"` // Operator notifications; empty disables posting
}

// DispatchConfig tunes the admission queues and resolver.
type DispatchConfig struct {
	QueueCapacity        int    `yaml:"queue_capacity"`         // Max waiting callers per character
	TurnPollInterval     string `yaml:"turn_poll_interval"`     // How often a waiting caller re-checks its turn
	TurnWaitCeiling      string `yaml:"turn_wait_ceiling"`      // Give up waiting after this long
	DefaultResponseDelay string `yaml:"default_response_delay"` // Pacing delay when the character sets none
	BotResponseFloor     string `yaml:"bot_response_floor"`     // Minimum delay for automated/webhook authors
	WideContextBudget    int    `yaml:"wide_context_budget"`    // Char budget for freewill wide context
	HistoryFetchCount    int    `yaml:"history_fetch_count"`    // Messages pulled per wide-context fetch
}

// WatchdogConfig tunes the per-user rate limiter.
type WatchdogConfig struct {
	Window         string `yaml:"window"`          // Rolling interaction window
	WarnThreshold  int    `yaml:"warn_threshold"`  // Interactions in window before warning
	BlockThreshold int    `yaml:"block_threshold"` // Interactions in window before blocking
	ShortBlock     string `yaml:"short_block"`     // First-offense block duration
	LongBlock      string `yaml:"long_block"`      // Repeat-offense block duration
	ExpiryInterval string `yaml:"expiry_interval"` // How often expired blocks are re-validated
}

// ActionsConfig tunes the stored-action retry worker.
type ActionsConfig struct {
	TickInterval       string `yaml:"tick_interval"`
	DefaultMaxAttempts int    `yaml:"default_max_attempts"`
}

// CacheConfig tunes the TTL caches (webhook clients, search sessions,
// seen channels).
type CacheConfig struct {
	TTL           string `yaml:"ttl"`
	SweepInterval string `yaml:"sweep_interval"`
}

// BackendsConfig configures the conversational backends characters can be
// wired to.
type BackendsConfig struct {
	Gemini GeminiBackendConfig `yaml:"gemini"`
	OpenAI OpenAIBackendConfig `yaml:"openai"`
}

// GeminiBackendConfig configures the Google Gemini backend.
type GeminiBackendConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	Timeout string `yaml:"timeout"`
}

// OpenAIBackendConfig configures an OpenAI-compatible HTTP backend.
type OpenAIBackendConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	Timeout string `yaml:"timeout"`
}

// GatewayConfig configures the inbound event HTTP gateway.
type GatewayConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	SharedToken string `yaml:"shared_token"` // Bearer token required on /v1/events
}

// LoggingConfig configures the category logger.
type LoggingConfig struct {
	Dir        string          `yaml:"dir"`
	Level      string          `yaml:"level"`
	Console    bool            `yaml:"console"`
	Categories map[string]bool `yaml:"categories"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "charrelay",
		Version: "0.4.0",

		Store: StoreConfig{
			DatabasePath: "data/charrelay.db",
		},

		Platform: PlatformConfig{
			BaseURL: "https://discord.com/api/v10",
		},

		Dispatch: DispatchConfig{
			QueueCapacity:        5,
			TurnPollInterval:     "500ms",
			TurnWaitCeiling:      "2m",
			DefaultResponseDelay: "0s",
			BotResponseFloor:     "5s",
			WideContextBudget:    1500,
			HistoryFetchCount:    30,
		},

		Watchdog: WatchdogConfig{
			Window:         "30s",
			WarnThreshold:  8,
			BlockThreshold: 10,
			ShortBlock:     "1h",
			LongBlock:      "24h",
			ExpiryInterval: "1m",
		},

		Actions: ActionsConfig{
			TickInterval:       "20s",
			DefaultMaxAttempts: 10,
		},

		Cache: CacheConfig{
			TTL:           "10m",
			SweepInterval: "1m",
		},

		Backends: BackendsConfig{
			Gemini: GeminiBackendConfig{
				Model:   "gemini-2.0-flash",
				Timeout: "60s",
			},
			OpenAI: OpenAIBackendConfig{
				BaseURL: "https://api.openai.com/v1",
				Model:   "gpt-4o-mini",
				Timeout: "60s",
			},
		},

		Gateway: GatewayConfig{
			ListenAddr: ":8420",
		},

		Logging: LoggingConfig{
			Dir:     "data/logs",
			Level:   "info",
			Console: true,
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; env overrides always apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Backends.Gemini.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.Backends.OpenAI.APIKey = key
	}
	if token := os.Getenv("CHARRELAY_GATEWAY_TOKEN"); token != "" {
		c.Gateway.SharedToken = token
	}
	if path := os.Getenv("CHARRELAY_DB"); path != "" {
		c.Store.DatabasePath = path
	}
	if addr := os.Getenv("CHARRELAY_LISTEN"); addr != "" {
		c.Gateway.ListenAddr = addr
	}
	if token := os.Getenv("CHARRELAY_BOT_TOKEN"); token != "" {
		c.Platform.BotToken = token
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Dispatch.QueueCapacity <= 0 {
		return fmt.Errorf("dispatch.queue_capacity must be positive, got %d", c.Dispatch.QueueCapacity)
	}
	if c.Watchdog.WarnThreshold <= 0 || c.Watchdog.BlockThreshold <= 0 {
		return fmt.Errorf("watchdog thresholds must be positive")
	}
	if c.Watchdog.WarnThreshold >= c.Watchdog.BlockThreshold {
		return fmt.Errorf("watchdog.warn_threshold (%d) must be below block_threshold (%d)",
			c.Watchdog.WarnThreshold, c.Watchdog.BlockThreshold)
	}
	if c.Actions.DefaultMaxAttempts <= 0 {
		return fmt.Errorf("actions.default_max_attempts must be positive")
	}
	for name, raw := range map[string]string{
		"dispatch.turn_poll_interval":     c.Dispatch.TurnPollInterval,
		"dispatch.turn_wait_ceiling":      c.Dispatch.TurnWaitCeiling,
		"dispatch.default_response_delay": c.Dispatch.DefaultResponseDelay,
		"dispatch.bot_response_floor":     c.Dispatch.BotResponseFloor,
		"watchdog.window":                 c.Watchdog.Window,
		"watchdog.short_block":            c.Watchdog.ShortBlock,
		"watchdog.long_block":             c.Watchdog.LongBlock,
		"watchdog.expiry_interval":        c.Watchdog.ExpiryInterval,
		"actions.tick_interval":           c.Actions.TickInterval,
		"cache.ttl":                       c.Cache.TTL,
		"cache.sweep_interval":            c.Cache.SweepInterval,
	} {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("%s: invalid duration %q", name, raw)
		}
	}
	return nil
}

func duration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// Duration accessors. Unparseable values fall back to the shipped defaults
// so a half-edited config file cannot stall the engine.

func (c *Config) TurnPollInterval() time.Duration {
	return duration(c.Dispatch.TurnPollInterval, 500*time.Millisecond)
}

func (c *Config) TurnWaitCeiling() time.Duration {
	return duration(c.Dispatch.TurnWaitCeiling, 2*time.Minute)
}

func (c *Config) DefaultResponseDelay() time.Duration {
	return duration(c.Dispatch.DefaultResponseDelay, 0)
}

func (c *Config) BotResponseFloor() time.Duration {
	return duration(c.Dispatch.BotResponseFloor, 5*time.Second)
}

func (c *Config) WatchdogWindow() time.Duration {
	return duration(c.Watchdog.Window, 30*time.Second)
}

func (c *Config) ShortBlock() time.Duration {
	return duration(c.Watchdog.ShortBlock, time.Hour)
}

func (c *Config) LongBlock() time.Duration {
	return duration(c.Watchdog.LongBlock, 24*time.Hour)
}

func (c *Config) ExpiryInterval() time.Duration {
	return duration(c.Watchdog.ExpiryInterval, time.Minute)
}

func (c *Config) ActionsTickInterval() time.Duration {
	return duration(c.Actions.TickInterval, 20*time.Second)
}

func (c *Config) CacheTTL() time.Duration {
	return duration(c.Cache.TTL, 10*time.Minute)
}

func (c *Config) CacheSweepInterval() time.Duration {
	return duration(c.Cache.SweepInterval, time.Minute)
}

func (c *Config) GeminiTimeout() time.Duration {
	return duration(c.Backends.Gemini.Timeout, 60*time.Second)
}

func (c *Config) OpenAITimeout() time.Duration {
	return duration(c.Backends.OpenAI.Timeout, 60*time.Second)
}
