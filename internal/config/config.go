// Package config loads and validates the system's typed YAML
// configuration, with secrets overridable from the environment.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration document (§6).
type Config struct {
	Pairs       PairsConfig      `yaml:"pairs"`
	Thresholds  ThresholdsConfig `yaml:"thresholds"`
	Signals     SignalsConfig    `yaml:"signals"`
	Alerts      AlertsConfig     `yaml:"alerts"`
	Buffers     BuffersConfig    `yaml:"buffers"`
	WebSocket   WebSocketConfig  `yaml:"websocket"`
	Monitoring  MonitoringConfig `yaml:"monitoring"`
	Analysis    AnalysisConfig   `yaml:"analysis"`
	Dashboard   DashboardConfig  `yaml:"dashboard"`
	Storage     StorageConfig    `yaml:"storage"`
	Coinglass   CoinglassConfig  `yaml:"coinglass"`
	Telegram    TelegramConfig   `yaml:"telegram"`
}

type PairsConfig struct {
	Primary   []string `yaml:"primary"`
	Secondary []string `yaml:"secondary"`
}

type ThresholdsConfig struct {
	Tier1 TierThresholds `yaml:"tier1"`
	Tier2 TierThresholds `yaml:"tier2"`
	Tier3 TierThresholds `yaml:"tier3"`
}

type TierThresholds struct {
	Cascade     float64 `yaml:"cascade"`
	Absorption  float64 `yaml:"absorption"`
	LargeOrder  float64 `yaml:"large_order"`
}

type SignalsConfig struct {
	MinConfidence  float64       `yaml:"min_confidence"`
	CooldownPeriod time.Duration `yaml:"cooldown_period"`
	DedupWindow    time.Duration `yaml:"dedup_window"`
	MaxPerHour     int           `yaml:"max_per_hour"`
}

type AlertsConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	MinSendGap time.Duration `yaml:"min_send_gap"`
	QueueDepth int           `yaml:"queue_depth"`
}

type BuffersConfig struct {
	MaxLiquidations int           `yaml:"max_liquidations"`
	MaxTrades       int           `yaml:"max_trades"`
	MaxBaselines    int           `yaml:"max_baselines"`
	BaselineMaxAge  time.Duration `yaml:"baseline_max_age"`
}

type WebSocketConfig struct {
	URL               string        `yaml:"url"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ReadDeadline      time.Duration `yaml:"read_deadline"`
	LoginDeadline     time.Duration `yaml:"login_deadline"`
}

type MonitoringConfig struct {
	StatsInterval   time.Duration `yaml:"stats_interval"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

type AnalysisConfig struct {
	TrackerCheckInterval time.Duration `yaml:"tracker_check_interval"`
	MaxExtendFactor      int           `yaml:"max_extend_factor"`
	ContextFilterMode    string        `yaml:"context_filter_mode"`
}

type DashboardConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	AuthToken      string        `yaml:"auth_token"`
	RateLimitPerIP float64       `yaml:"rate_limit_per_ip"`
	MaxTrackedIPs  int           `yaml:"max_tracked_ips"`
	AuthGrace      time.Duration `yaml:"auth_grace"`
}

type StorageConfig struct {
	DatabaseURL string `yaml:"database_url"`
}

type CoinglassConfig struct {
	APIKey string `yaml:"api_key"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// Load reads and parses the YAML document at path, then applies
// environment overrides for secret fields and validates required
// sections (§6). Returns an error — never partial config — on any
// failure, so callers fail fast at startup.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides lets secrets be supplied out-of-band instead of
// committed to the YAML file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LIQUIDWATCH_TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.BotToken = v
	}
	if v := os.Getenv("LIQUIDWATCH_TELEGRAM_CHAT_ID"); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := os.Getenv("LIQUIDWATCH_COINGLASS_API_KEY"); v != "" {
		cfg.Coinglass.APIKey = v
	}
	if v := os.Getenv("LIQUIDWATCH_DASHBOARD_AUTH_TOKEN"); v != "" {
		cfg.Dashboard.AuthToken = v
	}
	if v := os.Getenv("LIQUIDWATCH_DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
}

// Validate fails fast on missing required sections (§6): no silent
// zero-value fallbacks for fields that would otherwise make the system
// run in a degraded or insecure mode.
func (c *Config) Validate() error {
	if len(c.Pairs.Primary) == 0 {
		return fmt.Errorf("pairs.primary must list at least one symbol")
	}
	if c.Storage.DatabaseURL == "" {
		return fmt.Errorf("storage.database_url is required")
	}
	if c.WebSocket.URL == "" {
		return fmt.Errorf("websocket.url is required")
	}
	if c.Dashboard.ListenAddr == "" {
		return fmt.Errorf("dashboard.listen_addr is required")
	}
	if c.Dashboard.AuthToken == "" {
		return fmt.Errorf("dashboard.auth_token is required")
	}
	if c.Telegram.Enabled && (c.Telegram.BotToken == "" || c.Telegram.ChatID == "") {
		return fmt.Errorf("telegram.bot_token and telegram.chat_id are required when telegram.enabled is true")
	}
	return nil
}
