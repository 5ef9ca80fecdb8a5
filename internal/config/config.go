// Package config defines the configuration of the elephant bot and provides
// validation helpers.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Config is the root configuration. Fields come from a TOML file and may be
// overridden by ELEPHANT_* environment variables.
type Config struct {
	Mode      string                  `toml:"mode"`
	LogLevel  string                  `toml:"log_level"`
	Account   string                  `toml:"account"`
	Symbols   []string                `toml:"symbols"`
	Gateway   GatewayConfig           `toml:"gateway"`
	Paper     PaperConfig             `toml:"paper"`
	Postgres  PostgresConfig          `toml:"postgres"`
	Redis     RedisConfig             `toml:"redis"`
	S3        S3Config                `toml:"s3"`
	Notify    NotifyConfig            `toml:"notify"`
	Server    ServerConfig            `toml:"server"`
	Session   SessionConfig           `toml:"session"`
	Detector  DetectorConfig          `toml:"detector"`
	Execution ExecutionConfig         `toml:"execution"`
	Risk      RiskConfig              `toml:"risk"`
	Overrides map[string]SymbolConfig `toml:"overrides"`
}

// GatewayConfig holds the broker gateway websocket endpoint and credentials.
type GatewayConfig struct {
	URL       string `toml:"url"`
	APIKey    string `toml:"api_key"`
	APISecret string `toml:"api_secret"`
	// APISecretFile points at a keystore written by "elephantbot encrypt-secret";
	// it is decrypted with APISecretPassword when APISecret is empty.
	APISecretFile     string   `toml:"api_secret_file"`
	APISecretPassword string   `toml:"api_secret_password"`
	ReconnectDelay    duration `toml:"reconnect_delay"`
	PingInterval      duration `toml:"ping_interval"`
	RequestTimeout    duration `toml:"request_timeout"`
}

// PaperConfig configures the simulated account used by paper and replay
// modes.
type PaperConfig struct {
	// Holdings is the settled inventory per symbol at startup.
	Holdings map[string]float64 `toml:"holdings"`
	// ReplayPath is a local JSONL file of snapshots. ReplayKey is an S3 key
	// used when ReplayPath is empty; a key ending in "/" selects the newest
	// object under that prefix.
	ReplayPath string `toml:"replay_path"`
	ReplayKey  string `toml:"replay_key"`
	// ReplaySpeed > 0 paces replay by snapshot timestamps divided by it;
	// 0 replays as fast as possible.
	ReplaySpeed float64 `toml:"replay_speed"`
	// RecordDir, when set, keeps every received snapshot as daily JSONL
	// files in the replay format. With S3 enabled the finished day is
	// uploaded under books/YYYY/MM/DD.jsonl at session close.
	RecordDir string `toml:"record_dir"`
}

// PostgresConfig holds the cycle log database connection parameters.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled    bool     `toml:"enabled"`
	Addr       string   `toml:"addr"`
	Password   string   `toml:"password"`
	DB         int      `toml:"db"`
	PoolSize   int      `toml:"pool_size"`
	MaxRetries int      `toml:"max_retries"`
	TLSEnabled bool     `toml:"tls_enabled"`
	LockTTL    duration `toml:"lock_ttl"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	// RetentionDays is how long archived cycles stay in Postgres. Zero keeps
	// them forever.
	RetentionDays int `toml:"retention_days"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	AuthToken   string   `toml:"auth_token"`
	CORSOrigins []string `toml:"cors_origins"`
}

// SessionConfig holds exchange trading hours.
type SessionConfig struct {
	Enabled  bool     `toml:"enabled"`
	Timezone string   `toml:"timezone"`
	Windows  []string `toml:"windows"`
	CloseAt  string   `toml:"close_at"`
}

// DetectorConfig holds the elephant detection thresholds.
type DetectorConfig struct {
	NotionalThreshold    float64 `toml:"elephant_notional_threshold"`
	AskNotionalThreshold float64 `toml:"ask_notional_threshold"`
	MaxSpread            int     `toml:"max_spread"`
	FarLevelMultiplier   float64 `toml:"far_level_multiplier"`
	NearFarBoundaryLevel int     `toml:"near_far_boundary_level"`
	ConfirmationCount    int     `toml:"confirmation_count"`
	StabilitySeconds     float64 `toml:"stability_seconds"`
	SkipBestLevel        bool    `toml:"skip_best_level"`
	EnableAskSide        bool    `toml:"enable_ask_side_detection"`
}

// ExecutionConfig holds the order placement parameters.
type ExecutionConfig struct {
	PriceIncrement       float64  `toml:"price_increment"`
	BuyOffsetMultiplier  float64  `toml:"buy_offset_multiplier"`
	SellOffsetMultiplier float64  `toml:"sell_offset_multiplier"`
	WaitTimeSeconds      float64  `toml:"wait_time_seconds"`
	FlattenCancelSeconds float64  `toml:"flatten_cancel_seconds"`
	CooldownSeconds      float64  `toml:"cooldown_seconds"`
	StopLossRatio        float64  `toml:"stop_loss_ratio"`
	TradeQuantity        float64  `toml:"trade_quantity"`
	FeeRate              float64  `toml:"fee_rate"`
	EnforceT1            bool     `toml:"enforce_t1"`
	TickInterval         duration `toml:"tick_interval"`
}

// RiskConfig holds the loss and trade-count limits.
type RiskConfig struct {
	SingleTradeMaxLossRatio float64 `toml:"single_trade_max_loss_ratio"`
	SymbolMaxLossRatio      float64 `toml:"symbol_max_loss_ratio"`
	DailyMaxLossRatio       float64 `toml:"daily_max_loss_ratio"`
	SymbolMaxTrades         int     `toml:"symbol_max_trades"`
	DailyMaxTrades          int     `toml:"daily_max_trades"`
	TotalAssets             float64 `toml:"total_assets"`
}

// SymbolConfig overrides detector and execution fields for one symbol.
// Unset fields inherit the global value.
type SymbolConfig struct {
	NotionalThreshold    *float64 `toml:"elephant_notional_threshold"`
	AskNotionalThreshold *float64 `toml:"ask_notional_threshold"`
	MaxSpread            *int     `toml:"max_spread"`
	ConfirmationCount    *int     `toml:"confirmation_count"`
	StabilitySeconds     *float64 `toml:"stability_seconds"`
	EnableAskSide        *bool    `toml:"enable_ask_side_detection"`
	PriceIncrement       *float64 `toml:"price_increment"`
	TradeQuantity        *float64 `toml:"trade_quantity"`
	StopLossRatio        *float64 `toml:"stop_loss_ratio"`
	WaitTimeSeconds      *float64 `toml:"wait_time_seconds"`
	CooldownSeconds      *float64 `toml:"cooldown_seconds"`
}

// duration wraps time.Duration so TOML strings like "5s" decode.
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with the stock values. They match
// config.example.toml.
func Defaults() Config {
	return Config{
		Mode:     "paper",
		LogLevel: "info",
		Account:  "default",
		Gateway: GatewayConfig{
			URL:            "ws://localhost:8765/ws",
			ReconnectDelay: duration{2 * time.Second},
			PingInterval:   duration{15 * time.Second},
			RequestTimeout: duration{5 * time.Second},
		},
		Paper: PaperConfig{
			Holdings: map[string]float64{},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "elephantbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			LockTTL:    duration{30 * time.Second},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "elephantbot-data",
			ForcePathStyle: true,
			RetentionDays:  30,
		},
		Notify: NotifyConfig{
			Events: []string{"stop_loss", "escalation", "risk_halt", "daily_summary"},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Session: SessionConfig{
			Enabled:  true,
			Timezone: "Asia/Shanghai",
			Windows:  []string{"09:30-11:30", "13:00-15:00"},
			CloseAt:  "15:00",
		},
		Detector: DetectorConfig{
			NotionalThreshold:    1_000_000,
			AskNotionalThreshold: 1_200_000,
			MaxSpread:            3,
			FarLevelMultiplier:   1.5,
			NearFarBoundaryLevel: 1,
			ConfirmationCount:    3,
			StabilitySeconds:     5,
			EnableAskSide:        true,
		},
		Execution: ExecutionConfig{
			PriceIncrement:       0.01,
			BuyOffsetMultiplier:  1,
			SellOffsetMultiplier: 2,
			WaitTimeSeconds:      30,
			FlattenCancelSeconds: 5,
			CooldownSeconds:      300,
			StopLossRatio:        0.5,
			TradeQuantity:        100,
			FeeRate:              0.0003,
			EnforceT1:            true,
			TickInterval:         duration{500 * time.Millisecond},
		},
		Risk: RiskConfig{
			SingleTradeMaxLossRatio: 0.01,
			SymbolMaxLossRatio:      0.03,
			DailyMaxLossRatio:       0.05,
			SymbolMaxTrades:         10,
			DailyMaxTrades:          50,
		},
		Overrides: map[string]SymbolConfig{},
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"paper":  true,
	"live":   true,
	"replay": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks every section and returns one error listing every problem.
func (c *Config) Validate() error {
	var errs []string

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: paper, live, replay)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if c.Account == "" {
		errs = append(errs, "account must not be empty")
	}
	if mode != "replay" && len(c.Symbols) == 0 {
		errs = append(errs, "symbols must list at least one code")
	}

	// Gateway
	if mode == "paper" || mode == "live" {
		if c.Gateway.URL == "" {
			errs = append(errs, "gateway: url must not be empty for mode "+mode)
		}
	}
	if mode == "live" && (c.Gateway.APIKey == "" || (c.Gateway.APISecret == "" && c.Gateway.APISecretFile == "")) {
		errs = append(errs, "gateway: api_key and api_secret are required for live mode")
	}
	if c.Gateway.APISecretFile != "" && c.Gateway.APISecretPassword == "" {
		errs = append(errs, "gateway: api_secret_password is required with api_secret_file")
	}
	if c.Gateway.ReconnectDelay.Duration <= 0 {
		errs = append(errs, "gateway: reconnect_delay must be > 0")
	}

	// Replay
	if mode == "replay" {
		if c.Paper.ReplayPath == "" && c.Paper.ReplayKey == "" {
			errs = append(errs, "paper: replay_path or replay_key is required for replay mode")
		}
		if c.Paper.ReplayPath == "" && c.Paper.ReplayKey != "" && !c.S3.Enabled {
			errs = append(errs, "paper: replay_key needs s3.enabled")
		}
	}
	if c.Paper.ReplaySpeed < 0 {
		errs = append(errs, "paper: replay_speed must be >= 0")
	}
	for sym, qty := range c.Paper.Holdings {
		if qty < 0 {
			errs = append(errs, fmt.Sprintf("paper: holdings[%s] must be >= 0", sym))
		}
	}

	// Postgres
	if c.Postgres.Enabled {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be within 0..pool_max_conns")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.Redis.LockTTL.Duration < time.Second {
			errs = append(errs, "redis: lock_ttl must be >= 1s")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
		if c.S3.RetentionDays < 0 {
			errs = append(errs, "s3: retention_days must be >= 0")
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	// Server
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}

	// Session
	if _, err := time.LoadLocation(c.Session.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("session: timezone %q: %v", c.Session.Timezone, err))
	}
	if c.Session.Enabled && len(c.Session.Windows) == 0 {
		errs = append(errs, "session: windows must not be empty when enabled")
	}

	// Trading parameters
	if err := c.DetectorParams().Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.ExecutionParams().Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.RiskLimits().Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Risk.TotalAssets < 0 {
		errs = append(errs, "risk: total_assets must be >= 0")
	}

	syms := make([]string, 0, len(c.Overrides))
	for sym := range c.Overrides {
		syms = append(syms, sym)
	}
	sort.Strings(syms)
	for _, sym := range syms {
		if err := c.SymbolDetectorParams(sym).Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("overrides.%s: %v", sym, err))
		}
		if err := c.SymbolExecutionParams(sym).Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("overrides.%s: %v", sym, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
