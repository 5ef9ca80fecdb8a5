package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load decodes the TOML file at path over Defaults, loads .env if present,
// then applies ELEPHANT_* environment overrides. The result is NOT
// validated; call Config.Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}

	// .env is optional.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides lets operators inject secrets and tweak a deployment
// without editing the TOML file. Empty variables are ignored.
func applyEnvOverrides(cfg *Config) {
	// ── Top-level ──
	setStr(&cfg.Mode, "ELEPHANT_MODE")
	setStr(&cfg.LogLevel, "ELEPHANT_LOG_LEVEL")
	setStr(&cfg.Account, "ELEPHANT_ACCOUNT")
	setStringSlice(&cfg.Symbols, "ELEPHANT_SYMBOLS")

	// ── Gateway ──
	setStr(&cfg.Gateway.URL, "ELEPHANT_GATEWAY_URL")
	setStr(&cfg.Gateway.APIKey, "ELEPHANT_GATEWAY_API_KEY")
	setStr(&cfg.Gateway.APISecret, "ELEPHANT_GATEWAY_API_SECRET")
	setStr(&cfg.Gateway.APISecretFile, "ELEPHANT_GATEWAY_API_SECRET_FILE")
	setStr(&cfg.Gateway.APISecretPassword, "ELEPHANT_GATEWAY_API_SECRET_PASSWORD")
	setDuration(&cfg.Gateway.ReconnectDelay, "ELEPHANT_GATEWAY_RECONNECT_DELAY")

	// ── Paper ──
	setStr(&cfg.Paper.ReplayPath, "ELEPHANT_PAPER_REPLAY_PATH")
	setStr(&cfg.Paper.ReplayKey, "ELEPHANT_PAPER_REPLAY_KEY")
	setFloat64(&cfg.Paper.ReplaySpeed, "ELEPHANT_PAPER_REPLAY_SPEED")
	setStr(&cfg.Paper.RecordDir, "ELEPHANT_PAPER_RECORD_DIR")

	// ── Postgres ──
	setBool(&cfg.Postgres.Enabled, "ELEPHANT_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "ELEPHANT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "ELEPHANT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ELEPHANT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ELEPHANT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ELEPHANT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ELEPHANT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ELEPHANT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ELEPHANT_POSTGRES_POOL_MAX_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ELEPHANT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "ELEPHANT_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "ELEPHANT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ELEPHANT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ELEPHANT_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "ELEPHANT_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.LockTTL, "ELEPHANT_REDIS_LOCK_TTL")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "ELEPHANT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "ELEPHANT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ELEPHANT_S3_REGION")
	setStr(&cfg.S3.Bucket, "ELEPHANT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ELEPHANT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ELEPHANT_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "ELEPHANT_S3_FORCE_PATH_STYLE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ELEPHANT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ELEPHANT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ELEPHANT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ELEPHANT_NOTIFY_EVENTS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ELEPHANT_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "ELEPHANT_SERVER_PORT")
	setStr(&cfg.Server.AuthToken, "ELEPHANT_SERVER_AUTH_TOKEN")
	setStringSlice(&cfg.Server.CORSOrigins, "ELEPHANT_SERVER_CORS_ORIGINS")

	// ── Session ──
	setBool(&cfg.Session.Enabled, "ELEPHANT_SESSION_ENABLED")
	setStr(&cfg.Session.Timezone, "ELEPHANT_SESSION_TIMEZONE")

	// ── Detector ──
	setFloat64(&cfg.Detector.NotionalThreshold, "ELEPHANT_DETECTOR_NOTIONAL_THRESHOLD")
	setFloat64(&cfg.Detector.AskNotionalThreshold, "ELEPHANT_DETECTOR_ASK_NOTIONAL_THRESHOLD")
	setInt(&cfg.Detector.MaxSpread, "ELEPHANT_DETECTOR_MAX_SPREAD")
	setInt(&cfg.Detector.ConfirmationCount, "ELEPHANT_DETECTOR_CONFIRMATION_COUNT")
	setFloat64(&cfg.Detector.StabilitySeconds, "ELEPHANT_DETECTOR_STABILITY_SECONDS")
	setBool(&cfg.Detector.EnableAskSide, "ELEPHANT_DETECTOR_ENABLE_ASK_SIDE")

	// ── Execution ──
	setFloat64(&cfg.Execution.TradeQuantity, "ELEPHANT_EXECUTION_TRADE_QUANTITY")
	setFloat64(&cfg.Execution.StopLossRatio, "ELEPHANT_EXECUTION_STOP_LOSS_RATIO")
	setFloat64(&cfg.Execution.WaitTimeSeconds, "ELEPHANT_EXECUTION_WAIT_TIME_SECONDS")
	setFloat64(&cfg.Execution.FlattenCancelSeconds, "ELEPHANT_EXECUTION_FLATTEN_CANCEL_SECONDS")
	setFloat64(&cfg.Execution.CooldownSeconds, "ELEPHANT_EXECUTION_COOLDOWN_SECONDS")
	setFloat64(&cfg.Execution.FeeRate, "ELEPHANT_EXECUTION_FEE_RATE")
	setBool(&cfg.Execution.EnforceT1, "ELEPHANT_EXECUTION_ENFORCE_T1")

	// ── Risk ──
	setFloat64(&cfg.Risk.TotalAssets, "ELEPHANT_RISK_TOTAL_ASSETS")
	setFloat64(&cfg.Risk.DailyMaxLossRatio, "ELEPHANT_RISK_DAILY_MAX_LOSS_RATIO")
	setInt(&cfg.Risk.DailyMaxTrades, "ELEPHANT_RISK_DAILY_MAX_TRADES")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the variable is
// present, non-empty and parses.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
