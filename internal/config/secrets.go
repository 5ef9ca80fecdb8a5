package config

import "maps"

// RedactedConfig returns a copy of cfg with secrets replaced by "***", for
// logging the active configuration.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Gateway.APIKey)
	redact(&out.Gateway.APISecret)
	redact(&out.Gateway.APISecretPassword)
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)
	redact(&out.Server.AuthToken)

	// Copy slices and maps so the redacted copy cannot alias the original.
	out.Symbols = append([]string(nil), cfg.Symbols...)
	out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	out.Session.Windows = append([]string(nil), cfg.Session.Windows...)
	out.Paper.Holdings = maps.Clone(cfg.Paper.Holdings)
	out.Overrides = maps.Clone(cfg.Overrides)

	return out
}

const redacted = "***"

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
