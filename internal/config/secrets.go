package config

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging or printing the
// active configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg // shallow copy of the top-level struct

	// Wallet
	out.Wallet = cfg.Wallet
	redact(&out.Wallet.PrivateKey)
	redact(&out.Wallet.KeyPassword)

	// Api
	out.Api = cfg.Api
	redact(&out.Api.Key)
	redact(&out.Api.Secret)
	redact(&out.Api.Passphrase)

	// Database
	out.Database = cfg.Database
	redact(&out.Database.DSN)
	redact(&out.Database.Password)

	// Redis
	out.Redis = cfg.Redis
	redact(&out.Redis.Password)

	// S3
	out.S3 = cfg.S3
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	// Notify
	out.Notify = cfg.Notify
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	if cfg.Notify.Events != nil {
		out.Notify.Events = make([]string, len(cfg.Notify.Events))
		copy(out.Notify.Events, cfg.Notify.Events)
	}
	if cfg.Strategy.ExcludedTags != nil {
		out.Strategy.ExcludedTags = make([]string, len(cfg.Strategy.ExcludedTags))
		copy(out.Strategy.ExcludedTags, cfg.Strategy.ExcludedTags)
	}
	if cfg.Strategy.ExcludedKeywords != nil {
		out.Strategy.ExcludedKeywords = make([]string, len(cfg.Strategy.ExcludedKeywords))
		copy(out.Strategy.ExcludedKeywords, cfg.Strategy.ExcludedKeywords)
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
