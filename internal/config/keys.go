package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	field   string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", field: "Server.Port", typ: kInt, env: "RAMBLE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", field: "Storage.DataDir", typ: kString, env: "RAMBLE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", field: "Log.Level", typ: kString, env: "RAMBLE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "transcription.provider", field: "Transcription.Provider", typ: kString, env: "RAMBLE_TRANSCRIPTION_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Transcription.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Transcription.Provider },
	},
	{
		key: "transcription.base_url", field: "Transcription.BaseURL", typ: kString, env: "RAMBLE_TRANSCRIPTION_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Transcription.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Transcription.BaseURL },
	},
	{
		key: "transcription.model", field: "Transcription.Model", typ: kString, env: "RAMBLE_TRANSCRIPTION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Transcription.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Transcription.Model },
	},
	{
		key: "transcription.quality_threshold", field: "Transcription.QualityThreshold", typ: kFloat, env: "RAMBLE_TRANSCRIPTION_QUALITY_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Transcription.QualityThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Transcription.QualityThreshold },
	},
	{
		key: "transcription.api_key", field: "Transcription.APIKey", typ: kString, env: "RAMBLE_TRANSCRIPTION_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Transcription.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Transcription.APIKey },
	},
	{
		key: "webhook.url", field: "Webhook.URL", typ: kString, env: "RAMBLE_WEBHOOK_URL",
		apply:   func(cfg *Config, v any) { cfg.Webhook.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Webhook.URL },
	},
	{
		key: "webhook.token", field: "Webhook.Token", typ: kString, env: "RAMBLE_WEBHOOK_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Webhook.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Webhook.Token },
	},
	{
		key: "webhook.timeout", field: "Webhook.Timeout", typ: kString, env: "RAMBLE_WEBHOOK_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Webhook.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Webhook.Timeout },
	},
	{
		key: "lifecycle.wake_interval", field: "Lifecycle.WakeInterval", typ: kString, env: "RAMBLE_LIFECYCLE_WAKE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Lifecycle.WakeInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Lifecycle.WakeInterval },
	},
	{
		key: "lifecycle.wake_budget", field: "Lifecycle.WakeBudget", typ: kString, env: "RAMBLE_LIFECYCLE_WAKE_BUDGET",
		apply:   func(cfg *Config, v any) { cfg.Lifecycle.WakeBudget = v.(string) },
		extract: func(cfg Config) any { return cfg.Lifecycle.WakeBudget },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
