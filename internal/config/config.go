package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server        ServerConfig
	Storage       StorageConfig
	Log           LogConfig
	Transcription TranscriptionConfig
	Webhook       WebhookConfig
	Lifecycle     LifecycleConfig
}

type ServerConfig struct {
	Port int `validate:"gt=0,lt=65536"`
}

type StorageConfig struct {
	DataDir string `validate:"required"`
}

type LogConfig struct {
	Level string `validate:"oneof=debug info warn error"`
}

type TranscriptionConfig struct {
	Provider         string  `validate:"oneof=groq gemini"`
	BaseURL          string  `validate:"omitempty,url"`
	Model            string
	QualityThreshold float64 `validate:"gt=0,lte=1"`
	APIKey           string
}

type WebhookConfig struct {
	URL     string `validate:"omitempty,url"`
	Token   string
	Timeout string `validate:"duration"`
}

type LifecycleConfig struct {
	WakeInterval string `validate:"duration"`
	WakeBudget   string `validate:"duration"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		Transcription: TranscriptionConfig{
			Provider:         "groq",
			QualityThreshold: 0.6,
		},
		Webhook: WebhookConfig{
			Timeout: "30s",
		},
		Lifecycle: LifecycleConfig{
			WakeInterval: "15m",
			WakeBudget:   "25s",
		},
	}
}

// Load reads configuration from the platform-native backend, a .env file in
// the working directory, environment variables, and the platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.ramble.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/ramble/config.json
// and secrets fall back to $XDG_DATA_HOME/ramble/secrets.json.
//
// Environment variables (RAMBLE_*) override backend values on all platforms;
// variables already set win over the .env file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("reading .env: %w", err)
	}
	return loadWith(newPlatformBackend(), NewKeychain())
}

func loadWith(b ConfigBackend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Try platform keychain for secrets still empty.
	if cfg.Transcription.APIKey == "" {
		if key, err := kc.Get(keychainService, apiKeyAccount(cfg.Transcription.Provider)); err == nil && key != "" {
			cfg.Transcription.APIKey = key
		}
	}
	if cfg.Webhook.Token == "" {
		if tok, err := kc.Get(keychainService, webhookTokenAccount); err == nil && tok != "" {
			cfg.Webhook.Token = tok
		}
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// RequireTranscriptionKey reports a descriptive error when no provider API
// key is configured.
func (c Config) RequireTranscriptionKey() error {
	if c.Transcription.APIKey != "" {
		return nil
	}
	return fmt.Errorf("missing required config: %s API key. "+
		"Set it via environment variable RAMBLE_TRANSCRIPTION_API_KEY%s",
		c.Transcription.Provider, apiKeyHint(apiKeyAccount(c.Transcription.Provider)))
}

// WebhookTimeout returns the per-attempt webhook timeout.
func (c Config) WebhookTimeout() time.Duration {
	return parseDuration(c.Webhook.Timeout, 30*time.Second)
}

// WakeInterval returns the period between background wakes.
func (c Config) WakeInterval() time.Duration {
	return parseDuration(c.Lifecycle.WakeInterval, 15*time.Minute)
}

// WakeBudget returns the wall-clock budget of one background wake.
func (c Config) WakeBudget() time.Duration {
	return parseDuration(c.Lifecycle.WakeBudget, 25*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
