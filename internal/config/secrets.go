package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

const (
	keychainService     = "ramble"
	apiTokenAccount     = "api_token"
	webhookTokenAccount = "webhook_token"
)

func apiKeyAccount(provider string) string {
	if provider == "" {
		provider = "groq"
	}
	return provider + "_api_key"
}

// Keychain abstracts the platform secret store.
type Keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

// NewKeychain returns the platform secret store: macOS Keychain on darwin,
// a 0600 JSON file elsewhere.
func NewKeychain() Keychain {
	return platformKeychain{}
}

type platformKeychain struct{}

func (platformKeychain) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (platformKeychain) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}

// GetAPIToken returns the bearer token guarding the local HTTP API, creating
// and storing one on first use. RAMBLE_API_TOKEN overrides the store.
func GetAPIToken(kc Keychain) (string, error) {
	return getOrCreateToken(kc, "RAMBLE_API_TOKEN", apiTokenAccount)
}

// GetWebhookToken returns the bearer token sent with webhook deliveries,
// creating and storing one on first use. RAMBLE_WEBHOOK_TOKEN overrides the
// store.
func GetWebhookToken(kc Keychain) (string, error) {
	return getOrCreateToken(kc, "RAMBLE_WEBHOOK_TOKEN", webhookTokenAccount)
}

func getOrCreateToken(kc Keychain, env, account string) (string, error) {
	if tok := os.Getenv(env); tok != "" {
		return tok, nil
	}
	if tok, err := kc.Get(keychainService, account); err == nil && tok != "" {
		return tok, nil
	}

	tok, err := generateToken()
	if err != nil {
		return "", err
	}
	if err := kc.Set(keychainService, account, tok); err != nil {
		return "", fmt.Errorf("storing %s: %w", account, err)
	}
	return tok, nil
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
