// Package transcribe adapts speech-to-text providers to a single contract.
package transcribe

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
)

// Result is a provider's transcription of one audio artifact.
type Result struct {
	Text                string
	Language            string
	NoSpeechProbability *float64
}

// Provider transcribes the audio file at audioPath.
type Provider interface {
	Transcribe(ctx context.Context, audioPath string) (Result, error)
}

const (
	ProviderGroq   = "groq"
	ProviderGemini = "gemini"
)

// Config selects and configures a provider.
type Config struct {
	Provider string
	APIKey   string
	BaseURL  string
	Model    string
}

// New returns the provider named by cfg.Provider; empty means Groq.
func New(ctx context.Context, cfg Config) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderGroq:
		return NewGroq(cfg.APIKey, cfg.BaseURL, cfg.Model), nil
	case ProviderGemini:
		return NewGemini(ctx, cfg.APIKey, cfg.BaseURL, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown transcription provider %q", cfg.Provider)
	}
}

// APIError is returned when a provider answers with a non-success status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("transcription API error (HTTP %d): %s", e.StatusCode, e.Body)
}

func audioMIMEType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".m4a":
		return "audio/mp4"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".ogg", ".opus":
		return "audio/ogg"
	case ".flac":
		return "audio/flac"
	case ".webm":
		return "audio/webm"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
