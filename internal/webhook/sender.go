// Package webhook posts completed transcriptions to a user-configured endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/ramble/internal/storage"
)

// DefaultTimeout bounds a single delivery attempt.
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of a non-2xx response is kept in the attempt log.
const maxErrorBody = 512

// Payload is the JSON body delivered for a recording.
type Payload struct {
	ID         string  `json:"id"`
	CreatedAt  string  `json:"createdAt"`
	Duration   float64 `json:"duration"`
	Transcript *string `json:"transcript"`
}

// PayloadFor builds the delivery body for a recording.
func PayloadFor(r storage.Recording) Payload {
	return Payload{
		ID:         r.ID,
		CreatedAt:  r.CreatedAt.UTC().Format(time.RFC3339),
		Duration:   r.Duration,
		Transcript: r.Transcription,
	}
}

// Sender delivers payloads to a single webhook URL.
type Sender struct {
	url        string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// NewSender creates a Sender. An empty url disables delivery.
// If timeout is <= 0, it defaults to DefaultTimeout.
func NewSender(url, token string, timeout time.Duration) *Sender {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Sender{
		url:        strings.TrimSpace(url),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		logger:     slog.Default(),
		now:        time.Now,
	}
}

// Configured reports whether a webhook URL is set.
func (s *Sender) Configured() bool {
	return s.url != ""
}

// Send posts p once and returns the attempt record. It returns nil when no
// URL is configured, which is distinct from a failed attempt.
func (s *Sender) Send(ctx context.Context, p Payload) *storage.WebhookAttempt {
	if !s.Configured() {
		return nil
	}

	started := s.now()
	attempt := &storage.WebhookAttempt{URL: s.url, Timestamp: started.UTC()}

	body, err := json.Marshal(p)
	if err != nil {
		attempt.ErrorMessage = fmt.Sprintf("encoding payload: %v", err)
		return attempt
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		attempt.ErrorMessage = fmt.Sprintf("creating request: %v", err)
		return attempt
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	latency := s.now().Sub(started).Milliseconds()
	attempt.LatencyMs = &latency
	if err != nil {
		attempt.ErrorMessage = err.Error()
		s.logger.Debug("webhook request failed", "recording_id", p.ID, "error", err)
		return attempt
	}
	defer resp.Body.Close()

	code := resp.StatusCode
	attempt.StatusCode = &code
	if code >= 200 && code < 300 {
		attempt.Success = true
		io.Copy(io.Discard, resp.Body)
		return attempt
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	attempt.ErrorMessage = fmt.Sprintf("HTTP %d", code)
	if msg := strings.TrimSpace(string(snippet)); msg != "" {
		attempt.ErrorMessage += ": " + msg
	}
	s.logger.Debug("webhook rejected", "recording_id", p.ID, "status", code)
	return attempt
}
