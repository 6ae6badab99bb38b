package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a recording changed between read and write.
var ErrConflict = errors.New("version conflict")

type TranscriptionStatus string

const (
	StatusPending    TranscriptionStatus = "pending"
	StatusUploading  TranscriptionStatus = "uploading"
	StatusProcessing TranscriptionStatus = "processing"
	StatusCompleted  TranscriptionStatus = "completed"
	StatusFailed     TranscriptionStatus = "failed"
)

// IsTerminal reports whether the automatic pipeline is done with this status.
func (s TranscriptionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Recording is one captured audio artifact plus its transcription and
// delivery state.
type Recording struct {
	ID                     string              `json:"id"`
	CreatedAt              time.Time           `json:"created_at"`
	Duration               float64             `json:"duration"`
	AudioPath              string              `json:"audio_path"`
	TranscriptionStatus    TranscriptionStatus `json:"transcription_status"`
	Transcription          *string             `json:"transcription,omitempty"`
	LastTranscriptionError *string             `json:"last_transcription_error,omitempty"`
	NoSpeechProbability    *float64            `json:"no_speech_probability,omitempty"`
	TranscriptionLanguage  string              `json:"transcription_language,omitempty"`
	WebhookAttempts        []WebhookAttempt    `json:"webhook_attempts"`
	WebhookRetryCount      int                 `json:"webhook_retry_count"`
	NextWebhookRetryAt     *time.Time          `json:"next_webhook_retry_at,omitempty"`
	Version                int64               `json:"version"`
}

// WebhookAttempt is one delivery attempt. Attempts are only ever appended.
type WebhookAttempt struct {
	URL          string    `json:"url"`
	Timestamp    time.Time `json:"timestamp"`
	Success      bool      `json:"success"`
	StatusCode   *int      `json:"status_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	LatencyMs    *int64    `json:"latency_ms,omitempty"`
}

// TranscriptionJob tracks retries for getting one Recording transcribed.
type TranscriptionJob struct {
	ID          string     `json:"id"`
	RecordingID string     `json:"recording_id"`
	RetryCount  int        `json:"retry_count"`
	CreatedAt   time.Time  `json:"created_at"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	Seq         int64      `json:"seq"`
}

// IsQualityAcceptable reports whether the transcription passes the quality
// gate. Recordings without a no-speech probability are always acceptable.
func (r Recording) IsQualityAcceptable(threshold float64) bool {
	if r.NoSpeechProbability == nil {
		return true
	}
	return *r.NoSpeechProbability < threshold
}

// LastWebhookAttempt returns the most recent attempt, if any.
func (r Recording) LastWebhookAttempt() (WebhookAttempt, bool) {
	if len(r.WebhookAttempts) == 0 {
		return WebhookAttempt{}, false
	}
	return r.WebhookAttempts[len(r.WebhookAttempts)-1], true
}

// NeedsWebhookRetry reports whether an automatic retry is due at now.
func (r Recording) NeedsWebhookRetry(now time.Time, maxTotal int) bool {
	if r.NextWebhookRetryAt == nil || r.WebhookRetryCount >= maxTotal {
		return false
	}
	return !r.NextWebhookRetryAt.After(now)
}

// WebhookRetriesExhausted reports whether automatic delivery has given up.
func (r Recording) WebhookRetriesExhausted(maxTotal int) bool {
	last, ok := r.LastWebhookAttempt()
	return ok && !last.Success && r.WebhookRetryCount >= maxTotal
}
