// Package library owns recordings as user-facing artifacts: importing audio
// into the pipeline, deleting it again, and summarising what is stored.
package library

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/ramble/internal/events"
	"github.com/kalambet/ramble/internal/storage"
)

// CostPerHour is the estimated transcription cost in USD per hour of audio.
const CostPerHour = 0.04

// Store abstracts recording persistence.
type Store interface {
	SaveRecording(r storage.Recording) error
	GetRecording(id string) (storage.Recording, error)
	ListRecordings() ([]storage.Recording, error)
	DeleteRecording(id string) error
}

// Pipeline is the transcription queue as seen by the library.
type Pipeline interface {
	Enqueue(ctx context.Context, recordingID string) (storage.TranscriptionJob, error)
	RemoveJobFor(recordingID string) error
}

// Library manages recordings and their audio files under one directory.
type Library struct {
	store    Store
	pipeline Pipeline
	audioDir string
	bus      *events.Bus
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Library storing audio under dataDir/audio.
func New(store Store, pipeline Pipeline, dataDir string, bus *events.Bus) (*Library, error) {
	audioDir := filepath.Join(dataDir, "audio")
	if err := os.MkdirAll(audioDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating audio directory: %w", err)
	}
	return &Library{
		store:    store,
		pipeline: pipeline,
		audioDir: audioDir,
		bus:      bus,
		logger:   slog.Default(),
		now:      time.Now,
	}, nil
}

// AudioDir returns the directory holding audio artifacts.
func (l *Library) AudioDir() string {
	return l.audioDir
}

// Import copies audio from src into the library, creates a pending
// recording and enqueues it for transcription. ext is the file extension
// including the dot.
func (l *Library) Import(ctx context.Context, src io.Reader, ext string, duration float64) (storage.Recording, error) {
	if duration < 0 {
		return storage.Recording{}, fmt.Errorf("invalid duration %v", duration)
	}
	ext = strings.ToLower(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	id := uuid.New().String()
	path := filepath.Join(l.audioDir, id+ext)
	if err := writeFile(path, src); err != nil {
		return storage.Recording{}, err
	}

	rec := storage.Recording{
		ID:                  id,
		CreatedAt:           l.now().UTC(),
		Duration:            duration,
		AudioPath:           path,
		TranscriptionStatus: storage.StatusPending,
	}
	if err := l.store.SaveRecording(rec); err != nil {
		os.Remove(path)
		return storage.Recording{}, fmt.Errorf("saving recording: %w", err)
	}
	l.bus.Publish(events.Event{Type: events.RecordingUpdated, RecordingID: id, Status: string(rec.TranscriptionStatus)})

	if _, err := l.pipeline.Enqueue(ctx, id); err != nil {
		return rec, fmt.Errorf("enqueueing recording %s: %w", id, err)
	}
	l.logger.Info("recording imported", "recording_id", id, "duration", duration)

	saved, err := l.store.GetRecording(id)
	if err != nil {
		return rec, nil
	}
	return saved, nil
}

// ImportFile imports the audio file at path.
func (l *Library) ImportFile(ctx context.Context, path string, duration float64) (storage.Recording, error) {
	f, err := os.Open(path)
	if err != nil {
		return storage.Recording{}, fmt.Errorf("opening audio file: %w", err)
	}
	defer f.Close()
	return l.Import(ctx, f, filepath.Ext(path), duration)
}

func writeFile(path string, src io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".import-*")
	if err != nil {
		return fmt.Errorf("creating audio file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return fmt.Errorf("writing audio file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing audio file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("placing audio file: %w", err)
	}
	return nil
}

// Delete removes a recording, its queued job and its audio file.
func (l *Library) Delete(id string) error {
	rec, err := l.store.GetRecording(id)
	if err != nil {
		return err
	}
	if err := l.pipeline.RemoveJobFor(id); err != nil {
		return err
	}
	if err := l.store.DeleteRecording(id); err != nil {
		return err
	}
	if err := os.Remove(rec.AudioPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		l.logger.Warn("removing audio file failed", "recording_id", id, "path", rec.AudioPath, "error", err)
	}
	l.bus.Publish(events.Event{Type: events.RecordingDeleted, RecordingID: id})
	return nil
}

// DeleteAll removes every recording and returns how many were deleted.
func (l *Library) DeleteAll() (int, error) {
	recs, err := l.store.ListRecordings()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range recs {
		if err := l.Delete(r.ID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return n, fmt.Errorf("deleting recording %s: %w", r.ID, err)
		}
		n++
	}
	return n, nil
}

// Stats summarises the library.
type Stats struct {
	Recordings       int                                 `json:"recordings"`
	ByStatus         map[storage.TranscriptionStatus]int `json:"by_status"`
	TotalDuration    float64                             `json:"total_duration_seconds"`
	EstimatedCostUSD float64                             `json:"estimated_cost_usd"`
	WebhookDelivered int                                 `json:"webhook_delivered"`
	WebhookPending   int                                 `json:"webhook_pending"`
	WebhookExhausted int                                 `json:"webhook_exhausted"`
}

// Stats computes library totals. maxWebhookRetries decides which failed
// deliveries count as exhausted.
func (l *Library) Stats(maxWebhookRetries int) (Stats, error) {
	recs, err := l.store.ListRecordings()
	if err != nil {
		return Stats{}, err
	}
	st := Stats{ByStatus: make(map[storage.TranscriptionStatus]int)}
	for _, r := range recs {
		st.Recordings++
		st.ByStatus[r.TranscriptionStatus]++
		st.TotalDuration += r.Duration

		last, ok := r.LastWebhookAttempt()
		switch {
		case !ok:
		case last.Success:
			st.WebhookDelivered++
		case r.WebhookRetriesExhausted(maxWebhookRetries):
			st.WebhookExhausted++
		case r.NextWebhookRetryAt != nil:
			st.WebhookPending++
		}
	}
	st.EstimatedCostUSD = st.TotalDuration / 3600 * CostPerHour
	return st, nil
}

// Export writes all recordings as indented JSON.
func (l *Library) Export(w io.Writer) error {
	recs, err := l.store.ListRecordings()
	if err != nil {
		return err
	}
	if recs == nil {
		recs = []storage.Recording{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(recs)
}
