// Package queue drives recordings through transcription and webhook delivery.
//
// The Queue processes transcription jobs strictly FIFO with at most one
// transcription in flight. Webhook deliveries are handed to a WebhookTracker,
// which runs independent retry loops per recording.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/ramble/internal/events"
	"github.com/kalambet/ramble/internal/retry"
	"github.com/kalambet/ramble/internal/storage"
	"github.com/kalambet/ramble/internal/transcribe"
)

// DefaultQualityThreshold is the no-speech probability at or above which a
// transcription is not delivered.
const DefaultQualityThreshold = 0.6

// Store abstracts the persisted recordings and job queue.
type Store interface {
	GetRecording(id string) (storage.Recording, error)
	ListRecordings() ([]storage.Recording, error)
	UpdateRecording(id string, fn func(r *storage.Recording) error) (storage.Recording, error)
	SaveJob(job storage.TranscriptionJob) (storage.TranscriptionJob, error)
	UpdateJob(job storage.TranscriptionJob) error
	DeleteJob(id string) error
	ListJobs() ([]storage.TranscriptionJob, error)
}

// Transcriber turns an audio artifact into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) (transcribe.Result, error)
}

// Config holds optional Queue settings. Zero values pick defaults.
type Config struct {
	Policy           retry.Policy
	QualityThreshold float64
	Events           *events.Bus
	Logger           *slog.Logger
}

// Queue is the transcription job orchestrator.
type Queue struct {
	store       Store
	transcriber Transcriber
	webhooks    *WebhookTracker
	policy      retry.Policy
	threshold   float64
	bus         *events.Bus
	logger      *slog.Logger
	now         func() time.Time

	mu         sync.Mutex
	processing bool
	current    string // job in flight
	reset      bool   // current was reset by RetryTranscription mid-attempt
	wake       *time.Timer
	wg         sync.WaitGroup
}

// New creates a Queue. The persisted jobs are picked up by the first Resume.
func New(store Store, transcriber Transcriber, webhooks *WebhookTracker, cfg Config) *Queue {
	if cfg.Policy.Steps == nil {
		cfg.Policy = retry.Transcription()
	}
	if cfg.QualityThreshold <= 0 {
		cfg.QualityThreshold = DefaultQualityThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Queue{
		store:       store,
		transcriber: transcriber,
		webhooks:    webhooks,
		policy:      cfg.Policy,
		threshold:   cfg.QualityThreshold,
		bus:         cfg.Events,
		logger:      cfg.Logger,
		now:         time.Now,
	}
}

// Enqueue appends a fresh job for the recording and starts processing if idle.
// A recording that already has a live job keeps it; that job is returned.
func (q *Queue) Enqueue(ctx context.Context, recordingID string) (storage.TranscriptionJob, error) {
	job, err := q.addJob(recordingID)
	if err != nil {
		return storage.TranscriptionJob{}, err
	}
	q.processNextIfNeeded(ctx)
	return job, nil
}

func (q *Queue) addJob(recordingID string) (storage.TranscriptionJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok, err := q.jobFor(recordingID); err != nil {
		return storage.TranscriptionJob{}, err
	} else if ok {
		return existing, nil
	}

	job, err := q.store.SaveJob(storage.TranscriptionJob{
		ID:          uuid.New().String(),
		RecordingID: recordingID,
		CreatedAt:   q.now().UTC(),
	})
	if err != nil {
		return storage.TranscriptionJob{}, fmt.Errorf("enqueueing recording %s: %w", recordingID, err)
	}
	q.bus.Publish(events.Event{Type: events.JobEnqueued, RecordingID: recordingID, JobID: job.ID})
	q.logger.Debug("job enqueued", "job_id", job.ID, "recording_id", recordingID)
	return job, nil
}

// Resume restarts queue processing and sweeps due webhook retries. It is
// safe to call repeatedly; with nothing due it changes no state.
func (q *Queue) Resume(ctx context.Context) {
	q.processNextIfNeeded(ctx)
	if q.webhooks != nil {
		q.webhooks.ProcessRetries(ctx)
	}
}

// RetryTranscription puts a recording back into the pipeline with a fresh
// retry budget. It is the only way out of the failed status. When the
// recording's job is mid-attempt, a failure of that attempt is not counted
// and the job runs again.
func (q *Queue) RetryTranscription(ctx context.Context, recordingID string) error {
	rec, err := q.store.UpdateRecording(recordingID, func(r *storage.Recording) error {
		r.TranscriptionStatus = storage.StatusPending
		r.LastTranscriptionError = nil
		return nil
	})
	if err != nil {
		return fmt.Errorf("resetting recording %s: %w", recordingID, err)
	}
	q.publishRecording(rec)

	q.mu.Lock()
	existing, ok, err := q.jobFor(recordingID)
	if err == nil && ok {
		if existing.ID == q.current {
			q.reset = true
		}
		existing.RetryCount = 0
		existing.NextRetryAt = nil
		err = q.store.UpdateJob(existing)
	}
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("resetting job for %s: %w", recordingID, err)
	}

	if !ok {
		if _, err := q.addJob(recordingID); err != nil {
			return err
		}
	}
	q.processNextIfNeeded(ctx)
	return nil
}

// JobFor returns the live job for a recording, if any.
func (q *Queue) JobFor(recordingID string) (storage.TranscriptionJob, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.jobFor(recordingID)
}

func (q *Queue) jobFor(recordingID string) (storage.TranscriptionJob, bool, error) {
	jobs, err := q.store.ListJobs()
	if err != nil {
		return storage.TranscriptionJob{}, false, fmt.Errorf("listing jobs: %w", err)
	}
	for _, j := range jobs {
		if j.RecordingID == recordingID {
			return j, true, nil
		}
	}
	return storage.TranscriptionJob{}, false, nil
}

// RemoveJobFor drops the live job for a recording, used when the recording
// is deleted. A job currently being processed finishes its attempt and then
// finds the recording gone.
func (q *Queue) RemoveJobFor(recordingID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok, err := q.jobFor(recordingID)
	if err != nil || !ok {
		return err
	}
	if err := q.store.DeleteJob(job.ID); err != nil {
		return fmt.Errorf("deleting job %s: %w", job.ID, err)
	}
	q.bus.Publish(events.Event{Type: events.JobRemoved, RecordingID: recordingID, JobID: job.ID})
	return nil
}

// Jobs returns the persisted queue in processing order.
func (q *Queue) Jobs() ([]storage.TranscriptionJob, error) {
	return q.store.ListJobs()
}

// IsProcessing reports whether a transcription attempt is in flight.
func (q *Queue) IsProcessing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}

// Wait blocks until the in-flight attempt, if any, has finished writing. Call
// it after cancelling the context passed to Enqueue and Resume.
func (q *Queue) Wait() {
	q.mu.Lock()
	q.stopWake()
	q.mu.Unlock()
	q.wg.Wait()
}

// HasActiveWork reports whether a transcription or any webhook retry loop is
// running. Hosts poll it before letting the process suspend.
func (q *Queue) HasActiveWork() bool {
	if q.IsProcessing() {
		return true
	}
	return q.webhooks != nil && q.webhooks.ActiveCount() > 0
}

// processNextIfNeeded starts the head job unless something is already in
// flight. A head job still backing off arms a single wake timer instead;
// later jobs wait behind it.
func (q *Queue) processNextIfNeeded(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.processing || ctx.Err() != nil {
		return
	}
	jobs, err := q.store.ListJobs()
	if err != nil {
		q.logger.Error("listing jobs failed", "error", err)
		return
	}
	if len(jobs) == 0 {
		q.stopWake()
		return
	}

	head := jobs[0]
	if head.NextRetryAt != nil {
		if wait := head.NextRetryAt.Sub(q.now()); wait > 0 {
			q.armWake(ctx, wait)
			return
		}
	}

	q.stopWake()
	q.processing = true
	q.current = head.ID
	q.reset = false
	q.wg.Add(1)
	go q.run(ctx, head)
}

func (q *Queue) armWake(ctx context.Context, d time.Duration) {
	q.stopWake()
	q.wake = time.AfterFunc(d, func() {
		if ctx.Err() == nil {
			q.processNextIfNeeded(ctx)
		}
	})
}

func (q *Queue) stopWake() {
	if q.wake != nil {
		q.wake.Stop()
		q.wake = nil
	}
}

func (q *Queue) run(ctx context.Context, job storage.TranscriptionJob) {
	defer q.wg.Done()
	next := q.process(ctx, job)

	q.mu.Lock()
	q.processing = false
	q.current = ""
	q.reset = false
	q.mu.Unlock()

	if next {
		q.processNextIfNeeded(ctx)
	}
}

// process runs one attempt for job. It reports whether the queue should move
// on; false leaves everything as is for the next Resume.
func (q *Queue) process(ctx context.Context, job storage.TranscriptionJob) bool {
	log := q.logger.With("job_id", job.ID, "recording_id", job.RecordingID)

	rec, err := q.store.GetRecording(job.RecordingID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Info("recording gone, dropping job")
		return q.removeJob(job)
	}
	if err != nil {
		log.Error("loading recording failed", "error", err)
		return false
	}

	if rec, err = q.setStatus(rec.ID, storage.StatusUploading); err != nil {
		return q.handleWriteError(job, err, log)
	}
	if rec, err = q.setStatus(rec.ID, storage.StatusProcessing); err != nil {
		return q.handleWriteError(job, err, log)
	}

	result, err := q.transcriber.Transcribe(ctx, rec.AudioPath)
	if ctx.Err() != nil {
		log.Info("transcription interrupted", "status", rec.TranscriptionStatus)
		return false
	}
	if err != nil {
		return q.fail(ctx, job, err, log)
	}
	return q.complete(ctx, job, result, log)
}

func (q *Queue) complete(ctx context.Context, job storage.TranscriptionJob, result transcribe.Result, log *slog.Logger) bool {
	rec, err := q.store.UpdateRecording(job.RecordingID, func(r *storage.Recording) error {
		text := result.Text
		r.Transcription = &text
		r.TranscriptionStatus = storage.StatusCompleted
		r.LastTranscriptionError = nil
		r.NoSpeechProbability = result.NoSpeechProbability
		r.TranscriptionLanguage = result.Language
		return nil
	})
	if err != nil {
		return q.handleWriteError(job, err, log)
	}
	q.publishRecording(rec)
	log.Info("transcription completed", "language", rec.TranscriptionLanguage)

	if rec.IsQualityAcceptable(q.threshold) {
		if q.webhooks != nil {
			q.webhooks.SendWithRetry(ctx, rec.ID)
		}
	} else {
		log.Info("skipping webhook for low-quality transcription", "no_speech_prob", *rec.NoSpeechProbability)
	}

	return q.removeJob(job)
}

// fail records a failed attempt. It holds q.mu so a concurrent
// RetryTranscription either sees the result or is seen by it.
func (q *Queue) fail(ctx context.Context, job storage.TranscriptionJob, cause error, log *slog.Logger) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	msg := cause.Error()
	if q.reset {
		q.reset = false
		job.RetryCount = 0
		job.NextRetryAt = nil
		if err := q.store.UpdateJob(job); err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Error("persisting job reset failed", "error", err)
			return false
		}
		log.Info("transcription failed after manual retry, running again", "error", cause)
		return true
	}

	job.RetryCount++
	exhausted := q.policy.Exhausted(job.RetryCount)

	status := storage.StatusPending
	if exhausted {
		status = storage.StatusFailed
	}
	rec, err := q.store.UpdateRecording(job.RecordingID, func(r *storage.Recording) error {
		r.TranscriptionStatus = status
		r.LastTranscriptionError = &msg
		return nil
	})
	if err != nil {
		return q.handleWriteError(job, err, log)
	}
	q.publishRecording(rec)

	if exhausted {
		log.Warn("transcription failed permanently", "retry", job.RetryCount, "error", cause)
		return q.removeJob(job)
	}

	delay := q.policy.Delay(job.RetryCount - 1)
	at := q.now().Add(delay).UTC()
	job.NextRetryAt = &at
	if err := q.store.UpdateJob(job); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return true
		}
		log.Error("persisting job retry failed", "error", err)
		return false
	}
	log.Warn("transcription failed, will retry", "retry", job.RetryCount, "max", q.policy.MaxAttempts, "delay", delay, "error", cause)
	return true
}

// handleWriteError treats a recording deleted mid-attempt as cleanup.
func (q *Queue) handleWriteError(job storage.TranscriptionJob, err error, log *slog.Logger) bool {
	if errors.Is(err, storage.ErrNotFound) {
		log.Info("recording deleted during processing, dropping job")
		return q.removeJob(job)
	}
	log.Error("updating recording failed", "error", err)
	return false
}

func (q *Queue) setStatus(id string, status storage.TranscriptionStatus) (storage.Recording, error) {
	rec, err := q.store.UpdateRecording(id, func(r *storage.Recording) error {
		r.TranscriptionStatus = status
		return nil
	})
	if err != nil {
		return storage.Recording{}, err
	}
	q.publishRecording(rec)
	return rec, nil
}

func (q *Queue) removeJob(job storage.TranscriptionJob) bool {
	if err := q.store.DeleteJob(job.ID); err != nil {
		q.logger.Error("removing job failed", "job_id", job.ID, "error", err)
		return false
	}
	q.bus.Publish(events.Event{Type: events.JobRemoved, RecordingID: job.RecordingID, JobID: job.ID})
	return true
}

func (q *Queue) publishRecording(rec storage.Recording) {
	q.bus.Publish(events.Event{
		Type:        events.RecordingUpdated,
		RecordingID: rec.ID,
		Status:      string(rec.TranscriptionStatus),
	})
}
