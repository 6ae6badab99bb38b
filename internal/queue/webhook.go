package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/ramble/internal/events"
	"github.com/kalambet/ramble/internal/retry"
	"github.com/kalambet/ramble/internal/storage"
	"github.com/kalambet/ramble/internal/webhook"
)

// Sender delivers one webhook attempt. A nil attempt means delivery is not
// configured.
type Sender interface {
	Send(ctx context.Context, p webhook.Payload) *storage.WebhookAttempt
}

// TrackerConfig holds optional WebhookTracker settings.
type TrackerConfig struct {
	Policy retry.Policy
	Events *events.Bus
	Logger *slog.Logger
}

// WebhookTracker owns webhook delivery and its retry timers. At most one
// retry loop runs per recording; loops for different recordings run
// concurrently.
type WebhookTracker struct {
	store  Store
	sender Sender
	policy retry.Policy
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	active map[string]struct{}
	wg     sync.WaitGroup
}

// NewWebhookTracker creates a tracker. A zero Policy picks retry.Webhook().
func NewWebhookTracker(store Store, sender Sender, cfg TrackerConfig) *WebhookTracker {
	if cfg.Policy.Steps == nil {
		cfg.Policy = retry.Webhook()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WebhookTracker{
		store:  store,
		sender: sender,
		policy: cfg.Policy,
		bus:    cfg.Events,
		logger: cfg.Logger,
		now:    time.Now,
		active: make(map[string]struct{}),
	}
}

// ProcessRetries schedules an immediate attempt for every recording whose
// automatic retry is due and not already running.
func (t *WebhookTracker) ProcessRetries(ctx context.Context) {
	recs, err := t.store.ListRecordings()
	if err != nil {
		t.logger.Error("listing recordings for webhook retries failed", "error", err)
		return
	}
	now := t.now()
	for _, r := range recs {
		if r.NeedsWebhookRetry(now, t.policy.MaxTotal) {
			t.ScheduleRetry(ctx, r.ID, 0)
		}
	}
}

// ScheduleRetry starts a retry loop for id after delay unless one is already
// active. The loop keeps going while failures stay in the in-app phase and
// releases id when it ends, however it ends.
func (t *WebhookTracker) ScheduleRetry(ctx context.Context, id string, delay time.Duration) {
	t.mu.Lock()
	if _, ok := t.active[id]; ok {
		t.mu.Unlock()
		return
	}
	t.active[id] = struct{}{}
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		defer t.release(id)
		for {
			if !sleep(ctx, delay) {
				return
			}
			next, rearm := t.send(ctx, id)
			if !rearm {
				return
			}
			delay = next
		}
	}()
}

// SendWithRetry delivers once now and arms an in-process retry on an in-app
// phase failure.
func (t *WebhookTracker) SendWithRetry(ctx context.Context, id string) {
	if next, rearm := t.send(ctx, id); rearm {
		t.ScheduleRetry(ctx, id, next)
	}
}

// RetryWebhook resets the automatic retry state and delivers immediately.
// It skips the quality gate and is the way out of the exhausted state.
func (t *WebhookTracker) RetryWebhook(ctx context.Context, id string) error {
	rec, err := t.store.UpdateRecording(id, func(r *storage.Recording) error {
		r.WebhookRetryCount = 0
		r.NextWebhookRetryAt = nil
		return nil
	})
	if err != nil {
		return fmt.Errorf("resetting webhook retries for %s: %w", id, err)
	}
	t.publish(events.RecordingUpdated, rec, "")
	t.SendWithRetry(ctx, id)
	return nil
}

// ActiveCount returns the number of running retry loops.
func (t *WebhookTracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// IsActive reports whether a retry loop is running for id.
func (t *WebhookTracker) IsActive(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[id]
	return ok
}

// Wait blocks until all retry loops have ended.
func (t *WebhookTracker) Wait() {
	t.wg.Wait()
}

func (t *WebhookTracker) release(id string) {
	t.mu.Lock()
	delete(t.active, id)
	t.mu.Unlock()
}

// send performs one attempt and records it. It returns the next delay and
// whether that retry should be armed in-process.
func (t *WebhookTracker) send(ctx context.Context, id string) (time.Duration, bool) {
	log := t.logger.With("recording_id", id)

	rec, err := t.store.GetRecording(id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Error("loading recording for webhook failed", "error", err)
		}
		return 0, false
	}

	attempt := t.sender.Send(ctx, webhook.PayloadFor(rec))
	if attempt == nil {
		return 0, false
	}
	if !attempt.Success && ctx.Err() != nil {
		log.Info("webhook attempt interrupted, leaving it due")
		t.markDue(id, log)
		return 0, false
	}

	var delay time.Duration
	updated, err := t.store.UpdateRecording(id, func(r *storage.Recording) error {
		r.WebhookAttempts = append(r.WebhookAttempts, *attempt)
		delay = 0
		if attempt.Success {
			r.WebhookRetryCount = 0
			r.NextWebhookRetryAt = nil
			return nil
		}
		r.WebhookRetryCount++
		if t.policy.Exhausted(r.WebhookRetryCount) {
			r.NextWebhookRetryAt = nil
			return nil
		}
		delay = t.policy.Delay(r.WebhookRetryCount - 1)
		at := t.now().Add(delay).UTC()
		r.NextWebhookRetryAt = &at
		return nil
	})
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Error("recording webhook attempt failed", "error", err)
		}
		return 0, false
	}
	t.publish(events.WebhookAttempt, updated, attempt.ErrorMessage)

	switch {
	case attempt.Success:
		log.Info("webhook delivered", "latency_ms", attempt.LatencyMs)
		return 0, false
	case updated.NextWebhookRetryAt == nil:
		log.Warn("webhook retries exhausted", "retry", updated.WebhookRetryCount)
		return 0, false
	default:
		phase := t.policy.Phase(updated.WebhookRetryCount)
		log.Warn("webhook failed, will retry", "retry", updated.WebhookRetryCount, "max", t.policy.MaxTotal,
			"phase", phase, "delay", delay, "error", attempt.ErrorMessage)
		return delay, t.policy.Autoscheduled(updated.WebhookRetryCount)
	}
}

// markDue records that delivery for id is owed without counting a failure,
// so the next ProcessRetries picks it up.
func (t *WebhookTracker) markDue(id string, log *slog.Logger) {
	_, err := t.store.UpdateRecording(id, func(r *storage.Recording) error {
		if last, ok := r.LastWebhookAttempt(); ok && last.Success {
			return nil
		}
		now := t.now().UTC()
		if r.NextWebhookRetryAt == nil || r.NextWebhookRetryAt.After(now) {
			r.NextWebhookRetryAt = &now
		}
		return nil
	})
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Error("marking webhook due failed", "error", err)
	}
}

func (t *WebhookTracker) publish(typ events.Type, rec storage.Recording, msg string) {
	t.bus.Publish(events.Event{
		Type:        typ,
		RecordingID: rec.ID,
		Status:      string(rec.TranscriptionStatus),
		Message:     msg,
	})
}

// sleep waits for d or until ctx is done. It reports whether the wait
// completed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
