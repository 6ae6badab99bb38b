package queue

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/ramble/internal/retry"
	"github.com/kalambet/ramble/internal/storage"
)

func (h *harness) addCompleted(t *testing.T, id string) {
	t.Helper()
	text := "transcript for " + id
	require.NoError(t, h.store.SaveRecording(storage.Recording{
		ID:                  id,
		CreatedAt:           time.Now().UTC(),
		Duration:            3,
		AudioPath:           "/audio/" + id + ".m4a",
		TranscriptionStatus: storage.StatusCompleted,
		Transcription:       &text,
	}))
}

func TestTracker_InAppPhaseRetriesAutomatically(t *testing.T) {
	h := newHarness(t, fastTranscriptionPolicy(), fastWebhookPolicy())
	h.sender.status.Store(http.StatusBadGateway)
	h.addCompleted(t, "r")

	h.tracker.SendWithRetry(h.ctx, "r")
	require.Eventually(t, func() bool {
		return !h.tracker.IsActive("r") && h.recording(t, "r").WebhookRetryCount == 6
	}, waitFor, tick)

	// Count 6 is in the background phase: scheduled but not armed in-process.
	r := h.recording(t, "r")
	assert.Len(t, r.WebhookAttempts, 6)
	assert.NotNil(t, r.NextWebhookRetryAt)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(6), h.sender.calls.Load())
}

func TestTracker_ExhaustionAndManualReset(t *testing.T) {
	h := newHarness(t, fastTranscriptionPolicy(), fastWebhookPolicy())
	h.sender.status.Store(http.StatusInternalServerError)
	h.addCompleted(t, "r")

	h.tracker.SendWithRetry(h.ctx, "r")
	require.Eventually(t, func() bool {
		if !h.tracker.IsActive("r") {
			h.tracker.ProcessRetries(h.ctx)
		}
		return h.recording(t, "r").WebhookRetryCount == 15
	}, waitFor, tick)
	require.Eventually(t, func() bool { return h.tracker.ActiveCount() == 0 }, waitFor, tick)

	r := h.recording(t, "r")
	assert.Nil(t, r.NextWebhookRetryAt)
	assert.True(t, r.WebhookRetriesExhausted(15))
	assert.False(t, r.NeedsWebhookRetry(time.Now(), 15))
	assert.Len(t, r.WebhookAttempts, 15)

	h.tracker.ProcessRetries(h.ctx)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(15), h.sender.calls.Load())

	h.sender.status.Store(http.StatusOK)
	require.NoError(t, h.tracker.RetryWebhook(h.ctx, "r"))

	r = h.recording(t, "r")
	assert.Equal(t, 0, r.WebhookRetryCount)
	assert.Nil(t, r.NextWebhookRetryAt)
	require.Len(t, r.WebhookAttempts, 16)
	assert.True(t, r.WebhookAttempts[15].Success)
	assert.False(t, r.WebhookRetriesExhausted(15))
}

func TestTracker_ManualRetryBypassesQualityGate(t *testing.T) {
	h := newHarness(t, fastTranscriptionPolicy(), fastWebhookPolicy())
	text := "mostly silence"
	require.NoError(t, h.store.SaveRecording(storage.Recording{
		ID:                  "quiet",
		CreatedAt:           time.Now().UTC(),
		AudioPath:           "/audio/quiet.m4a",
		TranscriptionStatus: storage.StatusCompleted,
		Transcription:       &text,
		NoSpeechProbability: ptr(0.95),
	}))

	require.NoError(t, h.tracker.RetryWebhook(h.ctx, "quiet"))
	r := h.recording(t, "quiet")
	require.Len(t, r.WebhookAttempts, 1)
	assert.True(t, r.WebhookAttempts[0].Success)
}

func TestTracker_ScheduleRetryIsSingleFlight(t *testing.T) {
	h := newHarness(t, fastTranscriptionPolicy(), fastWebhookPolicy())
	h.addCompleted(t, "r")

	h.tracker.ScheduleRetry(h.ctx, "r", 50*time.Millisecond)
	h.tracker.ScheduleRetry(h.ctx, "r", 0)
	h.tracker.ScheduleRetry(h.ctx, "r", 0)
	assert.Equal(t, 1, h.tracker.ActiveCount())

	require.Eventually(t, func() bool { return h.tracker.ActiveCount() == 0 }, waitFor, tick)
	assert.Equal(t, int32(1), h.sender.calls.Load())
}

func TestTracker_ProcessRetriesOnlyDue(t *testing.T) {
	h := newHarness(t, fastTranscriptionPolicy(), fastWebhookPolicy())
	h.addCompleted(t, "due")
	h.addCompleted(t, "later")
	h.addCompleted(t, "none")

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	for id, at := range map[string]time.Time{"due": past, "later": future} {
		_, err := h.store.UpdateRecording(id, func(r *storage.Recording) error {
			r.WebhookRetryCount = 7
			r.NextWebhookRetryAt = &at
			return nil
		})
		require.NoError(t, err)
	}

	h.tracker.ProcessRetries(h.ctx)
	require.Eventually(t, func() bool { return h.tracker.ActiveCount() == 0 }, waitFor, tick)

	assert.Equal(t, int32(1), h.sender.calls.Load())
	due := h.recording(t, "due")
	require.Len(t, due.WebhookAttempts, 1)
	assert.Equal(t, 0, due.WebhookRetryCount)
	assert.Empty(t, h.recording(t, "later").WebhookAttempts)
	assert.Empty(t, h.recording(t, "none").WebhookAttempts)
}

func TestTracker_BackgroundDelayUsesNewCount(t *testing.T) {
	s, err := storageOpen(t)
	require.NoError(t, err)
	sender := newFakeSender(http.StatusServiceUnavailable)
	tr := NewWebhookTracker(s, sender, TrackerConfig{Policy: retry.Webhook()})

	text := "t"
	require.NoError(t, s.SaveRecording(storage.Recording{
		ID: "r", CreatedAt: time.Now().UTC(), AudioPath: "a", Transcription: &text,
		TranscriptionStatus: storage.StatusCompleted, WebhookRetryCount: 5,
	}))

	before := time.Now()
	tr.SendWithRetry(context.Background(), "r")

	r, err := s.GetRecording("r")
	require.NoError(t, err)
	assert.Equal(t, 6, r.WebhookRetryCount)
	require.NotNil(t, r.NextWebhookRetryAt)
	assert.WithinDuration(t, before.Add(300*time.Second), *r.NextWebhookRetryAt, time.Second)
	assert.Zero(t, tr.ActiveCount(), "background phase must not arm an in-process timer")
}

func TestTracker_NotConfiguredRecordsNothing(t *testing.T) {
	h := newHarness(t, fastTranscriptionPolicy(), fastWebhookPolicy())
	h.sender.off.Store(true)
	h.addCompleted(t, "r")

	h.tracker.SendWithRetry(h.ctx, "r")
	r := h.recording(t, "r")
	assert.Empty(t, r.WebhookAttempts)
	assert.Equal(t, 0, r.WebhookRetryCount)
	assert.Zero(t, h.tracker.ActiveCount())
}

func TestTracker_MissingRecordingIsIgnored(t *testing.T) {
	h := newHarness(t, fastTranscriptionPolicy(), fastWebhookPolicy())
	h.tracker.SendWithRetry(h.ctx, "gone")
	assert.Zero(t, h.sender.calls.Load())
	assert.ErrorIs(t, h.tracker.RetryWebhook(h.ctx, "gone"), storage.ErrNotFound)
}

func TestTracker_CancelReleasesActiveSet(t *testing.T) {
	h := newHarness(t, fastTranscriptionPolicy(), fastWebhookPolicy())
	h.addCompleted(t, "r")

	ctx, cancel := context.WithCancel(h.ctx)
	h.tracker.ScheduleRetry(ctx, "r", time.Hour)
	assert.True(t, h.tracker.IsActive("r"))
	cancel()

	require.Eventually(t, func() bool { return !h.tracker.IsActive("r") }, waitFor, tick)
	assert.Zero(t, h.sender.calls.Load())
}

func storageOpen(t *testing.T) (*storage.Store, error) {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err == nil {
		t.Cleanup(func() { s.Close() })
	}
	return s, err
}
