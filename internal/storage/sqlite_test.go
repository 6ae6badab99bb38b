package storage

import (
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func saveTestRecording(t *testing.T, s *Store, id string) Recording {
	t.Helper()
	r := Recording{
		ID:                  id,
		CreatedAt:           time.Now().UTC().Truncate(time.Millisecond),
		Duration:            12.5,
		AudioPath:           "/audio/" + id + ".m4a",
		TranscriptionStatus: StatusPending,
	}
	if err := s.SaveRecording(r); err != nil {
		t.Fatalf("SaveRecording(%s): %v", id, err)
	}
	return r
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) != 3 {
		t.Fatalf("applied %d migrations, want 3: %v", len(versions), versions)
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_recordings_created", "idx_transcription_jobs_recording", "idx_webhook_attempts_recording", "idx_recordings_next_webhook_retry"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestSaveAndGetRecording(t *testing.T) {
	s := openTestStore(t)
	want := saveTestRecording(t, s, "rec-1")

	got, err := s.GetRecording("rec-1")
	if err != nil {
		t.Fatalf("GetRecording: %v", err)
	}
	if got.ID != want.ID || got.AudioPath != want.AudioPath || got.Duration != want.Duration {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if !got.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, want.CreatedAt)
	}
	if got.Version != 1 {
		t.Errorf("Version = %d, want 1", got.Version)
	}
	if got.WebhookAttempts == nil || len(got.WebhookAttempts) != 0 {
		t.Errorf("WebhookAttempts = %v, want empty non-nil slice", got.WebhookAttempts)
	}
	if got.Transcription != nil || got.NoSpeechProbability != nil || got.NextWebhookRetryAt != nil {
		t.Errorf("optional fields should be nil: %+v", got)
	}
}

func TestGetRecording_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetRecording("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

// TestLegacyRowDefaults verifies rows written before the quality and webhook
// columns existed decode with zero-value defaults.
func TestLegacyRowDefaults(t *testing.T) {
	s := openTestStore(t)

	_, err := s.db.Exec(`INSERT INTO recordings (id, created_at, duration, audio_path, transcription_status)
		VALUES ('legacy', '2026-01-21T10:00:00Z', 3.0, '/audio/legacy.m4a', 'completed')`)
	if err != nil {
		t.Fatalf("inserting legacy row: %v", err)
	}

	r, err := s.GetRecording("legacy")
	if err != nil {
		t.Fatalf("GetRecording: %v", err)
	}
	if r.WebhookRetryCount != 0 {
		t.Errorf("WebhookRetryCount = %d, want 0", r.WebhookRetryCount)
	}
	if len(r.WebhookAttempts) != 0 {
		t.Errorf("WebhookAttempts = %v, want empty", r.WebhookAttempts)
	}
	if r.NoSpeechProbability != nil {
		t.Errorf("NoSpeechProbability = %v, want nil", *r.NoSpeechProbability)
	}
	if !r.IsQualityAcceptable(0.6) {
		t.Error("legacy recording should pass the quality gate")
	}
}

func TestUpdateRecording_AppliesAndBumpsVersion(t *testing.T) {
	s := openTestStore(t)
	saveTestRecording(t, s, "rec-u")

	text := "hello world"
	prob := 0.1
	code := 500
	updated, err := s.UpdateRecording("rec-u", func(r *Recording) error {
		r.TranscriptionStatus = StatusCompleted
		r.Transcription = &text
		r.NoSpeechProbability = &prob
		r.TranscriptionLanguage = "en"
		r.WebhookAttempts = append(r.WebhookAttempts, WebhookAttempt{
			URL: "https://example.com/hook", Timestamp: time.Now().UTC(), StatusCode: &code, ErrorMessage: "HTTP 500",
		})
		r.WebhookRetryCount = 1
		next := time.Now().UTC().Add(5 * time.Second)
		r.NextWebhookRetryAt = &next
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateRecording: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("Version = %d, want 2", updated.Version)
	}

	got, err := s.GetRecording("rec-u")
	if err != nil {
		t.Fatalf("GetRecording: %v", err)
	}
	if got.TranscriptionStatus != StatusCompleted || got.Transcription == nil || *got.Transcription != text {
		t.Errorf("transcription not persisted: %+v", got)
	}
	if len(got.WebhookAttempts) != 1 || got.WebhookAttempts[0].StatusCode == nil || *got.WebhookAttempts[0].StatusCode != 500 {
		t.Errorf("attempts = %+v, want one failed attempt with status 500", got.WebhookAttempts)
	}
	if got.NextWebhookRetryAt == nil || got.WebhookRetryCount != 1 {
		t.Errorf("retry fields not persisted: count=%d next=%v", got.WebhookRetryCount, got.NextWebhookRetryAt)
	}
}

func TestUpdateRecording_MissingIsNotRecreated(t *testing.T) {
	s := openTestStore(t)
	saveTestRecording(t, s, "rec-d")
	if err := s.DeleteRecording("rec-d"); err != nil {
		t.Fatalf("DeleteRecording: %v", err)
	}

	_, err := s.UpdateRecording("rec-d", func(r *Recording) error {
		r.TranscriptionStatus = StatusCompleted
		return nil
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM recordings WHERE id = 'rec-d'`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Error("deleted recording was resurrected")
	}
}

// TestUpdateRecording_RetriesOnConflict simulates a concurrent writer landing
// between the read and the write of the first attempt.
func TestUpdateRecording_RetriesOnConflict(t *testing.T) {
	s := openTestStore(t)
	saveTestRecording(t, s, "rec-c")

	calls := 0
	got, err := s.UpdateRecording("rec-c", func(r *Recording) error {
		calls++
		if calls == 1 {
			if _, err := s.db.Exec(`UPDATE recordings SET duration = 99, version = version + 1 WHERE id = 'rec-c'`); err != nil {
				t.Fatalf("concurrent write: %v", err)
			}
		}
		r.TranscriptionStatus = StatusUploading
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateRecording: %v", err)
	}
	if calls != 2 {
		t.Errorf("fn called %d times, want 2", calls)
	}
	if got.Duration != 99 {
		t.Errorf("Duration = %v, want the concurrent writer's 99", got.Duration)
	}
	if got.Version != 3 {
		t.Errorf("Version = %d, want 3", got.Version)
	}
}

func TestUpdateRecording_AttemptsAppendOnly(t *testing.T) {
	s := openTestStore(t)
	saveTestRecording(t, s, "rec-a")

	if _, err := s.UpdateRecording("rec-a", func(r *Recording) error {
		r.WebhookAttempts = append(r.WebhookAttempts, WebhookAttempt{URL: "u", Timestamp: time.Now(), Success: true})
		return nil
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	_, err := s.UpdateRecording("rec-a", func(r *Recording) error {
		r.WebhookAttempts = nil
		return nil
	})
	if err == nil {
		t.Fatal("expected error when truncating attempts")
	}
}

func TestUpdateRecording_FnErrorAborts(t *testing.T) {
	s := openTestStore(t)
	saveTestRecording(t, s, "rec-f")

	boom := errors.New("boom")
	if _, err := s.UpdateRecording("rec-f", func(r *Recording) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	got, _ := s.GetRecording("rec-f")
	if got.Version != 1 {
		t.Errorf("Version = %d, want unchanged 1", got.Version)
	}
}

func TestListRecordings_NewestFirst(t *testing.T) {
	s := openTestStore(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		r := Recording{ID: id, CreatedAt: base.Add(time.Duration(i) * time.Minute), AudioPath: id}
		if err := s.SaveRecording(r); err != nil {
			t.Fatalf("SaveRecording: %v", err)
		}
	}

	list, err := s.ListRecordings()
	if err != nil {
		t.Fatalf("ListRecordings: %v", err)
	}
	if len(list) != 3 || list[0].ID != "c" || list[2].ID != "a" {
		t.Errorf("order = %v, want c,b,a", ids(list))
	}
}

func TestDeleteRecording_RemovesJobAndAttempts(t *testing.T) {
	s := openTestStore(t)
	saveTestRecording(t, s, "rec-x")
	if _, err := s.SaveJob(TranscriptionJob{ID: "job-x", RecordingID: "rec-x", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}

	if err := s.DeleteRecording("rec-x"); err != nil {
		t.Fatalf("DeleteRecording: %v", err)
	}
	jobs, err := s.ListJobs()
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("jobs = %v, want none", jobs)
	}
	if err := s.DeleteRecording("rec-x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestJobs_FIFOAndInPlaceUpdate(t *testing.T) {
	s := openTestStore(t)
	now := time.Now().UTC()

	for _, id := range []string{"j1", "j2", "j3"} {
		if _, err := s.SaveJob(TranscriptionJob{ID: id, RecordingID: "rec-" + id, CreatedAt: now}); err != nil {
			t.Fatalf("SaveJob(%s): %v", id, err)
		}
	}

	next := now.Add(15 * time.Second)
	if err := s.UpdateJob(TranscriptionJob{ID: "j1", RetryCount: 2, NextRetryAt: &next}); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	jobs, err := s.ListJobs()
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("got %d jobs, want 3", len(jobs))
	}
	if jobs[0].ID != "j1" || jobs[1].ID != "j2" || jobs[2].ID != "j3" {
		t.Errorf("order = %s,%s,%s, want j1,j2,j3", jobs[0].ID, jobs[1].ID, jobs[2].ID)
	}
	if jobs[0].RetryCount != 2 || jobs[0].NextRetryAt == nil || !jobs[0].NextRetryAt.Equal(next) {
		t.Errorf("j1 = %+v, want retry 2 at %v", jobs[0], next)
	}

	if err := s.UpdateJob(TranscriptionJob{ID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateJob(missing) err = %v, want ErrNotFound", err)
	}
}

func TestJobs_OneLiveJobPerRecording(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.SaveJob(TranscriptionJob{ID: "j1", RecordingID: "rec", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}
	if _, err := s.SaveJob(TranscriptionJob{ID: "j2", RecordingID: "rec", CreatedAt: time.Now()}); err == nil {
		t.Error("expected unique violation for second live job")
	}
}

func ids(list []Recording) []string {
	out := make([]string, len(list))
	for i, r := range list {
		out[i] = r.ID
	}
	return out
}
