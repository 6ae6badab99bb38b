package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// maxUpdateAttempts bounds how often UpdateRecording re-reads after a version conflict.
const maxUpdateAttempts = 5

const recordingColumns = `id, created_at, duration, audio_path, transcription_status, transcription,
	last_transcription_error, no_speech_probability, transcription_language,
	webhook_retry_count, next_webhook_retry_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecording(row rowScanner) (Recording, error) {
	var r Recording
	var createdAt, status string
	var transcription, lastErr, nextRetry sql.NullString
	var noSpeech sql.NullFloat64
	err := row.Scan(&r.ID, &createdAt, &r.Duration, &r.AudioPath, &status, &transcription,
		&lastErr, &noSpeech, &r.TranscriptionLanguage, &r.WebhookRetryCount, &nextRetry, &r.Version)
	if err != nil {
		return Recording{}, err
	}

	t, err := parseTime(createdAt)
	if err != nil {
		return Recording{}, fmt.Errorf("parsing created_at for recording %s: %w", r.ID, err)
	}
	r.CreatedAt = t
	r.TranscriptionStatus = TranscriptionStatus(status)
	if transcription.Valid {
		r.Transcription = &transcription.String
	}
	if lastErr.Valid {
		r.LastTranscriptionError = &lastErr.String
	}
	if noSpeech.Valid {
		r.NoSpeechProbability = &noSpeech.Float64
	}
	if r.NextWebhookRetryAt, err = parseNullTime(nextRetry); err != nil {
		return Recording{}, fmt.Errorf("parsing next_webhook_retry_at for recording %s: %w", r.ID, err)
	}
	r.WebhookAttempts = []WebhookAttempt{}
	return r, nil
}

// SaveRecording inserts a new recording. Version starts at 1.
func (s *Store) SaveRecording(r Recording) error {
	if r.TranscriptionStatus == "" {
		r.TranscriptionStatus = StatusPending
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning save transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO recordings (id, created_at, duration, audio_path, transcription_status, transcription,
			last_transcription_error, no_speech_probability, transcription_language,
			webhook_retry_count, next_webhook_retry_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		r.ID, formatTime(r.CreatedAt), r.Duration, r.AudioPath, string(r.TranscriptionStatus),
		nullString(r.Transcription), nullString(r.LastTranscriptionError), nullFloat(r.NoSpeechProbability),
		r.TranscriptionLanguage, r.WebhookRetryCount, nullTime(r.NextWebhookRetryAt),
	)
	if err != nil {
		return fmt.Errorf("inserting recording %s: %w", r.ID, err)
	}
	if err := insertAttempts(tx, r.ID, r.WebhookAttempts); err != nil {
		return err
	}
	return tx.Commit()
}

// GetRecording loads a recording and its webhook attempts.
func (s *Store) GetRecording(id string) (Recording, error) {
	r, err := scanRecording(s.db.QueryRow(`SELECT `+recordingColumns+` FROM recordings WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Recording{}, ErrNotFound
	}
	if err != nil {
		return Recording{}, err
	}
	if r.WebhookAttempts, err = s.loadAttempts(r.ID); err != nil {
		return Recording{}, err
	}
	return r, nil
}

// ListRecordings returns all recordings, newest first.
func (s *Store) ListRecordings() ([]Recording, error) {
	rows, err := s.db.Query(`SELECT ` + recordingColumns + ` FROM recordings ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}

	var results []Recording
	for rows.Next() {
		r, err := scanRecording(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// Attempts are loaded after the cursor closes; the pool holds a single connection.
	for i := range results {
		if results[i].WebhookAttempts, err = s.loadAttempts(results[i].ID); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// UpdateRecording re-reads the recording, applies fn and writes it back only
// if nobody else wrote in between. Conflicts retry the whole read-modify-write.
// A recording that no longer exists yields ErrNotFound and is never re-created.
// Attempts may only be appended by fn.
func (s *Store) UpdateRecording(id string, fn func(r *Recording) error) (Recording, error) {
	for range maxUpdateAttempts {
		current, err := s.GetRecording(id)
		if err != nil {
			return Recording{}, err
		}

		next := current
		next.WebhookAttempts = append([]WebhookAttempt(nil), current.WebhookAttempts...)
		if err := fn(&next); err != nil {
			return Recording{}, err
		}
		if len(next.WebhookAttempts) < len(current.WebhookAttempts) {
			return Recording{}, fmt.Errorf("updating recording %s: webhook attempts are append-only", id)
		}

		err = s.writeRecording(current, next)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return Recording{}, err
		}
		next.ID = current.ID
		next.CreatedAt = current.CreatedAt
		next.AudioPath = current.AudioPath
		next.Version = current.Version + 1
		return next, nil
	}
	return Recording{}, fmt.Errorf("updating recording %s: %w", id, ErrConflict)
}

func (s *Store) writeRecording(current, next Recording) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning update transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE recordings SET duration = ?, transcription_status = ?, transcription = ?,
			last_transcription_error = ?, no_speech_probability = ?, transcription_language = ?,
			webhook_retry_count = ?, next_webhook_retry_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		next.Duration, string(next.TranscriptionStatus), nullString(next.Transcription),
		nullString(next.LastTranscriptionError), nullFloat(next.NoSpeechProbability), next.TranscriptionLanguage,
		next.WebhookRetryCount, nullTime(next.NextWebhookRetryAt),
		current.ID, current.Version,
	)
	if err != nil {
		return fmt.Errorf("updating recording %s: %w", current.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM recordings WHERE id = ?`, current.ID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrConflict
	}

	if err := insertAttempts(tx, current.ID, next.WebhookAttempts[len(current.WebhookAttempts):]); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteRecording removes a recording, its attempts and any queued job.
func (s *Store) DeleteRecording(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM recordings WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(`DELETE FROM webhook_attempts WHERE recording_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM transcription_jobs WHERE recording_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func insertAttempts(tx *sql.Tx, recordingID string, attempts []WebhookAttempt) error {
	for _, a := range attempts {
		var status, latency sql.NullInt64
		if a.StatusCode != nil {
			status = sql.NullInt64{Int64: int64(*a.StatusCode), Valid: true}
		}
		if a.LatencyMs != nil {
			latency = sql.NullInt64{Int64: *a.LatencyMs, Valid: true}
		}
		_, err := tx.Exec(`
			INSERT INTO webhook_attempts (recording_id, url, timestamp, success, status_code, error_message, latency_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			recordingID, a.URL, formatTime(a.Timestamp), a.Success, status, a.ErrorMessage, latency,
		)
		if err != nil {
			return fmt.Errorf("inserting webhook attempt for %s: %w", recordingID, err)
		}
	}
	return nil
}

func (s *Store) loadAttempts(recordingID string) ([]WebhookAttempt, error) {
	rows, err := s.db.Query(`
		SELECT url, timestamp, success, status_code, error_message, latency_ms
		FROM webhook_attempts WHERE recording_id = ? ORDER BY id ASC`, recordingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attempts := []WebhookAttempt{}
	for rows.Next() {
		var a WebhookAttempt
		var ts string
		var status, latency sql.NullInt64
		if err := rows.Scan(&a.URL, &ts, &a.Success, &status, &a.ErrorMessage, &latency); err != nil {
			return nil, err
		}
		if a.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parsing attempt timestamp for %s: %w", recordingID, err)
		}
		if status.Valid {
			code := int(status.Int64)
			a.StatusCode = &code
		}
		if latency.Valid {
			ms := latency.Int64
			a.LatencyMs = &ms
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}
