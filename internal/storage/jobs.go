package storage

import (
	"database/sql"
	"fmt"
)

// --- Transcription jobs ---

// SaveJob appends a job to the persisted queue and returns it with its
// enqueue sequence number set.
func (s *Store) SaveJob(job TranscriptionJob) (TranscriptionJob, error) {
	res, err := s.db.Exec(`
		INSERT INTO transcription_jobs (id, recording_id, retry_count, created_at, next_retry_at)
		VALUES (?, ?, ?, ?, ?)`,
		job.ID, job.RecordingID, job.RetryCount, formatTime(job.CreatedAt), nullTime(job.NextRetryAt),
	)
	if err != nil {
		return TranscriptionJob{}, fmt.Errorf("inserting job %s: %w", job.ID, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return TranscriptionJob{}, fmt.Errorf("reading job sequence: %w", err)
	}
	job.Seq = seq
	return job, nil
}

// UpdateJob rewrites a job's retry state in place; its queue position is kept.
func (s *Store) UpdateJob(job TranscriptionJob) error {
	res, err := s.db.Exec(`UPDATE transcription_jobs SET retry_count = ?, next_retry_at = ? WHERE id = ?`,
		job.RetryCount, nullTime(job.NextRetryAt), job.ID)
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
	return nil
}

// DeleteJob removes a job. Deleting a missing job is not an error.
func (s *Store) DeleteJob(id string) error {
	_, err := s.db.Exec(`DELETE FROM transcription_jobs WHERE id = ?`, id)
	return err
}

// ListJobs returns the queue in enqueue order.
func (s *Store) ListJobs() ([]TranscriptionJob, error) {
	rows, err := s.db.Query(`
		SELECT seq, id, recording_id, retry_count, created_at, next_retry_at
		FROM transcription_jobs ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []TranscriptionJob
	for rows.Next() {
		var j TranscriptionJob
		var createdAt string
		var nextRetry sql.NullString
		if err := rows.Scan(&j.Seq, &j.ID, &j.RecordingID, &j.RetryCount, &createdAt, &nextRetry); err != nil {
			return nil, err
		}
		if j.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
		}
		if j.NextRetryAt, err = parseNullTime(nextRetry); err != nil {
			return nil, fmt.Errorf("parsing next_retry_at for job %s: %w", j.ID, err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
