package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"duedigest/internal/domain"
)

type JobStatus string

const (
	JobWaiting   JobStatus = "waiting"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobDelayed   JobStatus = "delayed"
)

// Job is one durable firing request. ID is the firing id, so enqueueing the
// same firing twice is a no-op.
type Job struct {
	ID           string
	Key          string
	OwnerID      string
	SubjectID    string
	ScheduledFor time.Time
	Manual       bool
	Status       JobStatus
	Attempt      int
	RunAt        time.Time
	LeaseUntil   time.Time
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (j Job) Firing() domain.Firing {
	return domain.Firing{
		ID:           j.ID,
		Key:          j.Key,
		OwnerID:      j.OwnerID,
		SubjectID:    j.SubjectID,
		ScheduledFor: j.ScheduledFor,
		Attempt:      j.Attempt,
		Manual:       j.Manual,
	}
}

type jobRow struct {
	ID           string `db:"id"`
	Key          string `db:"key"`
	OwnerID      string `db:"owner_id"`
	SubjectID    string `db:"subject_id"`
	ScheduledFor int64  `db:"scheduled_for"`
	Manual       int    `db:"manual"`
	Status       string `db:"status"`
	Attempt      int    `db:"attempt"`
	RunAt        int64  `db:"run_at"`
	LeaseUntil   int64  `db:"lease_until"`
	LastError    string `db:"last_error"`
	CreatedAt    int64  `db:"created_at"`
	UpdatedAt    int64  `db:"updated_at"`
}

func (r jobRow) toJob() Job {
	return Job{
		ID:           r.ID,
		Key:          r.Key,
		OwnerID:      r.OwnerID,
		SubjectID:    r.SubjectID,
		ScheduledFor: fromMS(r.ScheduledFor),
		Manual:       r.Manual != 0,
		Status:       JobStatus(r.Status),
		Attempt:      r.Attempt,
		RunAt:        fromMS(r.RunAt),
		LeaseUntil:   fromMS(r.LeaseUntil),
		LastError:    r.LastError,
		CreatedAt:    fromMS(r.CreatedAt),
		UpdatedAt:    fromMS(r.UpdatedAt),
	}
}

// InsertJob adds a waiting job. It reports false when a job with the same id
// already exists, whatever its status.
func (s *Store) InsertJob(ctx context.Context, j Job) (bool, error) {
	now := s.now()
	if j.RunAt.IsZero() {
		j.RunAt = now
	}
	res, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO jobs (id, key, owner_id, subject_id, scheduled_for, manual, status, attempt, run_at,
  lease_until, last_error, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, 'waiting', 0, ?, 0, '', ?, ?)`,
		j.ID, j.Key, j.OwnerID, j.SubjectID, ms(j.ScheduledFor), b2i(j.Manual), ms(j.RunAt), ms(now), ms(now))
	if err != nil {
		return false, fmt.Errorf("insert job %s: %w", j.ID, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	var r jobRow
	if err := s.db.GetContext(ctx, &r, `SELECT * FROM jobs WHERE id = ?`, id); err != nil {
		return Job{}, notFound(err, "job "+id)
	}
	return r.toJob(), nil
}

// ClaimDue moves up to limit due jobs to active, oldest run_at first, and
// counts the attempt. Each returned job is leased until now+lease.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 1
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var rows []jobRow
	if err := tx.SelectContext(ctx, &rows, `
SELECT * FROM jobs WHERE status IN ('waiting', 'delayed') AND run_at <= ?
ORDER BY run_at, rowid LIMIT ?`, ms(now), limit); err != nil {
		return nil, err
	}
	out := make([]Job, 0, len(rows))
	leaseUntil := now.Add(lease)
	for _, r := range rows {
		res, err := tx.ExecContext(ctx, `
UPDATE jobs SET status = 'active', attempt = attempt + 1, lease_until = ?, updated_at = ?
WHERE id = ? AND status IN ('waiting', 'delayed')`, ms(leaseUntil), ms(now), r.ID)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		j := r.toJob()
		j.Status = JobActive
		j.Attempt++
		j.LeaseUntil = fromMS(ms(leaseUntil))
		out = append(out, j)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) settle(ctx context.Context, id string, to JobStatus, runAt time.Time, reason string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status = ?, run_at = CASE WHEN ? > 0 THEN ? ELSE run_at END, lease_until = 0,
  last_error = ?, updated_at = ?
WHERE id = ? AND status = 'active'`,
		string(to), ms(runAt), ms(runAt), reason, ms(s.now()), id)
	if err != nil {
		return fmt.Errorf("settle job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("settle job %s -> %s: not active: %w", id, to, domain.ErrInvalidTransition)
	}
	return nil
}

func (s *Store) CompleteJob(ctx context.Context, id string) error {
	return s.settle(ctx, id, JobCompleted, time.Time{}, "")
}

func (s *Store) FailJob(ctx context.Context, id, reason string) error {
	return s.settle(ctx, id, JobFailed, time.Time{}, reason)
}

// DelayJob schedules another attempt at runAt.
func (s *Store) DelayJob(ctx context.Context, id string, runAt time.Time, reason string) error {
	return s.settle(ctx, id, JobDelayed, runAt, reason)
}

// ReleaseJob returns an active job to waiting without counting the attempt,
// for work handed back at shutdown before it ran.
func (s *Store) ReleaseJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status = 'waiting', attempt = MAX(attempt - 1, 0), lease_until = 0, updated_at = ?
WHERE id = ? AND status = 'active'`, ms(s.now()), id)
	return err
}

// RequeueExpired returns active jobs whose lease lapsed (a crashed or stuck
// worker) to waiting.
func (s *Store) RequeueExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status = 'waiting', lease_until = 0, updated_at = ?
WHERE status = 'active' AND lease_until > 0 AND lease_until < ?`, ms(now), ms(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// NextRunAt is the earliest run_at among waiting and delayed jobs.
func (s *Store) NextRunAt(ctx context.Context) (time.Time, bool, error) {
	var v sql.NullInt64
	if err := s.db.GetContext(ctx, &v, `SELECT MIN(run_at) FROM jobs WHERE status IN ('waiting', 'delayed')`); err != nil {
		return time.Time{}, false, err
	}
	if !v.Valid {
		return time.Time{}, false, nil
	}
	return fromMS(v.Int64), true, nil
}

func (s *Store) JobCounts(ctx context.Context) (map[JobStatus]int, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM jobs GROUP BY status`); err != nil {
		return nil, err
	}
	out := map[JobStatus]int{
		JobWaiting: 0, JobActive: 0, JobCompleted: 0, JobFailed: 0, JobDelayed: 0,
	}
	for _, r := range rows {
		out[JobStatus(r.Status)] = r.N
	}
	return out, nil
}

// PruneJobs deletes completed and failed jobs last touched before cutoff.
func (s *Store) PruneJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN ('completed', 'failed') AND updated_at < ?`, ms(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
