package storage

import (
	"context"
	"fmt"
	"time"

	"duedigest/internal/domain"
)

type triggerRow struct {
	Key       string `db:"key"`
	OwnerID   string `db:"owner_id"`
	SubjectID string `db:"subject_id"`
	Hour      int    `db:"hour"`
	Minute    int    `db:"minute"`
	Weekdays  string `db:"weekdays"`
	TZ        string `db:"tz"`
	NextRunAt int64  `db:"next_run_at"`
	UpdatedAt int64  `db:"updated_at"`
}

func (r triggerRow) toDomain() domain.Trigger {
	days, _ := domain.ParseWeekdays(r.Weekdays)
	return domain.Trigger{
		Key:       r.Key,
		OwnerID:   r.OwnerID,
		SubjectID: r.SubjectID,
		Recurrence: domain.Recurrence{
			Hour: r.Hour, Minute: r.Minute, Weekdays: days, Timezone: r.TZ,
		},
		NextRunAt: fromMS(r.NextRunAt),
		UpdatedAt: fromMS(r.UpdatedAt),
	}
}

// PutTrigger upserts by key.
func (s *Store) PutTrigger(ctx context.Context, t domain.Trigger) error {
	rec := t.Recurrence
	_, err := s.db.ExecContext(ctx, `
INSERT INTO triggers (key, owner_id, subject_id, hour, minute, weekdays, tz, next_run_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
  hour = excluded.hour, minute = excluded.minute, weekdays = excluded.weekdays, tz = excluded.tz,
  next_run_at = excluded.next_run_at, updated_at = excluded.updated_at`,
		t.Key, t.OwnerID, t.SubjectID, rec.Hour, rec.Minute, rec.WeekdaysField(), rec.Timezone,
		ms(t.NextRunAt), ms(s.now()))
	if err != nil {
		return fmt.Errorf("put trigger %s: %w", t.Key, err)
	}
	return nil
}

func (s *Store) GetTrigger(ctx context.Context, key string) (domain.Trigger, error) {
	var r triggerRow
	if err := s.db.GetContext(ctx, &r, `SELECT * FROM triggers WHERE key = ?`, key); err != nil {
		return domain.Trigger{}, notFound(err, "trigger "+key)
	}
	return r.toDomain(), nil
}

// DeleteTrigger reports whether a row was removed.
func (s *Store) DeleteTrigger(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM triggers WHERE key = ?`, key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) ListTriggers(ctx context.Context) ([]domain.Trigger, error) {
	var rows []triggerRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM triggers ORDER BY key`); err != nil {
		return nil, err
	}
	out := make([]domain.Trigger, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// SetNextRun records when the trigger is next expected to fire.
func (s *Store) SetNextRun(ctx context.Context, key string, next time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE triggers SET next_run_at = ?, updated_at = ? WHERE key = ?`,
		ms(next), ms(s.now()), key)
	return err
}
