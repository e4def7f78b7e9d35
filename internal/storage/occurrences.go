package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"duedigest/internal/domain"
)

type occurrenceRow struct {
	ID         string `db:"id"`
	FiringID   string `db:"firing_id"`
	OwnerID    string `db:"owner_id"`
	SubjectID  string `db:"subject_id"`
	Recipient  string `db:"recipient"`
	Role       string `db:"role"`
	Body       string `db:"body"`
	ItemCount  int    `db:"item_count"`
	Status     string `db:"status"`
	ProviderID string `db:"provider_id"`
	Attempts   int    `db:"attempts"`
	Error      string `db:"error"`
	CreatedAt  int64  `db:"created_at"`
	UpdatedAt  int64  `db:"updated_at"`
}

func (r occurrenceRow) toDomain() domain.Occurrence {
	return domain.Occurrence{
		ID:         r.ID,
		FiringID:   r.FiringID,
		OwnerID:    r.OwnerID,
		SubjectID:  r.SubjectID,
		Recipient:  r.Recipient,
		Role:       domain.Role(r.Role),
		Body:       r.Body,
		ItemCount:  r.ItemCount,
		Status:     domain.Status(r.Status),
		ProviderID: r.ProviderID,
		Attempts:   r.Attempts,
		Error:      r.Error,
		CreatedAt:  fromMS(r.CreatedAt),
		UpdatedAt:  fromMS(r.UpdatedAt),
	}
}

const occurrenceCols = `id, firing_id, owner_id, subject_id, recipient, role, body, item_count,
status, provider_id, attempts, error, created_at, updated_at`

// BeginAttempt upserts the pending record for (firing, recipient) and bumps
// its attempt counter. The returned record carries the current status: the
// caller must not send when it is no longer pending.
func (s *Store) BeginAttempt(ctx context.Context, o domain.Occurrence) (domain.Occurrence, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Occurrence{}, err
	}
	defer func() { _ = tx.Rollback() }()

	now := ms(s.now())
	if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO occurrences (id, firing_id, owner_id, subject_id, recipient, role, body, item_count,
  status, provider_id, attempts, error, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', '', 0, '', ?, ?)`,
		uuid.NewString(), o.FiringID, o.OwnerID, o.SubjectID, o.Recipient, string(o.Role), o.Body, o.ItemCount, now, now); err != nil {
		return domain.Occurrence{}, fmt.Errorf("insert occurrence: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE occurrences SET attempts = attempts + 1, body = ?, item_count = ?, updated_at = ?
WHERE firing_id = ? AND recipient = ? AND status = 'pending'`,
		o.Body, o.ItemCount, now, o.FiringID, o.Recipient); err != nil {
		return domain.Occurrence{}, fmt.Errorf("bump attempt: %w", err)
	}
	var r occurrenceRow
	if err := tx.GetContext(ctx, &r, `SELECT `+occurrenceCols+` FROM occurrences WHERE firing_id = ? AND recipient = ?`,
		o.FiringID, o.Recipient); err != nil {
		return domain.Occurrence{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Occurrence{}, err
	}
	return r.toDomain(), nil
}

// MarkSent moves a pending record to sent.
func (s *Store) MarkSent(ctx context.Context, firingID, recipient, providerID string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE occurrences SET status = 'sent', provider_id = ?, error = '', updated_at = ?
WHERE firing_id = ? AND recipient = ? AND status = 'pending'`,
		providerID, ms(s.now()), firingID, recipient)
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, res, firingID, recipient, domain.StatusSent)
}

// MarkFailed moves a pending record to failed.
func (s *Store) MarkFailed(ctx context.Context, firingID, recipient, reason string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE occurrences SET status = 'failed', error = ?, updated_at = ?
WHERE firing_id = ? AND recipient = ? AND status = 'pending'`,
		reason, ms(s.now()), firingID, recipient)
	if err != nil {
		return err
	}
	return s.checkTransition(ctx, res, firingID, recipient, domain.StatusFailed)
}

// NoteError records the latest error on a record that stays pending.
func (s *Store) NoteError(ctx context.Context, firingID, recipient, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE occurrences SET error = ?, updated_at = ? WHERE firing_id = ? AND recipient = ? AND status = 'pending'`,
		reason, ms(s.now()), firingID, recipient)
	return err
}

func (s *Store) checkTransition(ctx context.Context, res interface{ RowsAffected() (int64, error) }, firingID, recipient string, to domain.Status) error {
	n, err := res.RowsAffected()
	if err != nil || n > 0 {
		return err
	}
	cur, err := s.GetOccurrence(ctx, firingID, recipient)
	if err != nil {
		return err
	}
	if cur.Status == to {
		return nil
	}
	return fmt.Errorf("%s -> %s: %w", cur.Status, to, domain.ErrInvalidTransition)
}

// RecordTerminal leaves a failed record for a firing that could not run to
// completion. Sent or delivered records are left untouched.
func (s *Store) RecordTerminal(ctx context.Context, o domain.Occurrence, reason string) (domain.Occurrence, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Occurrence{}, err
	}
	defer func() { _ = tx.Rollback() }()

	now := ms(s.now())
	if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO occurrences (id, firing_id, owner_id, subject_id, recipient, role, body, item_count,
  status, provider_id, attempts, error, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, '', 0, 'failed', '', ?, ?, ?, ?)`,
		uuid.NewString(), o.FiringID, o.OwnerID, o.SubjectID, o.Recipient, string(o.Role), o.Attempts, reason, now, now); err != nil {
		return domain.Occurrence{}, err
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE occurrences SET status = 'failed', error = ?, updated_at = ?
WHERE firing_id = ? AND recipient = ? AND status = 'pending'`,
		reason, now, o.FiringID, o.Recipient); err != nil {
		return domain.Occurrence{}, err
	}
	var r occurrenceRow
	if err := tx.GetContext(ctx, &r, `SELECT `+occurrenceCols+` FROM occurrences WHERE firing_id = ? AND recipient = ?`,
		o.FiringID, o.Recipient); err != nil {
		return domain.Occurrence{}, err
	}
	return r.toDomain(), tx.Commit()
}

// ApplyProviderStatus folds an asynchronous provider status report into the
// record carrying providerID. Reports that would move status backwards only
// update the error detail.
func (s *Store) ApplyProviderStatus(ctx context.Context, providerID, providerStatus, detail string) (domain.Occurrence, error) {
	var r occurrenceRow
	err := s.db.GetContext(ctx, &r, `SELECT `+occurrenceCols+` FROM occurrences WHERE provider_id = ?`, providerID)
	if err != nil {
		return domain.Occurrence{}, notFound(err, "provider message "+providerID)
	}
	cur := domain.Status(r.Status)
	next, ok := mapProviderStatus(providerStatus)
	if !ok {
		return r.toDomain(), nil
	}
	if next == domain.StatusFailed && detail == "" {
		detail = "provider reported " + strings.ToLower(providerStatus)
	}
	if cur == next || !cur.CanTransition(next) {
		if detail != "" && next == domain.StatusFailed {
			_, err = s.db.ExecContext(ctx, `UPDATE occurrences SET error = ?, updated_at = ? WHERE id = ?`,
				detail, ms(s.now()), r.ID)
			r.Error = detail
		}
		return r.toDomain(), err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE occurrences SET status = ?, error = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(next), detail, ms(s.now()), r.ID, string(cur))
	if err != nil {
		return domain.Occurrence{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Occurrence{}, fmt.Errorf("provider message %s: concurrent update: %w", providerID, domain.ErrInvalidTransition)
	}
	r.Status, r.Error = string(next), detail
	return r.toDomain(), nil
}

func mapProviderStatus(v string) (domain.Status, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "accepted", "queued", "sending", "sent":
		return domain.StatusSent, true
	case "delivered":
		return domain.StatusDelivered, true
	case "failed", "undelivered", "canceled":
		return domain.StatusFailed, true
	}
	return "", false
}

func (s *Store) GetOccurrence(ctx context.Context, firingID, recipient string) (domain.Occurrence, error) {
	var r occurrenceRow
	err := s.db.GetContext(ctx, &r, `SELECT `+occurrenceCols+` FROM occurrences WHERE firing_id = ? AND recipient = ?`,
		firingID, recipient)
	if err != nil {
		return domain.Occurrence{}, notFound(err, "occurrence "+firingID+"/"+recipient)
	}
	return r.toDomain(), nil
}

type OccurrenceFilter struct {
	OwnerID   string
	SubjectID string
	FiringID  string
	Limit     int // 0 means 50
}

// ListOccurrences returns matching records, newest first.
func (s *Store) ListOccurrences(ctx context.Context, f OccurrenceFilter) ([]domain.Occurrence, error) {
	var (
		where []string
		args  []any
	)
	if f.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if f.SubjectID != "" {
		where = append(where, "subject_id = ?")
		args = append(args, f.SubjectID)
	}
	if f.FiringID != "" {
		where = append(where, "firing_id = ?")
		args = append(args, f.FiringID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + occurrenceCols + ` FROM occurrences`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	var rows []occurrenceRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	out := make([]domain.Occurrence, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// CountOccurrences groups records by status for the metrics collector.
func (s *Store) CountOccurrences(ctx context.Context) (map[domain.Status]int, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM occurrences GROUP BY status`); err != nil {
		return nil, err
	}
	out := map[domain.Status]int{}
	for _, r := range rows {
		out[domain.Status(r.Status)] = r.N
	}
	return out, nil
}
