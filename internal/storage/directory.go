package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"duedigest/internal/domain"
)

type ownerRow struct {
	ID            string `db:"id"`
	Name          string `db:"name"`
	Address       string `db:"address"`
	TZ            string `db:"tz"`
	Hour          int    `db:"hour"`
	Minute        int    `db:"minute"`
	Weekdays      string `db:"weekdays"`
	NotifySubject int    `db:"notify_subject"`
	CreatedAt     int64  `db:"created_at"`
}

func (r ownerRow) toDomain() domain.Owner {
	days, _ := domain.ParseWeekdays(r.Weekdays)
	return domain.Owner{
		ID:      r.ID,
		Name:    r.Name,
		Address: r.Address,
		Recurrence: domain.Recurrence{
			Hour: r.Hour, Minute: r.Minute, Weekdays: days, Timezone: r.TZ,
		},
		NotifySubject: r.NotifySubject != 0,
		CreatedAt:     fromMS(r.CreatedAt),
	}
}

type subjectRow struct {
	ID                string `db:"id"`
	Name              string `db:"name"`
	Domain            string `db:"domain"`
	CredentialRef     string `db:"credential_ref"`
	Address           string `db:"address"`
	CredentialInvalid int    `db:"credential_invalid"`
	Active            int    `db:"active"`
	CreatedAt         int64  `db:"created_at"`
}

func (r subjectRow) toDomain() domain.Subject {
	return domain.Subject{
		ID:                r.ID,
		Name:              r.Name,
		Domain:            r.Domain,
		CredentialRef:     r.CredentialRef,
		Address:           r.Address,
		CredentialInvalid: r.CredentialInvalid != 0,
		Active:            r.Active != 0,
		CreatedAt:         fromMS(r.CreatedAt),
	}
}

type linkRow struct {
	OwnerID   string `db:"owner_id"`
	SubjectID string `db:"subject_id"`
	Active    int    `db:"active"`
	CreatedAt int64  `db:"created_at"`
}

func (r linkRow) toDomain() domain.Link {
	return domain.Link{OwnerID: r.OwnerID, SubjectID: r.SubjectID, Active: r.Active != 0, CreatedAt: fromMS(r.CreatedAt)}
}

// CreateOwner inserts the owner, assigning an id when empty.
func (s *Store) CreateOwner(ctx context.Context, o domain.Owner) (domain.Owner, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if err := o.Recurrence.Validate(); err != nil {
		return domain.Owner{}, err
	}
	o.CreatedAt = s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO owners (id, name, address, tz, hour, minute, weekdays, notify_subject, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.Name, o.Address, o.Recurrence.Timezone, o.Recurrence.Hour, o.Recurrence.Minute,
		o.Recurrence.WeekdaysField(), b2i(o.NotifySubject), ms(o.CreatedAt))
	if err != nil {
		return domain.Owner{}, fmt.Errorf("create owner: %w", err)
	}
	return o, nil
}

// UpdateOwner rewrites address, recurrence and the subject opt-in.
func (s *Store) UpdateOwner(ctx context.Context, o domain.Owner) error {
	if err := o.Recurrence.Validate(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE owners SET name = ?, address = ?, tz = ?, hour = ?, minute = ?, weekdays = ?, notify_subject = ?
WHERE id = ?`,
		o.Name, o.Address, o.Recurrence.Timezone, o.Recurrence.Hour, o.Recurrence.Minute,
		o.Recurrence.WeekdaysField(), b2i(o.NotifySubject), o.ID)
	if err != nil {
		return fmt.Errorf("update owner: %w", err)
	}
	return mustAffect(res, "owner "+o.ID)
}

func (s *Store) GetOwner(ctx context.Context, id string) (domain.Owner, error) {
	var r ownerRow
	if err := s.db.GetContext(ctx, &r, `SELECT * FROM owners WHERE id = ?`, id); err != nil {
		return domain.Owner{}, notFound(err, "owner "+id)
	}
	return r.toDomain(), nil
}

// CreateSubject inserts an active subject, assigning an id when empty.
func (s *Store) CreateSubject(ctx context.Context, sub domain.Subject) (domain.Subject, error) {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	sub.Active = true
	sub.CreatedAt = s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO subjects (id, name, domain, credential_ref, address, credential_invalid, active, created_at)
VALUES (?, ?, ?, ?, ?, 0, 1, ?)`,
		sub.ID, sub.Name, sub.Domain, sub.CredentialRef, sub.Address, ms(sub.CreatedAt))
	if err != nil {
		return domain.Subject{}, fmt.Errorf("create subject: %w", err)
	}
	return sub, nil
}

func (s *Store) GetSubject(ctx context.Context, id string) (domain.Subject, error) {
	var r subjectRow
	if err := s.db.GetContext(ctx, &r, `SELECT * FROM subjects WHERE id = ?`, id); err != nil {
		return domain.Subject{}, notFound(err, "subject "+id)
	}
	return r.toDomain(), nil
}

// SetCredentialInvalid flags (or clears) the subject's credential. A flagged
// subject is not fetched until an operator clears it.
func (s *Store) SetCredentialInvalid(ctx context.Context, id string, invalid bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE subjects SET credential_invalid = ? WHERE id = ?`, b2i(invalid), id)
	if err != nil {
		return err
	}
	return mustAffect(res, "subject "+id)
}

func (s *Store) SetSubjectActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE subjects SET active = ? WHERE id = ?`, b2i(active), id)
	if err != nil {
		return err
	}
	return mustAffect(res, "subject "+id)
}

// LinkSubject creates or reactivates the owner/subject edge.
func (s *Store) LinkSubject(ctx context.Context, ownerID, subjectID string) error {
	now := ms(s.now())
	_, err := s.db.ExecContext(ctx, `
INSERT INTO owner_subjects (owner_id, subject_id, active, created_at, updated_at)
VALUES (?, ?, 1, ?, ?)
ON CONFLICT(owner_id, subject_id) DO UPDATE SET active = 1, updated_at = excluded.updated_at`,
		ownerID, subjectID, now, now)
	if err != nil {
		return fmt.Errorf("link subject: %w", err)
	}
	return nil
}

// UnlinkSubject deactivates the edge. Missing edges are not an error.
func (s *Store) UnlinkSubject(ctx context.Context, ownerID, subjectID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE owner_subjects SET active = 0, updated_at = ? WHERE owner_id = ? AND subject_id = ?`,
		ms(s.now()), ownerID, subjectID)
	return err
}

func (s *Store) GetLink(ctx context.Context, ownerID, subjectID string) (domain.Link, error) {
	var r linkRow
	err := s.db.GetContext(ctx, &r,
		`SELECT owner_id, subject_id, active, created_at FROM owner_subjects WHERE owner_id = ? AND subject_id = ?`,
		ownerID, subjectID)
	if err != nil {
		return domain.Link{}, notFound(err, "link "+ownerID+"/"+subjectID)
	}
	return r.toDomain(), nil
}

// ListActiveLinks returns active edges whose subject is also active.
func (s *Store) ListActiveLinks(ctx context.Context) ([]domain.Link, error) {
	var rows []linkRow
	err := s.db.SelectContext(ctx, &rows, `
SELECT l.owner_id, l.subject_id, l.active, l.created_at
FROM owner_subjects l
JOIN subjects s ON s.id = l.subject_id
JOIN owners o ON o.id = l.owner_id
WHERE l.active = 1 AND s.active = 1
ORDER BY l.owner_id, l.subject_id`)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Link, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// Labels returns the stored group labels of a subject.
func (s *Store) Labels(ctx context.Context, subjectID string) (map[string]string, error) {
	var rows []struct {
		GroupID string `db:"group_id"`
		Name    string `db:"name"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT group_id, name FROM labels WHERE subject_id = ?`, subjectID); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.GroupID] = r.Name
	}
	return out, nil
}

// PutLabels upserts labels in one transaction.
func (s *Store) PutLabels(ctx context.Context, subjectID string, labels map[string]string) error {
	if len(labels) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	now := ms(s.now())
	for gid, name := range labels {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO labels (subject_id, group_id, name, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(subject_id, group_id) DO UPDATE SET name = excluded.name, updated_at = excluded.updated_at`,
			subjectID, gid, name, now); err != nil {
			return fmt.Errorf("put label %s: %w", gid, err)
		}
	}
	return tx.Commit()
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	return err
}

func mustAffect(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	return nil
}
