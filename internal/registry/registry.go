// Package registry keeps exactly one installed trigger per active
// (owner, subject) pair, persisted in the store and mirrored in the
// scheduler.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"duedigest/internal/domain"
	"duedigest/internal/task/scheduler"
	logx "duedigest/pkg/logx"
)

const DefaultCatchUpWindow = 6 * time.Hour

type Config struct {
	// CatchUpWindow bounds how old a missed firing may be and still be sent
	// after a restart. 0 means 6h; negative disables catch-up.
	CatchUpWindow time.Duration
}

type Store interface {
	GetOwner(ctx context.Context, id string) (domain.Owner, error)
	GetLink(ctx context.Context, ownerID, subjectID string) (domain.Link, error)
	LinkSubject(ctx context.Context, ownerID, subjectID string) error
	UnlinkSubject(ctx context.Context, ownerID, subjectID string) error
	ListActiveLinks(ctx context.Context) ([]domain.Link, error)
	PutTrigger(ctx context.Context, t domain.Trigger) error
	GetTrigger(ctx context.Context, key string) (domain.Trigger, error)
	DeleteTrigger(ctx context.Context, key string) (bool, error)
	ListTriggers(ctx context.Context) ([]domain.Trigger, error)
	SetNextRun(ctx context.Context, key string, next time.Time) error
}

type Scheduler interface {
	Parse(spec string) (cron.Schedule, error)
	Upsert(name, spec string, fire scheduler.FireFunc) error
	Remove(name string) bool
}

type Enqueuer interface {
	Enqueue(ctx context.Context, f domain.Firing, runAt time.Time) (bool, error)
}

type Registry struct {
	cfg   Config
	store Store
	sched Scheduler
	enq   Enqueuer
	log   logx.Logger
	now   func() time.Time
	keys  keyLock
}

func New(cfg Config, store Store, sched Scheduler, enq Enqueuer, log logx.Logger) *Registry {
	if cfg.CatchUpWindow == 0 {
		cfg.CatchUpWindow = DefaultCatchUpWindow
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		cfg:   cfg,
		store: store,
		sched: sched,
		enq:   enq,
		log:   log.With(logx.String("comp", "registry")),
		now:   time.Now,
	}
}

// CronSpec renders a recurrence as a 5-field cron spec pinned to its zone.
func CronSpec(r domain.Recurrence) string {
	tz := strings.TrimSpace(r.Timezone)
	if tz == "" {
		tz = "UTC"
	}
	return fmt.Sprintf("CRON_TZ=%s %d %d * * %s", tz, r.Minute, r.Hour, r.WeekdaysField())
}

// Install creates or replaces the trigger for the pair. Calling it twice with
// the same recurrence leaves one trigger.
func (r *Registry) Install(ctx context.Context, ownerID, subjectID string, rec domain.Recurrence) error {
	key := domain.TriggerKey(ownerID, subjectID)
	unlock := r.keys.Lock(key)
	defer unlock()
	return r.installLocked(ctx, domain.Trigger{Key: key, OwnerID: ownerID, SubjectID: subjectID, Recurrence: rec})
}

func (r *Registry) installLocked(ctx context.Context, t domain.Trigger) error {
	if err := t.Recurrence.Validate(); err != nil {
		return err
	}
	spec := CronSpec(t.Recurrence)
	sched, err := r.sched.Parse(spec)
	if err != nil {
		return fmt.Errorf("trigger %s: %w", t.Key, err)
	}
	t.NextRunAt = sched.Next(r.now())
	if err := r.store.PutTrigger(ctx, t); err != nil {
		return err
	}
	if err := r.sched.Upsert(t.Key, spec, r.fireFunc(t, sched)); err != nil {
		return err
	}
	r.log.Info("trigger installed", logx.String("key", t.Key), logx.String("spec", spec), logx.Time("next", t.NextRunAt))
	return nil
}

// Remove deletes the trigger for the pair. Firings already queued still run.
func (r *Registry) Remove(ctx context.Context, ownerID, subjectID string) error {
	key := domain.TriggerKey(ownerID, subjectID)
	unlock := r.keys.Lock(key)
	defer unlock()
	return r.removeLocked(ctx, key)
}

func (r *Registry) removeLocked(ctx context.Context, key string) error {
	removed, err := r.store.DeleteTrigger(ctx, key)
	if err != nil {
		return err
	}
	if r.sched.Remove(key) || removed {
		r.log.Info("trigger removed", logx.String("key", key))
	}
	return nil
}

// Link activates the pair and installs its trigger under the pair's lock, so
// a concurrent Unlink cannot leave a trigger behind for an inactive pair.
func (r *Registry) Link(ctx context.Context, ownerID, subjectID string, rec domain.Recurrence) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	key := domain.TriggerKey(ownerID, subjectID)
	unlock := r.keys.Lock(key)
	defer unlock()
	if err := r.store.LinkSubject(ctx, ownerID, subjectID); err != nil {
		return err
	}
	return r.installLocked(ctx, domain.Trigger{Key: key, OwnerID: ownerID, SubjectID: subjectID, Recurrence: rec})
}

// Unlink deactivates the pair and removes its trigger under the pair's lock.
func (r *Registry) Unlink(ctx context.Context, ownerID, subjectID string) error {
	key := domain.TriggerKey(ownerID, subjectID)
	unlock := r.keys.Lock(key)
	defer unlock()
	if err := r.store.UnlinkSubject(ctx, ownerID, subjectID); err != nil {
		return err
	}
	return r.removeLocked(ctx, key)
}

func (r *Registry) fireFunc(t domain.Trigger, sched cron.Schedule) scheduler.FireFunc {
	return func(at time.Time) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		f := domain.Firing{
			ID:           domain.FiringID(t.Key, at),
			Key:          t.Key,
			OwnerID:      t.OwnerID,
			SubjectID:    t.SubjectID,
			ScheduledFor: at,
		}
		if _, err := r.enq.Enqueue(ctx, f, r.now()); err != nil {
			r.log.Error("enqueue firing", logx.String("firing", f.ID), logx.Err(err))
			return
		}
		if err := r.store.SetNextRun(ctx, t.Key, sched.Next(at)); err != nil {
			r.log.Warn("record next run", logx.String("key", t.Key), logx.Err(err))
		}
	}
}

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Installed int `json:"installed"`
	Removed   int `json:"removed"`
	Loaded    int `json:"loaded"`
	CaughtUp  int `json:"caught_up"`
}

// Reconcile aligns triggers with active links, loads surviving triggers into
// the scheduler, and enqueues the latest missed firing of each trigger that
// was due while the process was down.
func (r *Registry) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var rep ReconcileReport
	links, err := r.store.ListActiveLinks(ctx)
	if err != nil {
		return rep, err
	}
	triggers, err := r.store.ListTriggers(ctx)
	if err != nil {
		return rep, err
	}
	byKey := make(map[string]domain.Trigger, len(triggers))
	for _, t := range triggers {
		byKey[t.Key] = t
	}
	wanted := make(map[string]bool, len(links))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	results := make(chan string, len(links)+len(triggers))

	for _, l := range links {
		key := domain.TriggerKey(l.OwnerID, l.SubjectID)
		wanted[key] = true
		existing, had := byKey[key]
		g.Go(func() error {
			owner, err := r.store.GetOwner(gctx, l.OwnerID)
			if err != nil {
				return err
			}
			unlock := r.keys.Lock(key)
			defer unlock()
			if had && sameRecurrence(existing.Recurrence, owner.Recurrence) {
				caught, err := r.loadLocked(gctx, existing)
				if err != nil {
					return err
				}
				results <- "loaded"
				if caught {
					results <- "caught"
				}
				return nil
			}
			if err := r.installLocked(gctx, domain.Trigger{Key: key, OwnerID: l.OwnerID, SubjectID: l.SubjectID, Recurrence: owner.Recurrence}); err != nil {
				return err
			}
			results <- "installed"
			return nil
		})
	}
	for key := range byKey {
		if wanted[key] {
			continue
		}
		g.Go(func() error {
			unlock := r.keys.Lock(key)
			defer unlock()
			if err := r.removeLocked(gctx, key); err != nil {
				return err
			}
			results <- "removed"
			return nil
		})
	}
	err = g.Wait()
	close(results)
	for res := range results {
		switch res {
		case "installed":
			rep.Installed++
		case "removed":
			rep.Removed++
		case "loaded":
			rep.Loaded++
		case "caught":
			rep.CaughtUp++
		}
	}
	r.log.Info("reconciled triggers",
		logx.Int("installed", rep.Installed), logx.Int("removed", rep.Removed),
		logx.Int("loaded", rep.Loaded), logx.Int("caught_up", rep.CaughtUp))
	return rep, err
}

// loadLocked registers a persisted trigger and catches up a missed firing.
func (r *Registry) loadLocked(ctx context.Context, t domain.Trigger) (bool, error) {
	spec := CronSpec(t.Recurrence)
	sched, err := r.sched.Parse(spec)
	if err != nil {
		return false, fmt.Errorf("trigger %s: %w", t.Key, err)
	}
	now := r.now()
	caught := false
	if missed, ok := scheduler.MissedSince(sched, t.NextRunAt, now); ok && r.cfg.CatchUpWindow > 0 {
		if now.Sub(missed) <= r.cfg.CatchUpWindow {
			f := domain.Firing{
				ID:           domain.FiringID(t.Key, missed),
				Key:          t.Key,
				OwnerID:      t.OwnerID,
				SubjectID:    t.SubjectID,
				ScheduledFor: missed,
			}
			inserted, err := r.enq.Enqueue(ctx, f, now)
			if err != nil {
				return false, err
			}
			caught = inserted
			r.log.Info("missed firing recovered", logx.String("firing", f.ID), logx.Bool("enqueued", inserted))
		} else {
			r.log.Warn("missed firing outside catch-up window", logx.String("key", t.Key), logx.Time("missed", missed))
		}
	}
	if err := r.sched.Upsert(t.Key, spec, r.fireFunc(t, sched)); err != nil {
		return caught, err
	}
	return caught, r.store.SetNextRun(ctx, t.Key, sched.Next(now))
}

// ReinstallOwner re-applies the owner's current recurrence to all of its
// active pairs, after the owner's schedule changed.
func (r *Registry) ReinstallOwner(ctx context.Context, ownerID string) error {
	owner, err := r.store.GetOwner(ctx, ownerID)
	if err != nil {
		return err
	}
	links, err := r.store.ListActiveLinks(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, l := range links {
		if l.OwnerID == ownerID {
			errs = append(errs, r.reinstall(ctx, ownerID, l.SubjectID, owner.Recurrence))
		}
	}
	return errors.Join(errs...)
}

// reinstall re-checks the link under the pair's lock; a pair unlinked since
// the listing is skipped.
func (r *Registry) reinstall(ctx context.Context, ownerID, subjectID string, rec domain.Recurrence) error {
	key := domain.TriggerKey(ownerID, subjectID)
	unlock := r.keys.Lock(key)
	defer unlock()
	link, err := r.store.GetLink(ctx, ownerID, subjectID)
	if err != nil {
		return err
	}
	if !link.Active {
		return nil
	}
	return r.installLocked(ctx, domain.Trigger{Key: key, OwnerID: ownerID, SubjectID: subjectID, Recurrence: rec})
}

func sameRecurrence(a, b domain.Recurrence) bool {
	return a.Hour == b.Hour && a.Minute == b.Minute &&
		strings.TrimSpace(a.Timezone) == strings.TrimSpace(b.Timezone) &&
		a.WeekdaysField() == b.WeekdaysField()
}
