package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "duedigest/pkg/logx"
)

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "scheduler")),
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:   map[string]*def{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. A timezone change rebuilds every entry.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c != nil && old != strings.TrimSpace(cfg.Timezone) {
		s.restartLocked()
	}
}

// Start begins triggering registered entries. Entries added before Start are
// kept and registered now.
func (s *Service) Start(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return
	}
	s.restartLocked()
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	s.loc = s.locationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		s.registerLocked(d)
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("entries", len(s.defs)))
}

// Stop halts triggering. Definitions are kept for the next Start.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

// Parse validates a cron spec (optionally prefixed with CRON_TZ=<zone>).
func (s *Service) Parse(spec string) (cron.Schedule, error) {
	return s.parser.Parse(strings.TrimSpace(spec))
}

// Upsert installs or replaces the cron entry called name. Replacing an entry
// never leaves both the old and new spec active.
func (s *Service) Upsert(name, spec string, fire FireFunc) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("schedule name required")
	}
	if fire == nil {
		return errors.New("fire func required")
	}
	sched, err := s.Parse(spec)
	if err != nil {
		return fmt.Errorf("schedule %s: invalid spec %q: %w", name, spec, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &def{name: name, spec: strings.TrimSpace(spec), kind: kindCron, fire: fire, sched: sched}
	s.defs[name] = d
	s.registerLocked(d)
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", d.spec))
	return nil
}

// AddInterval registers a repeating entry whose first run is spread over up
// to min(every, 30s) so housekeeping loops do not all fire together.
func (s *Service) AddInterval(name string, every time.Duration, fire FireFunc) error {
	if every <= 0 {
		return errors.New("interval must be > 0")
	}
	if fire == nil {
		return errors.New("fire func required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &def{name: name, spec: "@every " + every.String(), kind: kindInterval, every: every, fire: fire}
	s.defs[name] = d
	s.registerLocked(d)
	return nil
}

// AddSchedule accepts either form understood by ParseSchedule.
func (s *Service) AddSchedule(name, raw string, fire FireFunc) error {
	ps, err := ParseSchedule(raw)
	if err != nil {
		return err
	}
	if ps.Kind == SpecInterval {
		return s.AddInterval(name, ps.Every, fire)
	}
	return s.Upsert(name, ps.Cron, fire)
}

// Remove reports whether an entry called name existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok := s.removeLocked(strings.TrimSpace(name))
	if ok {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return ok
}

func (s *Service) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.defs[name]
	return ok
}

// Next returns the next trigger instant of name after now.
func (s *Service) Next(name string, now time.Time) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.defs[name]
	if d == nil || d.sched == nil {
		return time.Time{}, false
	}
	return d.sched.Next(now.In(s.locationLocked())), true
}

func (s *Service) removeLocked(name string) bool {
	d := s.defs[name]
	if d == nil {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
	return true
}

func (s *Service) registerLocked(d *def) {
	if s.c == nil {
		return
	}
	switch d.kind {
	case kindInterval:
		sched, spread := withStartupSpread(d.every, time.Now(), d.name)
		d.sched = cron.Every(d.every)
		d.entryID = s.c.Schedule(sched, s.job(d))
		s.log.Debug("interval registered", logx.String("name", d.name), logx.Duration("every", d.every), logx.Duration("spread", spread))
	default:
		d.entryID = s.c.Schedule(d.sched, s.job(d))
	}
}

func (s *Service) job(d *def) cron.Job {
	sched, fire, name := d.sched, d.fire, d.name
	return cron.FuncJob(func() {
		at := time.Now()
		if d.kind == kindCron {
			at = LastFire(sched, at, 2*time.Minute)
		}
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("schedule callback panicked", logx.String("name", name), logx.Any("panic", r))
			}
		}()
		fire(at)
	})
}

func (s *Service) locationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid scheduler timezone; using UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Enabled: s.cfg.Enabled, Running: s.c != nil, Timezone: s.locationLocked().String()}
	for _, d := range s.defs {
		it := ScheduleInfo{Name: d.name, Spec: d.spec}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		snap.Schedules = append(snap.Schedules, it)
	}
	sort.Slice(snap.Schedules, func(i, j int) bool { return snap.Schedules[i].Name < snap.Schedules[j].Name })
	return snap
}

// LastFire returns the latest trigger instant of sched in (now-lookback, now].
// It falls back to now truncated to the second when none is found.
func LastFire(sched cron.Schedule, now time.Time, lookback time.Duration) time.Time {
	var last time.Time
	for t := sched.Next(now.Add(-lookback)); !t.IsZero() && !t.After(now); t = sched.Next(t) {
		last = t
	}
	if last.IsZero() {
		return now.Truncate(time.Second)
	}
	return last
}

// MissedSince returns the most recent trigger instant in [since, now], if any.
func MissedSince(sched cron.Schedule, since, now time.Time) (time.Time, bool) {
	if since.IsZero() || since.After(now) {
		return time.Time{}, false
	}
	var last time.Time
	for t := sched.Next(since.Add(-time.Second)); !t.IsZero() && !t.After(now); t = sched.Next(t) {
		last = t
	}
	return last, !last.IsZero()
}
