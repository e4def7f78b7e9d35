package registry

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duedigest/internal/domain"
	"duedigest/internal/storage"
	"duedigest/internal/task/scheduler"
	logx "duedigest/pkg/logx"
)

type memEnqueuer struct {
	mu   sync.Mutex
	jobs map[string]domain.Firing
	hits int
}

func (m *memEnqueuer) Enqueue(_ context.Context, f domain.Firing, _ time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hits++
	if m.jobs == nil {
		m.jobs = map[string]domain.Firing{}
	}
	if _, ok := m.jobs[f.ID]; ok {
		return false, nil
	}
	m.jobs[f.ID] = f
	return true, nil
}

type fixture struct {
	reg   *Registry
	store *storage.Store
	sched *scheduler.Service
	enq   *memEnqueuer
}

func newFixture(t *testing.T, cfg Config) fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "r.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	sched := scheduler.New(scheduler.Config{}, logx.Nop())
	enq := &memEnqueuer{}
	return fixture{reg: New(cfg, st, sched, enq, logx.Nop()), store: st, sched: sched, enq: enq}
}

func (f fixture) pair(t *testing.T, rec domain.Recurrence) (domain.Owner, domain.Subject) {
	t.Helper()
	ctx := context.Background()
	o, err := f.store.CreateOwner(ctx, domain.Owner{Address: "+15550000001", Recurrence: rec})
	require.NoError(t, err)
	s, err := f.store.CreateSubject(ctx, domain.Subject{Domain: "school.example"})
	require.NoError(t, err)
	require.NoError(t, f.store.LinkSubject(ctx, o.ID, s.ID))
	return o, s
}

func TestCronSpec(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "CRON_TZ=UTC 30 7 * * *", CronSpec(domain.Recurrence{Hour: 7, Minute: 30}))
	assert.Equal(t, "CRON_TZ=Asia/Tokyo 0 18 * * 1,3,5",
		CronSpec(domain.Recurrence{Hour: 18, Weekdays: []time.Weekday{time.Friday, time.Monday, time.Wednesday}, Timezone: "Asia/Tokyo"}))
}

func TestInstallIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{})
	rec := domain.Recurrence{Hour: 7, Timezone: "Europe/Berlin"}
	o, s := f.pair(t, rec)

	require.NoError(t, f.reg.Install(ctx, o.ID, s.ID, rec))
	require.NoError(t, f.reg.Install(ctx, o.ID, s.ID, rec))

	triggers, err := f.store.ListTriggers(ctx)
	require.NoError(t, err)
	require.Len(t, triggers, 1)
	assert.False(t, triggers[0].NextRunAt.IsZero())
	assert.Len(t, f.sched.Snapshot().Schedules, 1)

	require.NoError(t, f.reg.Remove(ctx, o.ID, s.ID))
	require.NoError(t, f.reg.Remove(ctx, o.ID, s.ID))
	triggers, _ = f.store.ListTriggers(ctx)
	assert.Empty(t, triggers)
	assert.False(t, f.sched.Has(domain.TriggerKey(o.ID, s.ID)))
}

func TestInstallRejectsInvalidRecurrence(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	err := f.reg.Install(context.Background(), "o", "s", domain.Recurrence{Hour: 7, Timezone: "Nowhere/City"})
	assert.Error(t, err)
	assert.Empty(t, f.sched.Snapshot().Schedules)
}

func TestLinkUnlinkRaceLeavesConsistentTrigger(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{})
	rec := domain.Recurrence{Hour: 7, Timezone: "UTC"}
	o, s := f.pair(t, rec)
	key := domain.TriggerKey(o.ID, s.ID)

	for i := 0; i < 25; i++ {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); assert.NoError(t, f.reg.Link(ctx, o.ID, s.ID, rec)) }()
		go func() { defer wg.Done(); assert.NoError(t, f.reg.Unlink(ctx, o.ID, s.ID)) }()
		wg.Wait()

		link, err := f.store.GetLink(ctx, o.ID, s.ID)
		require.NoError(t, err)
		_, terr := f.store.GetTrigger(ctx, key)
		assert.Equal(t, link.Active, terr == nil, "round %d: stored trigger must match link state", i)
		assert.Equal(t, link.Active, f.sched.Has(key), "round %d: scheduler entry must match link state", i)
	}
}

func TestReinstallOwnerSkipsUnlinkedPair(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{})
	rec := domain.Recurrence{Hour: 7}
	o, s := f.pair(t, rec)
	require.NoError(t, f.reg.Link(ctx, o.ID, s.ID, rec))
	require.NoError(t, f.reg.Unlink(ctx, o.ID, s.ID))

	require.NoError(t, f.reg.ReinstallOwner(ctx, o.ID))
	assert.False(t, f.sched.Has(domain.TriggerKey(o.ID, s.ID)))
}

func TestReconcileInstallsAndRemoves(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{})
	rec := domain.Recurrence{Hour: 6}
	o, s := f.pair(t, rec)

	stale := domain.Trigger{Key: domain.TriggerKey("gone", "pair"), OwnerID: "gone", SubjectID: "pair", Recurrence: rec}
	require.NoError(t, f.store.PutTrigger(ctx, stale))

	rep, err := f.reg.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Installed)
	assert.Equal(t, 1, rep.Removed)

	triggers, err := f.store.ListTriggers(ctx)
	require.NoError(t, err)
	require.Len(t, triggers, 1)
	assert.Equal(t, domain.TriggerKey(o.ID, s.ID), triggers[0].Key)

	rep, err = f.reg.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Loaded: 1}, rep)
	assert.Empty(t, f.enq.jobs)
}

func TestReconcileReinstallsChangedRecurrence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{})
	o, s := f.pair(t, domain.Recurrence{Hour: 6})
	require.NoError(t, f.reg.Install(ctx, o.ID, s.ID, o.Recurrence))

	o.Recurrence.Hour = 9
	require.NoError(t, f.store.UpdateOwner(ctx, o))
	rep, err := f.reg.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Installed)

	tr, err := f.store.GetTrigger(ctx, domain.TriggerKey(o.ID, s.ID))
	require.NoError(t, err)
	assert.Equal(t, 9, tr.Recurrence.Hour)
}

func TestReconcileCatchesUpLatestMissedFiring(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{CatchUpWindow: 6 * time.Hour})
	now := time.Date(2026, 2, 18, 12, 0, 0, 0, time.UTC)
	f.reg.now = func() time.Time { return now }

	rec := domain.Recurrence{Hour: 7}
	o, s := f.pair(t, rec)
	key := domain.TriggerKey(o.ID, s.ID)
	require.NoError(t, f.store.PutTrigger(ctx, domain.Trigger{
		Key: key, OwnerID: o.ID, SubjectID: s.ID, Recurrence: rec,
		NextRunAt: time.Date(2026, 2, 16, 7, 0, 0, 0, time.UTC),
	}))

	rep, err := f.reg.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.CaughtUp)
	missed := time.Date(2026, 2, 18, 7, 0, 0, 0, time.UTC)
	require.Contains(t, f.enq.jobs, domain.FiringID(key, missed))
	assert.Len(t, f.enq.jobs, 1)

	tr, err := f.store.GetTrigger(ctx, key)
	require.NoError(t, err)
	assert.True(t, tr.NextRunAt.Equal(time.Date(2026, 2, 19, 7, 0, 0, 0, time.UTC)))

	rep, err = f.reg.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.CaughtUp)
	assert.Len(t, f.enq.jobs, 1)
}

func TestReconcileSkipsMissedOutsideWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, Config{CatchUpWindow: time.Hour})
	now := time.Date(2026, 2, 18, 12, 0, 0, 0, time.UTC)
	f.reg.now = func() time.Time { return now }

	rec := domain.Recurrence{Hour: 7}
	o, s := f.pair(t, rec)
	require.NoError(t, f.store.PutTrigger(ctx, domain.Trigger{
		Key: domain.TriggerKey(o.ID, s.ID), OwnerID: o.ID, SubjectID: s.ID, Recurrence: rec,
		NextRunAt: time.Date(2026, 2, 17, 7, 0, 0, 0, time.UTC),
	}))

	rep, err := f.reg.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.CaughtUp)
	assert.Empty(t, f.enq.jobs)
}

func TestFireEnqueuesDeterministicFiring(t *testing.T) {
	t.Parallel()
	f := newFixture(t, Config{})
	tr := domain.Trigger{Key: "digest:o:s", OwnerID: "o", SubjectID: "s", Recurrence: domain.Recurrence{Hour: 7}}
	sched, err := f.sched.Parse(CronSpec(tr.Recurrence))
	require.NoError(t, err)

	at := time.Date(2026, 2, 18, 7, 0, 0, 0, time.UTC)
	fire := f.reg.fireFunc(tr, sched)
	fire(at)
	fire(at)

	assert.Equal(t, 2, f.enq.hits)
	require.Len(t, f.enq.jobs, 1)
	assert.Equal(t, "digest:o:s@"+"1771398000", domain.FiringID(tr.Key, at))
	assert.Contains(t, f.enq.jobs, domain.FiringID(tr.Key, at))
}
