// Package queue is the durable work queue for firings. Jobs live in sqlite;
// a dispatcher claims due jobs under a lease, hands them to the engine, and
// settles each result as completed, delayed for retry, or failed.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"duedigest/internal/domain"
	"duedigest/internal/eventbus"
	rtsup "duedigest/internal/runtime/supervisor"
	"duedigest/internal/storage"
	"duedigest/internal/task/engine"
	logx "duedigest/pkg/logx"
)

// DefaultRetention is how long settled job rows are kept.
const DefaultRetention = 7 * 24 * time.Hour

type Config struct {
	PollInterval time.Duration // 0 means 1s
	Lease        time.Duration // 0 means 10m
	BatchSize    int           // 0 means 8
	Retention    time.Duration // 0 means 7 days
	Policy       engine.Policy
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Lease <= 0 {
		c.Lease = 10 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 8
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	c.Policy = c.Policy.WithDefaults()
	return c
}

type Store interface {
	InsertJob(ctx context.Context, j storage.Job) (bool, error)
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id, reason string) error
	DelayJob(ctx context.Context, id string, runAt time.Time, reason string) error
	ReleaseJob(ctx context.Context, id string) error
	RequeueExpired(ctx context.Context, now time.Time) (int64, error)
	NextRunAt(ctx context.Context) (time.Time, bool, error)
	JobCounts(ctx context.Context) (map[storage.JobStatus]int, error)
	PruneJobs(ctx context.Context, cutoff time.Time) (int64, error)
}

type Submitter interface {
	Submit(ctx context.Context, t engine.Task) error
}

// Handler executes a firing. Terminal is called once when the job fails for
// good (permanent error or attempts exhausted).
type Handler interface {
	Run(ctx context.Context, f domain.Firing) error
	Terminal(ctx context.Context, f domain.Firing, cause error)
}

// RetryEvent is the payload of job.retry.
type RetryEvent struct {
	JobID   string    `json:"job_id"`
	Attempt int       `json:"attempt"`
	RunAt   time.Time `json:"run_at"`
	Error   string    `json:"error"`
}

// SettleEvent is the payload of job.completed and job.failed.
type SettleEvent struct {
	JobID   string `json:"job_id"`
	Attempt int    `json:"attempt"`
	Error   string `json:"error,omitempty"`
}

type Queue struct {
	mu  sync.Mutex
	cfg Config

	store   Store
	engine  Submitter
	handler Handler
	log     logx.Logger
	bus     eventbus.Bus
	now     func() time.Time

	wake chan struct{}
	sup  *rtsup.Supervisor
	base context.Context
}

func New(cfg Config, store Store, eng Submitter, h Handler, log logx.Logger, bus eventbus.Bus) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Queue{
		cfg:     cfg.withDefaults(),
		store:   store,
		engine:  eng,
		handler: h,
		log:     log.With(logx.String("comp", "queue")),
		bus:     bus,
		now:     time.Now,
		wake:    make(chan struct{}, 1),
		base:    context.Background(),
	}
}

// Apply swaps poll, lease and retry settings; it takes effect on the next
// claim.
func (q *Queue) Apply(cfg Config) {
	q.mu.Lock()
	q.cfg = cfg.withDefaults()
	q.mu.Unlock()
}

func (q *Queue) config() Config {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg
}

// Enqueue stores a job for f. A job for the same firing id is kept as is and
// reported as not inserted.
func (q *Queue) Enqueue(ctx context.Context, f domain.Firing, runAt time.Time) (bool, error) {
	ok, err := q.store.InsertJob(ctx, storage.Job{
		ID:           f.ID,
		Key:          f.Key,
		OwnerID:      f.OwnerID,
		SubjectID:    f.SubjectID,
		ScheduledFor: f.ScheduledFor,
		Manual:       f.Manual,
		RunAt:        runAt,
	})
	if err != nil {
		return false, err
	}
	if ok {
		q.log.Debug("job enqueued", logx.String("job", f.ID))
		q.Wake()
	}
	return ok, nil
}

// Wake makes the dispatcher poll now.
func (q *Queue) Wake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) Counts(ctx context.Context) (map[storage.JobStatus]int, error) {
	return q.store.JobCounts(ctx)
}

func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.sup != nil {
		q.mu.Unlock()
		return
	}
	q.base = context.WithoutCancel(ctx)
	q.sup = rtsup.New(ctx, rtsup.WithLogger(q.log))
	sup := q.sup
	q.mu.Unlock()

	sup.GoRestart("queue.dispatch", q.dispatch, rtsup.WithPublishFirstError(true))
}

func (q *Queue) Stop(ctx context.Context) {
	q.mu.Lock()
	sup := q.sup
	q.sup = nil
	q.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		q.log.Warn("queue stop", logx.Err(err))
	}
}

func (q *Queue) dispatch(ctx context.Context) error {
	if n, err := q.store.RequeueExpired(ctx, q.now()); err != nil {
		return fmt.Errorf("requeue expired: %w", err)
	} else if n > 0 {
		q.log.Info("requeued jobs with expired lease", logx.Int64("jobs", n))
	}

	for {
		cfg := q.config()
		jobs, err := q.store.ClaimDue(ctx, q.now(), cfg.Lease, cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("claim: %w", err)
		}
		for _, j := range jobs {
			if err := q.submit(ctx, j, cfg); err != nil {
				return err
			}
		}
		if len(jobs) == cfg.BatchSize {
			continue
		}

		wait := cfg.PollInterval
		if next, ok, err := q.store.NextRunAt(ctx); err == nil && ok {
			wait = min(max(next.Sub(q.now()), 10*time.Millisecond), cfg.PollInterval)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-q.wake:
			t.Stop()
		case <-t.C:
		}
	}
}

func (q *Queue) submit(ctx context.Context, j storage.Job, cfg Config) error {
	f := j.Firing()
	if j.Attempt > cfg.Policy.MaxAttempts {
		// Claimed again after lease expiry with no attempt left.
		q.fail(j, errors.New("attempts exhausted"))
		return nil
	}
	err := q.engine.Submit(ctx, engine.Task{
		ID:      j.ID,
		Name:    "firing",
		Key:     j.ID,
		Timeout: cfg.Lease,
		Run:     func(c context.Context) error { return q.handler.Run(c, f) },
		Done:    func(err error) { q.settle(j, err) },
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, engine.ErrOverlapSkip):
		// A previous claim of this job is still running and will settle it.
		q.log.Warn("job already running", logx.String("job", j.ID))
		return nil
	default:
		q.release(j)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("submit %s: %w", j.ID, err)
	}
}

func (q *Queue) settle(j storage.Job, err error) {
	ctx, cancel := context.WithTimeout(q.base, 10*time.Second)
	defer cancel()
	cfg := q.config()

	switch {
	case err == nil:
		if e := q.store.CompleteJob(ctx, j.ID); e != nil {
			q.log.Error("complete job", logx.String("job", j.ID), logx.Err(e))
		}
		q.publish("job.completed", SettleEvent{JobID: j.ID, Attempt: j.Attempt})
	case errors.Is(err, engine.ErrStopping), errors.Is(err, context.Canceled):
		q.release(j)
	case engine.IsNoRetry(err) || cfg.Policy.Exhausted(j.Attempt):
		q.fail(j, err)
	default:
		runAt := q.now().Add(cfg.Policy.Delay(j.Attempt, err))
		if e := q.store.DelayJob(ctx, j.ID, runAt, err.Error()); e != nil {
			q.log.Error("delay job", logx.String("job", j.ID), logx.Err(e))
			return
		}
		q.log.Info("job retry scheduled", logx.String("job", j.ID), logx.Int("attempt", j.Attempt), logx.Time("run_at", runAt), logx.Err(err))
		q.publish("job.retry", RetryEvent{JobID: j.ID, Attempt: j.Attempt, RunAt: runAt, Error: err.Error()})
	}
}

func (q *Queue) fail(j storage.Job, cause error) {
	ctx, cancel := context.WithTimeout(q.base, 10*time.Second)
	defer cancel()
	if e := q.store.FailJob(ctx, j.ID, cause.Error()); e != nil {
		q.log.Error("fail job", logx.String("job", j.ID), logx.Err(e))
	}
	q.log.Warn("job failed", logx.String("job", j.ID), logx.Int("attempt", j.Attempt), logx.Err(cause))
	q.handler.Terminal(ctx, j.Firing(), cause)
	q.publish("job.failed", SettleEvent{JobID: j.ID, Attempt: j.Attempt, Error: cause.Error()})
}

func (q *Queue) release(j storage.Job) {
	ctx, cancel := context.WithTimeout(q.base, 5*time.Second)
	defer cancel()
	if err := q.store.ReleaseJob(ctx, j.ID); err != nil {
		q.log.Warn("release job", logx.String("job", j.ID), logx.Err(err))
	}
}

// Maintain requeues lapsed leases and prunes settled jobs past retention.
func (q *Queue) Maintain(ctx context.Context) error {
	cfg := q.config()
	now := q.now()
	if _, err := q.store.RequeueExpired(ctx, now); err != nil {
		return err
	}
	n, err := q.store.PruneJobs(ctx, now.Add(-cfg.Retention))
	if err != nil {
		return err
	}
	if n > 0 {
		q.log.Debug("pruned jobs", logx.Int64("jobs", n))
	}
	return nil
}

func (q *Queue) publish(typ string, data any) {
	if q.bus != nil {
		q.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}
