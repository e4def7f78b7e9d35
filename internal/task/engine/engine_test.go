package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"duedigest/internal/eventbus"
	logx "duedigest/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestSubmitRunsAndReportsDone(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 2})
	done := make(chan error, 1)
	err := s.Submit(context.Background(), Task{
		Name: "ok",
		Run:  func(context.Context) error { return nil },
		Done: func(err error) { done <- err },
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Done err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
	if h := s.Snapshot().History; len(h) != 1 || h[0].Name != "ok" {
		t.Fatalf("history = %+v", h)
	}
}

func TestPanicBecomesNoRetry(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1})
	done := make(chan error, 1)
	_ = s.Submit(context.Background(), Task{
		Name: "boom",
		Run:  func(context.Context) error { panic("bad") },
		Done: func(err error) { done <- err },
	})
	err := <-done
	if err == nil || !IsNoRetry(err) {
		t.Fatalf("err = %v, want no-retry panic", err)
	}
}

func TestSameKeyIsExclusive(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 4})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	err := s.Submit(context.Background(), Task{
		Name: "slow", Key: "job-1",
		Run:  func(context.Context) error { <-release; return nil },
		Done: func(error) { wg.Done() },
	})
	if err != nil {
		t.Fatal(err)
	}
	err = s.Submit(context.Background(), Task{Name: "dup", Key: "job-1", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("err = %v, want ErrOverlapSkip", err)
	}
	close(release)
	wg.Wait()

	done := make(chan error, 1)
	err = s.Submit(context.Background(), Task{Name: "again", Key: "job-1", Run: func(context.Context) error { return nil }, Done: func(err error) { done <- err }})
	if err != nil {
		t.Fatalf("resubmit after release: %v", err)
	}
	<-done
}

func TestWorkerCountBoundsConcurrency(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 3, QueueSize: 16})
	var cur, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		err := s.Submit(context.Background(), Task{
			Name: "w",
			Key:  string(rune('a' + i)),
			Run: func(context.Context) error {
				n := cur.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				cur.Add(-1)
				return nil
			},
			Done: func(error) { wg.Done() },
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()
	if p := peak.Load(); p > 3 {
		t.Fatalf("peak concurrency = %d, want <= 3", p)
	}
}

func TestDisabledAndStopped(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop(), nil)
	if err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
	s = New(Config{Enabled: true}, logx.Nop(), nil)
	if err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestTimeoutCancelsRun(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 1})
	done := make(chan error, 1)
	_ = s.Submit(context.Background(), Task{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Done: func(err error) { done <- err },
	})
	if err := <-done; !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

func TestPolicyDelay(t *testing.T) {
	t.Parallel()

	p := Policy{Base: time.Minute, Max: 10 * time.Minute, Jitter: 0.0001, MaxAttempts: 3}
	near := func(got, want time.Duration) bool {
		diff := got - want
		if diff < 0 {
			diff = -diff
		}
		return diff <= want/100
	}
	cases := []struct {
		name    string
		attempt int
		err     error
		want    time.Duration
	}{
		{"first retry", 1, errors.New("x"), time.Minute},
		{"second retry doubles", 2, errors.New("x"), 2 * time.Minute},
		{"capped", 8, errors.New("x"), 10 * time.Minute},
		{"hint wins when longer", 1, RetryAfter(errors.New("x"), 5*time.Minute), 5 * time.Minute},
		{"hint capped", 1, RetryAfter(errors.New("x"), time.Hour), 10 * time.Minute},
		{"rate limit floor", 1, RateLimited(errors.New("x")), 2 * time.Minute},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := p.Delay(tc.attempt, tc.err); !near(got, tc.want) {
				t.Fatalf("Delay(%d) = %s, want ~%s", tc.attempt, got, tc.want)
			}
		})
	}
	if p.Exhausted(2) || !p.Exhausted(3) {
		t.Fatal("Exhausted boundary wrong")
	}
}

func TestKeysReleasedAfterRun(t *testing.T) {
	t.Parallel()

	s := startEngine(t, Config{Workers: 2, QueueSize: 32})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		err := s.Submit(context.Background(), Task{
			Name: "firing",
			Key:  "digest:o1:s1@" + string(rune('a'+i)),
			Run:  func(context.Context) error { return nil },
			Done: func(error) { wg.Done() },
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	wg.Wait()
	if n := s.activeKeys(); n != 0 {
		t.Fatalf("active keys = %d after all tasks finished, want 0", n)
	}

	err := s.Enqueue(Task{Name: "fail-fast", Key: "k", Run: nil})
	if err == nil {
		t.Fatal("want error for nil Run")
	}
	if n := s.activeKeys(); n != 0 {
		t.Fatalf("active keys = %d after rejected task, want 0", n)
	}
}
