package scheduler

import (
	"context"
	"testing"
	"time"

	logx "duedigest/pkg/logx"
)

func TestUpsertReplacesByName(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true}, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	fire := func(time.Time) {}
	if err := s.Upsert("digest:o:s", "CRON_TZ=America/New_York 0 7 * * 1", fire); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert("digest:o:s", "CRON_TZ=America/New_York 30 8 * * 1", fire); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	if len(snap.Schedules) != 1 {
		t.Fatalf("entries = %d, want 1", len(snap.Schedules))
	}
	if snap.Schedules[0].Spec != "CRON_TZ=America/New_York 30 8 * * 1" {
		t.Fatalf("spec = %q", snap.Schedules[0].Spec)
	}
	if snap.Schedules[0].Next.IsZero() {
		t.Fatal("next not computed")
	}
	if !s.Remove("digest:o:s") || s.Remove("digest:o:s") {
		t.Fatal("Remove should report true then false")
	}
}

func TestUpsertRejectsBadSpec(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop())
	if err := s.Upsert("x", "61 7 * * *", func(time.Time) {}); err == nil {
		t.Fatal("expected error for minute 61")
	}
	if err := s.Upsert("x", "CRON_TZ=Mars/Olympus 0 7 * * *", func(time.Time) {}); err == nil {
		t.Fatal("expected error for unknown zone")
	}
	if s.Has("x") {
		t.Fatal("failed upsert must not register")
	}
}

func TestNextHonorsZoneAcrossDST(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop())
	if err := s.Upsert("k", "CRON_TZ=America/New_York 0 7 * * *", func(time.Time) {}); err != nil {
		t.Fatal(err)
	}
	ny, _ := time.LoadLocation("America/New_York")

	// 2026-03-08 is the US spring-forward day.
	before := time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)
	next, ok := s.Next("k", before)
	if !ok {
		t.Fatal("no next")
	}
	local := next.In(ny)
	if local.Hour() != 7 || local.Day() != 8 {
		t.Fatalf("next = %s, want 07:00 local on the 8th", local)
	}
	if next.UTC().Hour() != 11 {
		t.Fatalf("utc hour = %d, want 11 (EDT)", next.UTC().Hour())
	}
}

func TestParseSchedule(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in    string
		kind  SpecKind
		every time.Duration
		bad   bool
	}{
		{in: "0 7 * * *", kind: SpecCron},
		{in: "@hourly", kind: SpecCron},
		{in: "cron:0 7 * * *", kind: SpecCron},
		{in: "15m", kind: SpecInterval, every: 15 * time.Minute},
		{in: "01:30", kind: SpecInterval, every: 90 * time.Minute},
		{in: "every:2h", kind: SpecInterval, every: 2 * time.Hour},
		{in: "00:00", bad: true},
		{in: "soon", bad: true},
		{in: "", bad: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			ps, err := ParseSchedule(tc.in)
			if tc.bad {
				if err == nil {
					t.Fatalf("expected error, got %+v", ps)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if ps.Kind != tc.kind || ps.Every != tc.every {
				t.Fatalf("got %+v", ps)
			}
		})
	}
}

func TestLastFireAndMissedSince(t *testing.T) {
	t.Parallel()

	s := New(Config{}, logx.Nop())
	sched, err := s.Parse("CRON_TZ=UTC 0 7 * * *")
	if err != nil {
		t.Fatal(err)
	}
	fireAt := time.Date(2026, 2, 18, 7, 0, 0, 0, time.UTC)
	if got := LastFire(sched, fireAt.Add(1500*time.Millisecond), 2*time.Minute); !got.Equal(fireAt) {
		t.Fatalf("LastFire = %s, want %s", got, fireAt)
	}

	// Down from the 16th 07:00 slot until the 18th 12:00: only the latest counts.
	since := time.Date(2026, 2, 16, 7, 0, 0, 0, time.UTC)
	now := time.Date(2026, 2, 18, 12, 0, 0, 0, time.UTC)
	got, ok := MissedSince(sched, since, now)
	if !ok || !got.Equal(fireAt) {
		t.Fatalf("MissedSince = %s %v, want %s", got, ok, fireAt)
	}
	if _, ok := MissedSince(sched, now.Add(time.Hour), now); ok {
		t.Fatal("future since must report nothing missed")
	}
}

func TestFireReceivesScheduledInstant(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true}, logx.Nop())
	got := make(chan time.Time, 1)
	if err := s.AddInterval("tick", time.Second, func(at time.Time) { got <- at }); err != nil {
		t.Fatal(err)
	}
	if !s.Has("tick") {
		t.Fatal("interval not registered before start")
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	select {
	case at := <-got:
		if at.IsZero() {
			t.Fatal("zero instant")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("interval did not fire")
	}
}
