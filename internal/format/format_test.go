package format

import (
	"strings"
	"testing"
	"time"

	"duedigest/internal/domain"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestFormatSingleItem(t *testing.T) {
	t.Parallel()

	items := []domain.DueItem{{
		Type:    "submitting",
		Title:   "Essay on Shakespeare",
		DueAt:   time.Date(2026, 2, 25, 23, 59, 0, 0, time.UTC),
		GroupID: "101",
	}}
	got := Format(items, day(2026, 2, 18), MapLabels{"101": "English"})
	want := "Assignments for 2026-02-18:\n\nCourse: English\nAssignment: Essay on Shakespeare\nType: submitting\nDue: 2026-02-25\n\n"
	if got != want {
		t.Fatalf("mismatch\n got=%q\nwant=%q", got, want)
	}
}

func TestFormatEmpty(t *testing.T) {
	t.Parallel()

	got := Format(nil, day(2026, 2, 18), nil)
	if !strings.HasPrefix(got, "Assignments for 2026-02-18:\n\n") {
		t.Fatalf("missing header: %q", got)
	}
	if !strings.Contains(got, "No assignments due.") {
		t.Fatalf("missing empty line: %q", got)
	}
	if strings.Contains(got, "Course:") {
		t.Fatalf("unexpected item block: %q", got)
	}
}

func TestFormatFallsBackToGroupID(t *testing.T) {
	t.Parallel()

	items := []domain.DueItem{{Type: "grading", Title: "Lab 2", DueAt: day(2026, 3, 1), GroupID: "77"}}
	got := Format(items, day(2026, 2, 28), MapLabels{"101": "English"})
	if !strings.Contains(got, "Course: 77\n") {
		t.Fatalf("expected raw group id: %q", got)
	}
}

func TestFormatKeepsInputOrder(t *testing.T) {
	t.Parallel()

	items := []domain.DueItem{
		{Title: "Z", DueAt: day(2026, 3, 9), GroupID: "1"},
		{Title: "A", DueAt: day(2026, 3, 1), GroupID: "1"},
	}
	got := Format(items, day(2026, 2, 28), nil)
	if strings.Index(got, "Assignment: Z") > strings.Index(got, "Assignment: A") {
		t.Fatalf("formatter reordered items: %q", got)
	}
}

func TestFormatUsesRefLocationForHeader(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC-5", -5*3600)
	ref := time.Date(2026, 2, 18, 21, 0, 0, 0, loc) // 2026-02-19 in UTC
	got := Format(nil, ref, nil)
	if !strings.HasPrefix(got, "Assignments for 2026-02-18:") {
		t.Fatalf("header=%q", got)
	}
}

func TestUnresolved(t *testing.T) {
	t.Parallel()

	items := []domain.DueItem{{GroupID: "1"}, {GroupID: "2"}, {GroupID: "1"}, {GroupID: ""}, {GroupID: "3"}}
	got := Unresolved(items, MapLabels{"2": "Math"})
	if strings.Join(got, ",") != "1,3" {
		t.Fatalf("unresolved=%v", got)
	}
}
