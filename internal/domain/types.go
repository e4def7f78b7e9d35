package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Subject is an account whose due items are tracked.
// Subjects are never deleted, only deactivated.
type Subject struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Domain            string    `json:"domain"`
	CredentialRef     string    `json:"credential_ref"`
	Address           string    `json:"address,omitempty"`
	CredentialInvalid bool      `json:"credential_invalid"`
	Active            bool      `json:"active"`
	CreatedAt         time.Time `json:"created_at"`
}

// Owner receives digests about one or more subjects.
type Owner struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Address    string     `json:"address"`
	Recurrence Recurrence `json:"recurrence"`

	// NotifySubject opts the subject's own address in as a secondary recipient.
	NotifySubject bool      `json:"notify_subject"`
	CreatedAt     time.Time `json:"created_at"`
}

// Link is the owner/subject edge. Each edge is independently active.
type Link struct {
	OwnerID   string    `json:"owner_id"`
	SubjectID string    `json:"subject_id"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Recurrence is a wall-clock time on a set of weekdays in a named timezone.
// An empty weekday set means every day.
type Recurrence struct {
	Hour     int            `json:"hour"`
	Minute   int            `json:"minute"`
	Weekdays []time.Weekday `json:"weekdays,omitempty"`
	Timezone string         `json:"timezone"`
}

func (r Recurrence) Validate() error {
	if r.Hour < 0 || r.Hour > 23 {
		return fmt.Errorf("%w: hour %d out of range", ErrInvalidRecurrence, r.Hour)
	}
	if r.Minute < 0 || r.Minute > 59 {
		return fmt.Errorf("%w: minute %d out of range", ErrInvalidRecurrence, r.Minute)
	}
	for _, d := range r.Weekdays {
		if d < time.Sunday || d > time.Saturday {
			return fmt.Errorf("%w: weekday %d", ErrInvalidRecurrence, d)
		}
	}
	if _, err := r.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves the IANA timezone. Empty means UTC.
func (r Recurrence) Location() (*time.Location, error) {
	tz := strings.TrimSpace(r.Timezone)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %w", ErrInvalidRecurrence, tz, err)
	}
	return loc, nil
}

// WeekdaysField renders the weekday set in cron day-of-week syntax ("*" or "1,3,5").
func (r Recurrence) WeekdaysField() string {
	if len(r.Weekdays) == 0 {
		return "*"
	}
	days := make([]int, 0, len(r.Weekdays))
	seen := map[time.Weekday]bool{}
	for _, d := range r.Weekdays {
		if seen[d] {
			continue
		}
		seen[d] = true
		days = append(days, int(d))
	}
	sort.Ints(days)
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

// ParseWeekdays is the inverse of WeekdaysField.
func ParseWeekdays(s string) ([]time.Weekday, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return nil, nil
	}
	var out []time.Weekday
	for _, p := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 || n > 6 {
			return nil, fmt.Errorf("invalid weekday %q", p)
		}
		out = append(out, time.Weekday(n))
	}
	return out, nil
}

// TriggerKey is the deterministic identity of the installed trigger for a pair.
func TriggerKey(ownerID, subjectID string) string {
	return "digest:" + ownerID + ":" + subjectID
}

// Trigger is the persisted form of an installed schedule.
type Trigger struct {
	Key        string     `json:"key"`
	OwnerID    string     `json:"owner_id"`
	SubjectID  string     `json:"subject_id"`
	Recurrence Recurrence `json:"recurrence"`
	NextRunAt  time.Time  `json:"next_run_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// DueItem is fetched fresh on each firing and never stored on its own.
type DueItem struct {
	Type    string
	Title   string
	DueAt   time.Time
	GroupID string
}

// DueDate is the UTC calendar date of the due instant.
func (it DueItem) DueDate() string {
	return it.DueAt.UTC().Format(time.DateOnly)
}

// Firing is one trigger invocation for one pair.
type Firing struct {
	ID           string
	Key          string
	OwnerID      string
	SubjectID    string
	ScheduledFor time.Time
	Attempt      int
	Manual       bool
}

// FiringID derives the idempotent id of a scheduled firing.
func FiringID(key string, scheduledFor time.Time) string {
	return key + "@" + strconv.FormatInt(scheduledFor.Unix(), 10)
}

// ManualFiringID derives the id of an operator-requested firing.
func ManualFiringID(key, nonce string) string {
	return key + "@manual-" + nonce
}

// ParseTriggerKey splits a trigger key back into owner and subject ids.
func ParseTriggerKey(key string) (ownerID, subjectID string, ok bool) {
	rest, found := strings.CutPrefix(key, "digest:")
	if !found {
		return "", "", false
	}
	ownerID, subjectID, ok = strings.Cut(rest, ":")
	if !ok || ownerID == "" || subjectID == "" {
		return "", "", false
	}
	return ownerID, subjectID, true
}
