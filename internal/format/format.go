// Package format renders the digest message body.
package format

import (
	"strings"
	"time"

	"duedigest/internal/domain"
)

const emptyLine = "No assignments due."

// Labels resolves a source-local group id to a display name.
type Labels interface {
	Lookup(groupID string) (string, bool)
}

// MapLabels is a Labels backed by a plain map.
type MapLabels map[string]string

func (m MapLabels) Lookup(groupID string) (string, bool) {
	name, ok := m[groupID]
	if !ok || strings.TrimSpace(name) == "" {
		return "", false
	}
	return name, true
}

// Format renders items in the order given. Items are expected to be sorted
// already; Format never reorders them. ref is rendered as a date in its own
// location.
func Format(items []domain.DueItem, ref time.Time, labels Labels) string {
	var b strings.Builder
	b.WriteString("Assignments for ")
	b.WriteString(ref.Format(time.DateOnly))
	b.WriteString(":\n\n")

	if len(items) == 0 {
		b.WriteString(emptyLine)
		b.WriteString("\n")
		return b.String()
	}

	for _, it := range items {
		group := it.GroupID
		if labels != nil {
			if name, ok := labels.Lookup(it.GroupID); ok {
				group = name
			}
		}
		b.WriteString("Course: ")
		b.WriteString(group)
		b.WriteString("\nAssignment: ")
		b.WriteString(it.Title)
		b.WriteString("\nType: ")
		b.WriteString(it.Type)
		b.WriteString("\nDue: ")
		b.WriteString(it.DueDate())
		b.WriteString("\n\n")
	}
	return b.String()
}

// Unresolved lists group ids in items that labels cannot resolve, deduplicated
// and in first-seen order.
func Unresolved(items []domain.DueItem, labels Labels) []string {
	seen := map[string]bool{}
	var out []string
	for _, it := range items {
		if it.GroupID == "" || seen[it.GroupID] {
			continue
		}
		seen[it.GroupID] = true
		if labels != nil {
			if _, ok := labels.Lookup(it.GroupID); ok {
				continue
			}
		}
		out = append(out, it.GroupID)
	}
	return out
}
