package domain

import "time"

type Role string

const (
	RoleOwner   Role = "owner"
	RoleSubject Role = "subject"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered, StatusFailed:
		return 2
	default:
		return -1
	}
}

// CanTransition reports whether moving from s to next keeps status monotonic:
// pending -> sent -> delivered, or pending -> failed.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusSent || next == StatusFailed || next == StatusDelivered
	case StatusSent:
		return next == StatusDelivered
	default:
		return false
	}
}

// Succeeded reports whether the provider accepted the message.
func (s Status) Succeeded() bool { return s == StatusSent || s == StatusDelivered }

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s.rank() == 2 }

// Occurrence records one delivery attempt to one recipient for one firing.
// (FiringID, Recipient) is unique; retries update the same row.
type Occurrence struct {
	ID         string    `json:"id"`
	FiringID   string    `json:"firing_id"`
	OwnerID    string    `json:"owner_id"`
	SubjectID  string    `json:"subject_id"`
	Recipient  string    `json:"recipient"`
	Role       Role      `json:"role"`
	Body       string    `json:"body"`
	ItemCount  int       `json:"item_count"`
	Status     Status    `json:"status"`
	ProviderID string    `json:"provider_id,omitempty"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
