package models

import "time"

// Bounds on service lines. They keep ticket totals within int64.
const (
	MaxQuantity     = 10000
	MaxUnitPrice    = 1_000_000_000
	MaxServiceLines = 100
)

type ServiceLine struct {
	ServiceID string `json:"service_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice *int64 `json:"unit_price,omitempty"`
}

type QueueEntry struct {
	EntryID        string        `json:"entry_id"`
	SpecialistID   string        `json:"specialist_id"`
	TargetDate     string        `json:"target_date"`
	SequenceNumber int64         `json:"sequence_number"`
	OrderKey       int64         `json:"order_key"`
	PatientRef     string        `json:"patient_ref"`
	Source         string        `json:"source"`
	Status         string        `json:"status"`
	ServiceLines   []ServiceLine `json:"service_lines"`
	MergedFrom     []string      `json:"merged_from"`
	TokenID        string        `json:"token_id,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	CalledAt       *time.Time    `json:"called_at,omitempty"`
	SkippedAt      *time.Time    `json:"skipped_at,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	CancelledAt    *time.Time    `json:"cancelled_at,omitempty"`
}

func (e QueueEntry) Terminal() bool {
	return IsTerminal(e.Status)
}

const (
	StatusWaiting   = "waiting"
	StatusCalled    = "called"
	StatusSkipped   = "skipped"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

const (
	SourceOnline            = "online"
	SourceDesk              = "desk"
	SourceMorningAssignment = "morning_assignment"
)

func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusCancelled
}

func ValidSource(source string) bool {
	switch source {
	case SourceOnline, SourceDesk, SourceMorningAssignment:
		return true
	default:
		return false
	}
}
