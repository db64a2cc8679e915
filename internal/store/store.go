package store

import (
	"context"
	"encoding/json"
	"time"

	"qms/queue-engine/internal/models"
)

// Store is the queue entry store. Every mutation goes through WithTx so that
// a failing operation leaves no partial state behind.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	GetEntry(ctx context.Context, entryID string) (models.QueueEntry, error)
	ListEntries(ctx context.Context, filter EntryFilter) ([]models.QueueEntry, error)
	GetToken(ctx context.Context, tokenID string) (models.QueueToken, error)
	GetSpecialist(ctx context.Context, specialistID string) (models.Specialist, error)
	ListEntryEvents(ctx context.Context, entryID string) ([]EntryEvent, error)
	ListOutboxEvents(ctx context.Context, afterSeq int64, limit int) ([]OutboxEvent, error)
	ListSkippedBefore(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
}

// Tx holds the critical sections of the queue protocol. Implementations
// serialize NextSequence per (specialist, date), LockToken per token,
// LockDispatch per specialist and LockEntries per entry row.
type Tx interface {
	GetSpecialist(ctx context.Context, specialistID string) (models.Specialist, error)
	UpsertSpecialist(ctx context.Context, specialist models.Specialist) error

	InsertToken(ctx context.Context, token models.QueueToken) error
	LockToken(ctx context.Context, tokenID string) (models.QueueToken, error)
	SetTokenRedemptions(ctx context.Context, tokenID string, count int) error

	NextSequence(ctx context.Context, specialistID, targetDate string) (sequence int64, orderKey int64, err error)
	NextOrderKey(ctx context.Context, specialistID, targetDate string) (int64, error)
	CountActiveEntries(ctx context.Context, specialistID, targetDate string) (int, error)

	InsertEntry(ctx context.Context, entry models.QueueEntry) error
	LockEntries(ctx context.Context, entryIDs []string) (map[string]models.QueueEntry, error)
	UpdateEntry(ctx context.Context, entry models.QueueEntry) error

	LockDispatch(ctx context.Context, specialistID string) error
	FindCalledEntry(ctx context.Context, specialistID string) (models.QueueEntry, bool, error)
	NextWaitingEntry(ctx context.Context, specialistID, targetDate string) (models.QueueEntry, bool, error)

	MergeOwners(ctx context.Context, entryIDs []string) (map[string]string, error)
	AddMerge(ctx context.Context, ownerID, mergedID string, mergedAt time.Time) error

	GetIdempotency(ctx context.Context, key string) (IdempotencyRecord, bool, error)
	PutIdempotency(ctx context.Context, record IdempotencyRecord) error
	DeleteIdempotency(ctx context.Context, key string) error

	AppendEvent(ctx context.Context, event PendingEvent) error
}

type EntryFilter struct {
	SpecialistID string
	TargetDate   string
	Status       string
	Limit        int
}

type IdempotencyRecord struct {
	Key         string
	Operation   string
	RequestHash string
	Response    json.RawMessage
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

type OutboxEvent struct {
	Seq          int64           `json:"seq"`
	EventID      string          `json:"event_id"`
	Type         string          `json:"type"`
	SpecialistID string          `json:"specialist_id"`
	TargetDate   string          `json:"target_date"`
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    time.Time       `json:"created_at"`
}
