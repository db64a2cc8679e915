package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"qms/queue-engine/internal/models"
)

const (
	EventEntryCreated   = "entry.created"
	EventEntryCalled    = "entry.called"
	EventEntryCompleted = "entry.completed"
	EventEntrySkipped   = "entry.skipped"
	EventEntryRequeued  = "entry.requeued"
	EventEntryCancelled = "entry.cancelled"
	EventEntryUpdated   = "entry.updated"
	EventEntryMerged    = "entry.merged"
)

type EntryEvent struct {
	EntryID   string          `json:"entry_id"`
	EntrySeq  int             `json:"entry_seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

// PendingEvent is an event not yet appended to the entry chain and outbox.
type PendingEvent struct {
	EntryID      string
	SpecialistID string
	TargetDate   string
	Type         string
	Payload      json.RawMessage
}

type eventPayload struct {
	Entry  models.QueueEntry `json:"entry"`
	Reason string            `json:"reason,omitempty"`
}

func NewEntryEvent(eventType string, entry models.QueueEntry, reason string) (PendingEvent, error) {
	payload, err := json.Marshal(eventPayload{Entry: entry, Reason: reason})
	if err != nil {
		return PendingEvent{}, err
	}
	return PendingEvent{
		EntryID:      entry.EntryID,
		SpecialistID: entry.SpecialistID,
		TargetDate:   entry.TargetDate,
		Type:         eventType,
		Payload:      payload,
	}, nil
}

func ComputeEntryEventHash(prevHash, entryID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, entryID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// VerifyEntryEvents checks that events form an unbroken hash chain.
func VerifyEntryEvents(events []EntryEvent) error {
	prev := ""
	for i, event := range events {
		if event.EntrySeq != i+1 {
			return fmt.Errorf("event %d has sequence %d", i+1, event.EntrySeq)
		}
		if event.PrevHash != prev {
			return fmt.Errorf("event %d does not link to previous hash", event.EntrySeq)
		}
		want := ComputeEntryEventHash(event.PrevHash, event.EntryID, event.Type, event.Payload, event.CreatedAt, event.EntrySeq)
		if want != event.Hash {
			return fmt.Errorf("event %d hash mismatch", event.EntrySeq)
		}
		prev = event.Hash
	}
	return nil
}

// RehydrateEntry rebuilds the latest entry snapshot from its event chain.
func RehydrateEntry(events []EntryEvent) (models.QueueEntry, error) {
	var entry models.QueueEntry
	for _, event := range events {
		if len(event.Payload) == 0 {
			continue
		}
		var payload eventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return models.QueueEntry{}, err
		}
		if payload.Entry.EntryID != "" {
			entry = payload.Entry
		}
	}
	return entry, nil
}
