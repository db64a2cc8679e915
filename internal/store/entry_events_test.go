package store

import (
	"testing"
	"time"

	"qms/queue-engine/internal/models"
)

func chain(t *testing.T, entries ...models.QueueEntry) []EntryEvent {
	t.Helper()
	var events []EntryEvent
	prev := ""
	createdAt := time.Date(2026, 1, 12, 8, 0, 0, 0, time.UTC)
	for i, entry := range entries {
		pending, err := NewEntryEvent(EventEntryUpdated, entry, "")
		if err != nil {
			t.Fatalf("new event: %v", err)
		}
		at := createdAt.Add(time.Duration(i) * time.Minute)
		hash := ComputeEntryEventHash(prev, entry.EntryID, pending.Type, pending.Payload, at, i+1)
		events = append(events, EntryEvent{
			EntryID:   entry.EntryID,
			EntrySeq:  i + 1,
			Type:      pending.Type,
			Payload:   pending.Payload,
			CreatedAt: at,
			PrevHash:  prev,
			Hash:      hash,
		})
		prev = hash
	}
	return events
}

func TestRehydrateEntryUsesLatestSnapshot(t *testing.T) {
	first := models.QueueEntry{EntryID: "e-1", Status: models.StatusWaiting, SequenceNumber: 4}
	second := first
	second.Status = models.StatusCalled

	events := chain(t, first, second)
	got, err := RehydrateEntry(events)
	if err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if got.Status != models.StatusCalled || got.SequenceNumber != 4 {
		t.Fatalf("unexpected entry: %+v", got)
	}
}

func TestVerifyEntryEvents(t *testing.T) {
	entry := models.QueueEntry{EntryID: "e-1", Status: models.StatusWaiting}
	events := chain(t, entry, entry, entry)
	if err := VerifyEntryEvents(events); err != nil {
		t.Fatalf("expected valid chain, got %v", err)
	}

	events[1].Payload = []byte(`{"entry":{"entry_id":"e-1","status":"completed"}}`)
	if err := VerifyEntryEvents(events); err == nil {
		t.Fatalf("expected tampered chain to fail verification")
	}
}
