package queue

import (
	"context"
	"sort"
	"sync"
	"testing"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"
)

func TestUpdateEntryMergeIsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	seedSpecialist(t, e, "7", nil)
	target := staffJoin(t, e, "7", "p-1")
	split1 := staffJoin(t, e, "7", "p-1")
	split2 := staffJoin(t, e, "7", "p-1")

	input := UpdateInput{
		EntryID:       target.EntryID,
		AggregatedIDs: []string{target.EntryID, split1.EntryID, split2.EntryID},
	}
	first, err := e.UpdateEntry(ctx, input)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	eventsAfterFirst, err := e.ListOutboxEvents(ctx, 0, 100)
	if err != nil {
		t.Fatalf("outbox: %v", err)
	}

	second, err := e.UpdateEntry(ctx, input)
	if err != nil {
		t.Fatalf("repeat update: %v", err)
	}

	want := []string{split1.EntryID, split2.EntryID}
	sort.Strings(want)
	for _, got := range []models.QueueEntry{first, second} {
		if len(got.MergedFrom) != 2 || got.MergedFrom[0] != want[0] || got.MergedFrom[1] != want[1] {
			t.Fatalf("expected merged_from %v, got %v", want, got.MergedFrom)
		}
		if got.Status != models.StatusWaiting {
			t.Fatalf("expected target to stay waiting, got %s", got.Status)
		}
	}
	for _, id := range []string{split1.EntryID, split2.EntryID} {
		entry, err := e.GetEntry(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if entry.Status != models.StatusCancelled {
			t.Fatalf("expected %s cancelled, got %s", id, entry.Status)
		}
	}

	eventsAfterSecond, err := e.ListOutboxEvents(ctx, 0, 100)
	if err != nil {
		t.Fatalf("outbox: %v", err)
	}
	if len(eventsAfterSecond) != len(eventsAfterFirst) {
		t.Fatalf("expected repeat to emit no events, got %d then %d", len(eventsAfterFirst), len(eventsAfterSecond))
	}

	live, err := e.ListEntries(ctx, store.EntryFilter{SpecialistID: "7", TargetDate: testDate, Status: models.StatusWaiting})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(live) != 1 || live[0].EntryID != target.EntryID {
		t.Fatalf("expected only the target to remain live, got %+v", live)
	}
}

func TestUpdateEntryConcurrentRetries(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	seedSpecialist(t, e, "7", nil)
	target := staffJoin(t, e, "7", "p-1")
	other := staffJoin(t, e, "7", "p-1")
	patient := "p-1-corrected"

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.UpdateEntry(context.Background(), UpdateInput{
				EntryID:       target.EntryID,
				PatientRef:    &patient,
				AggregatedIDs: []string{other.EntryID},
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("update: %v", err)
		}
	}

	events, err := e.ListEntryEvents(context.Background(), target.EntryID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 2 || events[1].Type != store.EventEntryUpdated {
		t.Fatalf("expected a single update event, got %+v", events)
	}
	got, _ := e.GetEntry(context.Background(), target.EntryID)
	if got.PatientRef != patient || len(got.MergedFrom) != 1 {
		t.Fatalf("unexpected target: %+v", got)
	}
}

func TestUpdateEntryEditsFields(t *testing.T) {
	e, _ := newTestEngine(t, Options{Prices: PriceTable{"ecg": 50000}})
	ctx := context.Background()
	seedSpecialist(t, e, "7", nil)
	entry := staffJoin(t, e, "7", "p-1")

	lines := []models.ServiceLine{{ServiceID: "ecg", Quantity: 2}}
	updated, err := e.UpdateEntry(ctx, UpdateInput{EntryID: entry.EntryID, ServiceLines: &lines})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.PatientRef != "p-1" || len(updated.ServiceLines) != 1 || updated.ServiceLines[0].Quantity != 2 {
		t.Fatalf("unexpected entry: %+v", updated)
	}
	if updated.ServiceLines[0].UnitPrice == nil || *updated.ServiceLines[0].UnitPrice != 50000 {
		t.Fatalf("expected priced line, got %+v", updated.ServiceLines[0])
	}
	if updated.SequenceNumber != entry.SequenceNumber || len(updated.MergedFrom) != 0 {
		t.Fatalf("edit must not renumber or merge: %+v", updated)
	}

	empty := ""
	_, err = e.UpdateEntry(ctx, UpdateInput{EntryID: entry.EntryID, PatientRef: &empty})
	assertKind(t, err, "invalid_request")
}

func TestUpdateEntryFailures(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	seedSpecialist(t, e, "7", nil)

	owner := staffJoin(t, e, "7", "p-1")
	owned := staffJoin(t, e, "7", "p-1")
	rival := staffJoin(t, e, "7", "p-1")
	if _, err := e.UpdateEntry(ctx, UpdateInput{EntryID: owner.EntryID, AggregatedIDs: []string{owned.EntryID}}); err != nil {
		t.Fatalf("merge: %v", err)
	}

	_, err := e.UpdateEntry(ctx, UpdateInput{EntryID: rival.EntryID, AggregatedIDs: []string{owned.EntryID}})
	assertKind(t, err, "aggregate_conflict")

	_, err = e.UpdateEntry(ctx, UpdateInput{EntryID: rival.EntryID, AggregatedIDs: []string{owner.EntryID}})
	assertKind(t, err, "aggregate_conflict")

	_, err = e.UpdateEntry(ctx, UpdateInput{EntryID: owned.EntryID})
	assertKind(t, err, "entry_terminal")

	_, err = e.UpdateEntry(ctx, UpdateInput{EntryID: rival.EntryID, AggregatedIDs: []string{"0c7a2d51-3f4e-4b6a-8c9d-5e1f2a3b4c6d"}})
	assertKind(t, err, "entry_not_found")

	_, err = e.UpdateEntry(ctx, UpdateInput{EntryID: "10", AggregatedIDs: []string{"10", "11", "12"}})
	assertKind(t, err, "entry_not_found")

	done := staffJoin(t, e, "7", "p-9")
	callNext(t, e, "7")
	if _, err := e.Cancel(ctx, ActionInput{EntryID: owner.EntryID}); err != nil {
		t.Fatalf("cancel called owner: %v", err)
	}
	if _, err := e.Skip(ctx, ActionInput{EntryID: rival.EntryID}); err != nil {
		t.Fatalf("skip rival: %v", err)
	}
	if called := callNext(t, e, "7"); called.EntryID != done.EntryID {
		t.Fatalf("expected %s called, got %s", done.EntryID, called.EntryID)
	}
	completeCurrent(t, e, "7")
	_, err = e.UpdateEntry(ctx, UpdateInput{EntryID: rival.EntryID, AggregatedIDs: []string{done.EntryID}})
	assertKind(t, err, "entry_terminal")

	// The rejected calls left the rival untouched.
	got, _ := e.GetEntry(ctx, rival.EntryID)
	if got.Status == models.StatusCancelled || len(got.MergedFrom) != 0 {
		t.Fatalf("unexpected rival state: %+v", got)
	}
}

func TestUpdateEntryAdoptsCancelledEntry(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	seedSpecialist(t, e, "7", nil)
	target := staffJoin(t, e, "7", "p-1")
	gone := staffJoin(t, e, "7", "p-1")
	if _, err := e.Cancel(ctx, ActionInput{EntryID: gone.EntryID}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	updated, err := e.UpdateEntry(ctx, UpdateInput{EntryID: target.EntryID, AggregatedIDs: []string{gone.EntryID}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(updated.MergedFrom) != 1 || updated.MergedFrom[0] != gone.EntryID {
		t.Fatalf("expected cancelled entry to be adopted, got %v", updated.MergedFrom)
	}
	events, _ := e.ListEntryEvents(ctx, gone.EntryID)
	if len(events) != 2 {
		t.Fatalf("expected no merge event for an already cancelled entry, got %d events", len(events))
	}
}
