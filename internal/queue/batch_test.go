package queue

import (
	"context"
	"testing"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"
)

func TestGroupRequests(t *testing.T) {
	groups := groupRequests([]ServiceRequest{
		{SpecialistID: "7", ServiceID: "consult", Quantity: 1},
		{SpecialistID: "8", ServiceID: "xray", Quantity: 1},
		{SpecialistID: "7", ServiceID: "consult", Quantity: 2},
		{SpecialistID: "7", ServiceID: "ecg", Quantity: 1},
	})

	if len(groups) != 2 || groups[0].SpecialistID != "7" || groups[1].SpecialistID != "8" {
		t.Fatalf("unexpected groups: %+v", groups)
	}
	lines := groups[0].Lines
	if len(lines) != 2 || lines[0].ServiceID != "consult" || lines[0].Quantity != 3 || lines[1].ServiceID != "ecg" {
		t.Fatalf("unexpected lines for specialist 7: %+v", lines)
	}
}

func TestCreateEntriesBatch(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	seedSpecialist(t, e, "7", nil)
	seedSpecialist(t, e, "8", nil)
	staffJoin(t, e, "8", "someone-else")

	result, err := e.CreateEntriesBatch(ctx, BatchInput{
		PatientRef: "p-1",
		Source:     models.SourceDesk,
		ServiceRequests: []ServiceRequest{
			{SpecialistID: "7", ServiceID: "consult", Quantity: 1},
			{SpecialistID: "8", ServiceID: "xray", Quantity: 1},
			{SpecialistID: "7", ServiceID: "ecg", Quantity: 1},
		},
	})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if result.Message != "created 2 queue entries" || len(result.Entries) != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Entries[0].SpecialistID != "7" || len(result.Entries[0].ServiceLines) != 2 || result.Entries[0].SequenceNumber != 1 {
		t.Fatalf("unexpected first entry: %+v", result.Entries[0])
	}
	if result.Entries[1].SpecialistID != "8" || result.Entries[1].SequenceNumber != 2 {
		t.Fatalf("unexpected second entry: %+v", result.Entries[1])
	}
	if result.Entries[0].TargetDate != testDate {
		t.Fatalf("expected batch to default to today, got %s", result.Entries[0].TargetDate)
	}
}

func TestCreateEntriesBatchAllOrNothing(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	seedSpecialist(t, e, "7", nil)
	seedSpecialist(t, e, "8", intPtr(0))

	_, err := e.CreateEntriesBatch(ctx, BatchInput{
		PatientRef: "p-1",
		Source:     models.SourceDesk,
		TargetDate: testDate,
		ServiceRequests: []ServiceRequest{
			{SpecialistID: "7", ServiceID: "consult", Quantity: 1},
			{SpecialistID: "8", ServiceID: "xray", Quantity: 1},
		},
	})
	assertKind(t, err, "capacity_exceeded")

	entries, err := e.ListEntries(ctx, store.EntryFilter{SpecialistID: "7", TargetDate: testDate})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries to persist, got %d", len(entries))
	}
	outbox, err := e.ListOutboxEvents(ctx, 0, 10)
	if err != nil {
		t.Fatalf("outbox: %v", err)
	}
	if len(outbox) != 0 {
		t.Fatalf("expected no events, got %d", len(outbox))
	}

	// The rolled back batch does not burn sequence numbers.
	if entry := staffJoin(t, e, "7", "p-2"); entry.SequenceNumber != 1 {
		t.Fatalf("expected sequence 1, got %d", entry.SequenceNumber)
	}

	_, err = e.CreateEntriesBatch(ctx, BatchInput{
		PatientRef:      "p-1",
		Source:          models.SourceDesk,
		ServiceRequests: []ServiceRequest{{SpecialistID: "7", ServiceID: "consult", Quantity: 1}, {SpecialistID: "404", ServiceID: "x", Quantity: 1}},
	})
	assertKind(t, err, "specialist_not_found")
	entries, _ = e.ListEntries(ctx, store.EntryFilter{SpecialistID: "7", TargetDate: testDate})
	if len(entries) != 1 {
		t.Fatalf("expected only the earlier join, got %d entries", len(entries))
	}
}

func TestCreateEntriesBatchRetryWithinWindow(t *testing.T) {
	e, clock := newTestEngine(t, Options{BatchDedupWindow: 5 * time.Minute})
	ctx := context.Background()
	seedSpecialist(t, e, "7", nil)
	input := BatchInput{
		PatientRef:      "p-1",
		Source:          models.SourceDesk,
		ServiceRequests: []ServiceRequest{{SpecialistID: "7", ServiceID: "consult", Quantity: 1}},
	}

	first, err := e.CreateEntriesBatch(ctx, input)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	clock.Advance(time.Minute)
	retry, err := e.CreateEntriesBatch(ctx, input)
	if err != nil {
		t.Fatalf("retry batch: %v", err)
	}
	if retry.Entries[0].EntryID != first.Entries[0].EntryID {
		t.Fatalf("expected retry to return entry %s, got %s", first.Entries[0].EntryID, retry.Entries[0].EntryID)
	}

	clock.Advance(10 * time.Minute)
	later, err := e.CreateEntriesBatch(ctx, input)
	if err != nil {
		t.Fatalf("later batch: %v", err)
	}
	if later.Entries[0].EntryID == first.Entries[0].EntryID || later.Entries[0].SequenceNumber != 2 {
		t.Fatalf("expected a new entry after the dedup window, got %+v", later.Entries[0])
	}
}

func TestCreateEntriesBatchResubmitAfterCancel(t *testing.T) {
	e, clock := newTestEngine(t, Options{BatchDedupWindow: 5 * time.Minute})
	ctx := context.Background()
	seedSpecialist(t, e, "7", nil)
	input := BatchInput{
		PatientRef:      "p-1",
		Source:          models.SourceDesk,
		ServiceRequests: []ServiceRequest{{SpecialistID: "7", ServiceID: "consult", Quantity: 1}},
	}

	first, err := e.CreateEntriesBatch(ctx, input)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if _, err := e.Cancel(ctx, ActionInput{EntryID: first.Entries[0].EntryID, Reason: "wrong specialist"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	clock.Advance(time.Minute)
	again, err := e.CreateEntriesBatch(ctx, input)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	fresh := again.Entries[0]
	if fresh.EntryID == first.Entries[0].EntryID || fresh.Status != models.StatusWaiting || fresh.SequenceNumber != 2 {
		t.Fatalf("expected a new waiting entry, got %+v", fresh)
	}
	stored, err := e.GetEntry(ctx, fresh.EntryID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != models.StatusWaiting {
		t.Fatalf("expected stored entry to be waiting, got %s", stored.Status)
	}

	// The new entry is now the one a quick retry returns.
	clock.Advance(time.Minute)
	retry, err := e.CreateEntriesBatch(ctx, input)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retry.Entries[0].EntryID != fresh.EntryID {
		t.Fatalf("expected retry to return %s, got %s", fresh.EntryID, retry.Entries[0].EntryID)
	}
}

func TestCreateEntriesBatchRetryReturnsCurrentStatus(t *testing.T) {
	e, _ := newTestEngine(t, Options{BatchDedupWindow: 5 * time.Minute})
	ctx := context.Background()
	seedSpecialist(t, e, "7", nil)
	input := BatchInput{
		PatientRef:      "p-1",
		Source:          models.SourceDesk,
		ServiceRequests: []ServiceRequest{{SpecialistID: "7", ServiceID: "consult", Quantity: 1}},
	}

	first, err := e.CreateEntriesBatch(ctx, input)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if _, err := e.CallNext(ctx, CallNextInput{SpecialistID: "7", TargetDate: testDate}); err != nil {
		t.Fatalf("call next: %v", err)
	}
	retry, err := e.CreateEntriesBatch(ctx, input)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retry.Entries[0].EntryID != first.Entries[0].EntryID || retry.Entries[0].Status != models.StatusCalled {
		t.Fatalf("expected the called entry back, got %+v", retry.Entries[0])
	}
}

func TestCreateEntriesBatchValidation(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	request := []ServiceRequest{{SpecialistID: "7", ServiceID: "consult", Quantity: 1}}
	negativePrice := int64(-1)

	tests := []struct {
		name  string
		input BatchInput
		kind  string
	}{
		{"missing patient", BatchInput{Source: models.SourceDesk, ServiceRequests: request}, "invalid_request"},
		{"bad source", BatchInput{PatientRef: "p", Source: "fax", ServiceRequests: request}, "invalid_request"},
		{"empty requests", BatchInput{PatientRef: "p", Source: models.SourceDesk}, "invalid_request"},
		{"missing service", BatchInput{PatientRef: "p", Source: models.SourceDesk, ServiceRequests: []ServiceRequest{{SpecialistID: "7", Quantity: 1}}}, "invalid_request"},
		{"past date", BatchInput{PatientRef: "p", Source: models.SourceDesk, TargetDate: "2023-01-01", ServiceRequests: request}, "invalid_date"},
		{"quantity over bound", BatchInput{PatientRef: "p", Source: models.SourceDesk, ServiceRequests: []ServiceRequest{{SpecialistID: "7", ServiceID: "consult", Quantity: models.MaxQuantity + 1}}}, "invalid_request"},
		{"combined quantity over bound", BatchInput{PatientRef: "p", Source: models.SourceDesk, ServiceRequests: []ServiceRequest{
			{SpecialistID: "7", ServiceID: "consult", Quantity: models.MaxQuantity},
			{SpecialistID: "7", ServiceID: "consult", Quantity: 1},
		}}, "invalid_request"},
		{"negative price", BatchInput{PatientRef: "p", Source: models.SourceDesk, ServiceRequests: []ServiceRequest{{SpecialistID: "7", ServiceID: "consult", Quantity: 1, UnitPrice: &negativePrice}}}, "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.CreateEntriesBatch(context.Background(), tt.input)
			assertKind(t, err, tt.kind)
		})
	}
}
