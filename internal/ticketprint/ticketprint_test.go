package ticketprint

import (
	"testing"
	"time"

	"qms/queue-engine/internal/models"
)

func price(v int64) *int64 {
	return &v
}

func sampleEntry() models.QueueEntry {
	return models.QueueEntry{
		EntryID:        "e1",
		SpecialistID:   "spec-a",
		TargetDate:     "2024-06-01",
		SequenceNumber: 7,
		PatientRef:     "p-1",
		Source:         models.SourceDesk,
		Status:         models.StatusWaiting,
		ServiceLines: []models.ServiceLine{
			{ServiceID: "consult", Quantity: 1, UnitPrice: price(150)},
			{ServiceID: "xray", Quantity: 2, UnitPrice: price(40)},
		},
		CreatedAt: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestBuildTotals(t *testing.T) {
	record := Build(sampleEntry(), models.Specialist{SpecialistID: "spec-a", Department: "cardiology"}, "")
	if record.Total == nil || *record.Total != 230 {
		t.Fatalf("expected total 230, got %v", record.Total)
	}
	if record.Lines[1].LineTotal == nil || *record.Lines[1].LineTotal != 80 {
		t.Fatalf("unexpected line total %v", record.Lines[1].LineTotal)
	}
	want := "No. 7 | cardiology | 2024-06-01 | patient p-1 | waiting | total 230"
	if record.Text != want {
		t.Fatalf("text = %q, want %q", record.Text, want)
	}
	if record.MergedFrom == nil {
		t.Fatalf("merged_from should be an empty list")
	}
}

func TestBuildUnpricedLine(t *testing.T) {
	entry := sampleEntry()
	entry.ServiceLines = append(entry.ServiceLines, models.ServiceLine{ServiceID: "lab", Quantity: 1})
	record := Build(entry, models.Specialist{}, "{services} = {total}")
	if record.Total != nil {
		t.Fatalf("expected no total with an unpriced line")
	}
	if record.Text != "consult x1, xray x2, lab x1 = -" {
		t.Fatalf("unexpected text %q", record.Text)
	}
}

func TestRenderKeepsUnknownPlaceholders(t *testing.T) {
	got := Render("{ticket_number} {counter}", Record{TicketNumber: 3})
	if got != "3 {counter}" {
		t.Fatalf("unexpected render %q", got)
	}
}
