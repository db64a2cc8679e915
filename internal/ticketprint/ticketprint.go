// Package ticketprint builds the finalized ticket description handed to the
// printing collaborator.
package ticketprint

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"qms/queue-engine/internal/models"
)

const DefaultTemplate = "No. {ticket_number} | {department} | {target_date} | patient {patient_ref} | {status} | total {total}"

type Line struct {
	ServiceID string `json:"service_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice *int64 `json:"unit_price,omitempty"`
	LineTotal *int64 `json:"line_total,omitempty"`
}

// Record is a self-contained snapshot of one queue entry. Total is nil when
// any line has no known unit price.
type Record struct {
	EntryID      string    `json:"entry_id"`
	TicketNumber int64     `json:"ticket_number"`
	SpecialistID string    `json:"specialist_id"`
	Department   string    `json:"department"`
	TargetDate   string    `json:"target_date"`
	PatientRef   string    `json:"patient_ref"`
	Source       string    `json:"source"`
	Status       string    `json:"status"`
	Lines        []Line    `json:"lines"`
	Total        *int64    `json:"total,omitempty"`
	MergedFrom   []string  `json:"merged_from"`
	IssuedAt     time.Time `json:"issued_at"`
	Text         string    `json:"text"`
}

func Build(entry models.QueueEntry, specialist models.Specialist, template string) Record {
	record := Record{
		EntryID:      entry.EntryID,
		TicketNumber: entry.SequenceNumber,
		SpecialistID: entry.SpecialistID,
		Department:   specialist.Department,
		TargetDate:   entry.TargetDate,
		PatientRef:   entry.PatientRef,
		Source:       entry.Source,
		Status:       entry.Status,
		Lines:        make([]Line, 0, len(entry.ServiceLines)),
		MergedFrom:   entry.MergedFrom,
		IssuedAt:     entry.CreatedAt,
	}
	if record.MergedFrom == nil {
		record.MergedFrom = []string{}
	}

	var total int64
	priced := true
	for _, line := range entry.ServiceLines {
		out := Line{ServiceID: line.ServiceID, Quantity: line.Quantity, UnitPrice: line.UnitPrice}
		if line.UnitPrice != nil {
			lineTotal := *line.UnitPrice * int64(line.Quantity)
			out.LineTotal = &lineTotal
			total += lineTotal
		} else {
			priced = false
		}
		record.Lines = append(record.Lines, out)
	}
	if priced {
		record.Total = &total
	}

	if template == "" {
		template = DefaultTemplate
	}
	record.Text = Render(template, record)
	return record
}

// Render substitutes {placeholder} variables. Unknown placeholders are left
// as written.
func Render(template string, record Record) string {
	total := "-"
	if record.Total != nil {
		total = strconv.FormatInt(*record.Total, 10)
	}
	services := make([]string, 0, len(record.Lines))
	for _, line := range record.Lines {
		services = append(services, fmt.Sprintf("%s x%d", line.ServiceID, line.Quantity))
	}
	replacer := strings.NewReplacer(
		"{ticket_number}", strconv.FormatInt(record.TicketNumber, 10),
		"{entry_id}", record.EntryID,
		"{specialist_id}", record.SpecialistID,
		"{department}", record.Department,
		"{target_date}", record.TargetDate,
		"{patient_ref}", record.PatientRef,
		"{source}", record.Source,
		"{status}", record.Status,
		"{services}", strings.Join(services, ", "),
		"{total}", total,
	)
	return replacer.Replace(template)
}
