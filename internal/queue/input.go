package queue

import (
	"context"
	"fmt"
	"sort"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"github.com/google/uuid"
)

const dateLayout = "2006-01-02"

func parseDate(value string) (time.Time, error) {
	date, err := time.Parse(dateLayout, value)
	if err != nil || date.Format(dateLayout) != value {
		return time.Time{}, store.Errorf(store.ErrInvalidDate, "target_date %q is not a YYYY-MM-DD date", value)
	}
	return date, nil
}

func (e *Engine) today() string {
	return e.now().In(e.loc).Format(dateLayout)
}

// checkFutureDate rejects malformed dates and days that already ended in the
// clinic time zone.
func (e *Engine) checkFutureDate(value string) error {
	if _, err := parseDate(value); err != nil {
		return err
	}
	if today := e.today(); value < today {
		return store.Errorf(store.ErrInvalidDate, "target_date %s is before %s", value, today)
	}
	return nil
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func validateLines(lines []models.ServiceLine) error {
	if len(lines) > models.MaxServiceLines {
		return store.Errorf(store.ErrInvalidRequest, "service_lines must have at most %d items", models.MaxServiceLines)
	}
	for i, line := range lines {
		if line.ServiceID == "" {
			return store.Errorf(store.ErrInvalidRequest, "service_lines[%d].service_id is required", i)
		}
		if err := checkQuantity(fmt.Sprintf("service_lines[%d]", i), line.Quantity); err != nil {
			return err
		}
		if err := checkUnitPrice(fmt.Sprintf("service_lines[%d]", i), line.UnitPrice); err != nil {
			return err
		}
	}
	return nil
}

func checkQuantity(field string, quantity int) error {
	if quantity < 1 {
		return store.Errorf(store.ErrInvalidRequest, "%s.quantity must be at least 1", field)
	}
	if quantity > models.MaxQuantity {
		return store.Errorf(store.ErrInvalidRequest, "%s.quantity must be at most %d", field, models.MaxQuantity)
	}
	return nil
}

func checkUnitPrice(field string, price *int64) error {
	if price == nil {
		return nil
	}
	if *price < 0 {
		return store.Errorf(store.ErrInvalidRequest, "%s.unit_price must not be negative", field)
	}
	if *price > models.MaxUnitPrice {
		return store.Errorf(store.ErrInvalidRequest, "%s.unit_price must be at most %d", field, models.MaxUnitPrice)
	}
	return nil
}

// priceLines returns a copy of lines with unknown unit prices filled in from
// the price resolver, when one is configured.
func (e *Engine) priceLines(ctx context.Context, lines []models.ServiceLine) ([]models.ServiceLine, error) {
	priced := make([]models.ServiceLine, len(lines))
	copy(priced, lines)
	if e.prices == nil {
		return priced, nil
	}
	for i := range priced {
		if priced[i].UnitPrice != nil {
			continue
		}
		price, ok, err := e.prices.UnitPrice(ctx, priced[i].ServiceID)
		if err != nil {
			return nil, err
		}
		if ok {
			p := price
			priced[i].UnitPrice = &p
		}
	}
	return priced, nil
}

func linesEqual(a, b []models.ServiceLine) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ServiceID != b[i].ServiceID || a[i].Quantity != b[i].Quantity {
			return false
		}
		if (a[i].UnitPrice == nil) != (b[i].UnitPrice == nil) {
			return false
		}
		if a[i].UnitPrice != nil && *a[i].UnitPrice != *b[i].UnitPrice {
			return false
		}
	}
	return true
}

// normalizeIDs returns ids plus entryID, deduplicated and sorted.
func normalizeIDs(entryID string, ids []string) []string {
	seen := map[string]bool{entryID: true}
	out := []string{entryID}
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
