package queue

import (
	"context"
	"fmt"
	"sort"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type ServiceRequest struct {
	SpecialistID string `json:"specialist_id"`
	ServiceID    string `json:"service_id"`
	Quantity     int    `json:"quantity"`
	UnitPrice    *int64 `json:"unit_price,omitempty"`
}

type BatchInput struct {
	PatientRef      string           `json:"patient_ref"`
	Source          string           `json:"source"`
	TargetDate      string           `json:"target_date,omitempty"`
	ServiceRequests []ServiceRequest `json:"service_requests"`
	IdempotencyKey  string           `json:"-"`
}

type BatchResult struct {
	Entries []models.QueueEntry `json:"entries"`
	Message string              `json:"message"`
}

type specialistGroup struct {
	SpecialistID string               `json:"specialist_id"`
	Lines        []models.ServiceLine `json:"lines"`
}

// groupRequests folds requests into one group per specialist in order of
// first appearance, summing repeated services within a group.
func groupRequests(requests []ServiceRequest) []specialistGroup {
	var groups []specialistGroup
	index := map[string]int{}
	for _, req := range requests {
		gi, ok := index[req.SpecialistID]
		if !ok {
			gi = len(groups)
			index[req.SpecialistID] = gi
			groups = append(groups, specialistGroup{SpecialistID: req.SpecialistID})
		}
		group := &groups[gi]
		merged := false
		for li := range group.Lines {
			if group.Lines[li].ServiceID == req.ServiceID {
				group.Lines[li].Quantity += req.Quantity
				if group.Lines[li].UnitPrice == nil {
					group.Lines[li].UnitPrice = req.UnitPrice
				}
				merged = true
				break
			}
		}
		if !merged {
			group.Lines = append(group.Lines, models.ServiceLine{
				ServiceID: req.ServiceID,
				Quantity:  req.Quantity,
				UnitPrice: req.UnitPrice,
			})
		}
	}
	return groups
}

// CreateEntriesBatch enrolls one patient with every requested specialist.
// Either all entries are created or none are.
func (e *Engine) CreateEntriesBatch(ctx context.Context, in BatchInput) (result BatchResult, err error) {
	ctx, span := e.startSpan(ctx, "create_entries_batch", attribute.Int("queue.requests", len(in.ServiceRequests)))
	defer func() { endSpan(span, err) }()

	if in.PatientRef == "" {
		return BatchResult{}, store.Errorf(store.ErrInvalidRequest, "patient_ref is required")
	}
	if !models.ValidSource(in.Source) {
		return BatchResult{}, store.Errorf(store.ErrInvalidRequest, "unknown source %q", in.Source)
	}
	if len(in.ServiceRequests) == 0 {
		return BatchResult{}, store.Errorf(store.ErrInvalidRequest, "service_requests must not be empty")
	}
	for i, req := range in.ServiceRequests {
		if req.SpecialistID == "" {
			return BatchResult{}, store.Errorf(store.ErrInvalidRequest, "service_requests[%d].specialist_id is required", i)
		}
		if req.ServiceID == "" {
			return BatchResult{}, store.Errorf(store.ErrInvalidRequest, "service_requests[%d].service_id is required", i)
		}
		field := fmt.Sprintf("service_requests[%d]", i)
		if err := checkQuantity(field, req.Quantity); err != nil {
			return BatchResult{}, err
		}
		if err := checkUnitPrice(field, req.UnitPrice); err != nil {
			return BatchResult{}, err
		}
	}
	targetDate := in.TargetDate
	if targetDate == "" {
		targetDate = e.today()
	}
	if err := e.checkFutureDate(targetDate); err != nil {
		return BatchResult{}, err
	}

	groups := groupRequests(in.ServiceRequests)
	for _, group := range groups {
		if len(group.Lines) > models.MaxServiceLines {
			return BatchResult{}, store.Errorf(store.ErrInvalidRequest, "specialist %s has more than %d services", group.SpecialistID, models.MaxServiceLines)
		}
		for _, line := range group.Lines {
			if line.Quantity > models.MaxQuantity {
				return BatchResult{}, store.Errorf(store.ErrInvalidRequest, "combined quantity of %s for specialist %s must be at most %d", line.ServiceID, group.SpecialistID, models.MaxQuantity)
			}
		}
	}
	for i := range groups {
		if groups[i].Lines, err = e.priceLines(ctx, groups[i].Lines); err != nil {
			return BatchResult{}, err
		}
	}

	call, err := e.batchCall(in, targetDate, groups)
	if err != nil {
		return BatchResult{}, err
	}

	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		result = BatchResult{}
		ok, err := replay(ctx, tx, call, &result)
		if err != nil {
			return err
		}
		if ok {
			if !call.derived {
				return nil
			}
			current, err := currentEntries(ctx, tx, result.Entries)
			if err != nil {
				return err
			}
			if current != nil {
				result.Entries = current
				return nil
			}
			// A replayed entry has ended since; enroll again.
			if err := tx.DeleteIdempotency(ctx, call.key); err != nil {
				return err
			}
			result = BatchResult{}
		}
		entries := make([]models.QueueEntry, 0, len(groups))
		for _, group := range groups {
			entry, err := e.createEntry(ctx, tx, models.QueueEntry{
				SpecialistID: group.SpecialistID,
				TargetDate:   targetDate,
				PatientRef:   in.PatientRef,
				Source:       in.Source,
				ServiceLines: group.Lines,
			})
			if err != nil {
				return fmt.Errorf("specialist %s: %w", group.SpecialistID, err)
			}
			entries = append(entries, entry)
		}
		result = BatchResult{Entries: entries, Message: batchMessage(len(entries))}
		return e.remember(ctx, tx, call, result)
	})
	if err != nil {
		return BatchResult{}, err
	}
	e.logger.Info("batch enrolled",
		zap.String("patient_ref", in.PatientRef),
		zap.String("target_date", targetDate),
		zap.Int("entries", len(result.Entries)),
	)
	return result, nil
}

// batchCall uses the caller's key when given. Otherwise identical batches
// inside the dedup window share a key derived from the grouped payload.
func (e *Engine) batchCall(in BatchInput, targetDate string, groups []specialistGroup) (*idempotentCall, error) {
	canonical := struct {
		PatientRef string            `json:"patient_ref"`
		Source     string            `json:"source"`
		TargetDate string            `json:"target_date"`
		Groups     []specialistGroup `json:"groups"`
	}{in.PatientRef, in.Source, targetDate, groups}

	if in.IdempotencyKey != "" {
		return e.idempotency(in.IdempotencyKey, "create_entries_batch", canonical)
	}
	if e.batchDedupWindow <= 0 {
		return nil, nil
	}
	hash, err := fingerprint(canonical)
	if err != nil {
		return nil, err
	}
	return &idempotentCall{
		key:       "batch:" + hash,
		operation: "create_entries_batch",
		hash:      hash,
		ttl:       e.batchDedupWindow,
		derived:   true,
	}, nil
}

// currentEntries re-reads previously created entries. It returns nil when
// any of them is gone or has reached a terminal status.
func currentEntries(ctx context.Context, tx store.Tx, entries []models.QueueEntry) ([]models.QueueEntry, error) {
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.EntryID)
	}
	sort.Strings(ids)
	locked, err := tx.LockEntries(ctx, ids)
	if err != nil {
		return nil, err
	}
	current := make([]models.QueueEntry, 0, len(entries))
	for _, entry := range entries {
		latest, ok := locked[entry.EntryID]
		if !ok || latest.Terminal() {
			return nil, nil
		}
		current = append(current, latest)
	}
	return current, nil
}

func batchMessage(n int) string {
	if n == 1 {
		return "created 1 queue entry"
	}
	return fmt.Sprintf("created %d queue entries", n)
}
