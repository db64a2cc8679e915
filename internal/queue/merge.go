package queue

import (
	"context"
	"sort"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// UpdateInput edits one entry. Nil fields are left unchanged. AggregatedIDs
// lists every entry that stands for the same registration; all but EntryID
// are folded into it.
type UpdateInput struct {
	EntryID        string                `json:"entry_id"`
	PatientRef     *string               `json:"patient_ref,omitempty"`
	ServiceLines   *[]models.ServiceLine `json:"service_lines,omitempty"`
	AggregatedIDs  []string              `json:"aggregated_ids,omitempty"`
	IdempotencyKey string                `json:"-"`
}

// UpdateEntry applies an edit and merges the aggregated entries into the
// target. Repeating the same call leaves the state as it is and succeeds.
func (e *Engine) UpdateEntry(ctx context.Context, in UpdateInput) (entry models.QueueEntry, err error) {
	ctx, span := e.startSpan(ctx, "update_entry",
		attribute.String("queue.entry_id", in.EntryID),
		attribute.Int("queue.aggregated", len(in.AggregatedIDs)),
	)
	defer func() { endSpan(span, err) }()

	if !validID(in.EntryID) {
		return models.QueueEntry{}, store.Errorf(store.ErrEntryNotFound, "entry %s does not exist", in.EntryID)
	}
	for _, id := range in.AggregatedIDs {
		if !validID(id) {
			return models.QueueEntry{}, store.Errorf(store.ErrEntryNotFound, "aggregated entry %s does not exist", id)
		}
	}
	if in.PatientRef != nil && *in.PatientRef == "" {
		return models.QueueEntry{}, store.Errorf(store.ErrInvalidRequest, "patient_ref must not be empty")
	}
	var lines []models.ServiceLine
	if in.ServiceLines != nil {
		if err := validateLines(*in.ServiceLines); err != nil {
			return models.QueueEntry{}, err
		}
		if lines, err = e.priceLines(ctx, *in.ServiceLines); err != nil {
			return models.QueueEntry{}, err
		}
	}

	ids := normalizeIDs(in.EntryID, in.AggregatedIDs)
	specialists, err := e.specialistsOf(ctx, ids)
	if err != nil {
		return models.QueueEntry{}, err
	}
	call, err := e.idempotency(in.IdempotencyKey, "update_entry", in)
	if err != nil {
		return models.QueueEntry{}, err
	}

	var merged []string
	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		entry = models.QueueEntry{}
		merged = nil
		if ok, err := replay(ctx, tx, call, &entry); err != nil || ok {
			return err
		}
		// Merging may cancel a called entry, so it orders with dispatch.
		for _, specialistID := range specialists {
			if err := tx.LockDispatch(ctx, specialistID); err != nil {
				return err
			}
		}
		locked, err := tx.LockEntries(ctx, ids)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, ok := locked[id]; !ok {
				return store.Errorf(store.ErrEntryNotFound, "entry %s does not exist", id)
			}
		}
		target := locked[in.EntryID]
		if target.Terminal() {
			return store.Errorf(store.ErrEntryTerminal, "entry %s is %s and cannot be edited", target.EntryID, target.Status)
		}
		owners, err := tx.MergeOwners(ctx, ids)
		if err != nil {
			return err
		}

		// Check every aggregated entry before changing anything.
		for _, id := range ids {
			if id == in.EntryID {
				continue
			}
			other := locked[id]
			if owner, ok := owners[id]; ok {
				if owner != in.EntryID {
					return store.Errorf(store.ErrAggregateConflict, "entry %s is already merged into %s", id, owner)
				}
				continue
			}
			if len(other.MergedFrom) > 0 {
				return store.Errorf(store.ErrAggregateConflict, "entry %s already holds merged entries", id)
			}
			if other.Status == models.StatusCompleted {
				return store.Errorf(store.ErrEntryTerminal, "entry %s is completed and cannot be merged", id)
			}
		}

		now := e.now()
		for _, id := range ids {
			if id == in.EntryID {
				continue
			}
			if _, owned := owners[id]; owned {
				continue
			}
			other := locked[id]
			if other.Status != models.StatusCancelled {
				other.Status = models.StatusCancelled
				cancelledAt := now
				other.CancelledAt = &cancelledAt
				if err := tx.UpdateEntry(ctx, other); err != nil {
					return err
				}
				if err := e.appendEvent(ctx, tx, store.EventEntryMerged, other, "merged into "+in.EntryID); err != nil {
					return err
				}
			}
			if err := tx.AddMerge(ctx, in.EntryID, id, now); err != nil {
				return err
			}
			merged = append(merged, id)
		}

		changed := len(merged) > 0
		if in.PatientRef != nil && *in.PatientRef != target.PatientRef {
			target.PatientRef = *in.PatientRef
			changed = true
		}
		if in.ServiceLines != nil && !linesEqual(lines, target.ServiceLines) {
			target.ServiceLines = lines
			changed = true
		}
		target.MergedFrom = append(target.MergedFrom, merged...)
		sort.Strings(target.MergedFrom)
		if target.ServiceLines == nil {
			target.ServiceLines = []models.ServiceLine{}
		}

		if changed {
			if err := tx.UpdateEntry(ctx, target); err != nil {
				return err
			}
			if err := e.appendEvent(ctx, tx, store.EventEntryUpdated, target, ""); err != nil {
				return err
			}
		}
		entry = target
		return e.remember(ctx, tx, call, entry)
	})
	if err != nil {
		return models.QueueEntry{}, err
	}
	if len(merged) > 0 {
		e.logger.Info("entries merged",
			zap.String("entry_id", entry.EntryID),
			zap.Strings("merged", merged),
		)
	}
	return entry, nil
}

// specialistsOf returns the sorted distinct specialists of ids.
func (e *Engine) specialistsOf(ctx context.Context, ids []string) ([]string, error) {
	seen := map[string]bool{}
	var specialists []string
	for _, id := range ids {
		existing, err := e.store.GetEntry(ctx, id)
		if err != nil {
			return nil, err
		}
		if !seen[existing.SpecialistID] {
			seen[existing.SpecialistID] = true
			specialists = append(specialists, existing.SpecialistID)
		}
	}
	sort.Strings(specialists)
	return specialists, nil
}
