package queue

import (
	"context"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// StaffContext enrolls a patient directly, without a token.
type StaffContext struct {
	StaffID      string `json:"staff_id"`
	SpecialistID string `json:"specialist_id"`
	TargetDate   string `json:"target_date"`
	Source       string `json:"source,omitempty"`
}

// JoinInput carries exactly one of TokenID or Staff. SpecialistID picks the
// queue for a clinic-wide token and must match a specialist token.
type JoinInput struct {
	TokenID        string               `json:"token_id,omitempty"`
	Staff          *StaffContext        `json:"staff,omitempty"`
	SpecialistID   string               `json:"specialist_id,omitempty"`
	PatientRef     string               `json:"patient_ref"`
	ServiceLines   []models.ServiceLine `json:"service_lines"`
	IdempotencyKey string               `json:"-"`
}

// JoinQueue creates one waiting entry with the next sequence number of its
// specialist and day. Token redemption and enrollment commit together.
func (e *Engine) JoinQueue(ctx context.Context, in JoinInput) (entry models.QueueEntry, err error) {
	ctx, span := e.startSpan(ctx, "join_queue")
	defer func() { endSpan(span, err) }()

	if (in.TokenID == "") == (in.Staff == nil) {
		return models.QueueEntry{}, store.Errorf(store.ErrInvalidRequest, "exactly one of token_id or staff is required")
	}
	if in.PatientRef == "" {
		return models.QueueEntry{}, store.Errorf(store.ErrInvalidRequest, "patient_ref is required")
	}
	if err := validateLines(in.ServiceLines); err != nil {
		return models.QueueEntry{}, err
	}
	if in.Staff != nil {
		if in.Staff.SpecialistID == "" {
			return models.QueueEntry{}, store.Errorf(store.ErrInvalidRequest, "staff.specialist_id is required")
		}
		if in.SpecialistID != "" && in.SpecialistID != in.Staff.SpecialistID {
			return models.QueueEntry{}, store.Errorf(store.ErrInvalidRequest, "specialist_id does not match staff.specialist_id")
		}
		if in.Staff.Source != "" && (in.Staff.Source == models.SourceOnline || !models.ValidSource(in.Staff.Source)) {
			return models.QueueEntry{}, store.Errorf(store.ErrInvalidRequest, "staff source must be desk or morning_assignment")
		}
		if err := e.checkFutureDate(in.Staff.TargetDate); err != nil {
			return models.QueueEntry{}, err
		}
	}

	lines, err := e.priceLines(ctx, in.ServiceLines)
	if err != nil {
		return models.QueueEntry{}, err
	}
	call, err := e.idempotency(in.IdempotencyKey, "join_queue", in)
	if err != nil {
		return models.QueueEntry{}, err
	}

	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		entry = models.QueueEntry{}
		if ok, err := replay(ctx, tx, call, &entry); err != nil || ok {
			return err
		}
		draft := models.QueueEntry{PatientRef: in.PatientRef, ServiceLines: lines}
		if in.TokenID != "" {
			token, err := e.redeem(ctx, tx, in.TokenID)
			if err != nil {
				return err
			}
			switch token.Scope {
			case models.ScopeClinic:
				if in.SpecialistID == "" {
					return store.Errorf(store.ErrInvalidScope, "clinic token %s needs a specialist_id to join", token.TokenID)
				}
				draft.SpecialistID = in.SpecialistID
			default:
				if in.SpecialistID != "" && in.SpecialistID != token.SpecialistID {
					return store.Errorf(store.ErrInvalidScope, "token %s is scoped to specialist %s", token.TokenID, token.SpecialistID)
				}
				draft.SpecialistID = token.SpecialistID
			}
			if today := e.today(); token.TargetDate < today {
				return store.Errorf(store.ErrInvalidDate, "token %s is for %s which has passed", token.TokenID, token.TargetDate)
			}
			draft.TargetDate = token.TargetDate
			draft.Source = models.SourceOnline
			draft.TokenID = token.TokenID
		} else {
			draft.SpecialistID = in.Staff.SpecialistID
			draft.TargetDate = in.Staff.TargetDate
			draft.Source = in.Staff.Source
			if draft.Source == "" {
				draft.Source = models.SourceDesk
			}
		}
		created, err := e.createEntry(ctx, tx, draft)
		if err != nil {
			return err
		}
		entry = created
		return e.remember(ctx, tx, call, entry)
	})
	if err != nil {
		return models.QueueEntry{}, err
	}
	span.SetAttributes(
		attribute.String("queue.specialist_id", entry.SpecialistID),
		attribute.Int64("queue.sequence_number", entry.SequenceNumber),
	)
	e.logger.Info("entry enrolled",
		zap.String("entry_id", entry.EntryID),
		zap.String("specialist_id", entry.SpecialistID),
		zap.String("target_date", entry.TargetDate),
		zap.Int64("sequence_number", entry.SequenceNumber),
		zap.String("source", entry.Source),
	)
	return entry, nil
}

// createEntry numbers and inserts draft. The counter row is locked before the
// capacity count so concurrent joins for one day see each other.
func (e *Engine) createEntry(ctx context.Context, tx store.Tx, draft models.QueueEntry) (models.QueueEntry, error) {
	specialist, err := tx.GetSpecialist(ctx, draft.SpecialistID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	sequence, orderKey, err := tx.NextSequence(ctx, draft.SpecialistID, draft.TargetDate)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if specialist.DailyCapacity != nil {
		count, err := tx.CountActiveEntries(ctx, draft.SpecialistID, draft.TargetDate)
		if err != nil {
			return models.QueueEntry{}, err
		}
		if count >= *specialist.DailyCapacity {
			return models.QueueEntry{}, store.Errorf(store.ErrCapacityExceeded, "specialist %s is full for %s (%d entries)", draft.SpecialistID, draft.TargetDate, *specialist.DailyCapacity)
		}
	}

	entry := draft
	entry.EntryID = uuid.NewString()
	entry.SequenceNumber = sequence
	entry.OrderKey = orderKey
	entry.Status = models.StatusWaiting
	entry.CreatedAt = e.now()
	entry.MergedFrom = []string{}
	if entry.ServiceLines == nil {
		entry.ServiceLines = []models.ServiceLine{}
	}
	if err := tx.InsertEntry(ctx, entry); err != nil {
		return models.QueueEntry{}, err
	}
	if err := e.appendEvent(ctx, tx, store.EventEntryCreated, entry, ""); err != nil {
		return models.QueueEntry{}, err
	}
	return entry, nil
}
