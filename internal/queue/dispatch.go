package queue

import (
	"context"
	"errors"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var actionEvents = map[string]string{
	store.ActionCallNext: store.EventEntryCalled,
	store.ActionComplete: store.EventEntryCompleted,
	store.ActionSkip:     store.EventEntrySkipped,
	store.ActionRequeue:  store.EventEntryRequeued,
	store.ActionCancel:   store.EventEntryCancelled,
}

type CallNextInput struct {
	SpecialistID   string `json:"specialist_id"`
	TargetDate     string `json:"target_date"`
	IdempotencyKey string `json:"-"`
}

// CallNext marks the first waiting entry of the specialist's day as called.
// While another entry of the specialist is still called, the configured call
// policy either returns that entry again or fails with call in progress.
func (e *Engine) CallNext(ctx context.Context, in CallNextInput) (entry models.QueueEntry, err error) {
	ctx, span := e.startSpan(ctx, "call_next",
		attribute.String("queue.specialist_id", in.SpecialistID),
		attribute.String("queue.target_date", in.TargetDate),
	)
	defer func() { endSpan(span, err) }()

	if in.SpecialistID == "" {
		return models.QueueEntry{}, store.Errorf(store.ErrInvalidRequest, "specialist_id is required")
	}
	if _, err := parseDate(in.TargetDate); err != nil {
		return models.QueueEntry{}, err
	}
	call, err := e.idempotency(in.IdempotencyKey, "call_next", in)
	if err != nil {
		return models.QueueEntry{}, err
	}

	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		entry = models.QueueEntry{}
		if ok, err := replay(ctx, tx, call, &entry); err != nil || ok {
			return err
		}
		if _, err := tx.GetSpecialist(ctx, in.SpecialistID); err != nil {
			return err
		}
		if err := tx.LockDispatch(ctx, in.SpecialistID); err != nil {
			return err
		}
		current, found, err := tx.FindCalledEntry(ctx, in.SpecialistID)
		if err != nil {
			return err
		}
		if found {
			if e.callPolicy == CallPolicyReject {
				return store.Errorf(store.ErrCallInProgress, "entry %s (#%d) is still called for specialist %s", current.EntryID, current.SequenceNumber, in.SpecialistID)
			}
			entry = current
			return e.remember(ctx, tx, call, entry)
		}
		next, found, err := tx.NextWaitingEntry(ctx, in.SpecialistID, in.TargetDate)
		if err != nil {
			return err
		}
		if !found {
			return store.Errorf(store.ErrNoneWaiting, "no entry is waiting for specialist %s on %s", in.SpecialistID, in.TargetDate)
		}
		if err := e.transition(ctx, tx, &next, store.ActionCallNext, ""); err != nil {
			return err
		}
		entry = next
		return e.remember(ctx, tx, call, entry)
	})
	if err != nil {
		return models.QueueEntry{}, err
	}
	e.logger.Info("entry called",
		zap.String("entry_id", entry.EntryID),
		zap.String("specialist_id", entry.SpecialistID),
		zap.Int64("sequence_number", entry.SequenceNumber),
	)
	return entry, nil
}

type CompleteCurrentInput struct {
	SpecialistID   string `json:"specialist_id"`
	IdempotencyKey string `json:"-"`
}

// CompleteCurrent completes the specialist's called entry.
func (e *Engine) CompleteCurrent(ctx context.Context, in CompleteCurrentInput) (entry models.QueueEntry, err error) {
	ctx, span := e.startSpan(ctx, "complete_current", attribute.String("queue.specialist_id", in.SpecialistID))
	defer func() { endSpan(span, err) }()

	if in.SpecialistID == "" {
		return models.QueueEntry{}, store.Errorf(store.ErrInvalidRequest, "specialist_id is required")
	}
	call, err := e.idempotency(in.IdempotencyKey, "complete_current", in)
	if err != nil {
		return models.QueueEntry{}, err
	}

	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		entry = models.QueueEntry{}
		if ok, err := replay(ctx, tx, call, &entry); err != nil || ok {
			return err
		}
		if err := tx.LockDispatch(ctx, in.SpecialistID); err != nil {
			return err
		}
		current, found, err := tx.FindCalledEntry(ctx, in.SpecialistID)
		if err != nil {
			return err
		}
		if !found {
			return store.Errorf(store.ErrNoneCalled, "specialist %s has no called entry", in.SpecialistID)
		}
		if err := e.transition(ctx, tx, &current, store.ActionComplete, ""); err != nil {
			return err
		}
		entry = current
		return e.remember(ctx, tx, call, entry)
	})
	if err != nil {
		return models.QueueEntry{}, err
	}
	return entry, nil
}

// ActionInput names one entry and an optional free-text reason that is kept
// in the audit event.
type ActionInput struct {
	EntryID        string `json:"entry_id"`
	Reason         string `json:"reason,omitempty"`
	IdempotencyKey string `json:"-"`
}

func (e *Engine) Complete(ctx context.Context, in ActionInput) (models.QueueEntry, error) {
	return e.applyAction(ctx, store.ActionComplete, in)
}

// Skip moves a waiting or called entry aside. Under the requeue skip policy
// the entry goes straight back to the end of the line.
func (e *Engine) Skip(ctx context.Context, in ActionInput) (models.QueueEntry, error) {
	return e.applyAction(ctx, store.ActionSkip, in)
}

// Requeue returns a skipped entry to waiting behind everyone currently
// queued. Its sequence number is unchanged.
func (e *Engine) Requeue(ctx context.Context, in ActionInput) (models.QueueEntry, error) {
	return e.applyAction(ctx, store.ActionRequeue, in)
}

func (e *Engine) Cancel(ctx context.Context, in ActionInput) (models.QueueEntry, error) {
	return e.applyAction(ctx, store.ActionCancel, in)
}

func (e *Engine) applyAction(ctx context.Context, action string, in ActionInput) (entry models.QueueEntry, err error) {
	ctx, span := e.startSpan(ctx, action,
		attribute.String("queue.entry_id", in.EntryID),
	)
	defer func() { endSpan(span, err) }()

	// The specialist never changes, so it is safe to read it before taking
	// the dispatch lock that orders this action with CallNext.
	existing, err := e.GetEntry(ctx, in.EntryID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	call, err := e.idempotency(in.IdempotencyKey, action, in)
	if err != nil {
		return models.QueueEntry{}, err
	}

	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		entry = models.QueueEntry{}
		if ok, err := replay(ctx, tx, call, &entry); err != nil || ok {
			return err
		}
		if err := tx.LockDispatch(ctx, existing.SpecialistID); err != nil {
			return err
		}
		locked, err := tx.LockEntries(ctx, []string{in.EntryID})
		if err != nil {
			return err
		}
		current, ok := locked[in.EntryID]
		if !ok {
			return store.Errorf(store.ErrEntryNotFound, "entry %s does not exist", in.EntryID)
		}
		if err := e.transition(ctx, tx, &current, action, in.Reason); err != nil {
			return err
		}
		if action == store.ActionSkip && e.skipPolicy == SkipPolicyRequeue {
			if err := e.transition(ctx, tx, &current, store.ActionRequeue, "skip policy"); err != nil {
				return err
			}
		}
		entry = current
		return e.remember(ctx, tx, call, entry)
	})
	if err != nil {
		return models.QueueEntry{}, err
	}
	return entry, nil
}

// transition applies action to a locked entry and appends its audit event.
func (e *Engine) transition(ctx context.Context, tx store.Tx, entry *models.QueueEntry, action, reason string) error {
	if entry.Terminal() {
		return store.Errorf(store.ErrTerminalState, "entry %s is already %s", entry.EntryID, entry.Status)
	}
	to, ok := store.NextStatus(action, entry.Status)
	if !ok {
		return store.Errorf(store.ErrInvalidTransition, "cannot %s entry %s while it is %s", action, entry.EntryID, entry.Status)
	}
	now := e.now()
	switch to {
	case models.StatusCalled:
		entry.CalledAt = &now
	case models.StatusCompleted:
		entry.CompletedAt = &now
	case models.StatusSkipped:
		entry.SkippedAt = &now
	case models.StatusCancelled:
		entry.CancelledAt = &now
	case models.StatusWaiting:
		orderKey, err := tx.NextOrderKey(ctx, entry.SpecialistID, entry.TargetDate)
		if err != nil {
			return err
		}
		entry.OrderKey = orderKey
	}
	entry.Status = to
	if err := tx.UpdateEntry(ctx, *entry); err != nil {
		return err
	}
	return e.appendEvent(ctx, tx, actionEvents[action], *entry, reason)
}

// RequeueSkipped returns entries skipped for longer than olderThan to the
// queue. It reports how many entries were requeued.
func (e *Engine) RequeueSkipped(ctx context.Context, olderThan time.Duration, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	cutoff := e.now().Add(-olderThan)
	ids, err := e.store.ListSkippedBefore(ctx, cutoff, batchSize)
	if err != nil {
		return 0, err
	}
	requeued := 0
	for _, id := range ids {
		_, err := e.Requeue(ctx, ActionInput{EntryID: id, Reason: "skip timeout"})
		if err != nil {
			// Staff may have moved the entry since it was listed.
			if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrTerminalState) {
				continue
			}
			return requeued, err
		}
		requeued++
	}
	return requeued, nil
}
