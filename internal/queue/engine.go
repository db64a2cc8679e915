// Package queue implements the clinic queue protocol: join tokens, numbered
// enrollment, batch enrollment, dispatch and merge-safe edits. All state
// lives behind a store.Store; every mutating operation is one transaction.
package queue

import (
	"context"
	"fmt"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	CallPolicyIdempotent = "idempotent"
	CallPolicyReject     = "reject"

	SkipPolicyHold    = "hold"
	SkipPolicyRequeue = "requeue"
)

// PriceResolver fills in unit prices for service lines that arrive without
// one. ok is false when the service has no known price.
type PriceResolver interface {
	UnitPrice(ctx context.Context, serviceID string) (price int64, ok bool, err error)
}

// PriceTable is a fixed price list.
type PriceTable map[string]int64

func (p PriceTable) UnitPrice(ctx context.Context, serviceID string) (int64, bool, error) {
	price, ok := p[serviceID]
	return price, ok, nil
}

type Options struct {
	Location         *time.Location
	CallPolicy       string
	SkipPolicy       string
	BatchDedupWindow time.Duration
	IdempotencyTTL   time.Duration
	Prices           PriceResolver
	Logger           *zap.Logger
	Now              func() time.Time
}

type Engine struct {
	store            store.Store
	loc              *time.Location
	callPolicy       string
	skipPolicy       string
	batchDedupWindow time.Duration
	idempotencyTTL   time.Duration
	prices           PriceResolver
	logger           *zap.Logger
	now              func() time.Time
	tracer           trace.Tracer
}

func New(st store.Store, options Options) *Engine {
	e := &Engine{
		store:            st,
		loc:              options.Location,
		callPolicy:       options.CallPolicy,
		skipPolicy:       options.SkipPolicy,
		batchDedupWindow: options.BatchDedupWindow,
		idempotencyTTL:   options.IdempotencyTTL,
		prices:           options.Prices,
		logger:           options.Logger,
		tracer:           otel.Tracer("qms/queue-engine/queue"),
	}
	if e.loc == nil {
		e.loc = time.UTC
	}
	if e.callPolicy != CallPolicyReject {
		e.callPolicy = CallPolicyIdempotent
	}
	if e.skipPolicy != SkipPolicyRequeue {
		e.skipPolicy = SkipPolicyHold
	}
	if e.idempotencyTTL <= 0 {
		e.idempotencyTTL = 24 * time.Hour
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	clock := options.Now
	if clock == nil {
		clock = time.Now
	}
	// Postgres keeps microseconds; stored and returned times must agree.
	e.now = func() time.Time { return clock().UTC().Truncate(time.Microsecond) }
	return e
}

func (e *Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "queue."+name, trace.WithAttributes(attrs...))
}

// endSpan records the error kind on span. Business outcomes are not span
// errors.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.SetAttributes(attribute.String("queue.error_kind", store.Kind(err)))
		if !store.IsBusiness(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.End()
}

func (e *Engine) GetEntry(ctx context.Context, entryID string) (models.QueueEntry, error) {
	if !validID(entryID) {
		return models.QueueEntry{}, store.Errorf(store.ErrEntryNotFound, "entry %s does not exist", entryID)
	}
	return e.store.GetEntry(ctx, entryID)
}

// ListEntries returns a specialist's queue for one day in dispatch order.
func (e *Engine) ListEntries(ctx context.Context, filter store.EntryFilter) ([]models.QueueEntry, error) {
	if filter.SpecialistID == "" {
		return nil, store.Errorf(store.ErrInvalidRequest, "specialist_id is required")
	}
	if _, err := parseDate(filter.TargetDate); err != nil {
		return nil, err
	}
	if filter.Status != "" && !validStatus(filter.Status) {
		return nil, store.Errorf(store.ErrInvalidRequest, "unknown status %q", filter.Status)
	}
	entries, err := e.store.ListEntries(ctx, filter)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []models.QueueEntry{}
	}
	return entries, nil
}

// ListEntryEvents returns the audit chain of an entry after checking that
// the chain is intact and ends in the entry's stored status.
func (e *Engine) ListEntryEvents(ctx context.Context, entryID string) ([]store.EntryEvent, error) {
	entry, err := e.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	events, err := e.store.ListEntryEvents(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if err := checkEntryEvents(entry, events); err != nil {
		e.logger.Error("entry event chain is broken", zap.String("entry_id", entryID), zap.Error(err))
		return nil, err
	}
	if events == nil {
		events = []store.EntryEvent{}
	}
	return events, nil
}

func checkEntryEvents(entry models.QueueEntry, events []store.EntryEvent) error {
	if err := store.VerifyEntryEvents(events); err != nil {
		return fmt.Errorf("entry %s: %w", entry.EntryID, err)
	}
	latest, err := store.RehydrateEntry(events)
	if err != nil {
		return fmt.Errorf("entry %s: rehydrate: %w", entry.EntryID, err)
	}
	if latest.Status != entry.Status {
		return fmt.Errorf("entry %s: events end in %q but entry is %q", entry.EntryID, latest.Status, entry.Status)
	}
	return nil
}

func (e *Engine) ListOutboxEvents(ctx context.Context, afterSeq int64, limit int) ([]store.OutboxEvent, error) {
	if afterSeq < 0 {
		return nil, store.Errorf(store.ErrInvalidRequest, "after must not be negative")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	events, err := e.store.ListOutboxEvents(ctx, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []store.OutboxEvent{}
	}
	return events, nil
}

func (e *Engine) GetSpecialist(ctx context.Context, specialistID string) (models.Specialist, error) {
	return e.store.GetSpecialist(ctx, specialistID)
}

// UpsertSpecialist records a specialist and its optional daily capacity.
// Lowering the capacity never cancels entries already enrolled.
func (e *Engine) UpsertSpecialist(ctx context.Context, specialist models.Specialist) (models.Specialist, error) {
	if specialist.SpecialistID == "" {
		return models.Specialist{}, store.Errorf(store.ErrInvalidRequest, "specialist_id is required")
	}
	if specialist.DailyCapacity != nil && *specialist.DailyCapacity < 0 {
		return models.Specialist{}, store.Errorf(store.ErrInvalidRequest, "daily_capacity must not be negative")
	}
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.UpsertSpecialist(ctx, specialist)
	})
	if err != nil {
		return models.Specialist{}, err
	}
	return specialist, nil
}

func (e *Engine) appendEvent(ctx context.Context, tx store.Tx, eventType string, entry models.QueueEntry, reason string) error {
	event, err := store.NewEntryEvent(eventType, entry, reason)
	if err != nil {
		return err
	}
	return tx.AppendEvent(ctx, event)
}

func validStatus(status string) bool {
	switch status {
	case models.StatusWaiting, models.StatusCalled, models.StatusSkipped, models.StatusCompleted, models.StatusCancelled:
		return true
	}
	return false
}
