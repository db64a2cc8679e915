package hub

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"qms/queue-engine/internal/store"

	"go.uber.org/zap"
)

type OutboxSource interface {
	ListOutboxEvents(ctx context.Context, afterSeq int64, limit int) ([]store.OutboxEvent, error)
}

type eventEnvelope struct {
	Seq          int64           `json:"seq"`
	Type         string          `json:"type"`
	SpecialistID string          `json:"specialist_id"`
	TargetDate   string          `json:"target_date"`
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    time.Time       `json:"created_at"`
}

type RelayOptions struct {
	PollInterval time.Duration
	BatchSize    int
	Logger       *zap.Logger
}

// Relay tails the outbox and fans events out to hub subscribers.
type Relay struct {
	source   OutboxSource
	hub      *Hub
	interval time.Duration
	batch    int
	logger   *zap.Logger
	offset   int64
	running  int32
}

func NewRelay(source OutboxSource, h *Hub, options RelayOptions) *Relay {
	r := &Relay{
		source:   source,
		hub:      h,
		interval: options.PollInterval,
		batch:    options.BatchSize,
		logger:   options.Logger,
	}
	if r.interval <= 0 {
		r.interval = time.Second
	}
	if r.batch <= 0 {
		r.batch = 200
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r
}

// Offset is the sequence of the last event delivered.
func (r *Relay) Offset() int64 {
	return atomic.LoadInt64(&r.offset)
}

// Start skips events already in the outbox so a restarted relay does not
// replay history to the boards.
func (r *Relay) Start(ctx context.Context) error {
	for {
		events, err := r.source.ListOutboxEvents(ctx, r.Offset(), r.batch)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		atomic.StoreInt64(&r.offset, events[len(events)-1].Seq)
		if len(events) < r.batch {
			return nil
		}
	}
}

func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Poll(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("outbox poll failed", zap.Error(err))
			}
		}
	}
}

// Poll delivers one batch and returns how many events it broadcast.
func (r *Relay) Poll(ctx context.Context) (int, error) {
	if !atomic.CompareAndSwapInt32(&r.running, 0, 1) {
		return 0, nil
	}
	defer atomic.StoreInt32(&r.running, 0)

	pollCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	events, err := r.source.ListOutboxEvents(pollCtx, r.Offset(), r.batch)
	if err != nil {
		return 0, err
	}
	for _, event := range events {
		payload, err := json.Marshal(eventEnvelope{
			Seq:          event.Seq,
			Type:         event.Type,
			SpecialistID: event.SpecialistID,
			TargetDate:   event.TargetDate,
			Payload:      event.Payload,
			CreatedAt:    event.CreatedAt,
		})
		if err != nil {
			return 0, err
		}
		r.hub.Broadcast(payload, Subscription{SpecialistID: event.SpecialistID, TargetDate: event.TargetDate})
		atomic.StoreInt64(&r.offset, event.Seq)
	}
	return len(events), nil
}
