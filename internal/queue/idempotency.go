package queue

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"qms/queue-engine/internal/store"
)

// idempotentCall identifies one mutating call for replay. A nil call means
// the caller did not ask for replay protection.
type idempotentCall struct {
	key       string
	operation string
	hash      string
	ttl       time.Duration
	// derived keys are computed from the payload rather than sent by the caller
	derived bool
}

func fingerprint(request any) (string, error) {
	raw, err := json.Marshal(request)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", sha256.Sum256(raw)), nil
}

func (e *Engine) idempotency(key, operation string, request any) (*idempotentCall, error) {
	if key == "" {
		return nil, nil
	}
	if len(key) > 200 {
		return nil, store.Errorf(store.ErrInvalidRequest, "idempotency key is longer than 200 characters")
	}
	hash, err := fingerprint(request)
	if err != nil {
		return nil, err
	}
	return &idempotentCall{key: key, operation: operation, hash: hash, ttl: e.idempotencyTTL}, nil
}

// replay loads the stored response for call into out. It reports false when
// the call has not completed before.
func replay[T any](ctx context.Context, tx store.Tx, call *idempotentCall, out *T) (bool, error) {
	if call == nil {
		return false, nil
	}
	record, found, err := tx.GetIdempotency(ctx, call.key)
	if err != nil || !found {
		return false, err
	}
	if record.Operation != call.operation || record.RequestHash != call.hash {
		return false, store.Errorf(store.ErrIdempotencyMismatch, "key %s was used for a different %s request", call.key, record.Operation)
	}
	if err := json.Unmarshal(record.Response, out); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) remember(ctx context.Context, tx store.Tx, call *idempotentCall, response any) error {
	if call == nil {
		return nil
	}
	raw, err := json.Marshal(response)
	if err != nil {
		return err
	}
	now := e.now()
	return tx.PutIdempotency(ctx, store.IdempotencyRecord{
		Key:         call.key,
		Operation:   call.operation,
		RequestHash: call.hash,
		Response:    raw,
		CreatedAt:   now,
		ExpiresAt:   now.Add(call.ttl),
	})
}
