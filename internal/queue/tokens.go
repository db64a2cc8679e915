package queue

import (
	"context"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

type IssueTokenInput struct {
	Scope          string `json:"scope"`
	SpecialistID   string `json:"specialist_id,omitempty"`
	TargetDate     string `json:"target_date"`
	TTLHours       int    `json:"ttl_hours"`
	MaxRedemptions *int   `json:"max_redemptions,omitempty"`
	IdempotencyKey string `json:"-"`
}

// IssueToken mints a join token for one specialist or the whole clinic.
func (e *Engine) IssueToken(ctx context.Context, in IssueTokenInput) (token models.QueueToken, err error) {
	ctx, span := e.startSpan(ctx, "issue_token", attribute.String("queue.scope", in.Scope))
	defer func() { endSpan(span, err) }()

	switch in.Scope {
	case models.ScopeSpecialist:
		if in.SpecialistID == "" {
			return models.QueueToken{}, store.Errorf(store.ErrInvalidScope, "specialist scope requires specialist_id")
		}
	case models.ScopeClinic:
		if in.SpecialistID != "" {
			return models.QueueToken{}, store.Errorf(store.ErrInvalidScope, "clinic scope does not take a specialist_id")
		}
	default:
		return models.QueueToken{}, store.Errorf(store.ErrInvalidScope, "unknown scope %q", in.Scope)
	}
	if err := e.checkFutureDate(in.TargetDate); err != nil {
		return models.QueueToken{}, err
	}
	if in.TTLHours < 1 {
		return models.QueueToken{}, store.Errorf(store.ErrInvalidRequest, "ttl_hours must be at least 1")
	}
	if in.MaxRedemptions != nil && *in.MaxRedemptions < 1 {
		return models.QueueToken{}, store.Errorf(store.ErrInvalidRequest, "max_redemptions must be at least 1")
	}

	call, err := e.idempotency(in.IdempotencyKey, "issue_token", in)
	if err != nil {
		return models.QueueToken{}, err
	}

	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		token = models.QueueToken{}
		if ok, err := replay(ctx, tx, call, &token); err != nil || ok {
			return err
		}
		if in.Scope == models.ScopeSpecialist {
			if _, err := tx.GetSpecialist(ctx, in.SpecialistID); err != nil {
				return err
			}
		}
		issuedAt := e.now()
		token = models.QueueToken{
			TokenID:        uuid.NewString(),
			Scope:          in.Scope,
			SpecialistID:   in.SpecialistID,
			TargetDate:     in.TargetDate,
			IssuedAt:       issuedAt,
			ExpiresAt:      issuedAt.Add(time.Duration(in.TTLHours) * time.Hour),
			MaxRedemptions: in.MaxRedemptions,
		}
		if err := tx.InsertToken(ctx, token); err != nil {
			return err
		}
		return e.remember(ctx, tx, call, token)
	})
	if err != nil {
		return models.QueueToken{}, err
	}
	return token, nil
}

func (e *Engine) GetToken(ctx context.Context, tokenID string) (models.QueueToken, error) {
	if !validID(tokenID) {
		return models.QueueToken{}, store.Errorf(store.ErrTokenNotFound, "token %s does not exist", tokenID)
	}
	return e.store.GetToken(ctx, tokenID)
}

// RedeemToken consumes one redemption and returns what the token grants.
func (e *Engine) RedeemToken(ctx context.Context, tokenID string) (scope models.TokenScope, err error) {
	ctx, span := e.startSpan(ctx, "redeem_token", attribute.String("queue.token_id", tokenID))
	defer func() { endSpan(span, err) }()

	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		token, err := e.redeem(ctx, tx, tokenID)
		if err != nil {
			return err
		}
		scope = models.TokenScope{
			TokenID:      token.TokenID,
			Scope:        token.Scope,
			SpecialistID: token.SpecialistID,
			TargetDate:   token.TargetDate,
		}
		return nil
	})
	if err != nil {
		return models.TokenScope{}, err
	}
	return scope, nil
}

// redeem increments the redemption count of a locked token. Expiry is
// checked before exhaustion.
func (e *Engine) redeem(ctx context.Context, tx store.Tx, tokenID string) (models.QueueToken, error) {
	if !validID(tokenID) {
		return models.QueueToken{}, store.Errorf(store.ErrTokenNotFound, "token %s does not exist", tokenID)
	}
	token, err := tx.LockToken(ctx, tokenID)
	if err != nil {
		return models.QueueToken{}, err
	}
	if token.Expired(e.now()) {
		return models.QueueToken{}, store.Errorf(store.ErrTokenExpired, "token %s expired at %s", tokenID, token.ExpiresAt.UTC().Format(time.RFC3339))
	}
	if token.Exhausted() {
		return models.QueueToken{}, store.Errorf(store.ErrTokenExhausted, "token %s reached %d redemptions", tokenID, *token.MaxRedemptions)
	}
	token.RedemptionCount++
	if err := tx.SetTokenRedemptions(ctx, tokenID, token.RedemptionCount); err != nil {
		return models.QueueToken{}, err
	}
	return token, nil
}
