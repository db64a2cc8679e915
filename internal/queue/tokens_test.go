package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"qms/queue-engine/internal/models"
)

func TestIssueTokenValidation(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	seedSpecialist(t, e, "7", nil)

	tests := []struct {
		name  string
		input IssueTokenInput
		kind  string
	}{
		{"specialist scope without id", IssueTokenInput{Scope: models.ScopeSpecialist, TargetDate: testDate, TTLHours: 1}, "invalid_scope"},
		{"clinic scope with id", IssueTokenInput{Scope: models.ScopeClinic, SpecialistID: "7", TargetDate: testDate, TTLHours: 1}, "invalid_scope"},
		{"unknown scope", IssueTokenInput{Scope: "ward", TargetDate: testDate, TTLHours: 1}, "invalid_scope"},
		{"past date", IssueTokenInput{Scope: models.ScopeClinic, TargetDate: "2024-05-31", TTLHours: 1}, "invalid_date"},
		{"malformed date", IssueTokenInput{Scope: models.ScopeClinic, TargetDate: "2024-6-1", TTLHours: 1}, "invalid_date"},
		{"zero ttl", IssueTokenInput{Scope: models.ScopeClinic, TargetDate: testDate}, "invalid_request"},
		{"zero redemptions", IssueTokenInput{Scope: models.ScopeClinic, TargetDate: testDate, TTLHours: 1, MaxRedemptions: intPtr(0)}, "invalid_request"},
		{"unknown specialist", IssueTokenInput{Scope: models.ScopeSpecialist, SpecialistID: "99", TargetDate: testDate, TTLHours: 1}, "specialist_not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.IssueToken(context.Background(), tt.input)
			assertKind(t, err, tt.kind)
		})
	}
}

func TestIssueTokenUsesClinicLocalDate(t *testing.T) {
	clinic := time.FixedZone("clinic", 7*60*60)
	e, clock := newTestEngine(t, Options{Location: clinic})
	// 20:00 UTC on June 1st is already June 2nd in the clinic.
	clock.Advance(12 * time.Hour)

	_, err := e.IssueToken(context.Background(), IssueTokenInput{Scope: models.ScopeClinic, TargetDate: testDate, TTLHours: 24})
	assertKind(t, err, "invalid_date")

	token, err := e.IssueToken(context.Background(), IssueTokenInput{Scope: models.ScopeClinic, TargetDate: "2024-06-02", TTLHours: 24})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if !token.ExpiresAt.Equal(token.IssuedAt.Add(24 * time.Hour)) {
		t.Fatalf("unexpected expiry %s for issue time %s", token.ExpiresAt, token.IssuedAt)
	}
}

func TestClinicTokenSingleUse(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	token, err := e.IssueToken(ctx, IssueTokenInput{
		Scope:          models.ScopeClinic,
		TargetDate:     testDate,
		TTLHours:       24,
		MaxRedemptions: intPtr(1),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	scope, err := e.RedeemToken(ctx, token.TokenID)
	if err != nil {
		t.Fatalf("first redeem: %v", err)
	}
	if scope.Scope != models.ScopeClinic || scope.TargetDate != testDate || scope.SpecialistID != "" {
		t.Fatalf("unexpected scope: %+v", scope)
	}

	_, err = e.RedeemToken(ctx, token.TokenID)
	assertKind(t, err, "token_exhausted")

	stored, err := e.GetToken(ctx, token.TokenID)
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if stored.RedemptionCount != 1 {
		t.Fatalf("expected 1 redemption, got %d", stored.RedemptionCount)
	}
}

func TestRedeemExpiredTokenRegardlessOfCount(t *testing.T) {
	e, clock := newTestEngine(t, Options{})
	ctx := context.Background()
	seedSpecialist(t, e, "7", nil)

	unlimited, err := e.IssueToken(ctx, IssueTokenInput{Scope: models.ScopeSpecialist, SpecialistID: "7", TargetDate: testDate, TTLHours: 1})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	used, err := e.IssueToken(ctx, IssueTokenInput{Scope: models.ScopeClinic, TargetDate: testDate, TTLHours: 1, MaxRedemptions: intPtr(1)})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if _, err := e.RedeemToken(ctx, used.TokenID); err != nil {
		t.Fatalf("redeem: %v", err)
	}

	clock.Advance(time.Hour)
	if _, err := e.RedeemToken(ctx, unlimited.TokenID); err != nil {
		t.Fatalf("redeem at expiry instant: %v", err)
	}

	clock.Advance(time.Second)
	_, err = e.RedeemToken(ctx, unlimited.TokenID)
	assertKind(t, err, "token_expired")
	_, err = e.RedeemToken(ctx, used.TokenID)
	assertKind(t, err, "token_expired")
}

func TestRedeemUnknownToken(t *testing.T) {
	e, _ := newTestEngine(t, Options{})

	_, err := e.RedeemToken(context.Background(), "not-a-token")
	assertKind(t, err, "token_not_found")

	_, err = e.RedeemToken(context.Background(), "2f1c4a8e-6f7d-4c1b-8d0e-3a5b9c7e1f20")
	assertKind(t, err, "token_not_found")
}

func TestConcurrentRedemptionsRespectLimit(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()

	token, err := e.IssueToken(ctx, IssueTokenInput{Scope: models.ScopeClinic, TargetDate: testDate, TTLHours: 2, MaxRedemptions: intPtr(5)})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.RedeemToken(ctx, token.TokenID); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 5 {
		t.Fatalf("expected 5 successful redemptions, got %d", succeeded)
	}
}

func TestIssueTokenIdempotencyKey(t *testing.T) {
	e, _ := newTestEngine(t, Options{})
	ctx := context.Background()
	input := IssueTokenInput{Scope: models.ScopeClinic, TargetDate: testDate, TTLHours: 4, IdempotencyKey: "kiosk-1"}

	first, err := e.IssueToken(ctx, input)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	second, err := e.IssueToken(ctx, input)
	if err != nil {
		t.Fatalf("repeat issue token: %v", err)
	}
	if first.TokenID != second.TokenID {
		t.Fatalf("expected replayed token %s, got %s", first.TokenID, second.TokenID)
	}

	input.TTLHours = 8
	_, err = e.IssueToken(ctx, input)
	assertKind(t, err, "idempotency_mismatch")
}
