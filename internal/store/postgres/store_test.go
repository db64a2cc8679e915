package postgres

import (
	"errors"
	"fmt"
	"testing"

	"qms/queue-engine/internal/store"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"unique violation", fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), true},
		{"check violation", &pgconn.PgError{Code: "23514"}, false},
		{"business error", store.Errorf(store.ErrCapacityExceeded, "full"), false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryable(tt.err); got != tt.want {
				t.Fatalf("retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsUUID(t *testing.T) {
	if isUUID("10") {
		t.Fatalf("expected short id to be rejected")
	}
	if !isUUID("0c7a2d51-3f4e-4b6a-8c9d-5e1f2a3b4c6d") {
		t.Fatalf("expected uuid to be accepted")
	}
}
