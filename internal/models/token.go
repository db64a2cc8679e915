package models

import "time"

const (
	ScopeSpecialist = "specialist"
	ScopeClinic     = "clinic"
)

type QueueToken struct {
	TokenID         string    `json:"token_id"`
	Scope           string    `json:"scope"`
	SpecialistID    string    `json:"specialist_id,omitempty"`
	TargetDate      string    `json:"target_date"`
	IssuedAt        time.Time `json:"issued_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	MaxRedemptions  *int      `json:"max_redemptions,omitempty"`
	RedemptionCount int       `json:"redemption_count"`
}

func (t QueueToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

func (t QueueToken) Exhausted() bool {
	return t.MaxRedemptions != nil && t.RedemptionCount >= *t.MaxRedemptions
}

// TokenScope is what a successful redemption resolves to.
type TokenScope struct {
	TokenID      string `json:"token_id"`
	Scope        string `json:"scope"`
	SpecialistID string `json:"specialist_id,omitempty"`
	TargetDate   string `json:"target_date"`
}
