package domain

import (
	"time"

	"github.com/google/uuid"
)

// SchoolBillingSettings holds per-tenant billing configuration.
type SchoolBillingSettings struct {
	SchoolID               uuid.UUID `json:"school_id"`
	WebhookToken           string    `json:"-"`
	NFSeEnabled            bool      `json:"nfse_enabled"`
	FinePercentage         float64   `json:"fine_percentage"`
	MonthlyInterestPercent float64   `json:"monthly_interest_percentage"`
	InterestGraceDays      int       `json:"interest_grace_days"`
	Timezone               string    `json:"timezone"`
}

// Location resolves the school's timezone, falling back to the given default.
func (s *SchoolBillingSettings) Location(fallback *time.Location) *time.Location {
	if s == nil || s.Timezone == "" {
		return fallback
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return fallback
	}
	return loc
}
