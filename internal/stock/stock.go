// Package stock derives remaining-stock state from medication settings and
// the consumed-dose count. Deduplication of doses is the event store's job;
// the tracker trusts the count it is handed.
package stock

import "medtrack/internal/domain"

// Snapshot is the derived stock view for one medication.
type Snapshot struct {
	Remaining              int  `json:"remaining"`
	LowStock               bool `json:"low_stock"`
	EstimatedDaysRemaining int  `json:"estimated_days_remaining"`
}

// Compute returns the stock snapshot. Remaining never goes negative, and
// the days-remaining estimate assumes one dose per day.
func Compute(settings domain.MedicationSettings, dosesConsumed int) Snapshot {
	remaining := settings.CurrentStock - dosesConsumed
	if remaining < 0 {
		remaining = 0
	}
	return Snapshot{
		Remaining:              remaining,
		LowStock:               remaining <= settings.LowStockThreshold,
		EstimatedDaysRemaining: remaining,
	}
}
