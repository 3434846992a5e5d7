package server

import (
	"medtrack/internal/domain"
	"medtrack/internal/engine"
)

// TrackRequest logs a dose. All fields except medication_id are optional;
// source defaults to manual and ts defaults to the server clock.
type TrackRequest struct {
	MedicationID  string `json:"medication_id,omitempty" example:"daily_pill"`
	Source        string `json:"source,omitempty" enum:"nfc,manual,notification-action"`
	Note          string `json:"note,omitempty"`
	TS            string `json:"ts,omitempty" format:"date-time"`
	ClientEventID string `json:"client_event_id,omitempty"`
}

// TrackResponse reports the stored event and the refreshed status. Duplicate
// means the dose was already logged; that is success, not an error.
type TrackResponse struct {
	Event     domain.IntakeEvent `json:"event"`
	Duplicate bool               `json:"duplicate"`
	Status    engine.Status      `json:"status"`
}

// UpdateSettingsRequest carries a partial settings update; omitted fields
// keep their stored values.
type UpdateSettingsRequest struct {
	MedicationID      string  `json:"medication_id" example:"daily_pill"`
	Name              *string `json:"name,omitempty"`
	Dosage            *string `json:"dosage,omitempty"`
	ScheduleTime      *string `json:"schedule_time,omitempty" example:"09:00"`
	ReminderEnabled   *bool   `json:"reminder_enabled,omitempty"`
	LowStockThreshold *int    `json:"low_stock_threshold,omitempty"`
	CurrentStock      *int    `json:"current_stock,omitempty"`
}

// SubscribeRequest is the browser-side PushSubscription JSON shape.
type SubscribeRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// ActionRequest is a notification action callback: taken logs the dose and
// silences the reminder, snooze postpones it, dismiss suppresses it for the
// rest of the day.
type ActionRequest struct {
	MedicationID  string `json:"medication_id" example:"daily_pill"`
	Action        string `json:"action" enum:"taken,snooze,dismiss"`
	ClientEventID string `json:"client_event_id,omitempty"`
	TS            string `json:"ts,omitempty" format:"date-time"`
}

// ActionResponse reports the resulting reminder phase, plus the logged event
// for taken actions.
type ActionResponse struct {
	MedicationID string              `json:"medication_id"`
	Action       string              `json:"action"`
	Phase        string              `json:"phase"`
	SnoozeUntil  string              `json:"snooze_until,omitempty" format:"date-time"`
	Event        *domain.IntakeEvent `json:"event,omitempty"`
	Duplicate    bool                `json:"duplicate,omitempty"`
}

// HistoryResponse is the adherence window for one medication, most recent
// day first.
type HistoryResponse struct {
	MedicationID string                `json:"medication_id"`
	Days         int                   `json:"days"`
	History      []domain.AdherenceDay `json:"history"`
	Streak       int                   `json:"streak"`
}
