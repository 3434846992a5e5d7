package domain

// Intake event sources.
const (
	SourceNFC                = "nfc"
	SourceManual             = "manual"
	SourceNotificationAction = "notification-action"
)

// ValidSource reports whether s is a known intake source tag.
func ValidSource(s string) bool {
	switch s {
	case SourceNFC, SourceManual, SourceNotificationAction:
		return true
	}
	return false
}

// MedicationSettings is the mutable per-medication configuration row.
// Rows are created on first configuration and never deleted; reminders are
// soft-disabled via ReminderEnabled.
type MedicationSettings struct {
	MedicationID      string `json:"medication_id"`
	Name              string `json:"name"`
	Dosage            string `json:"dosage,omitempty"`
	ScheduleTime      string `json:"schedule_time"` // HH:MM, local time
	ReminderEnabled   bool   `json:"reminder_enabled"`
	LowStockThreshold int    `json:"low_stock_threshold"`
	CurrentStock      int    `json:"current_stock"`
	CreatedAt         string `json:"created_at" format:"date-time"`
	UpdatedAt         string `json:"updated_at" format:"date-time"`
	StockUpdatedAt    string `json:"stock_updated_at" format:"date-time"`
}

// IntakeEvent is one immutable dose record. The idempotency key guarantees
// at-most-once storage regardless of how many paths submit the same dose.
type IntakeEvent struct {
	ID             int64  `json:"id"`
	MedicationID   string `json:"medication_id"`
	TS             string `json:"ts" format:"date-time"` // UTC RFC3339
	Source         string `json:"source" enum:"nfc,manual,notification-action"`
	Note           string `json:"note,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
}

// AdherenceDay is a derived summary of dose-taking for one calendar date.
// Never stored; recomputed from the event log on every query.
type AdherenceDay struct {
	Date      string   `json:"date"` // YYYY-MM-DD, local calendar
	DoseCount int      `json:"dose_count"`
	Taken     bool     `json:"taken"`
	Times     []string `json:"times,omitempty"` // UTC RFC3339, ascending
}

// Subscription is an opaque web-push endpoint descriptor with its payload
// encryption keys.
type Subscription struct {
	ID        string `json:"id"`
	Endpoint  string `json:"endpoint"`
	P256dhKey string `json:"p256dh_key"`
	AuthKey   string `json:"auth_key"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// PushAction is a notification action affordance rendered by the client.
type PushAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// PushPayload is the notification body delivered to a subscriber. Tag is
// stable per medication so the client replaces an existing notification
// instead of stacking duplicates.
type PushPayload struct {
	Title              string         `json:"title"`
	Body               string         `json:"body"`
	Icon               string         `json:"icon,omitempty"`
	Tag                string         `json:"tag"`
	RequireInteraction bool           `json:"requireInteraction,omitempty"`
	Actions            []PushAction   `json:"actions,omitempty"`
	Data               map[string]any `json:"data,omitempty"`
}

// DeliveryOutcome classifies one push delivery attempt.
type DeliveryOutcome string

const (
	DeliverySuccess          DeliveryOutcome = "success"
	DeliveryTransientFailure DeliveryOutcome = "transient"
	DeliveryPermanentFailure DeliveryOutcome = "permanent"
)

// DeliveryResult reports how a dispatch attempt ended. Permanent failures
// invalidate the subscription; transient ones are retried by the scheduler's
// own budget.
type DeliveryResult struct {
	Outcome    DeliveryOutcome
	StatusCode int
	Err        error
}
