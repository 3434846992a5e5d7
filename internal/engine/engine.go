package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmhodges/clock"
	"go.uber.org/zap"

	"medtrack/internal/adherence"
	"medtrack/internal/config"
	"medtrack/internal/domain"
	"medtrack/internal/events"
	"medtrack/internal/repo"
	"medtrack/internal/stock"
)

// Engine orchestrates intake logging, adherence queries, and settings
// updates over the event store.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Appender
	Config *config.Config
	Clock  clock.Clock
	Logger *zap.SugaredLogger
}

func New(db *sql.DB, cfg *config.Config, logger *zap.SugaredLogger) Engine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Config: cfg,
		Clock:  clock.New(),
		Logger: logger,
	}
}

// ValidationError rejects bad input before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e Engine) location() *time.Location {
	if e.Config != nil {
		if loc, err := e.Config.Location(); err == nil {
			return loc
		}
	}
	return time.Local
}

// IntakeOptions are parameters for logging a dose.
type IntakeOptions struct {
	MedicationID  string
	Source        string
	Note          string
	ClientEventID string    // explicit idempotency key, optional
	At            time.Time // zero means now
}

// IntakeResult reports the stored (or previously stored) event plus the
// post-log status snapshot.
type IntakeResult struct {
	Event     domain.IntakeEvent `json:"event"`
	Duplicate bool               `json:"duplicate"`
	Status    Status             `json:"status"`
}

// LogIntake appends an intake event. An idempotency-key collision is not an
// error: the previously stored event is returned with Duplicate=true and
// adherence is unchanged.
func (e Engine) LogIntake(ctx context.Context, opts IntakeOptions) (IntakeResult, error) {
	if opts.MedicationID == "" {
		return IntakeResult{}, ValidationError{Field: "medication_id", Reason: "required"}
	}
	if opts.Source == "" {
		opts.Source = domain.SourceManual
	}
	if !domain.ValidSource(opts.Source) {
		return IntakeResult{}, ValidationError{Field: "source", Reason: "must be one of nfc, manual, notification-action"}
	}
	if _, err := e.Repo.GetSettings(ctx, opts.MedicationID); err != nil {
		return IntakeResult{}, err
	}
	at := opts.At
	if at.IsZero() {
		at = e.Clock.Now()
	}
	at = at.UTC()
	key := opts.ClientEventID
	if key == "" {
		key = events.Key(opts.MedicationID, at, opts.Source)
	}
	ev := domain.IntakeEvent{
		MedicationID:   opts.MedicationID,
		TS:             at.Format(time.RFC3339),
		Source:         opts.Source,
		Note:           opts.Note,
		IdempotencyKey: key,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return IntakeResult{}, err
	}
	defer tx.Rollback()
	id, inserted, err := e.Events.Append(ctx, tx, ev)
	if err != nil {
		return IntakeResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return IntakeResult{}, err
	}

	ev.ID = id
	res := IntakeResult{Event: ev, Duplicate: !inserted}
	if !inserted {
		if stored, err := e.Repo.GetEventByKey(ctx, key); err == nil {
			res.Event = stored
		}
	}
	status, err := e.MedicationStatus(ctx, opts.MedicationID)
	if err != nil {
		// The dose is logged; a status read failure must not undo that.
		e.Logger.Warnw("post-log status unavailable", "medication_id", opts.MedicationID, "err", err)
	} else {
		res.Status = status
	}
	return res, nil
}

// Status is the medication snapshot returned by the status endpoint. Stock
// is best-effort: nil when the sub-computation failed, never blocking the
// adherence view.
type Status struct {
	Medication domain.MedicationSettings `json:"medication"`
	Today      domain.AdherenceDay       `json:"today"`
	Streak     int                       `json:"streak"`
	Stock      *stock.Snapshot           `json:"stock,omitempty"`
}

// MedicationStatus assembles today's adherence, the streak, and the stock
// snapshot for one medication.
func (e Engine) MedicationStatus(ctx context.Context, medicationID string) (Status, error) {
	med, err := e.Repo.GetSettings(ctx, medicationID)
	if err != nil {
		return Status{}, err
	}
	now := e.Clock.Now()
	loc := e.location()

	// Streak needs history; reuse it for today's summary too.
	history, err := e.History(ctx, medicationID, streakLookbackDays)
	if err != nil {
		return Status{}, err
	}
	st := Status{Medication: med, Streak: adherence.ComputeStreak(history)}
	if len(history) > 0 {
		st.Today = history[0]
	} else {
		st.Today = domain.AdherenceDay{Date: now.In(loc).Format("2006-01-02")}
	}

	consumed, err := e.Repo.CountEventsSince(ctx, medicationID, med.StockUpdatedAt)
	if err != nil {
		e.Logger.Warnw("stock computation failed", "medication_id", medicationID, "err", err)
	} else {
		snap := stock.Compute(med, consumed)
		st.Stock = &snap
	}
	return st, nil
}

// streakLookbackDays bounds the history window used for streak computation.
const streakLookbackDays = 365

// History returns the adherence days for the requested window, most recent
// first, including zero-event days.
func (e Engine) History(ctx context.Context, medicationID string, days int) ([]domain.AdherenceDay, error) {
	if days <= 0 {
		return nil, ValidationError{Field: "days", Reason: "must be positive"}
	}
	if _, err := e.Repo.GetSettings(ctx, medicationID); err != nil {
		return nil, err
	}
	now := e.Clock.Now()
	loc := e.location()
	start := time.Date(now.In(loc).Year(), now.In(loc).Month(), now.In(loc).Day(), 0, 0, 0, 0, loc).AddDate(0, 0, -(days - 1))
	end := start.AddDate(0, 0, days)
	evs, err := e.Repo.ListEvents(ctx, medicationID, start, end)
	if err != nil {
		return nil, err
	}
	history, err := adherence.ComputeHistory(evs, days, now, loc)
	if err != nil {
		// Malformed stored events degrade to not-taken days, never failures.
		e.Logger.Warnw("history contains malformed events", "medication_id", medicationID, "err", err)
	}
	return history, nil
}

// TakenToday reports whether any dose was logged in today's local window.
func (e Engine) TakenToday(ctx context.Context, medicationID string) (bool, error) {
	now := e.Clock.Now()
	loc := e.location()
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	n, err := e.Repo.CountEventsBetween(ctx, medicationID, start, start.Add(24*time.Hour))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SettingsUpdate carries the mutable settings fields; nil means unchanged.
type SettingsUpdate struct {
	MedicationID      string
	Name              *string
	Dosage            *string
	ScheduleTime      *string
	ReminderEnabled   *bool
	LowStockThreshold *int
	CurrentStock      *int
}

// UpdateSettings validates and applies a settings update, creating the row
// on first configuration. A validation failure leaves stored settings
// untouched. Setting CurrentStock restocks: the consumed-dose baseline
// moves to now.
func (e Engine) UpdateSettings(ctx context.Context, upd SettingsUpdate) (domain.MedicationSettings, error) {
	if upd.MedicationID == "" {
		return domain.MedicationSettings{}, ValidationError{Field: "medication_id", Reason: "required"}
	}
	now := e.Clock.Now().UTC().Format(time.RFC3339)
	s, err := e.Repo.GetSettings(ctx, upd.MedicationID)
	if err == repo.ErrNotFound {
		s = domain.MedicationSettings{
			MedicationID:      upd.MedicationID,
			Name:              upd.MedicationID,
			ScheduleTime:      "09:00",
			ReminderEnabled:   true,
			LowStockThreshold: 7,
			CurrentStock:      30,
			CreatedAt:         now,
			StockUpdatedAt:    now,
		}
	} else if err != nil {
		return domain.MedicationSettings{}, err
	}

	if upd.Name != nil {
		if *upd.Name == "" {
			return s, ValidationError{Field: "name", Reason: "must not be empty"}
		}
		s.Name = *upd.Name
	}
	if upd.Dosage != nil {
		s.Dosage = *upd.Dosage
	}
	if upd.ScheduleTime != nil {
		if _, err := time.Parse("15:04", *upd.ScheduleTime); err != nil {
			return s, ValidationError{Field: "schedule_time", Reason: "must be HH:MM"}
		}
		s.ScheduleTime = *upd.ScheduleTime
	}
	if upd.ReminderEnabled != nil {
		s.ReminderEnabled = *upd.ReminderEnabled
	}
	if upd.LowStockThreshold != nil {
		if *upd.LowStockThreshold < 0 {
			return s, ValidationError{Field: "low_stock_threshold", Reason: "must be >= 0"}
		}
		s.LowStockThreshold = *upd.LowStockThreshold
	}
	if upd.CurrentStock != nil {
		if *upd.CurrentStock < 0 {
			return s, ValidationError{Field: "current_stock", Reason: "must be >= 0"}
		}
		s.CurrentStock = *upd.CurrentStock
		s.StockUpdatedAt = now
	}
	s.UpdatedAt = now
	if err := e.Repo.UpsertSettings(ctx, s); err != nil {
		return domain.MedicationSettings{}, err
	}
	return s, nil
}
