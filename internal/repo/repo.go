package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"medtrack/internal/domain"
)

// Repo is the persistence layer over the two logical tables the core needs:
// settings-by-medication-id and events-by-medication-id-and-timestamp, plus
// push subscriptions.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func scanSettings(row *sql.Row) (domain.MedicationSettings, error) {
	var s domain.MedicationSettings
	var dosage sql.NullString
	var enabled int
	err := row.Scan(&s.MedicationID, &s.Name, &dosage, &s.ScheduleTime, &enabled,
		&s.LowStockThreshold, &s.CurrentStock, &s.CreatedAt, &s.UpdatedAt, &s.StockUpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if dosage.Valid {
		s.Dosage = dosage.String
	}
	s.ReminderEnabled = enabled != 0
	return s, err
}

const settingsCols = `medication_id,name,dosage,schedule_time,reminder_enabled,low_stock_threshold,current_stock,created_at,updated_at,stock_updated_at`

func (r Repo) GetSettings(ctx context.Context, medicationID string) (domain.MedicationSettings, error) {
	return scanSettings(r.DB.QueryRowContext(ctx,
		`SELECT `+settingsCols+` FROM medication_settings WHERE medication_id=?`, medicationID))
}

func (r Repo) ListSettings(ctx context.Context) ([]domain.MedicationSettings, error) {
	return r.listSettings(ctx, `SELECT `+settingsCols+` FROM medication_settings ORDER BY medication_id`)
}

// ListEnabled returns settings rows with reminders switched on.
func (r Repo) ListEnabled(ctx context.Context) ([]domain.MedicationSettings, error) {
	return r.listSettings(ctx, `SELECT `+settingsCols+` FROM medication_settings WHERE reminder_enabled=1 ORDER BY medication_id`)
}

func (r Repo) listSettings(ctx context.Context, query string) ([]domain.MedicationSettings, error) {
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MedicationSettings
	for rows.Next() {
		var s domain.MedicationSettings
		var dosage sql.NullString
		var enabled int
		if err := rows.Scan(&s.MedicationID, &s.Name, &dosage, &s.ScheduleTime, &enabled,
			&s.LowStockThreshold, &s.CurrentStock, &s.CreatedAt, &s.UpdatedAt, &s.StockUpdatedAt); err != nil {
			return nil, err
		}
		if dosage.Valid {
			s.Dosage = dosage.String
		}
		s.ReminderEnabled = enabled != 0
		res = append(res, s)
	}
	return res, rows.Err()
}

// UpsertSettings writes the full settings row. Validation happens in the
// engine before this is called.
func (r Repo) UpsertSettings(ctx context.Context, s domain.MedicationSettings) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO medication_settings(`+settingsCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(medication_id) DO UPDATE SET
    name=excluded.name, dosage=excluded.dosage, schedule_time=excluded.schedule_time,
    reminder_enabled=excluded.reminder_enabled, low_stock_threshold=excluded.low_stock_threshold,
    current_stock=excluded.current_stock, updated_at=excluded.updated_at,
    stock_updated_at=excluded.stock_updated_at`,
		s.MedicationID, s.Name, s.Dosage, s.ScheduleTime, boolToInt(s.ReminderEnabled),
		s.LowStockThreshold, s.CurrentStock, s.CreatedAt, s.UpdatedAt, s.StockUpdatedAt)
	return err
}

const eventCols = `id,medication_id,ts,source,COALESCE(note,'') AS note,idempotency_key`

// ListEvents returns intake events for a medication in [from, to), ordered
// by timestamp then insertion sequence so equal timestamps stay stable.
func (r Repo) ListEvents(ctx context.Context, medicationID string, from, to time.Time) ([]domain.IntakeEvent, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+eventCols+` FROM intake_events WHERE medication_id=? AND ts>=? AND ts<? ORDER BY ts ASC, id ASC`,
		medicationID, from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.IntakeEvent
	for rows.Next() {
		var ev domain.IntakeEvent
		if err := rows.Scan(&ev.ID, &ev.MedicationID, &ev.TS, &ev.Source, &ev.Note, &ev.IdempotencyKey); err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

// ListRecentEvents returns the newest events for a medication, newest first.
func (r Repo) ListRecentEvents(ctx context.Context, medicationID string, limit int) ([]domain.IntakeEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+eventCols+` FROM intake_events WHERE medication_id=? ORDER BY ts DESC, id DESC LIMIT ?`,
		medicationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.IntakeEvent
	for rows.Next() {
		var ev domain.IntakeEvent
		if err := rows.Scan(&ev.ID, &ev.MedicationID, &ev.TS, &ev.Source, &ev.Note, &ev.IdempotencyKey); err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

// CountEventsSince counts doses consumed strictly after the given instant.
// Used for the stock baseline: a restock resets stock_updated_at.
func (r Repo) CountEventsSince(ctx context.Context, medicationID string, since string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM intake_events WHERE medication_id=? AND ts>?`, medicationID, since).Scan(&n)
	return n, err
}

// CountEventsBetween counts events in [from, to).
func (r Repo) CountEventsBetween(ctx context.Context, medicationID string, from, to time.Time) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM intake_events WHERE medication_id=? AND ts>=? AND ts<?`,
		medicationID, from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339)).Scan(&n)
	return n, err
}

// GetEventByKey fetches a stored event by idempotency key.
func (r Repo) GetEventByKey(ctx context.Context, key string) (domain.IntakeEvent, error) {
	var ev domain.IntakeEvent
	err := r.DB.QueryRowContext(ctx,
		`SELECT `+eventCols+` FROM intake_events WHERE idempotency_key=?`, key).
		Scan(&ev.ID, &ev.MedicationID, &ev.TS, &ev.Source, &ev.Note, &ev.IdempotencyKey)
	if err == sql.ErrNoRows {
		return ev, ErrNotFound
	}
	return ev, err
}

// UpsertSubscription stores a push subscription, replacing keys when the
// endpoint is already known rather than duplicating it.
func (r Repo) UpsertSubscription(ctx context.Context, sub domain.Subscription) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO subscriptions(id,endpoint,p256dh_key,auth_key,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(endpoint) DO UPDATE SET p256dh_key=excluded.p256dh_key, auth_key=excluded.auth_key`,
		sub.ID, sub.Endpoint, sub.P256dhKey, sub.AuthKey, sub.CreatedAt)
	return err
}

func (r Repo) GetSubscriptionByEndpoint(ctx context.Context, endpoint string) (domain.Subscription, error) {
	var sub domain.Subscription
	err := r.DB.QueryRowContext(ctx,
		`SELECT id,endpoint,p256dh_key,auth_key,created_at FROM subscriptions WHERE endpoint=?`, endpoint).
		Scan(&sub.ID, &sub.Endpoint, &sub.P256dhKey, &sub.AuthKey, &sub.CreatedAt)
	if err == sql.ErrNoRows {
		return sub, ErrNotFound
	}
	return sub, err
}

func (r Repo) ListSubscriptions(ctx context.Context) ([]domain.Subscription, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,endpoint,p256dh_key,auth_key,created_at FROM subscriptions ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Subscription
	for rows.Next() {
		var sub domain.Subscription
		if err := rows.Scan(&sub.ID, &sub.Endpoint, &sub.P256dhKey, &sub.AuthKey, &sub.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, sub)
	}
	return res, rows.Err()
}

func (r Repo) DeleteSubscription(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM subscriptions WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
