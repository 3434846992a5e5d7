package events

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"medtrack/internal/domain"
)

// Appender writes intake events with at-most-once semantics. The insert and
// the idempotency-key uniqueness check are a single atomic statement, so two
// concurrent submissions of the same dose (manual entry racing a delayed
// notification-action retry) cannot both land.
type Appender struct{}

// Key derives the deterministic idempotency key for an event: medication id
// plus the timestamp rounded down to the minute plus the source tag. Clients
// may supply their own key instead.
func Key(medicationID string, ts time.Time, source string) string {
	raw := medicationID + "|" + ts.UTC().Truncate(time.Minute).Format(time.RFC3339) + "|" + source
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(raw)).String()
}

// Append inserts the event inside the caller's transaction. It returns the
// stored row id and whether the insert landed; false means the idempotency
// key was already stored, which per the dedup contract is success, not an
// error (id is 0 in that case, the caller re-fetches by key).
func (a Appender) Append(ctx context.Context, tx *sql.Tx, ev domain.IntakeEvent) (int64, bool, error) {
	if ev.IdempotencyKey == "" {
		return 0, false, fmt.Errorf("append intake event: idempotency key required")
	}
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO intake_events(medication_id,ts,source,note,idempotency_key) VALUES (?,?,?,?,?)`,
		ev.MedicationID, ev.TS, ev.Source, nullable(ev.Note), ev.IdempotencyKey)
	if err != nil {
		return 0, false, fmt.Errorf("append intake event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if n == 0 {
		return 0, false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
