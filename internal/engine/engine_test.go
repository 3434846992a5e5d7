package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"go.uber.org/zap"

	"medtrack/internal/config"
	"medtrack/internal/db"
	"medtrack/internal/migrate"
	"medtrack/internal/repo"
)

func newTestEngine(t *testing.T) (Engine, clock.FakeClock) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Timezone = "UTC"
	fc := clock.NewFake()
	fc.Set(time.Date(2030, 3, 10, 12, 0, 0, 0, time.UTC))
	e := New(conn, cfg, zap.NewNop().Sugar())
	e.Clock = fc
	return e, fc
}

func TestLogIntakeDeduplicatesSameMinute(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := e.LogIntake(ctx, IntakeOptions{MedicationID: "daily_pill", Source: "nfc"})
	if err != nil {
		t.Fatalf("first log: %v", err)
	}
	if first.Duplicate {
		t.Fatal("first log flagged as duplicate")
	}
	if first.Event.ID == 0 {
		t.Fatal("fresh insert returned event id 0")
	}

	// Same medication, same minute, same source: the retry must collapse.
	second, err := e.LogIntake(ctx, IntakeOptions{MedicationID: "daily_pill", Source: "nfc"})
	if err != nil {
		t.Fatalf("duplicate log must succeed: %v", err)
	}
	if !second.Duplicate {
		t.Fatal("second log not flagged as duplicate")
	}
	if second.Event.ID != first.Event.ID {
		t.Fatalf("duplicate returned a different event: %d vs %d", second.Event.ID, first.Event.ID)
	}
	if second.Status.Today.DoseCount != 1 {
		t.Fatalf("dose count = %d, want 1", second.Status.Today.DoseCount)
	}
}

func TestLogIntakeDifferentMinuteIsNewEvent(t *testing.T) {
	e, fc := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.LogIntake(ctx, IntakeOptions{MedicationID: "daily_pill", Source: "manual"}); err != nil {
		t.Fatal(err)
	}
	fc.Add(2 * time.Minute)
	res, err := e.LogIntake(ctx, IntakeOptions{MedicationID: "daily_pill", Source: "manual"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Duplicate {
		t.Fatal("different minute should be a new event")
	}
	if res.Status.Today.DoseCount != 2 {
		t.Fatalf("dose count = %d, want 2", res.Status.Today.DoseCount)
	}
}

func TestLogIntakeClientKeyWins(t *testing.T) {
	e, fc := newTestEngine(t)
	ctx := context.Background()

	opts := IntakeOptions{MedicationID: "daily_pill", Source: "notification-action", ClientEventID: "offline-abc"}
	if _, err := e.LogIntake(ctx, opts); err != nil {
		t.Fatal(err)
	}
	// An hour later the offline queue replays the same client key.
	fc.Add(time.Hour)
	res, err := e.LogIntake(ctx, opts)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Duplicate {
		t.Fatal("replay with the same client key must deduplicate")
	}
}

func TestLogIntakeValidation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.LogIntake(ctx, IntakeOptions{Source: "manual"}); err == nil {
		t.Fatal("missing medication id accepted")
	}
	if _, err := e.LogIntake(ctx, IntakeOptions{MedicationID: "daily_pill", Source: "carrier-pigeon"}); err == nil {
		t.Fatal("unknown source accepted")
	}
	_, err := e.LogIntake(ctx, IntakeOptions{MedicationID: "no_such_med", Source: "manual"})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown medication: got %v, want ErrNotFound", err)
	}
}

func TestUpdateSettingsValidationLeavesStoredRowUntouched(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	before, err := e.Repo.GetSettings(ctx, "daily_pill")
	if err != nil {
		t.Fatal(err)
	}
	bad := "25:99"
	if _, err := e.UpdateSettings(ctx, SettingsUpdate{MedicationID: "daily_pill", ScheduleTime: &bad}); err == nil {
		t.Fatal("bad schedule time accepted")
	}
	var ve ValidationError
	neg := -1
	_, err = e.UpdateSettings(ctx, SettingsUpdate{MedicationID: "daily_pill", CurrentStock: &neg})
	if !errors.As(err, &ve) || ve.Field != "current_stock" {
		t.Fatalf("negative stock: got %v", err)
	}
	after, err := e.Repo.GetSettings(ctx, "daily_pill")
	if err != nil {
		t.Fatal(err)
	}
	if after != before {
		t.Fatalf("rejected update mutated the row: %+v vs %+v", after, before)
	}
}

func TestUpdateSettingsCreatesOnFirstUse(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	name := "Vitamin D"
	s, err := e.UpdateSettings(ctx, SettingsUpdate{MedicationID: "vitamin_d", Name: &name})
	if err != nil {
		t.Fatal(err)
	}
	if s.Name != "Vitamin D" || s.ScheduleTime != "09:00" || !s.ReminderEnabled {
		t.Fatalf("defaults not applied: %+v", s)
	}
	if _, err := e.Repo.GetSettings(ctx, "vitamin_d"); err != nil {
		t.Fatalf("row not persisted: %v", err)
	}
}

func TestRestockResetsConsumptionBaseline(t *testing.T) {
	e, fc := newTestEngine(t)
	ctx := context.Background()

	// Two doses off the seeded 30-count bottle.
	if _, err := e.LogIntake(ctx, IntakeOptions{MedicationID: "daily_pill", Source: "manual"}); err != nil {
		t.Fatal(err)
	}
	fc.Add(time.Minute)
	if _, err := e.LogIntake(ctx, IntakeOptions{MedicationID: "daily_pill", Source: "manual"}); err != nil {
		t.Fatal(err)
	}
	st, err := e.MedicationStatus(ctx, "daily_pill")
	if err != nil {
		t.Fatal(err)
	}
	if st.Stock == nil || st.Stock.Remaining != 28 {
		t.Fatalf("stock after two doses = %+v, want 28", st.Stock)
	}

	// Restock moves the baseline: earlier doses stop counting.
	fc.Add(time.Minute)
	ten := 10
	if _, err := e.UpdateSettings(ctx, SettingsUpdate{MedicationID: "daily_pill", CurrentStock: &ten}); err != nil {
		t.Fatal(err)
	}
	st, err = e.MedicationStatus(ctx, "daily_pill")
	if err != nil {
		t.Fatal(err)
	}
	if st.Stock == nil || st.Stock.Remaining != 10 {
		t.Fatalf("stock after restock = %+v, want 10", st.Stock)
	}
	if st.Stock.LowStock {
		t.Fatal("10 remaining with threshold 7 must not be low")
	}
}

func TestHistoryWindow(t *testing.T) {
	e, fc := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.LogIntake(ctx, IntakeOptions{MedicationID: "daily_pill", Source: "manual"}); err != nil {
		t.Fatal(err)
	}
	fc.Add(24 * time.Hour)
	if _, err := e.LogIntake(ctx, IntakeOptions{MedicationID: "daily_pill", Source: "manual"}); err != nil {
		t.Fatal(err)
	}

	history, err := e.History(ctx, "daily_pill", 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 7 {
		t.Fatalf("history length = %d, want 7", len(history))
	}
	if !history[0].Taken || !history[1].Taken {
		t.Fatalf("today and yesterday should both be taken: %+v %+v", history[0], history[1])
	}
	st, err := e.MedicationStatus(ctx, "daily_pill")
	if err != nil {
		t.Fatal(err)
	}
	if st.Streak != 2 {
		t.Fatalf("streak = %d, want 2", st.Streak)
	}
	if _, err := e.History(ctx, "daily_pill", 0); err == nil {
		t.Fatal("days=0 accepted")
	}
}
