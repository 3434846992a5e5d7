// Package reminder runs the per-medication reminder state machine: due-time
// detection, push dispatch with a bounded retry budget, snooze, and the daily
// low-stock sweep.
package reminder

import (
	"context"
	"sync"
	"time"

	"github.com/jmhodges/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"medtrack/internal/config"
	"medtrack/internal/domain"
	"medtrack/internal/notify"
	"medtrack/internal/repo"
	"medtrack/internal/stock"
)

// Reminder phases. A medication is idle until its schedule time passes,
// pending while delivery is owed, delivered once a push went out (or the
// retry budget ran dry), and snoozed while the user asked to be re-poked
// later. Everything resets at local midnight.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhasePending   Phase = "pending"
	PhaseDelivered Phase = "delivered"
	PhaseSnoozed   Phase = "snoozed"
)

// Dispatcher sends one payload to one subscription.
type Dispatcher interface {
	Send(ctx context.Context, sub domain.Subscription, payload domain.PushPayload) domain.DeliveryResult
	Configured() bool
}

// Registry lists deliverable subscriptions and drops dead ones.
type Registry interface {
	ListActive(ctx context.Context) ([]domain.Subscription, error)
	Invalidate(ctx context.Context, id string) error
}

// medState is the in-memory reminder state for one medication. It is not
// persisted: after a restart the first tick recomputes due-ness from the
// event log, and the stable notification tag collapses any re-delivery.
type medState struct {
	mu             sync.Mutex
	phase          Phase
	day            string // local YYYY-MM-DD the state belongs to
	deliveries     int    // dispatch attempts today
	degradedLogged bool
	snoozeUntil    time.Time
	stockAlerted   bool
}

// Scheduler drives the reminder state machines off a wall-clock tick.
type Scheduler struct {
	Repo       repo.Repo
	Dispatcher Dispatcher
	Registry   Registry
	Cfg        *config.Config
	Clock      clock.Clock
	Logger     *zap.SugaredLogger

	mu   sync.Mutex
	meds map[string]*medState
}

func NewScheduler(r repo.Repo, d Dispatcher, reg Registry, cfg *config.Config, logger *zap.SugaredLogger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Scheduler{
		Repo:       r,
		Dispatcher: d,
		Registry:   reg,
		Cfg:        cfg,
		Clock:      clock.New(),
		Logger:     logger,
		meds:       map[string]*medState{},
	}
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Cfg.TickInterval())
	defer ticker.Stop()
	s.Tick(ctx, s.Clock.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx, s.Clock.Now())
		}
	}
}

// Tick evaluates every reminder-enabled medication once. One medication's
// failure never blocks the others.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	meds, err := s.Repo.ListEnabled(ctx)
	if err != nil {
		s.Logger.Errorw("reminder tick: list medications", "err", err)
		return
	}
	for _, med := range meds {
		if err := s.evaluate(ctx, med, now); err != nil {
			s.Logger.Errorw("reminder tick: evaluate", "medication_id", med.MedicationID, "err", err)
		}
	}
}

func (s *Scheduler) location() *time.Location {
	if loc, err := s.Cfg.Location(); err == nil {
		return loc
	}
	return time.Local
}

func (s *Scheduler) state(medicationID string) *medState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.meds[medicationID]
	if st == nil {
		st = &medState{phase: PhaseIdle}
		s.meds[medicationID] = st
	}
	return st
}

// takenToday reports whether a dose was logged in the local day containing
// now.
func (s *Scheduler) takenToday(ctx context.Context, medicationID string, now time.Time) (bool, error) {
	loc := s.location()
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	n, err := s.Repo.CountEventsBetween(ctx, medicationID, start, start.Add(24*time.Hour))
	if err != nil {
		return false, errors.Wrap(err, "count today's events")
	}
	return n > 0, nil
}

// dueAt returns the local schedule instant for today. Malformed schedule
// times disable the reminder for the day rather than crashing the loop.
func dueAt(med domain.MedicationSettings, now time.Time, loc *time.Location) (time.Time, error) {
	hm, err := time.Parse("15:04", med.ScheduleTime)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "medication %s: bad schedule time %q", med.MedicationID, med.ScheduleTime)
	}
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), hm.Hour(), hm.Minute(), 0, 0, loc), nil
}

func (s *Scheduler) evaluate(ctx context.Context, med domain.MedicationSettings, now time.Time) error {
	st := s.state(med.MedicationID)
	st.mu.Lock()
	defer st.mu.Unlock()

	loc := s.location()
	day := now.In(loc).Format("2006-01-02")
	if st.day != day {
		// Local midnight rollover: yesterday's delivery counters and
		// snoozes do not carry over.
		st.day = day
		st.phase = PhaseIdle
		st.deliveries = 0
		st.degradedLogged = false
		st.snoozeUntil = time.Time{}
		st.stockAlerted = false
	}

	if err := s.sweepStock(ctx, med, st, now); err != nil {
		s.Logger.Warnw("stock sweep failed", "medication_id", med.MedicationID, "err", err)
	}

	taken, err := s.takenToday(ctx, med.MedicationID, now)
	if err != nil {
		return err
	}
	if taken {
		// Dose is logged, nothing left to remind about today. Any in-flight
		// state, delivered included, resolves to idle so the status endpoint
		// reflects that the reminder is settled.
		st.phase = PhaseIdle
		st.snoozeUntil = time.Time{}
		return nil
	}

	switch st.phase {
	case PhaseIdle:
		due, err := dueAt(med, now, loc)
		if err != nil {
			return err
		}
		if now.Before(due) {
			return nil
		}
		st.phase = PhasePending
	case PhaseSnoozed:
		// Fires once now reaches snooze_until, boundary included.
		if now.Before(st.snoozeUntil) {
			return nil
		}
		st.phase = PhasePending
	case PhaseDelivered:
		return nil
	}

	if st.phase == PhasePending {
		return s.dispatch(ctx, med, st)
	}
	return nil
}

// dispatch sends the reminder to every active subscription. At least one
// success (or having nobody to notify) counts as delivered; total failure
// consumes one attempt from the day's budget, and an exhausted budget
// degrades to delivered so the loop stops hammering the push service.
func (s *Scheduler) dispatch(ctx context.Context, med domain.MedicationSettings, st *medState) error {
	if st.deliveries >= s.Cfg.Reminder.MaxDeliveriesPerDay {
		if !st.degradedLogged {
			s.Logger.Warnw("reminder delivery budget exhausted, giving up for today",
				"medication_id", med.MedicationID, "attempts", st.deliveries)
			st.degradedLogged = true
		}
		st.phase = PhaseDelivered
		return nil
	}
	st.deliveries++

	subs, err := s.Registry.ListActive(ctx)
	if err != nil {
		return errors.Wrap(err, "list subscriptions")
	}
	if len(subs) == 0 || !s.Dispatcher.Configured() {
		// No one to notify. Treat as delivered so an unconfigured install
		// does not burn the budget and log-spam every tick.
		st.phase = PhaseDelivered
		return nil
	}

	payload := notify.ReminderPayload(med)
	delivered := false
	for _, sub := range subs {
		res := s.Dispatcher.Send(ctx, sub, payload)
		switch res.Outcome {
		case domain.DeliverySuccess:
			delivered = true
		case domain.DeliveryPermanentFailure:
			if err := s.Registry.Invalidate(ctx, sub.ID); err != nil {
				s.Logger.Warnw("invalidate subscription", "subscription_id", sub.ID, "err", err)
			}
		case domain.DeliveryTransientFailure:
			s.Logger.Warnw("push delivery failed", "medication_id", med.MedicationID,
				"subscription_id", sub.ID, "status", res.StatusCode, "err", res.Err)
		}
	}
	if delivered {
		st.phase = PhaseDelivered
		s.Logger.Infow("reminder delivered", "medication_id", med.MedicationID, "attempt", st.deliveries)
		return nil
	}
	// Stay pending; the next tick retries until the budget runs out.
	return nil
}

// sweepStock sends the once-a-day low-stock alert after the configured
// alert time.
func (s *Scheduler) sweepStock(ctx context.Context, med domain.MedicationSettings, st *medState, now time.Time) error {
	if st.stockAlerted {
		return nil
	}
	hm, err := time.Parse("15:04", s.Cfg.Reminder.StockAlertTime)
	if err != nil {
		return errors.Wrap(err, "bad stock alert time")
	}
	loc := s.location()
	local := now.In(loc)
	alertAt := time.Date(local.Year(), local.Month(), local.Day(), hm.Hour(), hm.Minute(), 0, 0, loc)
	if now.Before(alertAt) {
		return nil
	}

	consumed, err := s.Repo.CountEventsSince(ctx, med.MedicationID, med.StockUpdatedAt)
	if err != nil {
		return errors.Wrap(err, "count consumed doses")
	}
	snap := stock.Compute(med, consumed)
	st.stockAlerted = true
	// An empty bottle is not alerted; the user already knows.
	if !snap.LowStock || snap.Remaining == 0 {
		return nil
	}
	if !s.Dispatcher.Configured() {
		return nil
	}
	subs, err := s.Registry.ListActive(ctx)
	if err != nil {
		return errors.Wrap(err, "list subscriptions")
	}
	payload := notify.LowStockPayload(med, snap.Remaining)
	for _, sub := range subs {
		res := s.Dispatcher.Send(ctx, sub, payload)
		if res.Outcome == domain.DeliveryPermanentFailure {
			if err := s.Registry.Invalidate(ctx, sub.ID); err != nil {
				s.Logger.Warnw("invalidate subscription", "subscription_id", sub.ID, "err", err)
			}
		}
	}
	s.Logger.Infow("low stock alert sent", "medication_id", med.MedicationID, "remaining", snap.Remaining)
	return nil
}

// MarkTaken moves the medication back to idle after a dose is logged, so an
// in-flight reminder cycle stops immediately instead of waiting for the next
// tick to notice the new event.
func (s *Scheduler) MarkTaken(medicationID string) {
	st := s.state(medicationID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.phase = PhaseIdle
	st.snoozeUntil = time.Time{}
}

// Snooze postpones the reminder by the configured snooze window.
func (s *Scheduler) Snooze(medicationID string) time.Time {
	st := s.state(medicationID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.phase = PhaseSnoozed
	st.snoozeUntil = s.Clock.Now().Add(s.Cfg.SnoozeDuration())
	return st.snoozeUntil
}

// Dismiss suppresses further reminders for the rest of the day without
// logging a dose. Delivered doubles as the dismissed state: both mean "no
// more pushes today", and midnight rollover clears it either way.
func (s *Scheduler) Dismiss(medicationID string) {
	st := s.state(medicationID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.phase = PhaseDelivered
}

// Phase exposes the current phase, mainly for the status endpoint and tests.
func (s *Scheduler) Phase(medicationID string) Phase {
	st := s.state(medicationID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.phase
}
