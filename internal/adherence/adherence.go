// Package adherence derives day summaries, history, and streaks from intake
// event sequences. Everything here is pure: callers pass events and a
// reference instant, nothing touches storage.
package adherence

import (
	"fmt"
	"sort"
	"time"

	"medtrack/internal/domain"
)

const dateLayout = "2006-01-02"

// DataError marks a stored event that cannot be interpreted. Callers log it
// and continue; the affected day simply counts as not taken.
type DataError struct {
	EventID int64
	Value   string
	Reason  string
}

func (e DataError) Error() string {
	return fmt.Sprintf("bad event data (id=%d value=%q): %s", e.EventID, e.Value, e.Reason)
}

// DaySummary is the current-day adherence view.
type DaySummary struct {
	Taken         bool
	DoseCount     int
	LastEventTime *time.Time
}

func eventTime(ev domain.IntakeEvent) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, ev.TS)
	if err != nil {
		return time.Time{}, DataError{EventID: ev.ID, Value: ev.TS, Reason: "unparseable timestamp"}
	}
	return t, nil
}

// localMidnight returns the start of the calendar day containing now in loc.
func localMidnight(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// sortEvents orders by timestamp ascending; equal timestamps keep insertion
// order via the row id so the result is stable.
func sortEvents(events []domain.IntakeEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].TS != events[j].TS {
			return events[i].TS < events[j].TS
		}
		return events[i].ID < events[j].ID
	})
}

// ComputeToday summarizes events falling in [localMidnight(now), +24h).
// A DataError from a malformed event is returned alongside the partial
// summary; the malformed event is skipped.
func ComputeToday(events []domain.IntakeEvent, now time.Time, loc *time.Location) (DaySummary, error) {
	events = append([]domain.IntakeEvent(nil), events...)
	sortEvents(events)
	start := localMidnight(now, loc)
	end := start.Add(24 * time.Hour)

	var sum DaySummary
	var dataErr error
	for _, ev := range events {
		t, err := eventTime(ev)
		if err != nil {
			if dataErr == nil {
				dataErr = err
			}
			continue
		}
		if t.Before(start) || !t.Before(end) {
			continue
		}
		sum.DoseCount++
		if sum.LastEventTime == nil || t.After(*sum.LastEventTime) {
			last := t
			sum.LastEventTime = &last
		}
	}
	sum.Taken = sum.DoseCount > 0
	return sum, dataErr
}

// ComputeHistory produces one AdherenceDay per calendar day, most recent
// first, for the `days` days ending today. Days with zero events are
// present with DoseCount=0 and Taken=false; gaps are the signal of
// interest and must not be omitted.
func ComputeHistory(events []domain.IntakeEvent, days int, now time.Time, loc *time.Location) ([]domain.AdherenceDay, error) {
	if days <= 0 {
		return []domain.AdherenceDay{}, nil
	}
	events = append([]domain.IntakeEvent(nil), events...)
	sortEvents(events)

	type bucket struct {
		count int
		times []string
	}
	byDate := map[string]*bucket{}
	var dataErr error
	for _, ev := range events {
		t, err := eventTime(ev)
		if err != nil {
			if dataErr == nil {
				dataErr = err
			}
			continue
		}
		date := t.In(loc).Format(dateLayout)
		b := byDate[date]
		if b == nil {
			b = &bucket{}
			byDate[date] = b
		}
		b.count++
		b.times = append(b.times, t.UTC().Format(time.RFC3339))
	}

	today := localMidnight(now, loc)
	history := make([]domain.AdherenceDay, 0, days)
	for i := 0; i < days; i++ {
		date := today.AddDate(0, 0, -i).Format(dateLayout)
		day := domain.AdherenceDay{Date: date}
		if b, ok := byDate[date]; ok {
			day.DoseCount = b.count
			day.Taken = b.count > 0
			day.Times = b.times
		}
		history = append(history, day)
	}
	return history, dataErr
}

// ComputeStreak counts consecutive most-recent taken days in a history that
// is ordered most-recent first (today at index 0). Today counts only when
// already taken; an untaken today does not break a streak built on the days
// before it.
func ComputeStreak(history []domain.AdherenceDay) int {
	if len(history) == 0 {
		return 0
	}
	i := 0
	if !history[0].Taken {
		i = 1
	}
	streak := 0
	for ; i < len(history); i++ {
		if !history[i].Taken {
			break
		}
		streak++
	}
	return streak
}
