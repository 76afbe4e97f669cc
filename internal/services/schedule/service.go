// Package schedule evaluates simulation schedule records.
//
// Two distinct queries exist over the same records and their asymmetry is
// load-bearing: Due only considers enabled records and matches the current
// minute exactly, while ActiveWindow deliberately ignores the enabled flag.
// One-time start records are disabled after firing, yet their window must
// still count as active until a matching stop fires, so the engine can tell
// whether a real outage interrupted a running simulation.
package schedule

import (
	"sort"
	"strings"
	"time"

	"github.com/marekh/upshub/internal/models"
)

const (
	dateLayout   = "2006-01-02"
	minuteLayout = "15:04"
	endOfDay     = "23:59"
)

// Due returns the enabled records matching the current minute, in section
// order. The engine applies at most one action per outer cycle.
func Due(schedules map[string]models.Schedule, now time.Time) []models.Schedule {
	today := now.Format(dateLayout)
	minute := now.Format(minuteLayout)
	weekday := strings.ToLower(now.Weekday().String())

	var due []models.Schedule
	for _, section := range sortedSections(schedules) {
		sch := schedules[section]
		if !sch.Enabled {
			continue
		}
		switch sch.Type {
		case models.ScheduleOneTime:
			if sch.Date == today && sch.Time == minute {
				due = append(due, sch)
			}
		case models.ScheduleRecurring:
			if sch.Time == minute && (sch.DayOfWeek == models.DayEveryday || sch.DayOfWeek == weekday) {
				due = append(due, sch)
			}
		}
	}
	return due
}

// Window describes a currently active simulation window.
type Window struct {
	Schedule models.Schedule // the start record that opened the window
	End      time.Time       // the scheduled end of the window
}

// ActiveWindow reports whether a simulation window covers now, regardless of
// the enabled flag. A start record is in window when its day matches and its
// time is at or before now, and the matching stop record (same date for
// one-time, same type and day for recurring) has a time strictly after now.
// Without a matching stop the window runs to the end of the day.
func ActiveWindow(schedules map[string]models.Schedule, now time.Time) *Window {
	today := now.Format(dateLayout)
	minute := now.Format(minuteLayout)
	weekday := strings.ToLower(now.Weekday().String())

	for _, section := range sortedSections(schedules) {
		start := schedules[section]
		if start.Action != models.ActionStart || start.Time == "" || start.Time > minute {
			continue
		}

		switch start.Type {
		case models.ScheduleOneTime:
			if start.Date != today {
				continue
			}
		case models.ScheduleRecurring:
			if start.DayOfWeek != models.DayEveryday && start.DayOfWeek != weekday {
				continue
			}
		default:
			continue
		}

		end, open := windowEnd(schedules, start, today, minute)
		if !open {
			continue
		}
		return &Window{Schedule: start, End: atMinute(now, end)}
	}
	return nil
}

// windowEnd finds the stop boundary for a start record. It returns the end
// time as HH:MM and whether the window is still open at the current minute.
func windowEnd(schedules map[string]models.Schedule, start models.Schedule, today, minute string) (string, bool) {
	end := ""
	found := false

	for _, section := range sortedSections(schedules) {
		stop := schedules[section]
		if stop.Action != models.ActionStop || stop.Type != start.Type || stop.Time == "" {
			continue
		}
		if start.Type == models.ScheduleOneTime && stop.Date != start.Date {
			continue
		}
		if start.Type == models.ScheduleRecurring &&
			stop.DayOfWeek != start.DayOfWeek && stop.DayOfWeek != models.DayEveryday {
			continue
		}

		found = true
		if stop.Time > minute && (end == "" || stop.Time < end) {
			end = stop.Time
		}
	}

	if !found {
		// No stop configured: one-time windows stay open, recurring windows
		// close at end of day. Both report an end-of-day boundary.
		return endOfDay, true
	}
	if end == "" {
		// All matching stops are already in the past.
		return "", false
	}
	return end, true
}

// atMinute combines now's date with an HH:MM boundary.
func atMinute(now time.Time, hhmm string) time.Time {
	t, err := time.Parse(minuteLayout, hhmm)
	if err != nil {
		return now
	}
	return time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
}

func sortedSections(schedules map[string]models.Schedule) []string {
	sections := make([]string, 0, len(schedules))
	for section := range schedules {
		sections = append(sections, section)
	}
	sort.Strings(sections)
	return sections
}
