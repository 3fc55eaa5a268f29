package scheduling

import (
	"fmt"
	"time"
)

const minutesPerDay = 24 * 60

// weekEpoch anchors week indexing. Monday 2020-01-06 predates all product
// data; WeekIndexOf rejects anything earlier.
var weekEpoch = time.Date(2020, time.January, 6, 0, 0, 0, 0, time.UTC)

// SlotKey is a fixed position in the weekly cycle: weekday plus a
// [start, start+duration) minute interval. It is a pure value; equality is
// structural.
type SlotKey struct {
	Weekday         time.Weekday `db:"slot_weekday" json:"weekday"`
	StartMinute     int          `db:"slot_start_minute" json:"start_minute"`
	DurationMinutes int          `db:"slot_duration_minutes" json:"duration_minutes"`
}

// EndMinute returns the exclusive end of the slot interval.
func (k SlotKey) EndMinute() int { return k.StartMinute + k.DurationMinutes }

// Validate rejects degenerate keys. Zero-duration slots are invalid input:
// they would occupy nothing and overlap nothing, including themselves.
func (k SlotKey) Validate() error {
	if k.Weekday < time.Sunday || k.Weekday > time.Saturday {
		return fmt.Errorf("%w: weekday %d out of range", ErrInvalidSlotKey, k.Weekday)
	}
	if k.DurationMinutes <= 0 {
		return fmt.Errorf("%w: duration must be positive, got %d", ErrInvalidSlotKey, k.DurationMinutes)
	}
	if k.StartMinute < 0 || k.StartMinute >= minutesPerDay {
		return fmt.Errorf("%w: start minute %d out of range", ErrInvalidSlotKey, k.StartMinute)
	}
	if k.EndMinute() > minutesPerDay {
		return fmt.Errorf("%w: slot runs past midnight", ErrInvalidSlotKey)
	}
	return nil
}

// Overlaps reports whether two slot keys collide: same weekday and
// intersecting half-open minute intervals.
func (k SlotKey) Overlaps(other SlotKey) bool {
	if k.Weekday != other.Weekday {
		return false
	}
	return k.StartMinute < other.EndMinute() && other.StartMinute < k.EndMinute()
}

func (k SlotKey) String() string {
	return fmt.Sprintf("%s %02d:%02d (%dmin)",
		k.Weekday.String()[:3], k.StartMinute/60, k.StartMinute%60, k.DurationMinutes)
}

// WeekIndexOf maps a concrete date to its week-cycle index relative to the
// epoch. The calendar date is what counts; time of day and zone offset are
// discarded before the division so the mapping is deterministic.
func WeekIndexOf(t time.Time) (int, error) {
	u := t.UTC()
	day := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	if day.Before(weekEpoch) {
		return 0, fmt.Errorf("%w: %s", ErrInvalidDate, day.Format("2006-01-02"))
	}
	days := int(day.Sub(weekEpoch).Hours()) / 24
	return days / 7, nil
}
