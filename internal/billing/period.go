package billing

import (
	"time"
)

// Period is one usage/credit cycle. Start is inclusive, End exclusive.
type Period struct {
	Start time.Time
	End   time.Time
	Key   string
}

// PeriodClock maps (anchor, now) to the period containing now. With a zero
// length periods follow calendar months from the anchor day, clamped to the
// last day of shorter months; otherwise periods are fixed-length windows.
type PeriodClock struct {
	length time.Duration
}

// NewPeriodClock returns a clock for the given fixed period length, or a
// calendar-month clock when length is zero or negative.
func NewPeriodClock(length time.Duration) PeriodClock {
	if length < 0 {
		length = 0
	}
	return PeriodClock{length: length}
}

// Current returns the period of anchor that contains now.
func (c PeriodClock) Current(anchor, now time.Time) Period {
	anchor = anchor.UTC()
	now = now.UTC()

	var start, end time.Time
	if c.length > 0 {
		idx := floorDiv(int64(now.Sub(anchor)), int64(c.length))
		start = anchor.Add(time.Duration(idx) * c.length)
		end = start.Add(c.length)
	} else {
		months := (now.Year()-anchor.Year())*12 + int(now.Month()) - int(anchor.Month())
		start = addMonths(anchor, months)
		if start.After(now) {
			months--
			start = addMonths(anchor, months)
		}
		end = addMonths(anchor, months+1)
	}
	return Period{Start: start, End: end, Key: PeriodKey(start)}
}

// Key is shorthand for Current(anchor, now).Key.
func (c PeriodClock) Key(anchor, now time.Time) string {
	return c.Current(anchor, now).Key
}

// PeriodKey formats a period start. Keys are the start instant so that a
// moved anchor can never collide with a key from the old schedule.
func PeriodKey(start time.Time) string {
	return start.UTC().Format(time.RFC3339)
}

// addMonths advances anchor by n calendar months, always computed from the
// anchor itself so that a day-31 anchor does not drift after February.
func addMonths(anchor time.Time, n int) time.Time {
	y, m, d := anchor.Date()
	total := int(m) - 1 + n
	y += floorDivInt(total, 12)
	m = time.Month(total - floorDivInt(total, 12)*12 + 1)

	if last := daysIn(y, m); d > last {
		d = last
	}
	h, mi, s := anchor.Clock()
	return time.Date(y, m, d, h, mi, s, anchor.Nanosecond(), time.UTC)
}

func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func floorDivInt(a, b int) int {
	return int(floorDiv(int64(a), int64(b)))
}
