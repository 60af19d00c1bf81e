// Package calendar enumerates US equity trading days. It drives both live
// batch runs and historical reprocessing, so the holiday rules here are
// the single source of truth for which (portfolio, date) units exist.
package calendar

import (
	"time"
)

// IsTradingDay reports whether the US equity market was open on t.
func IsTradingDay(t time.Time) bool {
	t = t.UTC()
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !isHoliday(t)
}

// TradingDays returns every trading day in [from, to], ascending.
func TradingDays(from, to time.Time) []time.Time {
	from = midnight(from)
	to = midnight(to)

	var days []time.Time
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		if IsTradingDay(d) {
			days = append(days, d)
		}
	}
	return days
}

// PrevTradingDay returns the last trading day strictly before t.
func PrevTradingDay(t time.Time) time.Time {
	d := midnight(t).AddDate(0, 0, -1)
	for !IsTradingDay(d) {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

// NextTradingDay returns the first trading day strictly after t.
func NextTradingDay(t time.Time) time.Time {
	d := midnight(t).AddDate(0, 0, 1)
	for !IsTradingDay(d) {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

func midnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func isHoliday(t time.Time) bool {
	y, m, d := t.Year(), t.Month(), t.Day()

	// Fixed-date holidays with weekend observance shifts.
	if observedMatch(t, time.January, 1) {
		return true
	}
	if y >= 2022 && observedMatch(t, time.June, 19) {
		return true
	}
	if observedMatch(t, time.July, 4) {
		return true
	}
	if observedMatch(t, time.December, 25) {
		return true
	}

	// Floating holidays.
	switch {
	case m == time.January && t.Weekday() == time.Monday && nthWeekdayOfMonth(d) == 3:
		return true // MLK Day
	case m == time.February && t.Weekday() == time.Monday && nthWeekdayOfMonth(d) == 3:
		return true // Presidents' Day
	case m == time.May && t.Weekday() == time.Monday && d+7 > 31:
		return true // Memorial Day (last Monday)
	case m == time.September && t.Weekday() == time.Monday && nthWeekdayOfMonth(d) == 1:
		return true // Labor Day
	case m == time.November && t.Weekday() == time.Thursday && nthWeekdayOfMonth(d) == 4:
		return true // Thanksgiving
	}

	// Good Friday.
	gf := goodFriday(y)
	return m == gf.Month() && d == gf.Day()
}

// observedMatch reports whether t is the observed occurrence of the fixed
// holiday month/day: Saturday holidays observe on Friday, Sunday holidays
// on Monday.
func observedMatch(t time.Time, month time.Month, day int) bool {
	holiday := time.Date(t.Year(), month, day, 0, 0, 0, 0, time.UTC)
	switch holiday.Weekday() {
	case time.Saturday:
		holiday = holiday.AddDate(0, 0, -1)
	case time.Sunday:
		holiday = holiday.AddDate(0, 0, 1)
	}
	return t.Month() == holiday.Month() && t.Day() == holiday.Day()
}

// nthWeekdayOfMonth returns which occurrence of its weekday the given
// day-of-month is (1-based).
func nthWeekdayOfMonth(day int) int {
	return (day-1)/7 + 1
}

// goodFriday computes Good Friday (Easter Sunday minus two days) using
// the anonymous Gregorian computus.
func goodFriday(year int) time.Time {
	a := year % 19
	b := year / 100
	c := year % 100
	d := b / 4
	e := b % 4
	f := (b + 8) / 25
	g := (b - f + 1) / 3
	h := (19*a + b - d - g + 15) % 30
	i := c / 4
	k := c % 4
	l := (32 + 2*e + 2*i - h - k) % 7
	m := (a + 11*h + 22*l) / 451
	month := (h + l - 7*m + 114) / 31
	day := (h+l-7*m+114)%31 + 1

	easter := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	return easter.AddDate(0, 0, -2)
}
