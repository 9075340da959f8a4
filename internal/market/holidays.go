package market

import "time"

// IsHoliday reports whether t's calendar date is an observed US federal
// holiday. Fixed-date holidays falling on a weekend are observed on the
// nearest workday (Saturday → Friday, Sunday → Monday), so New Year's Day
// can be observed on December 31 of the previous year.
func IsHoliday(t time.Time) bool {
	y, m, d := t.Date()
	day := civilDate{y, m, d}
	for _, year := range []int{y, y + 1} {
		for _, h := range federalHolidays(year) {
			if h == day {
				return true
			}
		}
	}
	return false
}

type civilDate struct {
	year  int
	month time.Month
	day   int
}

func (c civilDate) weekday() time.Weekday {
	return time.Date(c.year, c.month, c.day, 0, 0, 0, 0, time.UTC).Weekday()
}

// federalHolidays returns the observed federal holidays of a year.
func federalHolidays(year int) []civilDate {
	days := []civilDate{
		nearestWorkday(civilDate{year, time.January, 1}),
		nthWeekday(year, time.February, time.Monday, 3),
		lastWeekday(year, time.May, time.Monday),
		nearestWorkday(civilDate{year, time.July, 4}),
		nthWeekday(year, time.September, time.Monday, 1),
		nthWeekday(year, time.October, time.Monday, 2),
		nearestWorkday(civilDate{year, time.November, 11}),
		nthWeekday(year, time.November, time.Thursday, 4),
		nearestWorkday(civilDate{year, time.December, 25}),
	}
	if year >= 1986 {
		days = append(days, nthWeekday(year, time.January, time.Monday, 3))
	}
	if year >= 2021 {
		days = append(days, nearestWorkday(civilDate{year, time.June, 19}))
	}
	return days
}

func nearestWorkday(c civilDate) civilDate {
	t := time.Date(c.year, c.month, c.day, 0, 0, 0, 0, time.UTC)
	switch c.weekday() {
	case time.Saturday:
		t = t.AddDate(0, 0, -1)
	case time.Sunday:
		t = t.AddDate(0, 0, 1)
	}
	y, m, d := t.Date()
	return civilDate{y, m, d}
}

// nthWeekday returns the n-th (1-based) given weekday of a month.
func nthWeekday(year int, month time.Month, wd time.Weekday, n int) civilDate {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	offset := (int(wd) - int(first.Weekday()) + 7) % 7
	return civilDate{year, month, 1 + offset + 7*(n-1)}
}

func lastWeekday(year int, month time.Month, wd time.Weekday) civilDate {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC)
	offset := (int(last.Weekday()) - int(wd) + 7) % 7
	return civilDate{year, month, last.Day() - offset}
}
