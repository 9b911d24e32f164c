package schedule

import "time"

// Schedule computes the next fire instant strictly after now. Descriptors are
// pure so the registry can be driven by any clock, including test clocks.
type Schedule interface {
	Next(now time.Time) time.Time
}

// Every fires on a fixed interval.
type Every struct {
	Interval time.Duration
}

func (e Every) Next(now time.Time) time.Time {
	return now.Add(e.Interval)
}

// DailyAt fires once a day at the given UTC wall-clock time.
type DailyAt struct {
	Hour   int
	Minute int
}

func (d DailyAt) Next(now time.Time) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), d.Hour, d.Minute, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// WeeklyOn fires once a week on the given weekday at the given UTC
// wall-clock time.
type WeeklyOn struct {
	Weekday time.Weekday
	Hour    int
	Minute  int
}

func (w WeeklyOn) Next(now time.Time) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), w.Hour, w.Minute, 0, 0, time.UTC)
	days := (int(w.Weekday) - int(now.Weekday()) + 7) % 7
	next = next.AddDate(0, 0, days)
	if !next.After(now) {
		next = next.AddDate(0, 0, 7)
	}
	return next
}
