package util

import "time"

// TradingCalendar tracks trading-day boundaries. Crypto markets trade
// continuously, so a day is the calendar day in the configured location.
type TradingCalendar struct {
	loc *time.Location
}

// NewTradingCalendar creates a TradingCalendar for loc. A nil location
// means UTC.
func NewTradingCalendar(loc *time.Location) *TradingCalendar {
	if loc == nil {
		loc = time.UTC
	}
	return &TradingCalendar{loc: loc}
}

// DayStart returns midnight of the trading day containing t.
func (tc *TradingCalendar) DayStart(t time.Time) time.Time {
	lt := t.In(tc.loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, tc.loc)
}

// NextDayStart returns the start of the trading day after the one
// containing t.
func (tc *TradingCalendar) NextDayStart(t time.Time) time.Time {
	return tc.DayStart(t).AddDate(0, 0, 1)
}

// SameDay reports whether a and b fall on the same trading day.
func (tc *TradingCalendar) SameDay(a, b time.Time) bool {
	return tc.DayStart(a).Equal(tc.DayStart(b))
}
