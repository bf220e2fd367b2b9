// Package market_hours tracks the US equity trading calendar and drives
// the portfolio sync cadence: frequent while the market trades, relaxed
// on weekday evenings, slow on weekends and holidays.
package market_hours

import (
	"time"

	"github.com/rs/zerolog"
)

// Phase is the current position in the trading calendar.
type Phase string

const (
	PhaseMarketHours Phase = "market_hours"
	PhaseOffHours    Phase = "off_hours"
	PhaseWeekend     Phase = "weekend"
)

// Sync intervals per phase.
const (
	IntervalMarketHours = 5 * time.Minute
	IntervalOffHours    = 30 * time.Minute
	IntervalWeekend     = 2 * time.Hour
)

// Regular NYSE/NASDAQ session, Eastern time.
const (
	openHour    = 9
	openMinute  = 30
	closeHour   = 16
	closeMinute = 0
)

// Service answers market-calendar questions for the synchronizer and
// the health endpoint.
type Service struct {
	location *time.Location
	holidays map[string]bool
	log      zerolog.Logger
}

// NewService loads the exchange timezone and holiday table. It falls
// back to fixed UTC-5 if the timezone database is unavailable.
func NewService(log zerolog.Logger) *Service {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.FixedZone("EST", -5*3600)
	}

	s := &Service{
		location: loc,
		holidays: make(map[string]bool),
		log:      log.With().Str("component", "market_hours").Logger(),
	}
	for _, day := range usMarketHolidays(loc) {
		s.holidays[day.Format("2006-01-02")] = true
	}
	return s
}

// usMarketHolidays lists full-day US market closures.
func usMarketHolidays(loc *time.Location) []time.Time {
	return []time.Time{
		time.Date(2026, 1, 1, 0, 0, 0, 0, loc),   // New Year's Day
		time.Date(2026, 1, 19, 0, 0, 0, 0, loc),  // MLK Day
		time.Date(2026, 2, 16, 0, 0, 0, 0, loc),  // Presidents Day
		time.Date(2026, 4, 3, 0, 0, 0, 0, loc),   // Good Friday
		time.Date(2026, 5, 25, 0, 0, 0, 0, loc),  // Memorial Day
		time.Date(2026, 6, 19, 0, 0, 0, 0, loc),  // Juneteenth
		time.Date(2026, 7, 3, 0, 0, 0, 0, loc),   // Independence Day (observed)
		time.Date(2026, 9, 7, 0, 0, 0, 0, loc),   // Labor Day
		time.Date(2026, 11, 26, 0, 0, 0, 0, loc), // Thanksgiving
		time.Date(2026, 12, 25, 0, 0, 0, 0, loc), // Christmas
		time.Date(2027, 1, 1, 0, 0, 0, 0, loc),   // New Year's Day
	}
}

// PhaseAt classifies an instant.
func (s *Service) PhaseAt(t time.Time) Phase {
	local := t.In(s.location)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return PhaseWeekend
	}
	if s.holidays[local.Format("2006-01-02")] {
		// Holiday weekdays keep the off-hours cadence: prices are frozen
		// but pending orders can still resolve overnight.
		return PhaseOffHours
	}

	minutes := local.Hour()*60 + local.Minute()
	open := openHour*60 + openMinute
	close := closeHour*60 + closeMinute
	if minutes >= open && minutes < close {
		return PhaseMarketHours
	}
	return PhaseOffHours
}

// CurrentPhase classifies now.
func (s *Service) CurrentPhase() Phase {
	return s.PhaseAt(time.Now())
}

// IsMarketOpen reports whether the regular session is trading now.
func (s *Service) IsMarketOpen() bool {
	return s.CurrentPhase() == PhaseMarketHours
}

// SyncInterval returns the portfolio sync cadence for a phase.
func SyncInterval(phase Phase) time.Duration {
	switch phase {
	case PhaseMarketHours:
		return IntervalMarketHours
	case PhaseWeekend:
		return IntervalWeekend
	default:
		return IntervalOffHours
	}
}

// NextInterval returns the sync cadence for the current phase.
func (s *Service) NextInterval() time.Duration {
	return SyncInterval(s.CurrentPhase())
}

// NextOpen returns the next regular session open at or after t.
func (s *Service) NextOpen(t time.Time) time.Time {
	local := t.In(s.location)
	for i := 0; i < 14; i++ {
		day := local.AddDate(0, 0, i)
		open := time.Date(day.Year(), day.Month(), day.Day(), openHour, openMinute, 0, 0, s.location)
		if open.Before(local) {
			continue
		}
		if open.Weekday() == time.Saturday || open.Weekday() == time.Sunday {
			continue
		}
		if s.holidays[open.Format("2006-01-02")] {
			continue
		}
		return open
	}
	// Unreachable with a populated calendar; fall back a week out.
	return local.AddDate(0, 0, 7)
}
