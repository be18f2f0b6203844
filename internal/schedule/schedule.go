// Package schedule decides when collection jobs are due and when the next
// one should run. Business days are Monday through Friday in the configured
// zone; an optional holiday calendar adds further exclusions.
package schedule

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// BusinessCalendar answers whether a given day is a working day. The holiday
// calendar behind it is pluggable; the default knows only about weekends.
type BusinessCalendar interface {
	IsBusinessDay(t time.Time) bool
}

// WeekdayCalendar treats Monday-Friday as business days.
type WeekdayCalendar struct{}

// IsBusinessDay reports whether t falls on a weekday.
func (WeekdayCalendar) IsBusinessDay(t time.Time) bool {
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// HolidayCalendar is a WeekdayCalendar with extra excluded dates.
type HolidayCalendar struct {
	holidays map[string]struct{}
}

// NewHolidayCalendar builds a calendar from a list of dates.
func NewHolidayCalendar(dates []time.Time) *HolidayCalendar {
	h := &HolidayCalendar{holidays: make(map[string]struct{}, len(dates))}
	for _, d := range dates {
		h.holidays[d.Format("2006-01-02")] = struct{}{}
	}
	return h
}

// holidayFile is the YAML shape of HOLIDAY_FILE.
type holidayFile struct {
	Holidays []string `yaml:"holidays"`
}

// LoadHolidayCalendar reads a YAML file listing dates as YYYY-MM-DD.
func LoadHolidayCalendar(path string) (*HolidayCalendar, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=schedule.load_holidays: %w", err)
	}
	var f holidayFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("op=schedule.load_holidays: %w", err)
	}
	dates := make([]time.Time, 0, len(f.Holidays))
	for _, s := range f.Holidays {
		d, err := time.Parse("2006-01-02", s)
		if err != nil {
			return nil, fmt.Errorf("op=schedule.load_holidays: bad date %q: %w", s, err)
		}
		dates = append(dates, d)
	}
	return NewHolidayCalendar(dates), nil
}

// IsBusinessDay reports whether t is a weekday and not a listed holiday.
func (h *HolidayCalendar) IsBusinessDay(t time.Time) bool {
	if !(WeekdayCalendar{}).IsBusinessDay(t) {
		return false
	}
	_, holiday := h.holidays[t.Format("2006-01-02")]
	return !holiday
}

// Planner computes due-ness and successor slots for the daily run.
type Planner struct {
	Loc      *time.Location
	Hour     int
	Minute   int
	Calendar BusinessCalendar
}

// NewPlanner wires a planner for the configured zone and wall clock.
func NewPlanner(loc *time.Location, hour, minute int, cal BusinessCalendar) *Planner {
	if cal == nil {
		cal = WeekdayCalendar{}
	}
	return &Planner{Loc: loc, Hour: hour, Minute: minute, Calendar: cal}
}

// Due reports whether a job scheduled at scheduledAt may run at now.
// The scheduled instant is compared in the planner's zone; a job is due once
// its wall time has passed on a business day.
func (p *Planner) Due(now, scheduledAt time.Time) bool {
	local := now.In(p.Loc)
	if !p.Calendar.IsBusinessDay(local) {
		return false
	}
	return !scheduledAt.In(p.Loc).After(local)
}

// NextExecution returns the next business day after `after` at the configured
// wall clock, in the planner's zone. Always zone-local; successor jobs never
// inherit the UTC ambiguity of mixed-zone arithmetic.
func (p *Planner) NextExecution(after time.Time) time.Time {
	local := after.In(p.Loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), p.Hour, p.Minute, 0, 0, p.Loc)
	next = next.AddDate(0, 0, 1)
	for !p.Calendar.IsBusinessDay(next) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// DayBounds returns the start and end of now's calendar day in the planner's
// zone, used by the at-most-once-per-day duplicate guard.
func (p *Planner) DayBounds(now time.Time) (time.Time, time.Time) {
	local := now.In(p.Loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, p.Loc)
	return start, start.AddDate(0, 0, 1)
}
