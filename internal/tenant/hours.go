package tenant

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// BusinessHours is a weekly opening window. Days uses 0 for Sunday through
// 6 for Saturday; 7 is accepted as Sunday. Start and End are "HH:MM" local
// times and both bounds are inclusive at minute granularity. When End is
// earlier than Start the window wraps past midnight.
type BusinessHours struct {
	Days     []int  `yaml:"days" json:"days,omitempty"`
	Start    string `yaml:"start" json:"start,omitempty"`
	End      string `yaml:"end" json:"end,omitempty"`
	Timezone string `yaml:"timezone,omitempty" json:"timezone,omitempty"`
}

// IsZero reports whether no window is configured.
func (b BusinessHours) IsZero() bool {
	return len(b.Days) == 0 && b.Start == "" && b.End == ""
}

// Validate checks days, clock strings and the time zone.
func (b BusinessHours) Validate() error {
	for _, d := range b.Days {
		if d < 0 || d > 7 {
			return fmt.Errorf("day %d out of range 0-7", d)
		}
	}
	if _, err := parseClock(b.Start); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if _, err := parseClock(b.End); err != nil {
		return fmt.Errorf("end: %w", err)
	}
	if b.Timezone != "" {
		if _, err := time.LoadLocation(b.Timezone); err != nil {
			return fmt.Errorf("timezone: %w", err)
		}
	}
	return nil
}

// Contains reports whether t falls inside the window. The window's own
// Timezone wins over fallback; a nil fallback means UTC.
func (b BusinessHours) Contains(t time.Time, fallback *time.Location) (bool, error) {
	start, err := parseClock(b.Start)
	if err != nil {
		return false, fmt.Errorf("tenant: business hours start: %w", err)
	}
	end, err := parseClock(b.End)
	if err != nil {
		return false, fmt.Errorf("tenant: business hours end: %w", err)
	}

	loc := fallback
	if b.Timezone != "" {
		l, err := time.LoadLocation(b.Timezone)
		if err != nil {
			return false, fmt.Errorf("tenant: business hours timezone: %w", err)
		}
		loc = l
	}
	if loc == nil {
		loc = time.UTC
	}

	local := t.In(loc)
	if !b.hasDay(int(local.Weekday())) {
		return false, nil
	}

	minute := local.Hour()*60 + local.Minute()
	if start <= end {
		return minute >= start && minute <= end, nil
	}
	return minute >= start || minute <= end, nil
}

func (b BusinessHours) hasDay(weekday int) bool {
	if slices.Contains(b.Days, weekday) {
		return true
	}
	return weekday == int(time.Sunday) && slices.Contains(b.Days, 7)
}

// parseClock converts "HH:MM" to minutes past midnight.
func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid clock %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}
