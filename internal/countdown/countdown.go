// Package countdown renders a contest start time and the remaining time until it.
package countdown

import (
	"fmt"
	"time"
)

// Layout is used for the localized start time.
const Layout = "2006-01-02 15:04:05 MST"

// DefaultZone is the display zone when none is configured.
const DefaultZone = "Europe/Berlin"

// Display is a formatted start time plus countdown.
type Display struct {
	LocalTime string
	Countdown string

	Days    int
	Hours   int
	Minutes int

	// Started is true when start is not after now; the countdown is then zero.
	Started bool
}

// Format renders start in loc and the whole-minute countdown from now.
// A nil loc means UTC.
func Format(start, now time.Time, loc *time.Location) Display {
	if loc == nil {
		loc = time.UTC
	}
	d := start.Sub(now)
	started := d <= 0
	if d < 0 {
		d = 0
	}

	total := int64(d / time.Minute)
	days := int(total / (24 * 60))
	hours := int(total/60) % 24
	minutes := int(total % 60)

	return Display{
		LocalTime: start.In(loc).Format(Layout),
		Countdown: Countdown(days, hours, minutes),
		Days:      days,
		Hours:     hours,
		Minutes:   minutes,
		Started:   started,
	}
}

// Countdown joins the parts; days are omitted when zero.
func Countdown(days, hours, minutes int) string {
	if days > 0 {
		return fmt.Sprintf("%d days %d hours %d minutes", days, hours, minutes)
	}
	return fmt.Sprintf("%d hours %d minutes", hours, minutes)
}

// LoadLocation resolves name, falling back to DefaultZone for an empty name.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		name = DefaultZone
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", name, err)
	}
	return loc, nil
}
