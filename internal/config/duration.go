package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a non-negative Go duration; empty means 0.
// path names the field in errors.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// Durations holds the parsed duration fields of a validated Config.
type Durations struct {
	PollTimeout    time.Duration
	BusyTimeout    time.Duration
	ContestTimeout time.Duration
	SendTimeout    time.Duration
}

// Durations parses every duration field. Call after Validate.
func (c *Config) Durations() (Durations, error) {
	var (
		d   Durations
		err error
	)
	if d.PollTimeout, err = ParseDurationField("telegram.poll_timeout", c.Telegram.PollTimeout); err != nil {
		return d, err
	}
	if d.BusyTimeout, err = ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return d, err
	}
	if d.ContestTimeout, err = ParseDurationField("contest.timeout", c.Contest.Timeout); err != nil {
		return d, err
	}
	if d.SendTimeout, err = ParseDurationField("dispatch.send_timeout", c.Dispatch.SendTimeout); err != nil {
		return d, err
	}
	return d, nil
}
