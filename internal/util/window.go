package util

import (
	"fmt"
	"time"
)

// Window is a daily harvesting window in HH:MM local time. Empty bounds mean
// no restriction on that side.
type Window struct {
	Start    string
	End      string
	Timezone string
}

// Contains reports whether now falls inside the window. A window whose end is
// before its start wraps past midnight.
func (w Window) Contains(now time.Time) (bool, error) {
	if w.Start == "" && w.End == "" {
		return true, nil
	}
	loc := now.Location()
	if w.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(w.Timezone)
		if err != nil {
			return false, fmt.Errorf("invalid timezone: %w", err)
		}
	}
	local := now.In(loc)
	current := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), local.Minute(), 0, 0, loc)

	at := func(v string) (time.Time, error) {
		parsed, err := time.ParseInLocation("15:04", v, loc)
		if err != nil {
			return time.Time{}, err
		}
		return time.Date(current.Year(), current.Month(), current.Day(), parsed.Hour(), parsed.Minute(), 0, 0, loc), nil
	}

	var start, end time.Time
	var err error
	if w.Start != "" {
		if start, err = at(w.Start); err != nil {
			return false, fmt.Errorf("invalid window start: %w", err)
		}
	}
	if w.End != "" {
		if end, err = at(w.End); err != nil {
			return false, fmt.Errorf("invalid window end: %w", err)
		}
	}

	switch {
	case w.End == "":
		return !current.Before(start), nil
	case w.Start == "":
		return !current.After(end), nil
	case end.After(start):
		return !current.Before(start) && !current.After(end), nil
	default:
		return !current.Before(start) || !current.After(end), nil
	}
}
