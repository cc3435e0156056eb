package journey

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/solatis/waypoint/internal/types"
)

// clockLayouts are the accepted time-of-day formats.
var clockLayouts = []string{"15:04", "15:04:05", "3:04PM", "3:04 PM"}

func validateDelay(cfg types.DelayConfig) error {
	switch cfg.Format {
	case "", types.DelayDuration:
		if cfg.Days < 0 || cfg.Hours < 0 || cfg.Minutes < 0 {
			return errors.New("negative delay duration")
		}
	case types.DelayTime:
		if _, err := parseClock(cfg.Time); err != nil {
			return err
		}
	case types.DelayDate:
		if _, err := time.Parse(time.DateOnly, strings.TrimSpace(cfg.Date)); err != nil {
			return fmt.Errorf("invalid delay date %q", cfg.Date)
		}
		if cfg.Time != "" {
			if _, err := parseClock(cfg.Time); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown delay format %q", cfg.Format)
	}
	if cfg.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Timezone); err != nil {
			return fmt.Errorf("unknown timezone %q", cfg.Timezone)
		}
	}
	return nil
}

// parseClock returns the offset from midnight of a time-of-day string.
func parseClock(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	for _, layout := range clockLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Duration(t.Hour())*time.Hour +
				time.Duration(t.Minute())*time.Minute +
				time.Duration(t.Second())*time.Second, nil
		}
	}
	return 0, fmt.Errorf("invalid delay time %q", s)
}

// resolveLocation picks the delay timezone: the step's own, then the user's
// "timezone" attribute, then fallback. Unknown names fall through.
func resolveLocation(stepTZ string, user map[string]any, fallback *time.Location) *time.Location {
	if stepTZ != "" {
		if loc, err := time.LoadLocation(stepTZ); err == nil {
			return loc
		}
	}
	if tz, ok := user["timezone"].(string); ok && tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	if fallback != nil {
		return fallback
	}
	return time.UTC
}

// DelayUntil computes when a run waiting at a delay configured by cfg, which
// arrived at from, may resume. The result may be at or before from, in which
// case the wait is already over.
func DelayUntil(cfg types.DelayConfig, from time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	switch cfg.Format {
	case "", types.DelayDuration:
		d := time.Duration(cfg.Days)*24*time.Hour +
			time.Duration(cfg.Hours)*time.Hour +
			time.Duration(cfg.Minutes)*time.Minute
		return from.Add(d), nil

	case types.DelayTime:
		offset, err := parseClock(cfg.Time)
		if err != nil {
			return time.Time{}, err
		}
		local := from.In(loc)
		next := atClock(local, offset)
		if next.Before(local) {
			next = atClock(local.AddDate(0, 0, 1), offset)
		}
		return next.UTC(), nil

	case types.DelayDate:
		day, err := time.ParseInLocation(time.DateOnly, strings.TrimSpace(cfg.Date), loc)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid delay date %q", cfg.Date)
		}
		if cfg.Time != "" {
			offset, err := parseClock(cfg.Time)
			if err != nil {
				return time.Time{}, err
			}
			day = atClock(day, offset)
		}
		return day.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unknown delay format %q", cfg.Format)
}

// atClock returns the wall-clock time offset past midnight on t's day in t's
// location. Built with time.Date so DST transitions keep wall-clock semantics.
func atClock(t time.Time, offset time.Duration) time.Time {
	y, m, d := t.Date()
	h := int(offset / time.Hour)
	mi := int(offset % time.Hour / time.Minute)
	sec := int(offset % time.Minute / time.Second)
	return time.Date(y, m, d, h, mi, sec, 0, t.Location())
}
