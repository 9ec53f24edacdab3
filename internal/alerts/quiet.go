package alerts

import (
	"fmt"
	"time"
)

// QuietHours is a daily window, possibly spanning midnight, during which
// non-critical notifications are suppressed. The zero value is never quiet.
type QuietHours struct {
	// Bounds in minutes after local midnight.
	start   int
	end     int
	loc     *time.Location
	enabled bool
}

// ParseQuietHours parses "HH:MM" bounds in the named time zone. Empty bounds
// disable quiet hours.
func ParseQuietHours(start, end, tz string) (QuietHours, error) {
	if start == "" || end == "" {
		return QuietHours{}, nil
	}
	loc := time.UTC
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return QuietHours{}, fmt.Errorf("alerts: timezone %q: %w", tz, err)
		}
		loc = l
	}
	s, err := parseClock(start)
	if err != nil {
		return QuietHours{}, err
	}
	e, err := parseClock(end)
	if err != nil {
		return QuietHours{}, err
	}
	return QuietHours{start: s, end: e, loc: loc, enabled: s != e}, nil
}

func parseClock(v string) (int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, fmt.Errorf("alerts: clock %q: %w", v, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Active reports whether t falls inside the window.
func (q QuietHours) Active(t time.Time) bool {
	if !q.enabled {
		return false
	}
	local := t.In(q.loc)
	m := local.Hour()*60 + local.Minute()
	if q.start < q.end {
		return m >= q.start && m < q.end
	}
	return m >= q.start || m < q.end
}
