package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Window is a local time-of-day interval during which a market is open.
// Start and End are "HH:MM". A window with Start > End wraps midnight
// (e.g. 22:00-05:00 for certain overseas sessions).
type Window struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// Table maps a market-hours key to that market's trading windows.
type Table map[string][]Window

// Validate rejects malformed windows up front so IntervalFor never has to.
func (t Table) Validate() error {
	for key, windows := range t {
		for _, w := range windows {
			if _, err := parseMinutes(w.Start); err != nil {
				return fmt.Errorf("trading hours %q: bad start %q: %w", key, w.Start, err)
			}
			if _, err := parseMinutes(w.End); err != nil {
				return fmt.Errorf("trading hours %q: bad end %q: %w", key, w.End, err)
			}
		}
	}
	return nil
}

// IntervalFor decides the refresh interval for the given instant.
// Weekends are always non-trading. On weekdays the trade interval applies
// while now falls inside any window for the key; otherwise, and for keys
// with no windows at all, the non-trade interval applies.
func IntervalFor(now time.Time, key string, trade, nonTrade time.Duration, table Table) time.Duration {
	switch now.Weekday() {
	case time.Saturday, time.Sunday:
		return nonTrade
	}
	minute := now.Hour()*60 + now.Minute()
	for _, w := range table[key] {
		start, err := parseMinutes(w.Start)
		if err != nil {
			continue
		}
		end, err := parseMinutes(w.End)
		if err != nil {
			continue
		}
		if start > end {
			// wraps midnight
			if minute >= start || minute <= end {
				return trade
			}
			continue
		}
		if minute >= start && minute <= end {
			return trade
		}
	}
	return nonTrade
}

func parseMinutes(s string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("want HH:MM")
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("bad hour %q", h)
	}
	min, err := strconv.Atoi(m)
	if err != nil || min < 0 || min > 59 {
		return 0, fmt.Errorf("bad minute %q", m)
	}
	return hour*60 + min, nil
}
