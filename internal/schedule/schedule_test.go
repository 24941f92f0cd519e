package schedule

import (
	"testing"
	"time"
)

var table = Table{
	"cn": {{Start: "09:30", End: "11:30"}, {Start: "13:00", End: "15:00"}},
	"us": {{Start: "22:00", End: "05:00"}},
}

const (
	trade    = time.Minute
	nonTrade = 10 * time.Minute
)

// Tuesday in the test calendar.
func weekday(hour, min int) time.Time {
	return time.Date(2025, 1, 7, hour, min, 0, 0, time.UTC)
}

func TestIntervalFor_InsideAndOutsideWindows(t *testing.T) {
	cases := []struct {
		name string
		now  time.Time
		key  string
		want time.Duration
	}{
		{"morning session", weekday(10, 0), "cn", trade},
		{"lunch break", weekday(12, 0), "cn", nonTrade},
		{"afternoon session", weekday(14, 30), "cn", trade},
		{"window start inclusive", weekday(9, 30), "cn", trade},
		{"window end inclusive", weekday(15, 0), "cn", trade},
		{"after close", weekday(15, 1), "cn", nonTrade},
	}
	for _, c := range cases {
		if got := IntervalFor(c.now, c.key, trade, nonTrade, table); got != c.want {
			t.Errorf("%s: got %v, want %v", c.name, got, c.want)
		}
	}
}

func TestIntervalFor_MidnightWrap(t *testing.T) {
	// 22:00-05:00 covers late evening and early morning but not midday.
	cases := []struct {
		name string
		now  time.Time
		want time.Duration
	}{
		{"before midnight", weekday(23, 30), trade},
		{"after midnight", weekday(2, 0), trade},
		{"boundary start", weekday(22, 0), trade},
		{"boundary end", weekday(5, 0), trade},
		{"midday outside", weekday(12, 0), nonTrade},
		{"just after end", weekday(5, 1), nonTrade},
	}
	for _, c := range cases {
		if got := IntervalFor(c.now, "us", trade, nonTrade, table); got != c.want {
			t.Errorf("%s: got %v, want %v", c.name, got, c.want)
		}
	}
}

func TestIntervalFor_WeekendAlwaysNonTrading(t *testing.T) {
	sat := time.Date(2025, 1, 4, 10, 0, 0, 0, time.UTC)
	sun := time.Date(2025, 1, 5, 23, 0, 0, 0, time.UTC)
	if got := IntervalFor(sat, "cn", trade, nonTrade, table); got != nonTrade {
		t.Fatalf("saturday inside window: got %v", got)
	}
	if got := IntervalFor(sun, "us", trade, nonTrade, table); got != nonTrade {
		t.Fatalf("sunday inside wrap window: got %v", got)
	}
}

func TestIntervalFor_UnknownKeyIsNonTrading(t *testing.T) {
	if got := IntervalFor(weekday(10, 0), "nope", trade, nonTrade, table); got != nonTrade {
		t.Fatalf("unknown key: got %v", got)
	}
}

func TestIntervalFor_OnlyConfiguredValuesEverReturned(t *testing.T) {
	for hour := 0; hour < 24; hour++ {
		for _, key := range []string{"cn", "us", "missing"} {
			got := IntervalFor(weekday(hour, 17), key, trade, nonTrade, table)
			if got != trade && got != nonTrade {
				t.Fatalf("hour %d key %s: interpolated value %v", hour, key, got)
			}
		}
	}
}

func TestValidate_RejectsBadWindows(t *testing.T) {
	bad := []Table{
		{"x": {{Start: "9h30", End: "11:30"}}},
		{"x": {{Start: "09:30", End: "24:00"}}},
		{"x": {{Start: "", End: "11:30"}}},
		{"x": {{Start: "09:61", End: "11:30"}}},
	}
	for i, tb := range bad {
		if err := tb.Validate(); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
	if err := table.Validate(); err != nil {
		t.Fatalf("valid table rejected: %v", err)
	}
}
