package quote

import "time"

// Record is the normalized shape produced by all sources.
// Open and Volume are pointers because some upstreams simply do not carry
// them; absent means absent, never zero-filled by the transport layer.
type Record struct {
	Price         float64   `json:"current_price"`
	ChangeAmount  float64   `json:"change_amount"`
	ChangePercent float64   `json:"change_percent"`
	PrevClose     float64   `json:"prev_close"`
	Open          *float64  `json:"open_price,omitempty"`
	Volume        *int64    `json:"volume,omitempty"`
	Name          string    `json:"name"`
	Code          string    `json:"code"`
	Currency      string    `json:"currency"`
	Timestamp     time.Time `json:"timestamp"`

	// Extras carries source-specific fields (market_cap, market_state,
	// turnover, amplitude, ...) that the canonical schema does not model.
	// Unmapped upstream keys land here untouched.
	Extras map[string]any `json:"extras,omitempty"`
}

// TimestampStr returns the fetch instant in a human-readable form for
// consumers that render the record as state attributes.
func (r *Record) TimestampStr() string {
	if r.Timestamp.IsZero() {
		return ""
	}
	return r.Timestamp.Format(time.RFC3339)
}

// Extra returns a source-specific extra field, if present.
func (r *Record) Extra(key string) (any, bool) {
	if r.Extras == nil {
		return nil, false
	}
	v, ok := r.Extras[key]
	return v, ok
}

func Float64(v float64) *float64 { return &v }
func Int64(v int64) *int64       { return &v }
