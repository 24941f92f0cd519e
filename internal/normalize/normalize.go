package normalize

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"quotewatch/internal/quote"
)

// Mapping renames source field keys to canonical ones. Keys absent from the
// mapping pass through unchanged and end up in Record.Extras.
type Mapping map[string]string

// Validate rejects mappings where two source keys collide on one target.
// Run once at startup for each source's static table.
func (m Mapping) Validate() error {
	seen := make(map[string]string, len(m))
	for src, dst := range m {
		if prev, ok := seen[dst]; ok {
			return fmt.Errorf("duplicate mapping target %q (from %q and %q)", dst, prev, src)
		}
		seen[dst] = src
	}
	return nil
}

// Canonical field names the typed record consumes; everything else stays
// in Extras.
const (
	keyPrice         = "current_price"
	keyChangeAmount  = "change_amount"
	keyChangePercent = "change_percent"
	keyPrevClose     = "prev_close"
	keyOpen          = "open_price"
	keyVolume        = "volume"
	keyName          = "name"
	keyCode          = "code"
	keyCurrency      = "currency"
)

// Apply renames every mapped key, folds the canonical fields into a typed
// record and keeps the remainder as extras. Missing name/code fall back to
// the configured display name and identifier.
func Apply(raw map[string]any, m Mapping, fallbackName, fallbackCode string) *quote.Record {
	mapped := make(map[string]any, len(raw))
	for k, v := range raw {
		if dst, ok := m[k]; ok {
			mapped[dst] = v
		} else {
			mapped[k] = v
		}
	}

	rec := &quote.Record{Timestamp: time.Now()}
	rec.Price = takeFloat(mapped, keyPrice)
	rec.ChangeAmount = takeFloat(mapped, keyChangeAmount)
	rec.ChangePercent = takeFloat(mapped, keyChangePercent)
	rec.PrevClose = takeFloat(mapped, keyPrevClose)
	if v, ok := lookupFloat(mapped, keyOpen); ok {
		rec.Open = quote.Float64(v)
		delete(mapped, keyOpen)
	}
	if v, ok := lookupInt(mapped, keyVolume); ok {
		rec.Volume = quote.Int64(v)
		delete(mapped, keyVolume)
	}
	rec.Name = takeString(mapped, keyName)
	rec.Code = takeString(mapped, keyCode)
	rec.Currency = takeString(mapped, keyCurrency)

	if rec.Name == "" {
		rec.Name = fallbackName
	}
	if rec.Code == "" {
		rec.Code = fallbackCode
	}
	if len(mapped) > 0 {
		rec.Extras = mapped
	}
	return rec
}

func takeFloat(m map[string]any, key string) float64 {
	v, ok := lookupFloat(m, key)
	if !ok {
		return 0
	}
	delete(m, key)
	return v
}

func takeString(m map[string]any, key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	delete(m, key)
	switch s := v.(type) {
	case string:
		return s
	case float64:
		if s == float64(int64(s)) {
			return strconv.FormatInt(int64(s), 10)
		}
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func lookupFloat(m map[string]any, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func lookupInt(m map[string]any, key string) (int64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

// Round2 rounds to two decimal places, half away from zero. The rounding is
// done on the shortest decimal form, so 1.005 (stored as 1.00499...) still
// rounds to 1.01 the way it prints.
func Round2(v float64) float64 {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	intPart, frac, _ := strings.Cut(s, ".")
	for len(frac) < 3 {
		frac += "0"
	}
	cents, err := strconv.ParseInt(intPart+frac[:2], 10, 64)
	if err != nil {
		return v
	}
	if frac[2] >= '5' {
		cents++
	}
	out := float64(cents) / 100
	if neg {
		out = -out
	}
	return out
}
