package sina

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"

	"quotewatch/internal/httpx"
	"quotewatch/internal/normalize"
	"quotewatch/internal/quote"
	"quotewatch/internal/source"
)

const defaultEndpoint = "https://hq.sinajs.cn/list="

// The feed answers with a script-like line per symbol:
//
//	var hq_str_sh000001="上证指数,3267.66,...";
var lineRe = regexp.MustCompile(`var\s+hq_str_\w+="(.*)";`)

var numericRe = regexp.MustCompile(`^[+-]?\d+(\.\d+)?$`)

// overseasPrefixes mark symbols quoted through sina's overseas gateways,
// which use the short [name, price, pct, ...] layout.
var overseasPrefixes = []struct {
	prefix   string
	currency string
}{
	{"gb_", "USD"},
	{"usr_", "USD"},
	{"rt_hk", "HKD"},
	{"hk", "HKD"},
}

// Secondary-market listings trade in a foreign currency on a domestic
// exchange (B shares).
var secondaryPrefixes = []struct {
	prefix   string
	currency string
}{
	{"sh900", "USD"},
	{"sz200", "HKD"},
}

type Config struct {
	Name     string
	Endpoint string
}

// Quotes fetches from the legacy sina text feed. The body is GBK; it is
// decoded with replacement so a garbled name never aborts a numeric quote.
type Quotes struct {
	cfg    Config
	client *httpx.Client
}

func New(cfg Config, hc *httpx.Client) *Quotes {
	if cfg.Name == "" {
		cfg.Name = "sina"
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	return &Quotes{cfg: cfg, client: hc}
}

func (q *Quotes) Name() string { return q.cfg.Name }

func (q *Quotes) Fetch(ctx context.Context, inst source.Instrument) (*quote.Record, error) {
	u := q.cfg.Endpoint + inst.Symbol
	resp, err := q.client.Get(ctx, u, map[string]string{
		// The feed rejects requests without a sina referer.
		"Referer": "https://finance.sina.com.cn",
	})
	if err != nil {
		return nil, &source.TransportError{URL: u, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return nil, source.ErrorFromStatus(resp.StatusCode, u)
	}

	// GBK with replacement-on-error; fail-fast would lose whole quotes to
	// partially garbled name bytes.
	body, err := io.ReadAll(transform.NewReader(resp.Body, simplifiedchinese.GBK.NewDecoder()))
	if err != nil {
		return nil, &source.DecodeError{Detail: "charset decode failed", Err: err}
	}

	m := lineRe.FindStringSubmatch(string(body))
	if m == nil {
		return nil, &source.FormatMismatchError{Payload: string(body)}
	}
	payload := m[1]
	if strings.TrimSpace(payload) == "" {
		return nil, &source.EmptyResultError{Symbol: inst.Symbol}
	}

	return parseFields(strings.Split(payload, ","), inst)
}

// parseFields applies the positional layout rules. Indexing rule: the
// numeric-first layout carries the price in field 0; every name-first
// layout carries it in field 1 (the short layouts in 1/2, the canonical
// domestic layout in 3).
func parseFields(fields []string, inst source.Instrument) (*quote.Record, error) {
	sym := strings.ToLower(inst.Symbol)

	switch {
	case numericRe.MatchString(strings.TrimSpace(fields[0])):
		return derivedRecord(fields, 0, inst, numericFirstCurrency(sym))
	case overseasLayout(sym):
		return derivedRecord(fields, 1, inst, overseasCurrency(sym))
	case len(fields) >= 11:
		return domesticRecord(fields, inst)
	default:
		return derivedRecord(fields, 1, inst, domesticCurrency(sym))
	}
}

// derivedRecord handles the short layouts where only price and percent are
// on the wire: change and previous close are derived arithmetically, the
// open defaults to the current price and volume is unknown.
func derivedRecord(fields []string, priceIdx int, inst source.Instrument, currency string) (*quote.Record, error) {
	if len(fields) < priceIdx+2 {
		return nil, &source.DecodeError{Detail: fmt.Sprintf("too few fields: %v", fields)}
	}
	price, err := parseFloat(fields, priceIdx)
	if err != nil {
		return nil, err
	}
	pct, err := parseFloat(fields, priceIdx+1)
	if err != nil {
		return nil, err
	}
	change := price * pct / 100

	raw := map[string]any{
		"current_price":  price,
		"change_percent": normalize.Round2(pct),
		"change_amount":  change,
		"prev_close":     price - change,
		"open_price":     price,
		"volume":         int64(0),
		"currency":       currency,
	}
	if priceIdx > 0 {
		raw["name"] = strings.TrimSpace(fields[0])
	}
	return normalize.Apply(raw, nil, inst.Name, inst.Symbol), nil
}

// domesticRecord handles the canonical domestic layout:
// [name, open, prev_close, current, high, low, bid, ask, volume, turnover, ...]
func domesticRecord(fields []string, inst source.Instrument) (*quote.Record, error) {
	open, err := parseFloat(fields, 1)
	if err != nil {
		return nil, err
	}
	prev, err := parseFloat(fields, 2)
	if err != nil {
		return nil, err
	}
	current, err := parseFloat(fields, 3)
	if err != nil {
		return nil, err
	}
	volume, err := parseFloat(fields, 8)
	if err != nil {
		return nil, err
	}

	change := current - prev
	pct := 0.0
	if prev != 0 {
		pct = change / prev * 100
	}

	raw := map[string]any{
		"name":           strings.TrimSpace(fields[0]),
		"current_price":  current,
		"change_amount":  change,
		"change_percent": normalize.Round2(pct),
		"prev_close":     prev,
		"open_price":     open,
		"volume":         int64(volume),
		"currency":       domesticCurrency(strings.ToLower(inst.Symbol)),
	}
	// Optional columns ride along as extras.
	if high, err := parseFloat(fields, 4); err == nil {
		raw["high"] = high
	}
	if low, err := parseFloat(fields, 5); err == nil {
		raw["low"] = low
	}
	if turnover, err := parseFloat(fields, 9); err == nil {
		raw["turnover"] = turnover
	}
	return normalize.Apply(raw, nil, inst.Name, inst.Symbol), nil
}

func parseFloat(fields []string, idx int) (float64, error) {
	if idx >= len(fields) {
		return 0, &source.DecodeError{Detail: fmt.Sprintf("missing field %d in %v", idx, fields)}
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(fields[idx]), 64)
	if err != nil {
		return 0, &source.DecodeError{Detail: fmt.Sprintf("field %d of %v", idx, fields), Err: err}
	}
	return v, nil
}

func overseasLayout(sym string) bool {
	for _, p := range overseasPrefixes {
		if strings.HasPrefix(sym, p.prefix) {
			return true
		}
	}
	return false
}

func overseasCurrency(sym string) string {
	for _, p := range overseasPrefixes {
		if strings.HasPrefix(sym, p.prefix) {
			return p.currency
		}
	}
	return "USD"
}

func numericFirstCurrency(sym string) string {
	for _, p := range overseasPrefixes {
		if strings.HasPrefix(sym, p.prefix) && p.currency == "USD" {
			return "USD"
		}
	}
	return "CNY"
}

func domesticCurrency(sym string) string {
	for _, p := range secondaryPrefixes {
		if strings.HasPrefix(sym, p.prefix) {
			return p.currency
		}
	}
	return "CNY"
}
