package eastmoney

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"

	"quotewatch/internal/httpx"
	"quotewatch/internal/normalize"
	"quotewatch/internal/quote"
	"quotewatch/internal/source"
)

const (
	defaultEndpoint = "https://push2.eastmoney.com/api/qt/ulist.np/get"
	// Column list the server is asked to return. f12/f13/f14 identify the
	// instrument, f2..f8 and f18 carry the quote, the rest ride along as
	// extras.
	defaultFields = "f12,f13,f19,f14,f139,f148,f2,f4,f1,f125,f18,f3,f152,f5,f30,f31,f32,f6,f8,f7,f10,f22,f9,f112,f100,f88,f153"
)

// fieldMap renames the wire's f-keys to canonical names. Unknown f-keys
// pass through the normalizer as extras.
var fieldMap = normalize.Mapping{
	"f1":  "type",
	"f2":  "current_price",
	"f3":  "change_percent",
	"f4":  "change_amount",
	"f5":  "volume",
	"f6":  "turnover",
	"f7":  "amplitude",
	"f8":  "turnover_rate",
	"f12": "code",
	"f13": "market_type",
	"f14": "name",
	"f18": "prev_close",
}

// currencyByMarket maps the secid market prefix to the quote currency.
// The payload itself carries no currency field.
var currencyByMarket = map[string]string{
	"105": "USD",
	"106": "USD",
	"107": "USD",
	"116": "HKD",
	"122": "JPY",
	"124": "GBP",
	"125": "EUR",
}

type Config struct {
	Name     string
	Endpoint string
	Fields   string
}

// Quotes fetches from the eastmoney bulk-quote endpoint. The server answers
// with text/plain even though the body is JSON, so the adapter always reads
// the raw body and parses explicitly.
type Quotes struct {
	cfg    Config
	client *httpx.Client
}

func New(cfg Config, hc *httpx.Client) (*Quotes, error) {
	if cfg.Name == "" {
		cfg.Name = "eastmoney"
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	if cfg.Fields == "" {
		cfg.Fields = defaultFields
	}
	if err := fieldMap.Validate(); err != nil {
		return nil, fmt.Errorf("eastmoney field map: %w", err)
	}
	return &Quotes{cfg: cfg, client: hc}, nil
}

func (q *Quotes) Name() string { return q.cfg.Name }

type apiResponse struct {
	RC   int `json:"rc"`
	Data struct {
		Diff []map[string]any `json:"diff"`
	} `json:"data"`
}

func (q *Quotes) Fetch(ctx context.Context, inst source.Instrument) (*quote.Record, error) {
	u := fmt.Sprintf("%s?fltt=2&fields=%s&secids=%s",
		q.cfg.Endpoint, url.QueryEscape(q.cfg.Fields), url.QueryEscape(inst.Code()))

	resp, err := q.client.Get(ctx, u, map[string]string{"Accept": "*/*"})
	if err != nil {
		return nil, &source.TransportError{URL: u, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return nil, source.ErrorFromStatus(resp.StatusCode, u)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &source.TransportError{URL: u, Err: err}
	}
	var api apiResponse
	if err := json.Unmarshal(body, &api); err != nil {
		return nil, &source.DecodeError{Detail: "quote payload is not JSON", Err: err}
	}
	if api.RC != 0 {
		return nil, &source.UpstreamLogicError{
			Code:   api.RC,
			Detail: fmt.Sprintf("secid %s rejected, check symbol and market code", inst.Code()),
		}
	}
	if len(api.Data.Diff) == 0 {
		return nil, &source.EmptyResultError{Symbol: inst.Code()}
	}

	rec := normalize.Apply(api.Data.Diff[0], fieldMap, inst.Name, inst.Symbol)
	if rec.Currency == "" {
		rec.Currency = currencyFor(inst.MarketCode)
	}
	rec.ChangePercent = normalize.Round2(rec.ChangePercent)
	return rec, nil
}

func currencyFor(marketCode string) string {
	if c, ok := currencyByMarket[marketCode]; ok {
		return c
	}
	return "CNY"
}
