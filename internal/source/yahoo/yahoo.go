package yahoo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"quotewatch/internal/normalize"
	"quotewatch/internal/quote"
	"quotewatch/internal/source"
)

const defaultQuoteURL = "https://query1.finance.yahoo.com/v7/finance/quote"

var fieldMap = normalize.Mapping{
	"regularMarketPrice":          "current_price",
	"regularMarketChange":         "change_amount",
	"regularMarketChangePercent":  "change_percent",
	"regularMarketPreviousClose":  "prev_close",
	"regularMarketOpen":           "open_price",
	"regularMarketVolume":         "volume",
	"shortName":                   "name",
	"currency":                    "currency",
	"marketCap":                   "market_cap",
	"marketState":                 "market_state",
	"quoteType":                   "quote_type",
}

type Config struct {
	Name     string
	QuoteURL string
}

// Quotes fetches from the authenticated quote API. Every data request
// needs the crumb token and session cookies held by the shared CrumbStore.
type Quotes struct {
	cfg    Config
	client HTTPClient
	store  *CrumbStore
}

func New(cfg Config, client HTTPClient, store *CrumbStore) (*Quotes, error) {
	if cfg.Name == "" {
		cfg.Name = "yahoo"
	}
	if cfg.QuoteURL == "" {
		cfg.QuoteURL = defaultQuoteURL
	}
	if err := fieldMap.Validate(); err != nil {
		return nil, fmt.Errorf("yahoo field map: %w", err)
	}
	return &Quotes{cfg: cfg, client: client, store: store}, nil
}

func (q *Quotes) Name() string { return q.cfg.Name }

type quoteResponse struct {
	QuoteResponse struct {
		Result []map[string]any `json:"result"`
		Error  any              `json:"error"`
	} `json:"quoteResponse"`
}

func (q *Quotes) Fetch(ctx context.Context, inst source.Instrument) (*quote.Record, error) {
	crumb, _, err := q.store.Crumb(ctx)
	if err != nil {
		return nil, fmt.Errorf("crumb bootstrap: %w", err)
	}

	symbol := strings.TrimSpace(inst.Symbol)
	u := fmt.Sprintf("%s?symbols=%s&crumb=%s",
		q.cfg.QuoteURL, url.QueryEscape(symbol), url.QueryEscape(crumb))

	// Preferred (last successful) user-agent first, then the rest of the
	// candidates; only 429 moves on to the next one.
	var lastStatus int
	for _, ua := range q.userAgents() {
		resp, err := q.get(ctx, u, ua)
		if err != nil {
			return nil, &source.TransportError{URL: u, Err: err}
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		lastStatus = resp.StatusCode

		switch resp.StatusCode {
		case 200:
			if readErr != nil {
				return nil, &source.DecodeError{Detail: "quote body read failed", Err: readErr}
			}
			return q.parse(body, inst, symbol)
		case 401, 403:
			// Stale credentials: invalidate the shared cache so the
			// next cycle re-bootstraps.
			q.store.Reset()
			return nil, &source.AuthError{Status: resp.StatusCode}
		case 429:
			continue
		default:
			return nil, source.ErrorFromStatus(resp.StatusCode, u)
		}
	}
	if lastStatus == 429 {
		return nil, &source.RateLimitedError{RetryAfter: retryDelay429}
	}
	return nil, &source.TransportError{Status: lastStatus, URL: u}
}

func (q *Quotes) parse(body []byte, inst source.Instrument, symbol string) (*quote.Record, error) {
	var api quoteResponse
	if err := json.Unmarshal(body, &api); err != nil {
		return nil, &source.DecodeError{Detail: "quote payload is not JSON", Err: err}
	}
	if len(api.QuoteResponse.Result) == 0 {
		return nil, &source.EmptyResultError{Symbol: symbol}
	}

	rec := normalize.Apply(api.QuoteResponse.Result[0], fieldMap, inst.Name, symbol)
	rec.Code = symbol
	rec.ChangePercent = normalize.Round2(rec.ChangePercent)
	return rec, nil
}

func (q *Quotes) userAgents() []string {
	candidates := q.store.UserAgents()
	preferred := q.store.PreferredUA()
	if preferred == "" {
		return candidates
	}
	out := make([]string, 0, len(candidates)+1)
	out = append(out, preferred)
	for _, ua := range candidates {
		if ua != preferred {
			out = append(out, ua)
		}
	}
	return out
}

func (q *Quotes) get(ctx context.Context, rawURL, ua string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, err
	}
	for k, v := range xhrHeaders {
		req.Header.Set(k, v)
	}
	req.Header.Set("User-Agent", ua)
	for _, c := range q.store.Cookies() {
		req.AddCookie(c)
	}
	return q.client.Do(req)
}
