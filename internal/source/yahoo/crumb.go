package yahoo

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"quotewatch/internal/source"
)

const (
	defaultInitialURL = "https://finance.yahoo.com/quote/NQ%3DF/"
	defaultCrumbURL   = "https://query2.finance.yahoo.com/v1/test/getcrumb"
	defaultConsentHost = "consent.yahoo.com"

	// Backoff guidance for the scheduler after a failed bootstrap; the
	// 429 delay is deliberately longer.
	retryDelay    = 15 * time.Second
	retryDelay429 = 60 * time.Second
)

var initialHeaders = map[string]string{
	"Accept":          "text/html,application/xhtml+xml,application/xml",
	"Accept-Language": "en-US,en;q=0.9",
	"User-Agent":      "Mozilla/5.0",
}

var xhrHeaders = map[string]string{
	"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7",
	"Accept-Language": "en-US,en;q=0.9",
}

// defaultUserAgents are probed in order until the crumb endpoint stops
// answering 429.
var defaultUserAgents = []string{
	"Mozilla/5.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/138.0.0.0 Safari/537.36",
}

var hiddenInputRe = regexp.MustCompile(`<input[^>]*type="hidden"[^>]*name="([^"]*)"[^>]*value="([^"]*)"[^>]*>`)

// BootstrapConfig overrides the upstream endpoints, mainly for tests.
type BootstrapConfig struct {
	InitialURL  string
	CrumbURL    string
	ConsentHost string
	UserAgents  []string
}

// CrumbStore caches the short-lived crumb token, the session cookies and
// the last successful user-agent. One store is shared by every instrument
// loop fetching from this source; bootstrap is singleflighted so
// concurrent callers await one in-flight attempt instead of duplicating
// traffic.
type CrumbStore struct {
	cfg    BootstrapConfig
	client HTTPClient
	log    zerolog.Logger

	mu          sync.RWMutex
	crumb       string
	cookies     []*http.Cookie
	preferredUA string

	sf singleflight.Group
}

func NewCrumbStore(client HTTPClient, cfg BootstrapConfig, log zerolog.Logger) *CrumbStore {
	if cfg.InitialURL == "" {
		cfg.InitialURL = defaultInitialURL
	}
	if cfg.CrumbURL == "" {
		cfg.CrumbURL = defaultCrumbURL
	}
	if cfg.ConsentHost == "" {
		cfg.ConsentHost = defaultConsentHost
	}
	if len(cfg.UserAgents) == 0 {
		cfg.UserAgents = defaultUserAgents
	}
	return &CrumbStore{cfg: cfg, client: client, log: log}
}

// Crumb returns the cached token or runs the bootstrap sequence. On
// failure retryAfter carries scheduling guidance: the longer constant when
// the crumb endpoint rate-limited us, the shorter one otherwise. The store
// never sleeps on it.
func (s *CrumbStore) Crumb(ctx context.Context) (crumb string, retryAfter time.Duration, err error) {
	s.mu.RLock()
	cached := s.crumb
	s.mu.RUnlock()
	if cached != "" {
		return cached, 0, nil
	}

	v, err, _ := s.sf.Do("bootstrap", func() (any, error) {
		return s.bootstrap(ctx)
	})
	if err != nil {
		if _, limited := source.RetryAfterHint(err); limited {
			return "", retryDelay429, err
		}
		return "", retryDelay, err
	}
	return v.(string), 0, nil
}

// PreferredUA is the user-agent that last succeeded against the crumb
// endpoint; data fetches try it first.
func (s *CrumbStore) PreferredUA() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.preferredUA
}

// UserAgents returns the candidate list.
func (s *CrumbStore) UserAgents() []string { return s.cfg.UserAgents }

// Cookies returns a snapshot of the session cookies.
func (s *CrumbStore) Cookies() []*http.Cookie {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*http.Cookie, len(s.cookies))
	copy(out, s.cookies)
	return out
}

// Reset drops the crumb and cookies. Called on 401/403 from a data fetch.
func (s *CrumbStore) Reset() {
	s.mu.Lock()
	s.crumb = ""
	s.cookies = nil
	s.mu.Unlock()
	s.log.Warn().Msg("crumb store reset, next fetch re-bootstraps")
}

func (s *CrumbStore) bootstrap(ctx context.Context) (string, error) {
	nav, err := s.navigate(ctx, s.cfg.InitialURL)
	if err != nil {
		return "", err
	}
	if nav.needConsent {
		landing, err := s.submitConsent(ctx, nav)
		if err != nil {
			return "", err
		}
		nav, err = s.navigate(ctx, landing)
		if err != nil {
			return "", err
		}
		if nav.needConsent {
			// We already gave consent once; do not loop.
			return "", &source.ConsentRequiredError{URL: nav.finalURL.String()}
		}
	}

	if len(s.Cookies()) == 0 {
		s.log.Warn().Msg("no cookies before crumb request, the operation might fail")
	}
	return s.fetchCrumb(ctx)
}

type navResult struct {
	needConsent bool
	content     string
	finalURL    *url.URL
}

// navigate GETs url with browser-like headers, captures cookies and
// reports whether we landed on the consent gateway.
func (s *CrumbStore) navigate(ctx context.Context, navURL string) (*navResult, error) {
	resp, err := s.get(ctx, navURL, initialHeaders)
	if err != nil {
		return nil, &source.TransportError{URL: navURL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return nil, source.ErrorFromStatus(resp.StatusCode, navURL)
	}
	s.storeCookies(resp.Cookies())

	final := resp.Request.URL
	res := &navResult{finalURL: final}
	if strings.EqualFold(final.Host, s.cfg.ConsentHost) {
		s.log.Info().Str("url", final.String()).Msg("consent page detected")
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &source.DecodeError{Detail: "consent page read failed", Err: err}
		}
		res.needConsent = true
		res.content = string(body)
	}
	return res, nil
}

// submitConsent scrapes the hidden form fields, adds the reject choice and
// posts the form. Returns the post-consent landing URL.
func (s *CrumbStore) submitConsent(ctx context.Context, nav *navResult) (string, error) {
	form := url.Values{"reject": {"reject"}}
	for _, m := range hiddenInputRe.FindAllStringSubmatch(nav.content, -1) {
		form.Set(m[1], m[2])
	}

	postURL := nav.finalURL.String()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &source.TransportError{URL: postURL, Err: err}
	}
	for k, v := range initialHeaders {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	s.attachCookies(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", &source.TransportError{URL: postURL, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return "", source.ErrorFromStatus(resp.StatusCode, postURL)
	}
	s.storeCookies(resp.Cookies())
	s.log.Debug().Int("cookies", len(s.Cookies())).Msg("consent submitted")
	return resp.Request.URL.String(), nil
}

// fetchCrumb probes the token endpoint across the candidate user-agents,
// short-circuiting on the first non-429. Any other non-200 aborts.
func (s *CrumbStore) fetchCrumb(ctx context.Context) (string, error) {
	for _, ua := range s.cfg.UserAgents {
		headers := make(map[string]string, len(xhrHeaders)+1)
		for k, v := range xhrHeaders {
			headers[k] = v
		}
		headers["User-Agent"] = ua

		resp, err := s.get(ctx, s.cfg.CrumbURL, headers)
		if err != nil {
			return "", &source.TransportError{URL: s.cfg.CrumbURL, Err: err}
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch resp.StatusCode {
		case 200:
			if readErr != nil {
				return "", &source.DecodeError{Detail: "crumb body read failed", Err: readErr}
			}
			crumb := strings.TrimSpace(string(body))
			if crumb == "" {
				return "", &source.UpstreamLogicError{Detail: "crumb endpoint returned empty token"}
			}
			s.mu.Lock()
			s.crumb = crumb
			s.preferredUA = ua
			s.mu.Unlock()
			s.log.Info().Str("user_agent", ua).Msg("crumb acquired")
			return crumb, nil
		case 429:
			s.log.Info().Str("user_agent", ua).Msg("crumb endpoint rate-limited, rotating user-agent")
			continue
		default:
			return "", source.ErrorFromStatus(resp.StatusCode, s.cfg.CrumbURL)
		}
	}
	return "", &source.RateLimitedError{RetryAfter: retryDelay429}
}

func (s *CrumbStore) get(ctx context.Context, rawURL string, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	s.attachCookies(req)
	return s.client.Do(req)
}

func (s *CrumbStore) attachCookies(req *http.Request) {
	for _, c := range s.Cookies() {
		req.AddCookie(c)
	}
}

// storeCookies merges by name so a refreshed cookie replaces its
// predecessor.
func (s *CrumbStore) storeCookies(cookies []*http.Cookie) {
	if len(cookies) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range cookies {
		replaced := false
		for i, old := range s.cookies {
			if old.Name == c.Name {
				s.cookies[i] = c
				replaced = true
				break
			}
		}
		if !replaced {
			s.cookies = append(s.cookies, c)
		}
	}
}
