package yahoo_test

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"quotewatch/internal/source"
	"quotewatch/internal/source/yahoo"
)

const consentPage = `<html><form method="post">
<input type="hidden" name="sessionId" value="3_cc-session">
<input type="hidden" name="csrfToken" value="tok-123">
<button type="submit" name="reject" value="reject">Reject all</button>
</form></html>`

// response builds the shape the store inspects: final URL after redirects,
// status, body and Set-Cookie headers.
func response(t *testing.T, status int, finalURL, body string, cookies ...*http.Cookie) *http.Response {
	t.Helper()
	u, err := url.Parse(finalURL)
	require.NoError(t, err)
	h := http.Header{}
	for _, c := range cookies {
		h.Add("Set-Cookie", c.String())
	}
	return &http.Response{
		StatusCode: status,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    &http.Request{URL: u},
	}
}

func newStore(client yahoo.HTTPClient, agents ...string) *yahoo.CrumbStore {
	return yahoo.NewCrumbStore(client, yahoo.BootstrapConfig{UserAgents: agents}, zerolog.Nop())
}

func TestCrumb_DirectBootstrapAndCaching(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	client := NewMockHTTPClient(ctrl)

	gomock.InOrder(
		client.EXPECT().Do(gomock.Any()).DoAndReturn(func(req *http.Request) (*http.Response, error) {
			require.Equal(t, http.MethodGet, req.Method)
			require.Equal(t, "finance.yahoo.com", req.URL.Host)
			return response(t, 200, req.URL.String(), "<html>quote page</html>",
				&http.Cookie{Name: "A3", Value: "session"}), nil
		}),
		client.EXPECT().Do(gomock.Any()).DoAndReturn(func(req *http.Request) (*http.Response, error) {
			require.Contains(t, req.URL.Path, "getcrumb")
			// Session cookie from the navigation must ride along.
			c, err := req.Cookie("A3")
			require.NoError(t, err)
			require.Equal(t, "session", c.Value)
			return response(t, 200, req.URL.String(), "crumb-token"), nil
		}),
	)

	s := newStore(client, "ua-1")
	crumb, retryAfter, err := s.Crumb(context.Background())
	require.NoError(t, err)
	require.Equal(t, "crumb-token", crumb)
	require.Zero(t, retryAfter)

	// Cached: no further HTTP traffic.
	crumb, _, err = s.Crumb(context.Background())
	require.NoError(t, err)
	require.Equal(t, "crumb-token", crumb)
}

func TestCrumb_ConsentRejectFlow(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	client := NewMockHTTPClient(ctrl)

	gomock.InOrder(
		// Navigation redirected to the consent gateway.
		client.EXPECT().Do(gomock.Any()).DoAndReturn(func(req *http.Request) (*http.Response, error) {
			return response(t, 200, "https://consent.yahoo.com/v2/collectConsent?sessionId=3_cc-session",
				consentPage, &http.Cookie{Name: "GUCS", Value: "g1"}), nil
		}),
		// Consent form posted back with the reject choice and every
		// scraped hidden field.
		client.EXPECT().Do(gomock.Any()).DoAndReturn(func(req *http.Request) (*http.Response, error) {
			require.Equal(t, http.MethodPost, req.Method)
			require.Equal(t, "consent.yahoo.com", req.URL.Host)
			require.NoError(t, req.ParseForm())
			require.Equal(t, "reject", req.PostForm.Get("reject"))
			require.Equal(t, "3_cc-session", req.PostForm.Get("sessionId"))
			require.Equal(t, "tok-123", req.PostForm.Get("csrfToken"))
			c, err := req.Cookie("GUCS")
			require.NoError(t, err)
			require.Equal(t, "g1", c.Value)
			return response(t, 200, "https://finance.yahoo.com/quote/NQ%3DF/", "",
				&http.Cookie{Name: "A3", Value: "post-consent"}), nil
		}),
		// Re-navigation lands on the real page now.
		client.EXPECT().Do(gomock.Any()).DoAndReturn(func(req *http.Request) (*http.Response, error) {
			return response(t, 200, req.URL.String(), "<html>quote page</html>"), nil
		}),
		client.EXPECT().Do(gomock.Any()).DoAndReturn(func(req *http.Request) (*http.Response, error) {
			require.Contains(t, req.URL.Path, "getcrumb")
			return response(t, 200, req.URL.String(), "crumb-after-consent"), nil
		}),
	)

	s := newStore(client, "ua-1")
	crumb, _, err := s.Crumb(context.Background())
	require.NoError(t, err)
	require.Equal(t, "crumb-after-consent", crumb)
}

func TestCrumb_SecondConsentPageAborts(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	client := NewMockHTTPClient(ctrl)

	consentURL := "https://consent.yahoo.com/v2/collectConsent"
	gomock.InOrder(
		client.EXPECT().Do(gomock.Any()).DoAndReturn(func(req *http.Request) (*http.Response, error) {
			return response(t, 200, consentURL, consentPage), nil
		}),
		client.EXPECT().Do(gomock.Any()).DoAndReturn(func(req *http.Request) (*http.Response, error) {
			return response(t, 200, consentURL, ""), nil
		}),
		// Landed on consent again after rejecting once: abort, no loop.
		client.EXPECT().Do(gomock.Any()).DoAndReturn(func(req *http.Request) (*http.Response, error) {
			return response(t, 200, consentURL, consentPage), nil
		}),
	)

	s := newStore(client, "ua-1")
	_, retryAfter, err := s.Crumb(context.Background())
	require.Error(t, err)
	require.Equal(t, "consent_required", source.Reason(err))
	require.Equal(t, 15*time.Second, retryAfter)
}

func TestCrumb_RotatesUserAgentOn429(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	client := NewMockHTTPClient(ctrl)

	gomock.InOrder(
		client.EXPECT().Do(gomock.Any()).DoAndReturn(func(req *http.Request) (*http.Response, error) {
			return response(t, 200, "https://finance.yahoo.com/quote/NQ%3DF/", ""), nil
		}),
		client.EXPECT().Do(gomock.Any()).DoAndReturn(func(req *http.Request) (*http.Response, error) {
			require.Equal(t, "ua-1", req.Header.Get("User-Agent"))
			return response(t, 429, req.URL.String(), ""), nil
		}),
		client.EXPECT().Do(gomock.Any()).DoAndReturn(func(req *http.Request) (*http.Response, error) {
			require.Equal(t, "ua-2", req.Header.Get("User-Agent"))
			return response(t, 200, req.URL.String(), "rotated-crumb"), nil
		}),
	)

	s := newStore(client, "ua-1", "ua-2")
	crumb, _, err := s.Crumb(context.Background())
	require.NoError(t, err)
	require.Equal(t, "rotated-crumb", crumb)
	require.Equal(t, "ua-2", s.PreferredUA())
}

func TestCrumb_AllAgentsRateLimited(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	client := NewMockHTTPClient(ctrl)

	client.EXPECT().Do(gomock.Any()).DoAndReturn(func(req *http.Request) (*http.Response, error) {
		if strings.Contains(req.URL.Path, "getcrumb") {
			return response(t, 429, req.URL.String(), ""), nil
		}
		return response(t, 200, "https://finance.yahoo.com/quote/NQ%3DF/", ""), nil
	}).Times(3)

	s := newStore(client, "ua-1", "ua-2")
	_, retryAfter, err := s.Crumb(context.Background())
	require.Error(t, err)
	require.Equal(t, "rate_limited", source.Reason(err))
	require.Equal(t, time.Minute, retryAfter)
}

func TestReset_ForcesRebootstrap(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	client := NewMockHTTPClient(ctrl)

	crumbs := []string{"first", "second"}
	i := 0
	client.EXPECT().Do(gomock.Any()).DoAndReturn(func(req *http.Request) (*http.Response, error) {
		if strings.Contains(req.URL.Path, "getcrumb") {
			c := crumbs[i]
			i++
			return response(t, 200, req.URL.String(), c), nil
		}
		return response(t, 200, "https://finance.yahoo.com/quote/NQ%3DF/", ""), nil
	}).Times(4)

	s := newStore(client, "ua-1")
	crumb, _, err := s.Crumb(context.Background())
	require.NoError(t, err)
	require.Equal(t, "first", crumb)

	s.Reset()
	require.Empty(t, s.Cookies())

	crumb, _, err = s.Crumb(context.Background())
	require.NoError(t, err)
	require.Equal(t, "second", crumb)
}
