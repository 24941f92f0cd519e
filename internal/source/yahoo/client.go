package yahoo

import "net/http"

// HTTPClient describes the HTTP client the yahoo source depends on.
// The concrete client must follow redirects and should carry a cookie jar
// so consent-flow redirects keep their Set-Cookie headers.
//
//go:generate mockgen -package=yahoo_test -destination=mock_http_client_test.go -source=client.go HTTPClient
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}
