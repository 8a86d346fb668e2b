package resolver

import (
	"crypto/tls"
	"net/http"
	"time"

	"github.com/erfianugrah/dohcursor/pkg/config"
)

// NewHTTPClient builds the HTTP client used to reach a Provider, honoring
// the configured timeout and the requested protocol version.
//
// Example:
//
//	client := resolver.NewHTTPClient(cfg.Resolver.HTTPClient)
func NewHTTPClient(cfg config.HTTPClientCfg) *http.Client {
	transport := &http.Transport{
		ForceAttemptHTTP2:     cfg.HTTPVersion == "2",
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if cfg.HTTPVersion != "2" {
		// A non-nil, empty TLSNextProto keeps the transport on HTTP/1.x even
		// when the server offers h2 via ALPN.
		transport.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}

	if cfg.HTTPVersion == "1.0" {
		// http.Transport has no explicit 1.0 mode; disabling keep-alives is
		// the closest stdlib equivalent of a one-shot HTTP/1.0 connection.
		transport.DisableKeepAlives = true
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}
}
