// Package provider holds the static catalog of upstream DNS-over-HTTPS
// JSON endpoints and builds the outbound HTTP request for a given
// DNS question.
package provider

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/miekg/dns"
)

// Provider is an immutable description of one upstream DoH endpoint.
// Providers are constructed once at startup by NewRegistry and shared
// read-only for the life of the process.
type Provider struct {
	ID        string
	Scheme    string
	Authority string
	Path      string
	Headers   map[string]string
	Query     map[string]string // extra provider-mandated query parameters
}

// BuildRequest produces an HTTP/1.1 GET request whose URI encodes the
// question's record type and name, carrying the provider's mandatory
// headers. The caller must ensure q.Name already ends with a trailing dot.
func (p Provider) BuildRequest(q dns.Question) (*http.Request, error) {
	mnemonic, ok := dns.TypeToString[q.Qtype]
	if !ok {
		mnemonic = fmt.Sprintf("%d", q.Qtype)
	}

	values := url.Values{}
	values.Set("type", mnemonic)
	values.Set("name", q.Name)
	for k, v := range p.Query {
		values.Set(k, v)
	}

	u := url.URL{
		Scheme:   p.Scheme,
		Host:     p.Authority,
		Path:     p.Path,
		RawQuery: values.Encode(),
	}

	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("provider %s: failed to build request: %w", p.ID, err)
	}

	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	return req, nil
}

// Registry is the read-only, process-lifetime catalog of providers.
type Registry struct {
	providers map[string]Provider
	defaultID string
}

const defaultProviderID = "cloudflare"

// NewRegistry builds the static provider catalog. The catalog recovers the
// full provider list from the DoH JSON client's original provider table:
// google, cloudflare (default), the three Quad9 variants, rubyfish, and
// blahdns.
func NewRegistry() *Registry {
	providers := map[string]Provider{
		"google": {
			ID:        "google",
			Scheme:    "https",
			Authority: "dns.google.com",
			Path:      "/resolve",
		},
		"cloudflare": {
			ID:        "cloudflare",
			Scheme:    "https",
			Authority: "cloudflare-dns.com",
			Path:      "/dns-query",
			Headers: map[string]string{
				"Accept": "application/dns-json",
			},
		},
		"quad9": {
			ID:        "quad9",
			Scheme:    "https",
			Authority: "dns.quad9.net",
			Path:      "/dns-query",
		},
		"quad9-secured": {
			ID:        "quad9-secured",
			Scheme:    "https",
			Authority: "dns9.quad9.net",
			Path:      "/dns-query",
		},
		"quad9-unsecured": {
			ID:        "quad9-unsecured",
			Scheme:    "https",
			Authority: "dns10.quad9.net",
			Path:      "/dns-query",
		},
		"rubyfish": {
			ID:        "rubyfish",
			Scheme:    "https",
			Authority: "dns.rubyfish.cn",
			Path:      "/dns-query",
		},
		"blahdns": {
			ID:        "blahdns",
			Scheme:    "https",
			Authority: "doh-de.blahdns.com",
			Path:      "/dns-query",
		},
	}

	return &Registry{
		providers: providers,
		defaultID: defaultProviderID,
	}
}

// Available returns the full set of registered providers, keyed by ID.
// The returned map is a defensive copy; mutating it does not affect the
// registry.
func (r *Registry) Available() map[string]Provider {
	out := make(map[string]Provider, len(r.providers))
	for k, v := range r.providers {
		out[k] = v
	}
	return out
}

// DefaultID returns the identifier of the default provider (Cloudflare).
func (r *Registry) DefaultID() string {
	return r.defaultID
}

// Get resolves a provider ID to its Provider, or reports that the ID is
// unknown.
func (r *Registry) Get(id string) (Provider, bool) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = r.defaultID
	}
	p, ok := r.providers[id]
	return p, ok
}

// NewSingleProviderRegistry builds a Registry whose only entry is p,
// registered as the default. Used to point the pipeline at a single
// endpoint outside the static catalog, e.g. a test double.
func NewSingleProviderRegistry(p Provider) *Registry {
	return &Registry{
		providers: map[string]Provider{p.ID: p},
		defaultID: p.ID,
	}
}
