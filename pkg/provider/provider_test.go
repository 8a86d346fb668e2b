package provider

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Available(t *testing.T) {
	reg := NewRegistry()
	all := reg.Available()

	for _, id := range []string{"google", "cloudflare", "quad9", "quad9-secured", "quad9-unsecured", "rubyfish", "blahdns"} {
		if _, ok := all[id]; !ok {
			t.Errorf("expected provider %q to be registered", id)
		}
	}
	assert.Equal(t, "cloudflare", reg.DefaultID())
}

func TestRegistry_Available_IsDefensiveCopy(t *testing.T) {
	reg := NewRegistry()
	all := reg.Available()
	delete(all, "cloudflare")

	_, ok := reg.Get("cloudflare")
	assert.True(t, ok, "mutating the returned map must not affect the registry")
}

func TestRegistry_Get_DefaultsWhenEmpty(t *testing.T) {
	reg := NewRegistry()
	p, ok := reg.Get("")
	require.True(t, ok)
	assert.Equal(t, "cloudflare", p.ID)
}

func TestRegistry_Get_Unknown(t *testing.T) {
	reg := NewRegistry()
	_, ok := reg.Get("nonexistent")
	assert.False(t, ok)
}

func TestProvider_BuildRequest_Cloudflare(t *testing.T) {
	reg := NewRegistry()
	p, ok := reg.Get("cloudflare")
	require.True(t, ok)

	q := dns.Question{Name: "ivandemarino.me.", Qtype: dns.TypeAAAA, Qclass: dns.ClassINET}
	req, err := p.BuildRequest(q)
	require.NoError(t, err)

	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "https://cloudflare-dns.com/dns-query?name=ivandemarino.me.&type=AAAA", req.URL.String())
	assert.Equal(t, "application/dns-json", req.Header.Get("Accept"))
	assert.Nil(t, req.Body)
}

func TestProvider_BuildRequest_ContainsTypeAndName(t *testing.T) {
	reg := NewRegistry()
	for id, p := range reg.Available() {
		q := dns.Question{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
		req, err := p.BuildRequest(q)
		require.NoErrorf(t, err, "provider %s", id)

		query := req.URL.Query()
		assert.Equal(t, "A", query.Get("type"), "provider %s", id)
		assert.Equal(t, "example.com.", query.Get("name"), "provider %s", id)
		for k, v := range p.Headers {
			assert.Equal(t, v, req.Header.Get(k), "provider %s header %s", id, k)
		}
	}
}
