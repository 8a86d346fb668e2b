package dnscodec

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)
	msg.Id = 0xBEEF
	msg.RecursionDesired = true

	packed, err := MessageToBytes(msg)
	require.NoError(t, err)

	decoded, err := MessageFromBytes(packed)
	require.NoError(t, err)

	assert.Equal(t, msg.Id, decoded.Id)
	assert.Equal(t, msg.Question, decoded.Question)
	assert.Equal(t, msg.RecursionDesired, decoded.RecursionDesired)
}

func TestMessageFromBytes_Invalid(t *testing.T) {
	_, err := MessageFromBytes([]byte{0x00, 0x01})
	assert.Error(t, err)
}

func TestNewQuestion(t *testing.T) {
	q, err := NewQuestion("example.com", "AAAA")
	require.NoError(t, err)
	assert.Equal(t, "example.com.", q.Name)
	assert.Equal(t, dns.TypeAAAA, q.Qtype)
	assert.Equal(t, uint16(dns.ClassINET), q.Qclass)
}

func TestNewQuestion_UnknownType(t *testing.T) {
	_, err := NewQuestion("example.com", "NOTAREALTYPE")
	assert.Error(t, err)
}

func TestNewRecord_A(t *testing.T) {
	rr, err := NewRecord("example.com.", 300, "A", "93.184.216.34")
	require.NoError(t, err)
	a, ok := rr.(*dns.A)
	require.True(t, ok)
	assert.Equal(t, "93.184.216.34", a.A.String())
	assert.EqualValues(t, 300, a.Hdr.Ttl)
}

func TestNewRecord_AAAA(t *testing.T) {
	rr, err := NewRecord("example.com.", 300, "AAAA", "2606:2800:220:1:248:1893:25c8:1946")
	require.NoError(t, err)
	aaaa, ok := rr.(*dns.AAAA)
	require.True(t, ok)
	assert.Equal(t, "2606:2800:220:1:248:1893:25c8:1946", aaaa.AAAA.String())
}

func TestNewRecord_CNAMEChain(t *testing.T) {
	rr, err := NewRecord("www.ivandemarino.me.", 300, "CNAME", "detro.github.com")
	require.NoError(t, err)
	cname, ok := rr.(*dns.CNAME)
	require.True(t, ok)
	assert.Equal(t, "detro.github.com.", cname.Target)
}

func TestNewRecord_NS(t *testing.T) {
	rr, err := NewRecord("example.com.", 300, "NS", "ns1.example.com")
	require.NoError(t, err)
	ns, ok := rr.(*dns.NS)
	require.True(t, ok)
	assert.Equal(t, "ns1.example.com.", ns.Ns)
}

func TestNewRecord_PTR(t *testing.T) {
	rr, err := NewRecord("1.2.3.4.in-addr.arpa.", 300, "PTR", "example.com")
	require.NoError(t, err)
	ptr, ok := rr.(*dns.PTR)
	require.True(t, ok)
	assert.Equal(t, "example.com.", ptr.Ptr)
}

func TestNewRecord_UnsupportedType(t *testing.T) {
	_, err := NewRecord("example.com.", 300, "MX", "10 mail.example.com")
	var unsupported ErrUnsupportedRRType
	assert.ErrorAs(t, err, &unsupported)
}

func TestNewRecord_InvalidAddress(t *testing.T) {
	_, err := NewRecord("example.com.", 300, "A", "not-an-ip")
	assert.Error(t, err)
}

func TestNewClientSubnetOption(t *testing.T) {
	opt, err := NewClientSubnetOption(10, "12.34.56.0/0")
	require.NoError(t, err)

	assert.EqualValues(t, 1, opt.Family)
	assert.EqualValues(t, 10, opt.SourceNetmask)
	assert.EqualValues(t, 0, opt.SourceScope)

	packed := opt.String()
	assert.Contains(t, packed, "12.34.56.0/0")
}

func TestNewClientSubnetOption_IPv6(t *testing.T) {
	opt, err := NewClientSubnetOption(0, "2001:db8::/32")
	require.NoError(t, err)
	assert.EqualValues(t, 2, opt.Family)
	assert.EqualValues(t, 32, opt.SourceScope)
}

func TestNewClientSubnetOption_Invalid(t *testing.T) {
	_, err := NewClientSubnetOption(0, "not-a-cidr")
	assert.Error(t, err)
}

func TestAttachOPT_CreatesOPTRecordOnce(t *testing.T) {
	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)

	subnet, err := NewClientSubnetOption(10, "12.34.56.0/0")
	require.NoError(t, err)

	AttachOPT(msg, subnet)
	AttachOPT(msg, subnet)

	opt := msg.IsEdns0()
	require.NotNil(t, opt)
	assert.Len(t, opt.Option, 2)

	extraOPTCount := 0
	for _, rr := range msg.Extra {
		if rr.Header().Rrtype == dns.TypeOPT {
			extraOPTCount++
		}
	}
	assert.Equal(t, 1, extraOPTCount)
}
