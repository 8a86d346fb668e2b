// Package dnscodec wraps github.com/miekg/dns with the narrow set of
// operations the pipeline needs: wire<->struct conversion, question/record
// construction, and EDNS0 Client Subnet synthesis (RFC 7871).
package dnscodec

import (
	"fmt"
	"net"

	"github.com/miekg/dns"
)

// MessageFromBytes decodes wire-format bytes into a DNS message.
func MessageFromBytes(b []byte) (*dns.Msg, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(b); err != nil {
		return nil, fmt.Errorf("dnscodec: failed to decode message: %w", err)
	}
	return msg, nil
}

// MessageToBytes encodes a DNS message to wire-format bytes.
func MessageToBytes(msg *dns.Msg) ([]byte, error) {
	b, err := msg.Pack()
	if err != nil {
		return nil, fmt.Errorf("dnscodec: failed to encode message: %w", err)
	}
	return b, nil
}

// NewQuestion builds a Question with class IN and the given record-type
// mnemonic (e.g. "A", "AAAA", "CNAME"). An unknown mnemonic is reported as
// an error.
func NewQuestion(name, typeMnemonic string) (dns.Question, error) {
	qtype, ok := dns.StringToType[typeMnemonic]
	if !ok {
		return dns.Question{}, fmt.Errorf("dnscodec: unknown record type %q", typeMnemonic)
	}
	return dns.Question{
		Name:   dns.Fqdn(name),
		Qtype:  qtype,
		Qclass: dns.ClassINET,
	}, nil
}

// ErrUnsupportedRRType reports that NewRecord was asked to build a record
// type it does not know how to parse from a DoH-JSON `data` string. Per the
// spec, callers MUST log and drop the record rather than fail the whole
// response.
type ErrUnsupportedRRType struct {
	Type string
}

func (e ErrUnsupportedRRType) Error() string {
	return fmt.Sprintf("dnscodec: unsupported record type %q", e.Type)
}

// NewRecord builds a dns.RR for name/ttl from a DoH-JSON Answer's `data`
// string, dispatching by the record-type mnemonic. Supported types are the
// five the reference implementation targets: A, AAAA, CNAME, NS, PTR.
func NewRecord(name string, ttl uint32, typeMnemonic, data string) (dns.RR, error) {
	name = dns.Fqdn(name)

	switch typeMnemonic {
	case "A":
		ip := net.ParseIP(data).To4()
		if ip == nil {
			return nil, fmt.Errorf("dnscodec: invalid IPv4 address %q", data)
		}
		return &dns.A{
			Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
			A:   ip,
		}, nil
	case "AAAA":
		ip := net.ParseIP(data)
		if ip == nil || ip.To4() != nil {
			return nil, fmt.Errorf("dnscodec: invalid IPv6 address %q", data)
		}
		return &dns.AAAA{
			Hdr:  dns.RR_Header{Name: name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: ttl},
			AAAA: ip,
		}, nil
	case "CNAME":
		return &dns.CNAME{
			Hdr:    dns.RR_Header{Name: name, Rrtype: dns.TypeCNAME, Class: dns.ClassINET, Ttl: ttl},
			Target: dns.Fqdn(data),
		}, nil
	case "NS":
		return &dns.NS{
			Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeNS, Class: dns.ClassINET, Ttl: ttl},
			Ns:  dns.Fqdn(data),
		}, nil
	case "PTR":
		return &dns.PTR{
			Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: ttl},
			Ptr: dns.Fqdn(data),
		}, nil
	default:
		return nil, ErrUnsupportedRRType{Type: typeMnemonic}
	}
}

// NewClientSubnetOption builds the RFC 7871 EDNS0 Client Subnet option.
// sourcePrefix is the prefix length the client's own request carried (0 if
// absent); cidr is the address/scope pair reported by the upstream JSON
// reply's edns_client_subnet field.
func NewClientSubnetOption(sourcePrefix uint8, cidr string) (*dns.EDNS0_SUBNET, error) {
	ip, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("dnscodec: invalid edns_client_subnet %q: %w", cidr, err)
	}
	scopeBits, _ := ipNet.Mask.Size()

	opt := &dns.EDNS0_SUBNET{
		Code:          dns.EDNS0SUBNET,
		SourceNetmask: sourcePrefix,
		SourceScope:   uint8(scopeBits),
	}

	if v4 := ip.To4(); v4 != nil {
		opt.Family = 1
		opt.Address = v4
	} else {
		opt.Family = 2
		opt.Address = ip.To16()
	}

	return opt, nil
}

// AttachOPT adds an OPT pseudo-record carrying opts to msg's Additional
// section, creating the OPT record if msg does not already carry one.
func AttachOPT(msg *dns.Msg, opts ...dns.EDNS0) {
	if len(opts) == 0 {
		return
	}
	opt := msg.IsEdns0()
	if opt == nil {
		opt = &dns.OPT{Hdr: dns.RR_Header{Name: ".", Rrtype: dns.TypeOPT}}
		opt.SetUDPSize(dns.DefaultMsgSize)
		msg.Extra = append(msg.Extra, opt)
	}
	opt.Option = append(opt.Option, opts...)
}
