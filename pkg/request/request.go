// Package request defines the pipeline carrier that crosses from the
// Server to the Processor and back out to the client.
package request

import (
	"fmt"
	"net"

	"github.com/miekg/dns"

	"github.com/erfianugrah/dohcursor/pkg/logging"
)

// Transport tags which socket kind a Request must reply through.
type Transport int

const (
	// TransportUDP replies via a shared *net.UDPConn and the recorded
	// source address.
	TransportUDP Transport = iota
	// TransportTCP replies via a length-prefixed write on a *net.TCPConn.
	// No Server code constructs these yet (see DESIGN.md, TCP open question).
	TransportTCP
)

// Request carries a single decoded client query across the Queue, plus
// exactly the means needed to answer it. It is created by the Server on
// datagram receipt, owned by exactly one Processor worker after dequeue,
// and consumed by Respond, which releases the handle.
type Request struct {
	source    net.Addr
	query     *dns.Msg
	transport Transport
	udpConn   *net.UDPConn
	tcpConn   net.Conn
}

// FromUDP builds a Request for a datagram received on conn from src.
func FromUDP(src net.Addr, query *dns.Msg, conn *net.UDPConn) *Request {
	return &Request{
		source:    src,
		query:     query,
		transport: TransportUDP,
		udpConn:   conn,
	}
}

// FromTCP builds a Request for a query received on a TCP stream. Reserved
// for the future TCP listener; see DESIGN.md.
func FromTCP(src net.Addr, query *dns.Msg, conn net.Conn) *Request {
	return &Request{
		source:    src,
		query:     query,
		transport: TransportTCP,
		tcpConn:   conn,
	}
}

// Source returns the client's socket address.
func (r *Request) Source() net.Addr {
	return r.source
}

// DNSQuery returns the decoded client query.
func (r *Request) DNSQuery() *dns.Msg {
	return r.query
}

// Transport reports which handle this Request will reply through.
func (r *Request) Transport() Transport {
	return r.transport
}

// Respond serializes resp to wire bytes and sends it back to the
// originating client. Precondition: resp.Response must be true (a caller
// bug otherwise; violations are logged loudly but not retried, since DNS
// clients retransmit on their own).
func (r *Request) Respond(logger *logging.Logger, resp *dns.Msg) {
	if !resp.Response {
		logger.Error("Request.Respond called with a non-response message", "id", resp.Id)
	}

	packed, err := resp.Pack()
	if err != nil {
		logger.Error("failed to serialize DNS response, dropping", "id", resp.Id, "error", err)
		return
	}

	switch r.transport {
	case TransportUDP:
		udpAddr, ok := r.source.(*net.UDPAddr)
		if !ok {
			logger.Error("UDP request source is not a *net.UDPAddr, dropping response", "id", resp.Id)
			return
		}
		if _, err := r.udpConn.WriteToUDP(packed, udpAddr); err != nil {
			logger.Error("failed to send UDP response, dropping", "id", resp.Id, "client", udpAddr, "error", err)
		}
	case TransportTCP:
		prefixed := make([]byte, 2+len(packed))
		prefixed[0] = byte(len(packed) >> 8)
		prefixed[1] = byte(len(packed))
		copy(prefixed[2:], packed)
		if _, err := r.tcpConn.Write(prefixed); err != nil {
			logger.Error("failed to send TCP response, dropping", "id", resp.Id, "error", err)
		}
	default:
		logger.Error(fmt.Sprintf("request has unknown transport tag %d, dropping response", r.transport), "id", resp.Id)
	}
}
