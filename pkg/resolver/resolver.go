// Package resolver turns a wire-format DNS query into one outbound
// DNS-over-HTTPS JSON request per question, and assembles the JSON replies
// back into a single wire-format DNS response.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"sync"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"

	"github.com/erfianugrah/dohcursor/pkg/config"
	"github.com/erfianugrah/dohcursor/pkg/dnscodec"
	"github.com/erfianugrah/dohcursor/pkg/logging"
	"github.com/erfianugrah/dohcursor/pkg/provider"
)

// Resolver answers a DNS query by fanning its questions out, one HTTPS GET
// per question, to a single configured Provider. The provider/client pair
// is guarded by mu rather than fixed at construction so a config.Watcher
// can retarget a running Resolver at a different upstream (see SetProvider).
type Resolver struct {
	logger    *logging.Logger
	maxFanout int

	mu       sync.RWMutex
	client   *http.Client
	provider provider.Provider
}

// New builds a Resolver bound to the provider named by cfg.Provider. The
// provider registry is shared, read-only, process-lifetime state (see
// provider.NewRegistry).
func New(cfg config.ResolverConfig, registry *provider.Registry, logger *logging.Logger) (*Resolver, error) {
	p, ok := registry.Get(cfg.Provider)
	if !ok {
		return nil, fmt.Errorf("resolver: unknown provider %q", cfg.Provider)
	}
	if cfg.Protocol == config.ProtocolWire {
		return nil, fmt.Errorf("resolver: protocol %q is not implemented", cfg.Protocol)
	}

	logger = logger.WithStage("resolver")
	logger.Info("resolver initialized", "provider", p.ID, "authority", p.Authority)

	return &Resolver{
		logger:    logger,
		client:    NewHTTPClient(cfg.HTTPClient),
		provider:  p,
		maxFanout: runtime.GOMAXPROCS(0),
	}, nil
}

// SetProvider retargets the Resolver at the provider named by cfg.Provider,
// taking effect for every Resolve call issued after it returns. A
// config.Watcher calls this from its OnChange callback so an operator can
// switch upstream DoH providers without restarting the process.
func (r *Resolver) SetProvider(cfg config.ResolverConfig, registry *provider.Registry) error {
	p, ok := registry.Get(cfg.Provider)
	if !ok {
		return fmt.Errorf("resolver: unknown provider %q", cfg.Provider)
	}
	if cfg.Protocol == config.ProtocolWire {
		return fmt.Errorf("resolver: protocol %q is not implemented", cfg.Protocol)
	}

	client := NewHTTPClient(cfg.HTTPClient)

	r.mu.Lock()
	r.provider = p
	r.client = client
	r.mu.Unlock()

	r.logger.Info("resolver retargeted", "provider", p.ID, "authority", p.Authority)
	return nil
}

// currentUpstream returns the provider/client pair to use for the next
// fetch, taken under a read lock so a concurrent SetProvider can't tear a
// Resolve call between an old client and a new provider (or vice versa).
func (r *Resolver) currentUpstream() (provider.Provider, *http.Client) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.provider, r.client
}

// Resolve answers query by issuing one DoH JSON request per question and
// merging the results into a single wire-format response. A question whose
// upstream request fails is logged and omitted from the answer. A query
// carrying no question at all is not an error: it gets a valid Response
// with zero Answers, echoing the id, per the boundary behavior spec.md §8
// requires.
func (r *Resolver) Resolve(ctx context.Context, query *dns.Msg) (*dns.Msg, error) {
	if len(query.Question) == 0 {
		resp := new(dns.Msg)
		resp.SetReply(query)
		resp.Authoritative = false
		resp.RecursionAvailable = true
		return resp, nil
	}

	replies := make([]*jsonResponse, len(query.Question))

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(r.maxFanout)

	for i, q := range query.Question {
		i, q := i, q
		group.Go(func() error {
			reply, err := r.fetch(gctx, q)
			if err != nil {
				r.logger.Warn("question resolution failed, omitting from response",
					"name", q.Name, "type", dns.TypeToString[q.Qtype], "error", err)
				return nil
			}
			replies[i] = reply
			return nil
		})
	}
	// errgroup.Wait only ever returns an error from a func literal that
	// itself returns one; fetch failures are swallowed above by design.
	_ = group.Wait()

	resp := new(dns.Msg)
	resp.SetReply(query)
	resp.Authoritative = false
	resp.RecursionAvailable = true

	sourcePrefix := clientSubnetRequestPrefix(query)
	for i, reply := range replies {
		if reply == nil {
			continue
		}
		r.applyReply(resp, query.Question[i], reply, sourcePrefix)
	}

	return resp, nil
}

func (r *Resolver) fetch(ctx context.Context, q dns.Question) (*jsonResponse, error) {
	p, client := r.currentUpstream()

	httpReq, err := p.BuildRequest(q)
	if err != nil {
		return nil, err
	}
	httpReq = httpReq.WithContext(ctx)

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("provider %s: request failed: %w", p.ID, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, httpResp.Body) //nolint:errcheck
		return nil, fmt.Errorf("provider %s: unexpected status %d", p.ID, httpResp.StatusCode)
	}

	var reply jsonResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("provider %s: failed to decode JSON reply: %w", p.ID, err)
	}

	return &reply, nil
}

// applyReply folds one question's JSON reply into the accumulating wire
// response: response codes and flags are copied (last reply wins when a
// query carries multiple questions, matching how a single-question client
// query almost always behaves in practice), and each Answer/Authority/
// Additional record is parsed via dnscodec, with unsupported record types
// or malformed records logged and dropped rather than failing the query.
func (r *Resolver) applyReply(resp *dns.Msg, q dns.Question, reply *jsonResponse, sourcePrefix uint8) {
	resp.Rcode = reply.Status
	resp.Truncated = reply.TC
	resp.RecursionDesired = reply.RD
	resp.RecursionAvailable = reply.RA
	resp.AuthenticatedData = reply.AD
	resp.CheckingDisabled = reply.CD

	resp.Answer = append(resp.Answer, r.decodeRecords(q, reply.Answer)...)
	resp.Ns = append(resp.Ns, r.decodeRecords(q, reply.Authority)...)
	resp.Extra = append(resp.Extra, r.decodeRecords(q, reply.Additional)...)

	if reply.EDNSClientSubnet != "" {
		opt, err := dnscodec.NewClientSubnetOption(sourcePrefix, reply.EDNSClientSubnet)
		if err != nil {
			r.logger.Warn("failed to parse edns_client_subnet, omitting option",
				"name", q.Name, "edns_client_subnet", reply.EDNSClientSubnet, "error", err)
		} else {
			dnscodec.AttachOPT(resp, opt)
		}
	}
}

func (r *Resolver) decodeRecords(q dns.Question, records []jsonRR) []dns.RR {
	out := make([]dns.RR, 0, len(records))
	for _, rec := range records {
		mnemonic, ok := dns.TypeToString[uint16(rec.Type)]
		if !ok {
			r.logger.Warn("record carries unrecognized type number, dropping",
				"name", rec.Name, "type", rec.Type)
			continue
		}
		rr, err := dnscodec.NewRecord(rec.Name, rec.TTL, mnemonic, rec.Data)
		if err != nil {
			r.logger.Warn("failed to decode record, dropping",
				"name", rec.Name, "type", mnemonic, "error", err)
			continue
		}
		out = append(out, rr)
	}
	return out
}

// clientSubnetRequestPrefix reports the source prefix length the client's
// own query requested, or 0 if it sent no EDNS0 Client Subnet option.
func clientSubnetRequestPrefix(msg *dns.Msg) uint8 {
	opt := msg.IsEdns0()
	if opt == nil {
		return 0
	}
	for _, o := range opt.Option {
		if subnet, ok := o.(*dns.EDNS0_SUBNET); ok {
			return subnet.SourceNetmask
		}
	}
	return 0
}
