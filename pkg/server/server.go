// Package server implements the client-facing UDP listeners: one goroutine
// per configured endpoint, decoding each datagram into a Request and
// publishing it to the shared Queue for the Processor to pick up.
package server

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/erfianugrah/dohcursor/pkg/config"
	"github.com/erfianugrah/dohcursor/pkg/dnscodec"
	"github.com/erfianugrah/dohcursor/pkg/logging"
	"github.com/erfianugrah/dohcursor/pkg/queue"
	"github.com/erfianugrah/dohcursor/pkg/request"
	"github.com/erfianugrah/dohcursor/pkg/telemetry"

	"github.com/miekg/dns"
)

// State is the lifecycle state of a Server, advanced strictly monotonically:
// NotStarted -> Starting -> Started -> Stopping -> Stopped.
type State int32

const (
	NotStarted State = iota
	Starting
	Started
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Starting:
		return "starting"
	case Started:
		return "started"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Server owns one *net.UDPConn per configured endpoint and the goroutine
// that drains it.
type Server struct {
	cfg     config.ServerConfig
	logger  *logging.Logger
	queue   *queue.Queue[*request.Request]
	metrics *telemetry.Metrics

	state atomic.Int32

	conns []*net.UDPConn
	wg    sync.WaitGroup

	started chan struct{}
	stopped chan struct{}
}

// New builds a Server bound to the given Queue. It does not open any
// sockets; call Start for that.
func New(cfg config.ServerConfig, q *queue.Queue[*request.Request], logger *logging.Logger, metrics *telemetry.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		logger:  logger.WithStage("server"),
		queue:   q,
		metrics: metrics,
		started: make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// State reports the Server's current lifecycle state.
func (s *Server) State() State {
	return State(s.state.Load())
}

// Start opens a UDP socket for every configured endpoint and spawns a
// listener goroutine per socket. It returns once every socket is bound and
// the listener goroutines are spawned; it closes the AwaitStarted barrier
// before returning, so AwaitStarted does not wait for the listeners to
// begin reading.
func (s *Server) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(NotStarted), int32(Starting)) {
		return fmt.Errorf("server: Start called in state %s", s.State())
	}

	endpoints := s.endpoints()
	conns := make([]*net.UDPConn, 0, len(endpoints))
	for _, endpoint := range endpoints {
		udpAddr, err := net.ResolveUDPAddr("udp", endpoint)
		if err != nil {
			return fmt.Errorf("server: invalid endpoint %q: %w", endpoint, err)
		}
		conn, err := net.ListenUDP("udp", udpAddr)
		if err != nil {
			return fmt.Errorf("server: failed to bind %q: %w", endpoint, err)
		}
		conns = append(conns, conn)
		s.logger.Info("listening for DNS queries", "endpoint", endpoint)
	}
	s.conns = conns

	for _, conn := range conns {
		s.wg.Add(1)
		go s.listen(conn)
	}

	s.state.Store(int32(Started))
	close(s.started)
	return nil
}

// endpoints returns the (address:port) pairs to bind, one per configured
// IPv4/IPv6 address.
func (s *Server) endpoints() []string {
	port := strconv.Itoa(int(s.cfg.Port))
	out := make([]string, 0, len(s.cfg.IPv4)+len(s.cfg.IPv6))
	for _, addr := range s.cfg.IPv4 {
		out = append(out, net.JoinHostPort(addr, port))
	}
	for _, addr := range s.cfg.IPv6 {
		out = append(out, net.JoinHostPort(addr, port))
	}
	return out
}

// AwaitStarted blocks until Start has completed, or ctx is done.
func (s *Server) AwaitStarted(ctx context.Context) error {
	select {
	case <-s.started:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop transitions the Server to Stopping and closes every listening
// socket, which unblocks each listener goroutine's next read deadline.
func (s *Server) Stop() error {
	if !s.state.CompareAndSwap(int32(Started), int32(Stopping)) {
		return fmt.Errorf("server: Stop called in state %s", s.State())
	}
	for _, conn := range s.conns {
		_ = conn.Close()
	}
	go func() {
		s.wg.Wait()
		s.state.Store(int32(Stopped))
		close(s.stopped)
	}()
	return nil
}

// AwaitStopped blocks until every listener goroutine has exited, or ctx is
// done.
func (s *Server) AwaitStopped(ctx context.Context) error {
	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// listen is the per-endpoint receive loop. It polls s.state after every
// bounded-wait read so shutdown is cooperative rather than preemptive: a
// read error (including the deadline expiring) is the only suspension
// point, matching the rest of the pipeline's shutdown model.
func (s *Server) listen(conn *net.UDPConn) {
	defer s.wg.Done()

	buf := make([]byte, s.cfg.ReceiveBufBytes)
	for {
		if s.State() >= Stopping {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReceiveTimeout))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if s.State() >= Stopping {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			s.logger.Warn("udp read failed", "error", err)
			continue
		}

		s.recordDatagram()

		query, err := dnscodec.MessageFromBytes(buf[:n])
		if err != nil {
			s.logger.Warn("failed to decode datagram, dropping", "client", addr, "error", err)
			s.recordDecodeError()
			continue
		}

		if query.Response || query.Opcode != dns.OpcodeQuery {
			s.logger.Warn("dropping non-query datagram", "client", addr, "opcode", query.Opcode)
			s.recordDecodeError()
			continue
		}

		req := request.FromUDP(addr, query, conn)
		if err := s.queue.Enqueue(req); err != nil {
			s.logger.Error("failed to publish request, dropping", "client", addr, "error", err)
			s.recordQueueRejected()
			continue
		}
		s.recordQueuePublished()
	}
}

func (s *Server) recordDatagram() {
	if s.metrics != nil {
		s.metrics.ServerDatagramsTotal.Add(context.Background(), 1)
	}
}

func (s *Server) recordDecodeError() {
	if s.metrics != nil {
		s.metrics.ServerDecodeErrors.Add(context.Background(), 1)
	}
}

func (s *Server) recordQueuePublished() {
	if s.metrics != nil {
		s.metrics.ServerQueuePublished.Add(context.Background(), 1)
		s.metrics.QueueDepth.Add(context.Background(), 1)
	}
}

func (s *Server) recordQueueRejected() {
	if s.metrics != nil {
		s.metrics.ServerQueueRejected.Add(context.Background(), 1)
	}
}
