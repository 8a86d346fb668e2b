// Package processor drains the Queue and dispatches each Request to a
// worker that resolves it and writes back the response.
package processor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/erfianugrah/dohcursor/pkg/config"
	"github.com/erfianugrah/dohcursor/pkg/logging"
	"github.com/erfianugrah/dohcursor/pkg/queue"
	"github.com/erfianugrah/dohcursor/pkg/request"
	"github.com/erfianugrah/dohcursor/pkg/resolver"
	"github.com/erfianugrah/dohcursor/pkg/telemetry"
)

// State mirrors server.State: NotStarted -> Starting -> Started ->
// Stopping -> Stopped, advanced strictly monotonically.
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

// Processor owns the worker pool that turns dequeued Requests into
// responses.
type Processor struct {
	cfg      config.ProcessorConfig
	queue    *queue.Queue[*request.Request]
	resolver *resolver.Resolver
	logger   *logging.Logger
	metrics  *telemetry.Metrics

	state atomic.Int32
	work  chan *request.Request

	dequeueDone chan struct{}
	wg          sync.WaitGroup
	started     chan struct{}
	stopped     chan struct{}
}

// New builds a Processor that resolves requests via r and dispatches to a
// pool of GOMAXPROCS * cfg.WorkerMultiplier workers.
func New(cfg config.ProcessorConfig, q *queue.Queue[*request.Request], r *resolver.Resolver, logger *logging.Logger, metrics *telemetry.Metrics) *Processor {
	return &Processor{
		cfg:         cfg,
		queue:       q,
		resolver:    r,
		logger:      logger.WithStage("processor"),
		metrics:     metrics,
		dequeueDone: make(chan struct{}),
		started:     make(chan struct{}),
		stopped:     make(chan struct{}),
	}
}

// State reports the Processor's current lifecycle state.
func (p *Processor) State() State {
	return State(p.state.Load())
}

// Start launches the worker pool and the single dequeue loop that feeds it.
func (p *Processor) Start(ctx context.Context) error {
	if !p.state.CompareAndSwap(int32(NotStarted), int32(Starting)) {
		return fmt.Errorf("processor: Start called in state %s", p.State())
	}

	workers := runtime.GOMAXPROCS(0) * p.cfg.WorkerMultiplier
	if workers <= 0 {
		workers = 1
	}
	p.work = make(chan *request.Request, workers)

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker(ctx)
	}

	go p.dequeueLoop()

	p.state.Store(int32(Started))
	close(p.started)
	return nil
}

// AwaitStarted blocks until Start has completed, or ctx is done.
func (p *Processor) AwaitStarted(ctx context.Context) error {
	select {
	case <-p.started:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop transitions the Processor to Stopping. The dequeue loop drains
// whatever remains on the Queue before exiting, and workers finish any
// in-flight request before the pool tears down.
func (p *Processor) Stop() error {
	if !p.state.CompareAndSwap(int32(Started), int32(Stopping)) {
		return fmt.Errorf("processor: Stop called in state %s", p.State())
	}
	go func() {
		<-p.dequeueDone
		close(p.work)
		p.wg.Wait()
		p.state.Store(int32(Stopped))
		close(p.stopped)
	}()
	return nil
}

// AwaitStopped blocks until every worker has exited, or ctx is done.
func (p *Processor) AwaitStopped(ctx context.Context) error {
	select {
	case <-p.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dequeueLoop is the single consumer draining the Queue. It polls the
// Processor's state after every bounded-wait dequeue, matching the
// Server's cooperative shutdown model, and exits only once the Queue
// reports ErrClosed or a Stopping state is observed with nothing left
// buffered.
func (p *Processor) dequeueLoop() {
	defer close(p.dequeueDone)

	for {
		req, ok, err := p.queue.Dequeue(p.cfg.DequeueTimeout)
		if err != nil {
			return
		}
		if !ok {
			if p.State() >= Stopping {
				return
			}
			continue
		}
		if p.metrics != nil {
			p.metrics.QueueDepth.Add(context.Background(), -1)
		}
		p.work <- req
	}
}

func (p *Processor) worker(ctx context.Context) {
	defer p.wg.Done()

	for req := range p.work {
		p.handle(ctx, req)
	}
}

func (p *Processor) handle(ctx context.Context, req *request.Request) {
	start := time.Now()
	if p.metrics != nil {
		p.metrics.ProcessorDispatched.Add(ctx, 1)
	}

	resp, err := p.resolver.Resolve(ctx, req.DNSQuery())
	if err != nil {
		p.logger.Error("resolution failed, dropping request", "error", err)
		if p.metrics != nil {
			p.metrics.ProcessorFailed.Add(ctx, 1)
		}
		return
	}

	req.Respond(p.logger, resp)

	if p.metrics != nil {
		p.metrics.ProcessorSucceeded.Add(ctx, 1)
		p.metrics.ProcessorDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	}
}
