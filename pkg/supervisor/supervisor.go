// Package supervisor owns the ordered startup and shutdown of the pipeline's
// two long-running components: the Processor (worker pool) starts first so
// it is ready to drain before any datagram can arrive, and the Server (UDP
// listeners) stops first so no new work is admitted while draining.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/erfianugrah/dohcursor/pkg/logging"
	"github.com/erfianugrah/dohcursor/pkg/processor"
	"github.com/erfianugrah/dohcursor/pkg/server"
)

// Status is the lifecycle state of the Supervisor itself, advanced strictly
// monotonically. Modeled on the teacher's CircuitBreaker state field:
// an atomic.Int32 guarded by CompareAndSwap rather than a mutex, since the
// state is read far more often than it changes.
type Status int32

const (
	NotStarted Status = iota
	Starting
	Running
	Stopping
	Stopped
)

func (s Status) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Supervisor starts the Processor before the Server and stops the Server
// before the Processor, so the pipeline never admits a request it has
// nowhere to dispatch.
type Supervisor struct {
	proc   *processor.Processor
	srv    *server.Server
	logger *logging.Logger

	status atomic.Int32

	started chan struct{}
	stopped chan struct{}
}

// New builds a Supervisor over an already-constructed Processor and Server.
func New(proc *processor.Processor, srv *server.Server, logger *logging.Logger) *Supervisor {
	return &Supervisor{
		proc:    proc,
		srv:     srv,
		logger:  logger.WithStage("supervisor"),
		started: make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Status reports the Supervisor's current lifecycle state.
func (s *Supervisor) Status() Status {
	return Status(s.status.Load())
}

// StartAndAwait starts the Processor, then the Server, and blocks until
// both report themselves started.
func (s *Supervisor) StartAndAwait(ctx context.Context) error {
	if !s.status.CompareAndSwap(int32(NotStarted), int32(Starting)) {
		return fmt.Errorf("supervisor: StartAndAwait called in state %s", s.Status())
	}

	if err := s.proc.Start(ctx); err != nil {
		return fmt.Errorf("supervisor: processor failed to start: %w", err)
	}
	if err := s.proc.AwaitStarted(ctx); err != nil {
		return fmt.Errorf("supervisor: processor did not report started: %w", err)
	}

	if err := s.srv.Start(ctx); err != nil {
		return fmt.Errorf("supervisor: server failed to start: %w", err)
	}
	if err := s.srv.AwaitStarted(ctx); err != nil {
		return fmt.Errorf("supervisor: server did not report started: %w", err)
	}

	s.status.Store(int32(Running))
	close(s.started)
	s.logger.Info("supervisor: pipeline running")
	return nil
}

// AwaitStarted blocks until StartAndAwait has completed, or ctx is done.
func (s *Supervisor) AwaitStarted(ctx context.Context) error {
	select {
	case <-s.started:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopAndAwait stops the Server, then the Processor, and blocks until both
// report themselves stopped or ctx expires. Errors from each component are
// joined rather than short-circuited, so a Processor stop failure never
// masks a Server one.
func (s *Supervisor) StopAndAwait(ctx context.Context) error {
	if !s.status.CompareAndSwap(int32(Running), int32(Stopping)) {
		return fmt.Errorf("supervisor: StopAndAwait called in state %s", s.Status())
	}

	var errs []error

	if err := s.srv.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("server stop: %w", err))
	} else if err := s.srv.AwaitStopped(ctx); err != nil {
		errs = append(errs, fmt.Errorf("server await stopped: %w", err))
	}

	if err := s.proc.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("processor stop: %w", err))
	} else if err := s.proc.AwaitStopped(ctx); err != nil {
		errs = append(errs, fmt.Errorf("processor await stopped: %w", err))
	}

	s.status.Store(int32(Stopped))
	close(s.stopped)
	s.logger.Info("supervisor: pipeline stopped")

	return errors.Join(errs...)
}

// AwaitStopped blocks until StopAndAwait has completed, or ctx is done.
func (s *Supervisor) AwaitStopped(ctx context.Context) error {
	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForTerminationSignal blocks until SIGINT or SIGTERM arrives and
// returns it, matching the teacher main's os.Interrupt/syscall.SIGTERM
// signal.Notify pattern.
func WaitForTerminationSignal() os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	return <-sigChan
}

// Run starts the pipeline, blocks until a termination signal arrives (or
// ctx is cancelled), then stops the pipeline with a bounded shutdown
// deadline. It is the single call cmd/dohcursor/main.go needs to drive the
// full lifecycle.
func (s *Supervisor) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := s.StartAndAwait(ctx); err != nil {
		return err
	}

	sigDone := make(chan os.Signal, 1)
	go func() { sigDone <- WaitForTerminationSignal() }()

	select {
	case sig := <-sigDone:
		s.logger.Info("supervisor: received termination signal", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("supervisor: context cancelled")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.StopAndAwait(shutdownCtx)
}
