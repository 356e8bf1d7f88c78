package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mmx233/dsserver/config"
	"github.com/Mmx233/dsserver/metrics"
	"github.com/Mmx233/dsserver/protocol"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// acceptBackoff is the pause after a non-timeout accept failure.
const acceptBackoff = 50 * time.Millisecond

// ExitReason tells why Run returned.
type ExitReason int

const (
	ExitNone ExitReason = iota
	ExitIdle
	ExitClientHook
	ExitShutdownRequested
	ExitHandlerFatal
	ExitContextDone
	ExitClosed
)

func (r ExitReason) String() string {
	switch r {
	case ExitNone:
		return "none"
	case ExitIdle:
		return "idle"
	case ExitClientHook:
		return "client-hook"
	case ExitShutdownRequested:
		return "shutdown-requested"
	case ExitHandlerFatal:
		return "handler-fatal"
	case ExitContextDone:
		return "context-done"
	case ExitClosed:
		return "closed"
	default:
		return fmt.Sprintf("exit(%d)", int(r))
	}
}

// Handler serves one accepted connection. The connection is closed by the
// acceptor when the handler returns.
type Handler func(ctx context.Context, cs *ConnectionState) error

// Counters is a snapshot of the acceptor's bookkeeping.
type Counters struct {
	ActiveClients int
	MaxClients    int
	LastLiveness  time.Time
	LastAction    time.Time
}

// Acceptor listens on one TCP port and hands every accepted connection to
// an isolated worker, up to a configured number of concurrent clients.
type Acceptor struct {
	conf     config.Server
	handler  Handler
	hooks    Hooks
	liveness LivenessFunc
	clock    clockwork.Clock
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	mu          sync.Mutex // guards listener and wakePending
	listener    net.Listener
	wakePending bool
	bindErr     error
	closed      atomic.Bool

	// Control goroutine state.
	counters          Counters
	workers           map[uint64]*workerInfo
	nextID            uint64
	shutdownRequested bool
	fatal             *HandlerError

	active atomic.Int64 // mirror of counters.ActiveClients for workers
	done   completionQueue
	wg     sync.WaitGroup
}

// Option configures an Acceptor.
type Option func(*Acceptor)

// WithHooks installs extension hooks.
func WithHooks(h Hooks) Option {
	return func(a *Acceptor) { a.hooks = h }
}

// WithLiveness replaces the default trace-level liveness log.
func WithLiveness(fn LivenessFunc) Option {
	return func(a *Acceptor) { a.liveness = fn }
}

// WithClock sets the clock used for liveness and quiescence.
func WithClock(c clockwork.Clock) Option {
	return func(a *Acceptor) { a.clock = c }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Acceptor) { a.metrics = m }
}

// WithLogger overrides the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(a *Acceptor) { a.logger = l }
}

// New creates an acceptor. Call Open before Run.
func New(conf config.Server, handler Handler, opts ...Option) *Acceptor {
	logger := log.With().Str("com", "acceptor").Logger()
	if conf.Verbose && !conf.Debug {
		logger.Warn().Msg("verbose set without debug, enabling debug")
	}
	conf.ApplyDefaults()

	a := &Acceptor{
		conf:    conf,
		handler: handler,
		clock:   clockwork.NewRealClock(),
		logger:  logger,
		workers: make(map[uint64]*workerInfo),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.metrics == nil {
		a.metrics = metrics.New(nil)
	}
	a.logger = a.logger.With().
		Str("service", conf.ServiceName).
		Str("instance", conf.InstanceName).
		Logger()
	a.counters.MaxClients = conf.MaxClients
	return a
}

// Open binds and listens on the configured address. A failure is
// remembered and returned again by Run.
func (a *Acceptor) Open() error {
	ln, err := a.listen(a.conf.Addr())
	if err != nil {
		a.bindErr = &BindError{Addr: a.conf.Addr(), Err: err}
		a.logger.Error().Err(err).Str("addr", a.conf.Addr()).Msg("bind failed")
		return a.bindErr
	}

	a.mu.Lock()
	a.listener = ln
	a.mu.Unlock()

	a.logger.Info().
		Str("addr", ln.Addr().String()).
		Int("max_clients", a.conf.MaxClients).
		Msg("listening")
	return nil
}

func (a *Acceptor) listen(addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: setSocketOptions,
	}
	return lc.Listen(context.Background(), "tcp", addr)
}

// Addr returns the bound address, or nil before Open.
func (a *Acceptor) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Close stops a running acceptor. Run returns ExitClosed.
func (a *Acceptor) Close() error {
	a.closed.Store(true)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Close()
}

// ActiveClients is safe to call from any goroutine.
func (a *Acceptor) ActiveClients() int {
	return int(a.active.Load())
}

func (a *Acceptor) MaxClients() int {
	return a.conf.MaxClients
}

func (a *Acceptor) ServiceName() string {
	return a.conf.ServiceName
}

func (a *Acceptor) InstanceName() string {
	return a.conf.InstanceName
}

// Counters returns a snapshot. Call it from a hook or after Run returned.
func (a *Acceptor) Counters() Counters {
	return a.counters
}

// Run accepts connections until a hook, the idle policy, a shutdown
// request, a fatal handler error or ctx stops it. A non-positive
// pollTimeout waits for connections indefinitely.
func (a *Acceptor) Run(ctx context.Context, pollTimeout time.Duration) (ExitReason, error) {
	if a.bindErr != nil {
		return ExitNone, a.bindErr
	}
	a.mu.Lock()
	opened := a.listener != nil
	a.mu.Unlock()
	if !opened {
		return ExitNone, ErrNotOpen
	}

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	stopWake := context.AfterFunc(ctx, a.interrupt)
	defer stopWake()

	a.counters.LastAction = a.clock.Now()
	a.registerLiveness("Starting")

	reason, err := a.serve(ctx, workerCtx, pollTimeout)

	a.closeListener()
	cancelWorkers()
	a.wg.Wait()
	a.reap()

	a.logger.Info().Stringer("reason", reason).Msg("acceptor stopped")
	return reason, err
}

func (a *Acceptor) serve(ctx, workerCtx context.Context, pollTimeout time.Duration) (ExitReason, error) {
	for {
		if err := a.armDeadline(ctx, pollTimeout); err != nil {
			return ExitContextDone, err
		}

		a.mu.Lock()
		ln := a.listener
		a.mu.Unlock()

		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ExitContextDone, ctx.Err()
			}
			if a.closed.Load() {
				return ExitClosed, nil
			}
			if !errors.Is(err, os.ErrDeadlineExceeded) {
				a.recoverAccept(ctx, err)
				continue
			}

			a.reap()
			if reason, stop := a.pendingStop(); stop {
				if reason == ExitHandlerFatal {
					return reason, a.fatal
				}
				if a.onShutdown() {
					return reason, nil
				}
				a.shutdownRequested = false
			}
			if a.onIdle() && a.onShutdown() {
				return ExitIdle, nil
			}
			continue
		}

		a.reap()
		if reason, stop := a.pendingStop(); stop {
			if reason == ExitHandlerFatal {
				_ = conn.Close()
				return reason, a.fatal
			}
			if a.onShutdown() {
				_ = conn.Close()
				return reason, nil
			}
			// vetoed, serve the connection as usual
			a.shutdownRequested = false
		}

		if a.counters.ActiveClients >= a.counters.MaxClients {
			a.deny(conn)
			continue
		}

		a.spawn(workerCtx, conn)
		a.counters.LastAction = a.clock.Now()

		if a.onClientAccepted() && a.onShutdown() {
			return ExitClientHook, nil
		}
	}
}

func (a *Acceptor) pendingStop() (ExitReason, bool) {
	switch {
	case a.fatal != nil:
		return ExitHandlerFatal, true
	case a.shutdownRequested:
		return ExitShutdownRequested, true
	default:
		return ExitNone, false
	}
}

// armDeadline sets the accept deadline for one poll. A pending wake-up
// makes the next Accept return immediately.
func (a *Acceptor) armDeadline(ctx context.Context, pollTimeout time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	dl, ok := a.listener.(interface{ SetDeadline(time.Time) error })
	if !ok {
		return nil
	}
	var deadline time.Time
	switch {
	case a.wakePending:
		a.wakePending = false
		deadline = time.Now()
	case pollTimeout > 0:
		deadline = time.Now().Add(pollTimeout)
	}
	_ = dl.SetDeadline(deadline)
	return nil
}

// interrupt wakes a blocked Accept.
func (a *Acceptor) interrupt() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.wakePending = true
	if dl, ok := a.listener.(interface{ SetDeadline(time.Time) error }); ok {
		_ = dl.SetDeadline(time.Now())
	}
}

// recoverAccept resets the listening state after a non-timeout accept
// failure: a closed listener is reopened on the same address, anything
// else is waited out briefly.
func (a *Acceptor) recoverAccept(ctx context.Context, err error) {
	a.metrics.AcceptErrors.Inc()
	a.logger.Debug().Err(err).Msg("accept failed")

	if errors.Is(err, net.ErrClosed) {
		a.mu.Lock()
		addr := a.listener.Addr().String()
		ln, lerr := a.listen(addr)
		if lerr == nil {
			a.listener = ln
		}
		a.mu.Unlock()
		if lerr == nil {
			a.logger.Warn().Str("addr", addr).Msg("listener reopened")
			return
		}
		a.logger.Debug().Err(lerr).Str("addr", addr).Msg("reopen listener failed")
	}

	select {
	case <-ctx.Done():
	case <-a.clock.After(acceptBackoff):
	}
}

func (a *Acceptor) closeListener() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		_ = a.listener.Close()
	}
}

// deny refuses conn at the client ceiling with a service-denied reply.
func (a *Acceptor) deny(conn net.Conn) {
	defer conn.Close()
	a.metrics.ConnectionsDenied.Inc()
	a.logger.Warn().
		Str("remote", conn.RemoteAddr().String()).
		Int("active_clients", a.counters.ActiveClients).
		Int("max_clients", a.counters.MaxClients).
		Msg("client ceiling reached, denying service")

	reply := protocol.ErrorMessage(nil, protocol.CodeServiceDenied,
		fmt.Sprintf("%s: too many clients (%d)", a.conf.ServiceName, a.counters.MaxClients))
	_ = conn.SetWriteDeadline(time.Now().Add(a.conf.DeniedReplyTimeout))
	if err := protocol.WriteFrame(conn, reply); err != nil {
		a.logger.Debug().Err(err).Msg("send service denied reply failed")
	}
}
