package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// View is the read-only acceptor state available to workers.
type View interface {
	ActiveClients() int
	MaxClients() int
	ServiceName() string
	InstanceName() string
}

// ConnectionState is owned by exactly one worker for the lifetime of its
// connection.
type ConnectionState struct {
	Conn      net.Conn
	WorkerID  uint64
	StartedAt time.Time
	Logger    zerolog.Logger
	Server    View
}

type workerInfo struct {
	remote    string
	startedAt time.Time
}

// completion is the only message a worker sends to the control goroutine.
type completion struct {
	id       uint64
	err      error
	panicked bool
	shutdown bool
}

// completionQueue collects completions from workers until the control
// goroutine reaps them. It grows with the number of finished workers, not
// with the client ceiling.
type completionQueue struct {
	mu      sync.Mutex
	pending []completion
}

func (q *completionQueue) push(c completion) {
	q.mu.Lock()
	q.pending = append(q.pending, c)
	q.mu.Unlock()
}

func (q *completionQueue) drain() []completion {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	return out
}

func (a *Acceptor) spawn(ctx context.Context, conn net.Conn) {
	a.nextID++
	id := a.nextID
	remote := conn.RemoteAddr().String()

	cs := &ConnectionState{
		Conn:      conn,
		WorkerID:  id,
		StartedAt: a.clock.Now(),
		Logger: a.logger.With().
			Uint64("worker", id).
			Str("remote", remote).
			Logger(),
		Server: a,
	}

	a.workers[id] = &workerInfo{remote: remote, startedAt: cs.StartedAt}
	a.counters.ActiveClients++
	a.active.Store(int64(a.counters.ActiveClients))
	a.metrics.ActiveClients.Set(float64(a.counters.ActiveClients))
	a.metrics.ConnectionsAccepted.Inc()
	cs.Logger.Debug().Int("active_clients", a.counters.ActiveClients).Msg("client accepted")

	if a.conf.SingleThreaded {
		a.runWorker(ctx, cs)
		a.reap()
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.runWorker(ctx, cs)
	}()
}

func (a *Acceptor) runWorker(ctx context.Context, cs *ConnectionState) {
	c := completion{id: cs.WorkerID}
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			c.panicked = true
			c.err = fmt.Errorf("handler panic: %v", r)
			cs.Logger.Error().
				Str("stack", string(debug.Stack())).
				Interface("panic", r).
				Msg("handler panicked")
		}
		_ = cs.Conn.Close()
		a.metrics.HandlerDuration.Observe(time.Since(start).Seconds())

		c.shutdown = errors.Is(c.err, ErrShutdownRequested)
		a.done.push(c)
		if c.shutdown || (c.err != nil && a.conf.Debug) {
			a.interrupt()
		}
	}()

	stop := context.AfterFunc(ctx, func() {
		_ = cs.Conn.SetDeadline(time.Now())
	})
	defer stop()

	c.err = a.handler(ctx, cs)
}

// reap drains pending completions without blocking. Each worker's token
// is consumed exactly once.
func (a *Acceptor) reap() {
	for _, c := range a.done.drain() {
		a.complete(c)
	}
}

func (a *Acceptor) complete(c completion) {
	info, ok := a.workers[c.id]
	if !ok {
		a.logger.Warn().Uint64("worker", c.id).Msg("completion for unknown worker ignored")
		return
	}
	delete(a.workers, c.id)

	a.counters.ActiveClients--
	a.counters.LastAction = a.clock.Now()
	a.active.Store(int64(a.counters.ActiveClients))
	a.metrics.ActiveClients.Set(float64(a.counters.ActiveClients))

	logger := a.logger.With().Uint64("worker", c.id).Str("remote", info.remote).Logger()
	switch {
	case c.shutdown:
		a.metrics.WorkerExits.WithLabelValues("ok").Inc()
		logger.Info().Msg("shutdown requested by client")
		a.shutdownRequested = true
		return
	case c.panicked:
		a.metrics.WorkerExits.WithLabelValues("panic").Inc()
	case c.err != nil:
		a.metrics.WorkerExits.WithLabelValues("error").Inc()
	default:
		a.metrics.WorkerExits.WithLabelValues("ok").Inc()
		logger.Debug().Int("active_clients", a.counters.ActiveClients).Msg("worker done")
		return
	}

	logger.Error().Err(c.err).Bool("panicked", c.panicked).Msg("handler failed")
	if a.conf.Debug && a.fatal == nil {
		a.fatal = &HandlerError{
			WorkerID: c.id,
			Remote:   info.remote,
			Panicked: c.panicked,
			Err:      c.err,
		}
	}
}
