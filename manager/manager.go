package manager

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Mmx233/dsserver/config"
	"github.com/Mmx233/dsserver/metrics"
	"github.com/Mmx233/dsserver/protocol"
	"github.com/Mmx233/dsserver/server"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	probeTimeout = 500 * time.Millisecond
	pollInterval = 100 * time.Millisecond
)

// Manager starts registered services on demand. It answers
// MsgTypeStartServer commands on a server.Dispatcher.
type Manager struct {
	conf     config.Manager
	launcher Launcher
	clock    clockwork.Clock
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	dialer   *net.Dialer

	localNames map[string]struct{}

	// one launch per port at a time
	mu       sync.Mutex
	inflight map[int]*sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithLauncher replaces the os/exec launcher.
func WithLauncher(l Launcher) Option {
	return func(m *Manager) { m.launcher = l }
}

// WithClock sets the clock used while waiting for a launched service.
func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithLogger overrides the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New creates a manager.
func New(conf config.Manager, opts ...Option) *Manager {
	conf.ApplyDefaults()
	m := &Manager{
		conf:     conf,
		clock:    clockwork.NewRealClock(),
		logger:   log.With().Str("com", "manager").Logger(),
		dialer:   &net.Dialer{Timeout: probeTimeout, KeepAlive: -1},
		inflight: make(map[int]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = metrics.New(nil)
	}
	if m.launcher == nil {
		m.launcher = ExecLauncher{Logger: m.logger}
	}
	m.localNames = localNames(conf.Hosts)
	return m
}

// Dispatcher returns a dispatcher that serves the manager's commands along
// with the standard server commands.
func (m *Manager) Dispatcher() *server.Dispatcher {
	d := server.NewDispatcherFor(m.conf.Server, nil)
	m.Register(d)
	return d
}

// Register adds the start command to d.
func (m *Manager) Register(d *server.Dispatcher) {
	d.HandleCommand(protocol.MsgTypeStartServer, m.HandleStart)
}

// HandleStart answers one start request.
func (m *Manager) HandleStart(ctx context.Context, cs *server.ConnectionState, req *protocol.Message) (*protocol.Message, error) {
	var start protocol.StartServerRequest
	if err := protocol.DecodePayload(req.Payload, &start); err != nil {
		return protocol.ErrorMessage(req, protocol.CodeBadMessage, err.Error()), nil
	}

	logger := cs.Logger.With().
		Str("service", start.Service).
		Str("host", start.Host).
		Int("port", start.Port).
		Logger()

	if !m.IsLocal(ctx, start.Host) {
		logger.Debug().Msg("start request for a foreign host")
		return m.reject(req, protocol.CodeBadHost, fmt.Sprintf("host %s is not served by this manager", start.Host)), nil
	}
	if err := config.ValidatePort(start.Port, false); err != nil {
		return m.reject(req, protocol.CodeBadPort, err.Error()), nil
	}
	svc, ok := m.conf.Services[start.Service]
	if !ok {
		return m.reject(req, protocol.CodeUnknownService, fmt.Sprintf("service %q is not registered", start.Service)), nil
	}

	lock := m.portLock(start.Port)
	lock.Lock()
	defer lock.Unlock()

	if m.probe(ctx, start.Port) {
		m.metrics.ServiceLaunches.WithLabelValues("running").Inc()
		logger.Debug().Msg("service already running")
		return replyStart(req, protocol.StartServerReply{Message: "already running"})
	}

	instance := start.Instance
	if instance == "" {
		instance = start.Service + "-" + uuid.NewString()[:8]
	}

	proc, err := m.launcher.Launch(ctx, LaunchSpec{
		Service:  start.Service,
		Port:     start.Port,
		Instance: instance,
		Command:  svc,
	})
	if err != nil {
		m.metrics.ServiceLaunches.WithLabelValues("failed").Inc()
		logger.Warn().Err(err).Msg("launch failed")
		return protocol.ErrorMessage(req, protocol.CodeStartFailed, err.Error()), nil
	}
	logger = logger.With().Int("pid", proc.PID).Str("instance", instance).Logger()

	if err := m.waitReady(ctx, proc, start.Port); err != nil {
		if kerr := proc.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			logger.Debug().Err(kerr).Msg("kill failed")
		}
		m.metrics.ServiceLaunches.WithLabelValues("failed").Inc()
		logger.Warn().Err(err).Msg("service did not come up")
		return protocol.ErrorMessage(req, protocol.CodeStartFailed, err.Error()), nil
	}

	m.metrics.ServiceLaunches.WithLabelValues("started").Inc()
	logger.Info().Msg("service started")
	return replyStart(req, protocol.StartServerReply{Started: true, PID: proc.PID, Message: "started"})
}

func (m *Manager) reject(req *protocol.Message, code int32, text string) *protocol.Message {
	m.metrics.ServiceLaunches.WithLabelValues("rejected").Inc()
	return protocol.ErrorMessage(req, code, text)
}

func replyStart(req *protocol.Message, r protocol.StartServerReply) (*protocol.Message, error) {
	payload, err := protocol.EncodePayload(r)
	if err != nil {
		return nil, err
	}
	return req.Reply(protocol.CodeOK, payload), nil
}

func (m *Manager) portLock(port int) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.inflight[port]
	if !ok {
		l = new(sync.Mutex)
		m.inflight[port] = l
	}
	return l
}

// probe reports whether something accepts connections on the local port.
func (m *Manager) probe(ctx context.Context, port int) bool {
	conn, err := m.dialer.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// waitReady polls the port until it answers, the process fails or the
// start timeout passes. A clean exit is taken as the service daemonizing.
func (m *Manager) waitReady(ctx context.Context, proc *Process, port int) error {
	deadline := m.clock.After(m.conf.StartTimeout)
	ticker := m.clock.NewTicker(pollInterval)
	defer ticker.Stop()

	exited := proc.Done
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("port %d not answering after %s", port, m.conf.StartTimeout)
		case <-exited:
			if m.probe(ctx, port) {
				return nil
			}
			if err := proc.Err(); err != nil {
				return fmt.Errorf("service exited before answering: %w", err)
			}
			exited = nil
		case <-ticker.Chan():
			if m.probe(ctx, port) {
				return nil
			}
		}
	}
}

// IsLocal reports whether host names this machine.
func (m *Manager) IsLocal(ctx context.Context, host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if _, ok := m.localNames[host]; ok {
		return true
	}
	if net.ParseIP(host) != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return false
	}
	for _, a := range addrs {
		if _, ok := m.localNames[a]; ok {
			return true
		}
	}
	return false
}

func localNames(extra []string) map[string]struct{} {
	names := map[string]struct{}{
		"localhost": {},
		"127.0.0.1": {},
		"::1":       {},
	}
	if h, err := os.Hostname(); err == nil {
		names[strings.ToLower(h)] = struct{}{}
		if short, _, ok := strings.Cut(h, "."); ok {
			names[strings.ToLower(short)] = struct{}{}
		}
	}
	if addrs, err := net.InterfaceAddrs(); err == nil {
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok {
				names[ipnet.IP.String()] = struct{}{}
			}
		}
	}
	for _, h := range extra {
		names[strings.ToLower(h)] = struct{}{}
	}
	return names
}
