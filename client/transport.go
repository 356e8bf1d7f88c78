package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/Mmx233/dsserver/config"
	"github.com/Mmx233/dsserver/locator"
	"github.com/Mmx233/dsserver/metrics"
	"github.com/Mmx233/dsserver/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Transport performs request/reply exchanges against data services. It
// holds no connections; every exchange dials a fresh socket. A Transport
// is safe for concurrent use.
type Transport struct {
	conf    config.Client
	dialer  Dialer
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// Option configures a Transport.
type Option func(*Transport)

// WithDialer replaces the default net.Dialer.
func WithDialer(d Dialer) Option {
	return func(t *Transport) { t.dialer = d }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Transport) { t.metrics = m }
}

// WithLogger overrides the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// New creates a transport.
func New(conf config.Client, opts ...Option) *Transport {
	conf.ApplyDefaults()

	t := &Transport{
		conf:   conf,
		dialer: &net.Dialer{KeepAlive: -1},
		logger: log.With().Str("com", "transport").Logger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.metrics == nil {
		t.metrics = metrics.New(nil)
	}
	return t
}

// Forwarding returns the default forwarding settings used to resolve URLs.
func (t *Transport) Forwarding() config.Forwarding {
	return t.conf.Forwarding
}

// Resolve parses a service URL and resolves it with the transport's
// forwarding defaults.
func (t *Transport) Resolve(rawURL string) (*locator.Target, error) {
	return locator.ResolveString(rawURL, t.conf.Forwarding)
}

// EffectiveTimeout is the bound on one exchange with target.
func (t *Transport) EffectiveTimeout(target *locator.Target) time.Duration {
	if target.ForwardingEnabled {
		return t.conf.CommTimeout + config.ForwardingMargin
	}
	return t.conf.CommTimeout
}

func (t *Transport) pingTimeout(target *locator.Target) time.Duration {
	if target.ForwardingEnabled {
		return t.conf.PingTimeout + config.ForwardingMargin
	}
	return t.conf.PingTimeout
}

// Communicate sends a generic request and returns the reply payload. Use
// CommunicateMessage to see the reply's error code.
func (t *Transport) Communicate(ctx context.Context, target *locator.Target, requestType int32, payload []byte) ([]byte, error) {
	reply, err := t.CommunicateMessage(ctx, target, protocol.NewMessage(requestType, payload))
	if err != nil {
		return nil, err
	}
	return reply.Payload, nil
}

// CommunicateMessage performs one logical exchange. A communication
// failure triggers a single manager start request followed by exactly one
// retry. A tunnel failure is returned at once.
func (t *Transport) CommunicateMessage(ctx context.Context, target *locator.Target, req *protocol.Message) (*protocol.Message, error) {
	logger := t.logger.With().
		Str("request_id", uuid.NewString()).
		Str("url", target.URL).
		Int32("type", req.Type).
		Logger()

	msg := *req
	protocol.CompressAbove(&msg, t.conf.CompressThreshold)
	frame := protocol.Assemble(&msg)
	timeout := t.EffectiveTimeout(target)

	reply, err := t.attempt(ctx, target, frame, timeout)
	if err == nil {
		logger.Debug().Int32("err_code", reply.ErrCode).Msg("exchange succeeded")
		return reply, nil
	}

	first := t.newError("communicate", target, err)
	if kindOf(err) != ErrCommFailure || t.conf.DisableManagerStart || ctx.Err() != nil {
		logger.Debug().Err(first).Msg("exchange failed")
		return nil, first
	}

	logger.Info().Err(causeOf(err)).Msg("exchange failed, asking manager to start service")
	if mErr := t.RequestStart(ctx, target); mErr != nil {
		t.metrics.ManagerStarts.WithLabelValues("failed").Inc()
		return nil, &Error{
			Kind:     ErrManagerRecovery,
			Op:       "communicate",
			URL:      target.URL,
			Host:     target.Host,
			Port:     target.Port,
			Via:      viaName(target),
			Cause:    mErr,
			Original: first,
		}
	}
	t.metrics.ManagerStarts.WithLabelValues("ok").Inc()

	reply, err = t.attempt(ctx, target, frame, timeout)
	if err != nil {
		final := t.newError("retry", target, err)
		final.Original = first
		logger.Debug().Err(final).Msg("retry failed")
		return nil, final
	}
	logger.Debug().Msg("retry succeeded")
	return reply, nil
}

// RequestStart asks the manager on the target's host to start the target
// service. Replies of success, bad host and bad port all mean the caller
// should go ahead and retry.
func (t *Transport) RequestStart(ctx context.Context, target *locator.Target) error {
	mgr, err := locator.ManagerTarget(target, t.conf.ManagerPort)
	if err != nil {
		return fmt.Errorf("resolve manager: %w", err)
	}

	req, err := protocol.NewStatusMessage(protocol.MsgTypeStartServer, protocol.StartServerRequest{
		URL:     target.URL,
		Service: target.Service,
		Host:    target.Host,
		Port:    target.Port,
	})
	if err != nil {
		return err
	}

	reply, err := t.attempt(ctx, mgr, protocol.Assemble(req), t.pingTimeout(mgr))
	if err != nil {
		if kindOf(err) == ErrTunnelFailure {
			return fmt.Errorf("manager %s unreachable via %s: %w", mgr.Addr(), viaName(mgr), causeOf(err))
		}
		return fmt.Errorf("manager %s: %w", mgr.Addr(), causeOf(err))
	}

	switch reply.ErrCode {
	case protocol.CodeOK, protocol.CodeBadHost, protocol.CodeBadPort:
		t.logger.Debug().
			Str("manager", mgr.Addr()).
			Str("reply", protocol.CodeName(reply.ErrCode)).
			Msg("manager accepted start request")
		return nil
	default:
		return fmt.Errorf("manager %s replied %s: %s", mgr.Addr(), protocol.CodeName(reply.ErrCode), protocol.ErrorText(reply))
	}
}

func (t *Transport) newError(op string, target *locator.Target, err error) *Error {
	return &Error{
		Kind:  kindOf(err),
		Op:    op,
		URL:   target.URL,
		Host:  target.Host,
		Port:  target.Port,
		Via:   viaName(target),
		Cause: causeOf(err),
	}
}
