package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/Mmx233/dsserver/config"
	"github.com/Mmx233/dsserver/locator"
	"github.com/Mmx233/dsserver/metrics"
	"github.com/Mmx233/dsserver/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Relay is an http.Handler that forwards one POSTed frame to the service
// named by the X-Ds-Target header and returns the service's reply frame.
type Relay struct {
	conf    config.Tunnel
	dialer  *net.Dialer
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// Option configures a Relay.
type Option func(*Relay)

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// WithLogger overrides the component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Relay) { r.logger = l }
}

// New creates a relay.
func New(conf config.Tunnel, opts ...Option) *Relay {
	conf.ApplyDefaults()
	r := &Relay{
		conf:   conf,
		dialer: &net.Dialer{KeepAlive: -1},
		logger: log.With().Str("com", "tunnel").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = metrics.New(nil)
	}
	return r
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.fail(w, http.StatusMethodNotAllowed, "only POST is relayed")
		return
	}

	target := req.Header.Get(locator.TargetHeader)
	host, _, err := net.SplitHostPort(target)
	if err != nil {
		r.fail(w, http.StatusBadRequest, fmt.Sprintf("invalid %s header %q", locator.TargetHeader, target))
		return
	}
	if !r.conf.Allowed(host) {
		r.fail(w, http.StatusForbidden, fmt.Sprintf("target host %s not allowed", host))
		return
	}

	logger := r.logger.With().Str("target", target).Str("remote", req.RemoteAddr).Logger()

	body := http.MaxBytesReader(w, req.Body, protocol.HeaderSize+protocol.MaxFrameSize)
	frame, err := protocol.ReadRawFrame(body, 0)
	if err != nil {
		logger.Debug().Err(err).Msg("read request frame failed")
		r.fail(w, http.StatusBadRequest, "invalid request frame")
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), r.conf.CommTimeout)
	defer cancel()

	reply, status, err := r.exchange(ctx, target, frame)
	if err != nil {
		logger.Debug().Err(err).Int("status", status).Msg("relay failed")
		r.fail(w, status, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(reply)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(reply)
	r.metrics.TunnelRequests.WithLabelValues(strconv.Itoa(http.StatusOK)).Inc()
	logger.Debug().Int("request", len(frame)).Int("reply", len(reply)).Msg("relayed")
}

// exchange relays frame to target. An unreachable target maps to 404 so
// the client treats the service as absent and asks its manager to start it.
func (r *Relay) exchange(ctx context.Context, target string, frame []byte) ([]byte, int, error) {
	conn, err := r.dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, http.StatusNotFound, fmt.Errorf("target %s unreachable: %w", target, err)
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	if _, err := conn.Write(frame); err != nil {
		return nil, http.StatusBadGateway, fmt.Errorf("write to %s: %w", target, err)
	}
	reply, err := protocol.ReadRawFrame(conn, 0)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, http.StatusGatewayTimeout, fmt.Errorf("read from %s: %w", target, err)
		}
		return nil, http.StatusBadGateway, fmt.Errorf("read from %s: %w", target, err)
	}
	return reply, http.StatusOK, nil
}

func (r *Relay) fail(w http.ResponseWriter, status int, msg string) {
	r.metrics.TunnelRequests.WithLabelValues(strconv.Itoa(status)).Inc()
	http.Error(w, msg, status)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Serve runs the relay on the configured address until ctx is cancelled.
func (r *Relay) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              r.conf.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
		case <-stopped:
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	r.logger.Info().Str("addr", r.conf.Listen).Msg("tunnel relay listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve tunnel: %w", err)
	}
	return nil
}
