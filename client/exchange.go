package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/Mmx233/dsserver/locator"
	"github.com/Mmx233/dsserver/protocol"
)

// Dialer opens the socket for one exchange.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// classified pairs an exchange failure with its kind.
type classified struct {
	kind  error
	cause error
}

func (c *classified) Error() string { return c.cause.Error() }
func (c *classified) Unwrap() error { return c.cause }

func fail(kind, cause error) error {
	return &classified{kind: kind, cause: cause}
}

// kindOf returns the failure kind of an attempt error.
func kindOf(err error) error {
	var c *classified
	if errors.As(err, &c) {
		return c.kind
	}
	return ErrCommFailure
}

// causeOf strips the classification.
func causeOf(err error) error {
	var c *classified
	if errors.As(err, &c) {
		return c.cause
	}
	return err
}

// attempt runs one exchange against target. Each attempt dials its own
// socket and closes it before returning.
func (t *Transport) attempt(ctx context.Context, target *locator.Target, frame []byte, timeout time.Duration) (*protocol.Message, error) {
	path := "direct"
	if target.ForwardingEnabled {
		path = "forwarded"
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var (
		raw []byte
		err error
	)
	if target.ForwardingEnabled {
		raw, err = t.forwarded(ctx, target, frame)
	} else {
		raw, err = t.direct(ctx, target, frame)
	}
	t.metrics.ExchangeDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())

	var reply *protocol.Message
	if err == nil {
		if reply, err = protocol.Disassemble(raw); err != nil {
			err = fail(ErrCorruptReply, err)
		}
	}
	if err != nil {
		t.metrics.Exchanges.WithLabelValues(path, outcomeLabel(kindOf(err))).Inc()
		return nil, err
	}
	t.metrics.Exchanges.WithLabelValues(path, "ok").Inc()
	return reply, nil
}

// direct writes the frame straight to the service and reads one reply.
func (t *Transport) direct(ctx context.Context, target *locator.Target, frame []byte) ([]byte, error) {
	conn, err := t.dialer.DialContext(ctx, "tcp", target.Addr())
	if err != nil {
		return nil, fail(ErrCommFailure, fmt.Errorf("dial %s: %w", target.Addr(), err))
	}
	defer conn.Close()
	defer bindDeadline(ctx, conn)()

	if _, err := conn.Write(frame); err != nil {
		return nil, fail(ErrCommFailure, fmt.Errorf("write request: %w", err))
	}
	return readReply(conn)
}

// forwarded sends the HTTP header and the frame to the first forwarding
// hop, strips the response header and reads one reply.
func (t *Transport) forwarded(ctx context.Context, target *locator.Target, frame []byte) ([]byte, error) {
	conn, err := t.dialer.DialContext(ctx, "tcp", target.ForwardingAddr())
	if err != nil {
		return nil, fail(ErrTunnelFailure, fmt.Errorf("dial %s: %w", viaName(target), err))
	}
	defer conn.Close()
	defer bindDeadline(ctx, conn)()

	buffers := net.Buffers{target.ForwardHeader(len(frame)), frame}
	if _, err := buffers.WriteTo(conn); err != nil {
		return nil, fail(ErrCommFailure, fmt.Errorf("write forwarded request: %w", err))
	}

	br := bufio.NewReader(conn)
	header, err := protocol.ReadHTTPHeader(br)
	if err != nil {
		return nil, fail(ErrCommFailure, fmt.Errorf("read forwarding header: %w", err))
	}
	switch {
	case header.Status == http.StatusNotFound:
		return nil, fail(ErrCommFailure, fmt.Errorf("%w: %s (%d %s)", ErrTargetNotFound, target.Addr(), header.Status, header.Reason))
	case !header.OK():
		return nil, fail(ErrCommFailure, fmt.Errorf("forwarding status %d %s", header.Status, header.Reason))
	}
	return readReply(br)
}

func readReply(r io.Reader) ([]byte, error) {
	raw, err := protocol.ReadRawFrame(r, 0)
	if err != nil {
		if protocol.IsDecodeError(err) {
			return nil, fail(ErrCorruptReply, err)
		}
		return nil, fail(ErrCommFailure, fmt.Errorf("read reply: %w", err))
	}
	return raw, nil
}

// bindDeadline bounds every read and write on conn by ctx. The returned
// func releases the binding.
func bindDeadline(ctx context.Context, conn net.Conn) func() bool {
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	return context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
}

func viaName(target *locator.Target) string {
	if !target.ForwardingEnabled {
		return ""
	}
	if target.UseProxy {
		return "proxy " + target.ForwardingAddr()
	}
	return "tunnel " + target.ForwardingAddr()
}

func outcomeLabel(kind error) string {
	switch kind {
	case ErrTunnelFailure:
		return "tunnel_failure"
	case ErrCorruptReply:
		return "corrupt_reply"
	default:
		return "comm_failure"
	}
}
