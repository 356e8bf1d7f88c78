package client

import (
	"errors"
	"fmt"
	"strings"
)

// Failure kinds, matched with errors.Is against a returned *Error.
var (
	ErrTunnelFailure   = errors.New("tunnel failure")
	ErrCommFailure     = errors.New("communication failure")
	ErrManagerRecovery = errors.New("manager recovery failure")
	ErrCorruptReply    = errors.New("corrupt reply")
)

// ErrTargetNotFound is the cause of a forwarded exchange whose tunnel
// answered 404.
var ErrTargetNotFound = errors.New("target not found behind tunnel")

// Error describes a failed exchange with everything needed to explain it.
type Error struct {
	Kind error  // one of the failure kinds above
	Op   string // communicate, retry
	URL  string
	Host string
	Port int
	Via  string // forwarding hop, e.g. "proxy proxy:3128"
	// Cause is the underlying failure. For manager recovery failures it is
	// the manager exchange's failure.
	Cause error
	// Original is the failure that triggered manager recovery.
	Original *Error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %v (host %s, port %d", e.Op, e.URL, e.Kind, e.Host, e.Port)
	if e.Via != "" {
		fmt.Fprintf(&b, ", via %s", e.Via)
	}
	b.WriteString(")")
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	if e.Original != nil {
		fmt.Fprintf(&b, "; original failure: %v", e.Original)
	}
	return b.String()
}

// Is matches the failure kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Cause
}
