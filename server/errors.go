package server

import (
	"errors"
	"fmt"
)

var (
	// ErrShutdownRequested is returned by a handler to ask the acceptor to stop.
	ErrShutdownRequested = errors.New("shutdown requested")
	ErrNotOpen           = errors.New("acceptor is not open")
)

// BindError reports a failure to bind or listen on the service port.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// HandlerError is a worker failure that stopped an acceptor running in
// debug mode.
type HandlerError struct {
	WorkerID uint64
	Remote   string
	Panicked bool
	Err      error
}

func (e *HandlerError) Error() string {
	if e.Panicked {
		return fmt.Sprintf("worker %d (%s) panicked: %v", e.WorkerID, e.Remote, e.Err)
	}
	return fmt.Sprintf("worker %d (%s): %v", e.WorkerID, e.Remote, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
