package mqx

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected  = errors.New("broker not connected")
	ErrAlreadyBound  = errors.New("queue already has a handler")
	ErrReplyTimeout  = errors.New("no reply before timeout")
	ErrClosed        = errors.New("connection manager closed")
	ErrNoReplyTarget = errors.New("message has no reply queue")
)

// ConnectionError reports a failed dial, channel open or topology declaration.
type ConnectionError struct {
	Endpoint string
	Op       string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("broker %s %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// MalformedMessageError marks a payload that can never be processed.
type MalformedMessageError struct {
	Queue string
	Err   error
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("malformed message on %s: %v", e.Queue, e.Err)
}

func (e *MalformedMessageError) Unwrap() error { return e.Err }

// HandlerError is what the dispatcher logs when a handler fails a delivery.
type HandlerError struct {
	Queue   string
	Attempt int
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for %s failed on attempt %d: %v", e.Queue, e.Attempt, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

func IsMalformed(err error) bool {
	var m *MalformedMessageError
	return errors.As(err, &m)
}
