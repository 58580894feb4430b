package libstem

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrConnectionClosed = errors.New("connection has been closed")
	ErrCannotConnect    = errors.New("connection cannot be established")
	ErrTerminated       = errors.New("program exit")
	ErrRateLimit        = errors.New("rate limit exceeded")

	ErrKeyNotFound   = errors.New("key not found")
	ErrStorageClosed = errors.New("storage has been closed")
	ErrNotConnected  = errors.New("not connected to hub")
	ErrWriteRejected = errors.New("hub rejected the write")
	ErrWriteTimeout  = errors.New("hub did not ack the write in time")
	ErrEmitterClosed = errors.New("emitter has been closed")
	ErrEncodePacket  = errors.New("cannot encode packet")
	ErrEmptyPacket   = errors.New("empty packet")
	ErrArgIndex      = errors.New("argument index out of range")
	ErrUnknownDriver = errors.New("unknown storage driver")
)

// ParseError is reported when the value stored under an event key cannot be
// decoded into a packet.
type ParseError struct {
	Key string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot parse packet at %s: %s", e.Key, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// WriteError is returned by Emit when the storage refused the packet.
type WriteError struct {
	Key string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("cannot write packet to %s: %s", e.Key, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

func wrapParseError(key string, err error) *ParseError {
	if err == nil {
		return nil
	}
	return &ParseError{Key: key, Err: err}
}
