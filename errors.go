package redis_mirror

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

var (
	// ErrNotFound indicates the key no longer exists.
	ErrNotFound = errors.New("key not found")

	// ErrNoCriteria is returned when a cleanup has no explicit selection.
	ErrNoCriteria = errors.New("no selection criteria")
)

// ConnectionError means the store could not be reached or timed out.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error to %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// UnsupportedTypeError is returned for keys whose type cannot be copied.
type UnsupportedTypeError struct {
	Key  string
	Type string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("key %q has unsupported type %s", e.Key, e.Type)
}

// SerializationError means a payload could not be decoded or encoded.
type SerializationError struct {
	Key string
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization error on key %q: %v", e.Key, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// ConflictError is recorded when the destination already holds the key
// under the skip-existing policy.
type ConflictError struct {
	Key             string
	SourceType      Type
	DestinationType Type
}

func (e *ConflictError) Error() string {
	if e.SourceType != e.DestinationType {
		return fmt.Sprintf("key %q exists on destination as %s (source is %s)", e.Key, e.DestinationType, e.SourceType)
	}
	return fmt.Sprintf("key %q exists on destination", e.Key)
}

// IsConnection reports whether err is a network level failure.
func IsConnection(err error) bool {
	if err == nil {
		return false
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
