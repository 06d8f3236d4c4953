// Package ioserr defines the error taxonomy shared by every layer of this
// module: Parse, Protocol, Timeout, Transport, Cryptography, State, and
// NotFound. Callers distinguish kinds with errors.As against the kind's
// type, not by matching strings.
package ioserr

import (
	"errors"
	"fmt"
	"time"
)

// ParseError wraps a malformed-input failure: bad XML, bad bplist00, bad
// TLV8, bad OPACK2.
type ParseError struct {
	Context string
	Err     error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse error (%s): %v", e.Context, e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

func NewParse(context string, err error) *ParseError {
	return &ParseError{Context: context, Err: err}
}

// ProtocolError wraps an unexpected response shape, a missing field, an
// absent RSD service, or a UDID mismatch.
type ProtocolError struct {
	Context string
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error (%s): %v", e.Context, e.Err)
}
func (e *ProtocolError) Unwrap() error { return e.Err }

func NewProtocol(context string, err error) *ProtocolError {
	return &ProtocolError{Context: context, Err: err}
}

func NewProtocolf(context, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Context: context, Err: fmt.Errorf(format, args...)}
}

// TimeoutError wraps a deadline exceeded while awaiting a response. The
// connection remains usable after this error.
type TimeoutError struct {
	Operation string
	After     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Timed out waiting for %s response after %d ms", e.Operation, e.After.Milliseconds())
}

func NewTimeout(operation string, after time.Duration) *TimeoutError {
	return &TimeoutError{Operation: operation, After: after}
}

// TransportError wraps an underlying TCP/TLS failure. The connection that
// produced it must be treated as unusable; every pending await on it fails
// with the same error.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport error: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

func NewTransport(err error) *TransportError {
	return &TransportError{Err: err}
}

// CryptographyError wraps an SRP/HKDF/Ed25519/AEAD failure. Fatal for the
// operation that triggered it.
type CryptographyError struct {
	Context string
	Err     error
}

func (e *CryptographyError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("cryptography error: %s", e.Context)
	}
	return fmt.Sprintf("cryptography error: %s: %v", e.Context, e.Err)
}
func (e *CryptographyError) Unwrap() error { return e.Err }

func NewCryptography(context string, err error) *CryptographyError {
	return &CryptographyError{Context: context, Err: err}
}

func NewCryptographyf(format string, args ...interface{}) *CryptographyError {
	return &CryptographyError{Context: fmt.Sprintf(format, args...)}
}

// StateError wraps a programmer-error precondition violation: "must call
// observe() before post", "disposed client used", and similar.
type StateError struct {
	Msg string
}

func (e *StateError) Error() string { return e.Msg }

func NewState(msg string) *StateError {
	return &StateError{Msg: msg}
}

func NewStatef(format string, args ...interface{}) *StateError {
	return &StateError{Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError wraps a registry or catalog lookup miss.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s not found: %s", e.Kind, e.Key) }

func NewNotFound(kind, key string) *NotFoundError {
	return &NotFoundError{Kind: kind, Key: key}
}

// Is* helpers for callers that prefer a predicate over errors.As boilerplate.

func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(err, &t)
}

func IsNotFound(err error) bool {
	var n *NotFoundError
	return errors.As(err, &n)
}

func IsTransport(err error) bool {
	var t *TransportError
	return errors.As(err, &t)
}
