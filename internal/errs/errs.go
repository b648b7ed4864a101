// Package errs defines the error taxonomy shared by the runtime packages.
//
// Every error raised by the compiler, the buffer manager, the transfer pipeline
// or a device session is an *Error carrying one of four kinds. Callers match
// kinds with errors.Is against the package sentinels:
//
//	if errors.Is(err, errs.ErrGraph) {
//	    // shape mismatch, dangling reference, duplicate port or cycle
//	}
package errs

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Kind classifies an error.
type Kind int

// Error kinds.
const (
	// KindConfiguration covers invalid or missing builder fields and name/number collisions.
	KindConfiguration Kind = iota
	// KindGraph covers shape mismatches, unknown layers, duplicate port bindings and cycles.
	KindGraph
	// KindExhausted is reported when a bounded pool wait expires.
	KindExhausted
	// KindDevice covers submission and context failures. Fatal until teardown.
	KindDevice
)

// Sentinels for errors.Is.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrGraph         = errors.New("graph error")
	ErrExhausted     = errors.New("resource exhausted")
	ErrDevice        = errors.New("device error")
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindGraph:
		return "graph"
	case KindExhausted:
		return "resource exhaustion"
	case KindDevice:
		return "device"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindConfiguration:
		return ErrConfiguration
	case KindGraph:
		return ErrGraph
	case KindExhausted:
		return ErrExhausted
	case KindDevice:
		return ErrDevice
	default:
		return nil
	}
}

// Error is a classified runtime error.
type Error struct {
	Kind  Kind
	Op    string // Operation that failed (e.g. "connect", "push")
	Layer string // Layer name involved, if any
	Msg   string
	Err   error // Underlying cause, if any
}

// Error implements the error interface.
func (e *Error) Error() string {
	s := e.Kind.String() + " error"
	if e.Op != "" {
		s += " in " + e.Op
	}
	if e.Layer != "" {
		s += fmt.Sprintf(" (layer %q)", e.Layer)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel of e's kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// Configf creates a configuration error.
func Configf(op, layer, format string, args ...any) error {
	return &Error{Kind: KindConfiguration, Op: op, Layer: layer, Msg: fmt.Sprintf(format, args...)}
}

// Graphf creates a graph error.
func Graphf(op, layer, format string, args ...any) error {
	return &Error{Kind: KindGraph, Op: op, Layer: layer, Msg: fmt.Sprintf(format, args...)}
}

// Exhausted creates a resource exhaustion error wrapping the wait's cause
// (usually context.DeadlineExceeded).
func Exhausted(op, layer string, cause error) error {
	return &Error{
		Kind:  KindExhausted,
		Op:    op,
		Layer: layer,
		Msg:   "no pool slot became available; every upload must be followed by Forward",
		Err:   cause,
	}
}

// Device wraps a device failure. The cause keeps its stack trace.
func Device(op, layer string, cause error) error {
	if cause == nil {
		return nil
	}
	var e *Error
	if errors.As(cause, &e) && e.Kind == KindDevice {
		return cause
	}
	return &Error{Kind: KindDevice, Op: op, Layer: layer, Err: pkgerrors.WithStack(cause)}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
