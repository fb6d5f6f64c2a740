package common

import (
	"errors"
	"fmt"
)

// Kind classifies failures surfaced by the descriptor, runtime and pipeline packages.
type Kind int

const (
	KindUnknown Kind = iota
	KindSchema
	KindModelLoad
	KindDimension
	KindInference
	KindClosed
)

func (k Kind) String() string {
	switch k {
	case KindSchema:
		return "schema"
	case KindModelLoad:
		return "model_load"
	case KindDimension:
		return "dimension"
	case KindInference:
		return "inference"
	case KindClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is. An *Error matches the sentinel of its Kind.
var (
	ErrSchema    = errors.New("precept: invalid descriptor")
	ErrModelLoad = errors.New("precept: model load failed")
	ErrDimension = errors.New("precept: dimension mismatch")
	ErrInference = errors.New("precept: inference failed")
	ErrClosed    = errors.New("precept: predictor closed")
)

// Error is the typed error returned across package boundaries.
type Error struct {
	Kind  Kind
	Op    string // operation that failed, e.g. "descriptor.parse"
	Field string // offending descriptor field, if any
	Err   error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.String()
	if e.Field != "" {
		msg += " (" + e.Field + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's Kind.
func (e *Error) Is(target error) bool {
	return sentinel(e.Kind) == target
}

func sentinel(k Kind) error {
	switch k {
	case KindSchema:
		return ErrSchema
	case KindModelLoad:
		return ErrModelLoad
	case KindDimension:
		return ErrDimension
	case KindInference:
		return ErrInference
	case KindClosed:
		return ErrClosed
	}
	return nil
}

// SchemaError reports a malformed or missing descriptor field.
func SchemaError(op, field, format string, args ...any) *Error {
	return &Error{Kind: KindSchema, Op: op, Field: field, Err: fmt.Errorf(format, args...)}
}

// ModelLoadError wraps a failure to read or parse a model artifact.
func ModelLoadError(op string, err error) *Error {
	return &Error{Kind: KindModelLoad, Op: op, Err: err}
}

// DimensionError reports a vector whose length does not match the expected one.
func DimensionError(op string, want, got int) *Error {
	return &Error{Kind: KindDimension, Op: op, Err: fmt.Errorf("expected length %d, got %d", want, got)}
}

// InferenceError wraps a failed forward call.
func InferenceError(op string, err error) *Error {
	return &Error{Kind: KindInference, Op: op, Err: err}
}

// ClosedError reports use of a released predictor.
func ClosedError(op string) *Error {
	return &Error{Kind: KindClosed, Op: op}
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
