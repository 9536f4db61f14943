package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by how the caller is expected to react to it
type Kind int

const (
	// KindValidation is surfaced to the API caller and never retried
	KindValidation Kind = iota + 1
	// KindProcessing fails the current item and schedules a retry
	KindProcessing
	// KindDelivery is a failed outbound send, retried like processing
	KindDelivery
	// KindFatalConfig aborts the whole unit of work
	KindFatalConfig
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindProcessing:
		return "processing"
	case KindDelivery:
		return "delivery"
	case KindFatalConfig:
		return "fatal_config"
	default:
		return "unknown"
	}
}

// Error carries a Kind alongside the wrapped cause
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation wraps err as a validation error
func Validation(op string, err error) error { return newErr(KindValidation, op, err) }

// Processing wraps err as a processing error
func Processing(op string, err error) error { return newErr(KindProcessing, op, err) }

// Delivery wraps err as a delivery error
func Delivery(op string, err error) error { return newErr(KindDelivery, op, err) }

// FatalConfig wraps err as a fatal configuration error
func FatalConfig(op string, err error) error { return newErr(KindFatalConfig, op, err) }

// Validationf builds a validation error from a format string
func Validationf(op, format string, args ...any) error {
	return Validation(op, fmt.Errorf(format, args...))
}

// FatalConfigf builds a fatal configuration error from a format string
func FatalConfigf(op, format string, args ...any) error {
	return FatalConfig(op, fmt.Errorf(format, args...))
}

// KindOf returns the kind of the outermost *Error in the chain, or 0
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
