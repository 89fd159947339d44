package pinenut

import (
	"errors"
	"fmt"
)

// Kind classifies an Error.
type Kind int

const (
	KindIO Kind = iota + 1
	KindCodec
	KindCompression
	KindCrypto
	KindConfig
	KindState
	KindPanic
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindCodec:
		return "codec"
	case KindCompression:
		return "compression"
	case KindCrypto:
		return "crypto"
	case KindConfig:
		return "config"
	case KindState:
		return "state"
	case KindPanic:
		return "panic"
	default:
		return "unknown"
	}
}

// Error is the single error type surfaced by this package. Op names the
// failing operation, Err is the underlying cause if any.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func errf(kind Kind, op string, err error, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsPanic reports whether the error marks an unrecoverable internal
// invariant violation, as opposed to an expected failure.
func (e *Error) IsPanic() bool {
	return e.Kind == KindPanic
}

func (e *Error) Error() string {
	if e.Msg != "" && e.Err != nil {
		return fmt.Sprintf("pinenut: %s: %s: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	} else if e.Msg != "" {
		return fmt.Sprintf("pinenut: %s: %s: %s", e.Op, e.Kind, e.Msg)
	} else if e.Err != nil {
		return fmt.Sprintf("pinenut: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("pinenut: %s: %s", e.Op, e.Kind)
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, else 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
