// Package ctlerr centralizes the error classification shared across the
// transport, protocol codec, device, and control-loop packages. It does not
// replace package-local sentinel errors; it gives them a common Kind so
// callers higher up the stack (the position loop, the axis facade) can
// decide recoverable-vs-terminal without knowing which package an error
// came from.
package ctlerr

import (
	"errors"
	"fmt"
)

// Kind classifies the origin of an error along the lines the Rust
// ModbusError enum drew (utilities/src/modbus.rs), generalized to cover the
// non-Modbus protocols (RF256) and the device/control layers above them.
type Kind int

const (
	// KindIO covers transport-level I/O failures: dial, read, write,
	// reset, timeout.
	KindIO Kind = iota

	// KindProtocol covers framing failures: bad CRC, short response,
	// unexpected slave id or function code, malformed RF256 frame.
	KindProtocol

	// KindException covers a device reporting a well-formed exception
	// response (Modbus exception codes, RF256 NAK).
	KindException

	// KindInvalidInput covers caller errors: axis index out of range,
	// register count out of bounds, velocity overflow.
	KindInvalidInput

	// KindBusy covers an axis or executor rejecting a request because
	// it is already in use.
	KindBusy

	// KindTimeout covers an operation exceeding its allotted time
	// budget, distinct from a transport I/O timeout.
	KindTimeout

	// KindCancelled covers a caller-requested stop of an in-progress
	// operation.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindProtocol:
		return "protocol"
	case KindException:
		return "exception"
	case KindInvalidInput:
		return "invalid input"
	case KindBusy:
		return "busy"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a Kind, so that errors.As can recover
// the classification regardless of which package raised it.
type Error struct {
	Kind Kind
	Op   string // short operation name, e.g. "modbus.ReadHoldingRegisters"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a Kind and an operation label. If err is nil, New
// returns nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Recoverable reports whether a caller can reasonably retry the operation
// that produced err without changing inputs: transport faults, timeouts,
// and busy rejections are recoverable; protocol and input errors are not,
// since retrying with the same bytes or the same bad input reproduces the
// same failure.
func Recoverable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindIO, KindTimeout, KindBusy:
		return true
	default:
		return false
	}
}

// Terminal is the complement of Recoverable for errors this package knows
// about; an error it does not recognize is treated as terminal, since an
// unclassified failure should not be retried blindly.
func Terminal(err error) bool {
	return !Recoverable(err)
}
