package receive

import (
	"errors"
	"fmt"
)

// Kind classifies a session failure by the subsystem it came from.
// The kind drives how the failure surfaces: as a per-command "ng"
// line, a band-3 fatal, or a plain session abort
type Kind int8

// List of the failure kinds
const (
	// KindProtocol covers malformed packets, invalid refnames,
	// mismatched hash widths, and capabilities used without being
	// advertised
	KindProtocol Kind = iota
	// KindPack covers checksum mismatches, corrupt objects, and delta
	// bases still missing after thin-pack fixup
	KindPack
	// KindFsck covers structurally invalid objects
	KindFsck
	// KindPolicy covers deny-rule violations
	KindPolicy
	// KindStorage covers ref lock contention, alternates setup, and
	// quarantine promotion failures
	KindStorage
	// KindHook covers non-zero hook exits and I/O failures talking to
	// a hook
	KindHook
	// KindResource covers size and time limits, and cancellation
	KindResource
	// KindIo covers failures of the underlying client stream
	KindIo
	// KindBug covers internal invariant violations
	KindBug
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindPack:
		return "pack"
	case KindFsck:
		return "fsck"
	case KindPolicy:
		return "policy"
	case KindStorage:
		return "storage"
	case KindHook:
		return "hook"
	case KindResource:
		return "resource"
	case KindIo:
		return "io"
	case KindBug:
		return "bug"
	default:
		return "unknown"
	}
}

// Error is a session failure tagged with the subsystem it came from.
// It unwraps to the underlying error so sentinel checks keep working
type Error struct {
	Err  error
	Kind Kind
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Err.Error())
}

// Unwrap implements errors.Unwrap
func (e *Error) Unwrap() error {
	return e.Err
}

// newError wraps err with a kind. nil stays nil
func newError(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf returns the kind of an error produced by a session.
// Errors without a kind report KindBug
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindBug
}
