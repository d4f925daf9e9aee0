package replication

import (
	"errors"
	"fmt"

	"github.com/replimesh/replimesh/internal/transport"
)

// Class buckets an error by the reaction it demands from the connection
// loop. Handlers return classified errors; only the loop acts on them.
type Class int

const (
	// ClassNetworkTransient retries without leaving the connect loop.
	ClassNetworkTransient Class = iota

	// ClassNetworkFatal tears the connection down and reconnects.
	ClassNetworkFatal

	// ClassProtocolIncompatible gives up and goes standalone.
	ClassProtocolIncompatible

	// ClassLocalIO is a backing device failure.
	ClassLocalIO

	// ClassResource is an allocation shortage; back off and retry.
	ClassResource

	// ClassStateConflict is a refused concurrent state change.
	ClassStateConflict

	// ClassSplitBrain is an unresolved divergent history.
	ClassSplitBrain
)

// String returns the class name.
func (c Class) String() string {
	switch c {
	case ClassNetworkTransient:
		return "network-transient"
	case ClassNetworkFatal:
		return "network-fatal"
	case ClassProtocolIncompatible:
		return "protocol-incompatible"
	case ClassLocalIO:
		return "local-io"
	case ClassResource:
		return "resource"
	case ClassStateConflict:
		return "state-conflict"
	case ClassSplitBrain:
		return "split-brain"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// Error attaches a reaction class to an underlying error.
type Error struct {
	Class Class
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func classed(class Class, format string, args ...any) error {
	return &Error{Class: class, Err: fmt.Errorf(format, args...)}
}

// ClassOf extracts the reaction class from an error. Unclassified
// network errors default to NetworkFatal; transient connect errors are
// recognized so dial failures do not tear down a healthy state.
func ClassOf(err error) Class {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class
	}
	if transport.IsTransient(err) {
		return ClassNetworkTransient
	}
	return ClassNetworkFatal
}
