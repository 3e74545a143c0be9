// Package race aggregates the Clock, Bus, Supervisor, ChannelTopic
// coordinator, and Remote connector into one per-process Runtime.
package race

import "fmt"

// ErrorClass classifies every error the core can report, per spec.md §7.
type ErrorClass int

const (
	ErrClassConfig ErrorClass = iota
	ErrClassLifecycle
	ErrClassBusEnqueue
	ErrClassTransport
	ErrClassSerialization
	ErrClassTopicProtocol
)

func (c ErrorClass) String() string {
	switch c {
	case ErrClassConfig:
		return "config"
	case ErrClassLifecycle:
		return "lifecycle"
	case ErrClassBusEnqueue:
		return "bus_enqueue"
	case ErrClassTransport:
		return "transport"
	case ErrClassSerialization:
		return "serialization"
	case ErrClassTopicProtocol:
		return "topic_protocol"
	default:
		return "unknown"
	}
}

// Error is the single error type every classified core failure is
// wrapped in, so callers can `errors.As` into one shape regardless of
// which subsystem raised it.
type Error struct {
	Class   ErrorClass
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("race: [%s] %s: %v", e.Class, e.Message, e.Cause)
	}
	return fmt.Sprintf("race: [%s] %s", e.Class, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError constructs a classified Error.
func NewError(class ErrorClass, message string, cause error) *Error {
	return &Error{Class: class, Message: message, Cause: cause}
}

// ErrorsChannel is the designated channel Entities may subscribe to for
// classified-error notifications (spec.md §7 Propagation). Only errors
// passed to Runtime.ReportError are published here; the Bus, Remote
// connector and ChannelTopic coordinator record their own failures in
// racemetrics counters and do not publish to this channel. Lifecycle
// failures are not published here either; they abort the Runtime
// directly.
const ErrorsChannel = "/race/errors"
