package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrCommandRejected matches every server-reported failure and every
	// normalized transport failure.
	ErrCommandRejected = errors.New("command rejected")
	// ErrMalformedPayload reports a server payload that could not be decoded.
	ErrMalformedPayload = errors.New("malformed server payload")

	ErrUnknownAttribute       = errors.New("unknown attribute")
	ErrReadonlyAttribute      = errors.New("attribute is read-only")
	ErrAttributeBusy          = errors.New("attribute command already in flight")
	ErrRobotBusy              = errors.New("sample changer operation already in flight")
	ErrIndexOutOfRange        = errors.New("task index out of range")
	ErrTaskNotFound           = errors.New("task not found")
	ErrInterleavedUnavailable = errors.New("interleaved group unavailable for current selection")
	ErrUnknownTaskKind        = errors.New("unknown task kind")
)

// CommandRejectedError describes a failed device-server command. Transport is
// set when the request never produced a server answer (network error or
// timeout); Message is then a generic text and Cause holds the original error.
type CommandRejectedError struct {
	Operation string
	Status    int
	Message   string
	Transport bool
	Cause     error
}

func (e *CommandRejectedError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s rejected (status %d): %s", e.Operation, e.Status, e.Message)
	}
	return fmt.Sprintf("%s rejected: %s", e.Operation, e.Message)
}

// Is lets errors.Is match ErrCommandRejected.
func (e *CommandRejectedError) Is(target error) bool { return target == ErrCommandRejected }

// Unwrap exposes the transport cause, if any.
func (e *CommandRejectedError) Unwrap() error { return e.Cause }

// PartialUpdateError reports independent sub-fetches of which at least one
// failed. Slices whose error is nil were updated.
type PartialUpdateError struct {
	Contents error
	Loaded   error
}

func (e *PartialUpdateError) Error() string {
	switch {
	case e.Contents != nil && e.Loaded != nil:
		return fmt.Sprintf("refresh failed: contents: %v; loaded sample: %v", e.Contents, e.Loaded)
	case e.Contents != nil:
		return fmt.Sprintf("refresh partially failed: contents: %v", e.Contents)
	default:
		return fmt.Sprintf("refresh partially failed: loaded sample: %v", e.Loaded)
	}
}

// Unwrap returns the non-nil slice errors.
func (e *PartialUpdateError) Unwrap() []error {
	var out []error
	if e.Contents != nil {
		out = append(out, e.Contents)
	}
	if e.Loaded != nil {
		out = append(out, e.Loaded)
	}
	return out
}
