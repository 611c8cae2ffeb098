package domain

import (
	"context"
	"encoding/json"
)

// Command is a single request to the device-control server.
type Command struct {
	// Operation is the stable operation name used for logs, metrics and traces.
	Operation string
	Method    string
	Path      string
	Body      any
	// RequestID correlates core logs with the device server's logs.
	RequestID string
}

// Response is the outcome of a dispatched command. OK=false carries the
// server's status and optional human-readable message.
type Response struct {
	OK      bool
	Status  int
	Payload json.RawMessage
	Message string
}

// Dispatcher sends commands to the device-control server. A non-nil error
// means the request itself could not complete (transport failure); server
// rejections are reported through Response.OK.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd Command) (Response, error)
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, cmd Command) (Response, error)

// Dispatch implements Dispatcher.
func (f DispatcherFunc) Dispatch(ctx context.Context, cmd Command) (Response, error) {
	return f(ctx, cmd)
}
