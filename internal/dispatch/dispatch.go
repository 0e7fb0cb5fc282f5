// Package dispatch defines the request-dispatcher contract (§4.5): the
// external collaborator that turns an admitted, decoded request into a
// response. The broker itself never interprets the payload; it hands a
// Request to a Dispatcher and writes back whatever Response it returns.
package dispatch

import (
	"context"

	"github.com/streamcore-io/broker/internal/wire"
)

// Context bundles everything a Dispatcher needs beyond the request itself:
// the originating connection's identity, for logging and metrics labels,
// and the id of the shard that accepted it, mirroring the teacher's habit of passing a small read-only struct
// into handler functions instead of a grab-bag of positional arguments.
type Context struct {
	ConnectionID string
	RemoteAddr   string
	ShardID      int
}

// Dispatcher turns a decoded, admitted request into a response. Dispatch
// must not retain req.Payload beyond the call.
//
// A non-nil error is treated as a per-request failure isolated to the one
// request (§4.5, §7): the connection stays open and the error is logged,
// not panicked.
type Dispatcher interface {
	Dispatch(ctx context.Context, dctx Context, req *wire.Request) (*wire.Response, error)
}

// Func adapts a plain function to the Dispatcher interface, the way
// http.HandlerFunc adapts a function to http.Handler.
type Func func(ctx context.Context, dctx Context, req *wire.Request) (*wire.Response, error)

// Dispatch implements Dispatcher.
func (f Func) Dispatch(ctx context.Context, dctx Context, req *wire.Request) (*wire.Response, error) {
	return f(ctx, dctx, req)
}
