// Package echo is a reference Dispatcher implementation: it echoes the
// request payload back verbatim under the request's own correlation id.
// It stands in for the out-of-scope metadata cache / controller dispatcher
// / partition manager (spec.md §1 Non-goals), giving the Kafka Server
// something real to exercise in its tests and in cmd/broker.
package echo

import (
	"context"

	"github.com/streamcore-io/broker/internal/dispatch"
	"github.com/streamcore-io/broker/internal/wire"
)

// Dispatcher echoes every request's payload back as the response body.
type Dispatcher struct{}

// New returns an echo Dispatcher.
func New() *Dispatcher { return &Dispatcher{} }

// Dispatch implements dispatch.Dispatcher.
func (d *Dispatcher) Dispatch(_ context.Context, _ dispatch.Context, req *wire.Request) (*wire.Response, error) {
	payload := make([]byte, len(req.Payload))
	copy(payload, req.Payload)

	return &wire.Response{
		CorrelationID: req.Header.CorrelationID,
		PayloadChunks: [][]byte{payload},
	}, nil
}
