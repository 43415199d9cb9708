// Package plcrpc is the public client API of the PLC RPC bridge.
package plcrpc

import (
	"context"

	"plcrpc/internal/model"
	"plcrpc/internal/rpc"
)

// Client re-exposes the internal RPC client for external callers.
type (
	Client         = rpc.Client
	ClientOption   = rpc.ClientOption
	SensorSnapshot = model.SensorSnapshot
	Value          = model.Value
)

var (
	WithBackoff        = rpc.WithBackoff
	WithConnectTimeout = rpc.WithConnectTimeout
	WithLogger         = rpc.WithLogger
	WithDialOptions    = rpc.WithDialOptions

	ErrUnknownPLC   = model.ErrUnknownPLC
	ErrInvalidValue = model.ErrInvalidValue
)

// Dial connects to the bridge at address for the PLC plcID, retrying with
// exponential backoff until the server answers or the context ends.
func Dial(ctx context.Context, address, plcID string, opts ...ClientOption) (*Client, error) {
	return rpc.Dial(ctx, address, plcID, opts...)
}
