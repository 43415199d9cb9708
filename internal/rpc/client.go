package rpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	grpcbackoff "google.golang.org/grpc/backoff"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"

	"plcrpc/internal/model"
)

const (
	DefaultInitialInterval = 500 * time.Millisecond
	DefaultMaxInterval     = 5 * time.Second
	DefaultMaxElapsedTime  = 2 * time.Minute
	DefaultConnectTimeout  = 3 * time.Second
)

type clientOptions struct {
	initialInterval time.Duration
	maxInterval     time.Duration
	maxElapsedTime  time.Duration
	connectTimeout  time.Duration
	logger          zerolog.Logger
	dialOptions     []grpc.DialOption
}

// ClientOption configures Dial.
type ClientOption func(*clientOptions)

// WithBackoff sets the retry schedule. A maxElapsed of zero retries until the
// context passed to Dial is done.
func WithBackoff(initial, max, maxElapsed time.Duration) ClientOption {
	return func(o *clientOptions) {
		if initial > 0 {
			o.initialInterval = initial
		}
		if max > 0 {
			o.maxInterval = max
		}
		if maxElapsed >= 0 {
			o.maxElapsedTime = maxElapsed
		}
	}
}

// WithConnectTimeout bounds a single connection attempt.
func WithConnectTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) {
		if d > 0 {
			o.connectTimeout = d
		}
	}
}

// WithLogger sets the logger used for connection progress.
func WithLogger(l zerolog.Logger) ClientOption {
	return func(o *clientOptions) { o.logger = l }
}

// WithDialOptions appends raw gRPC dial options.
func WithDialOptions(opts ...grpc.DialOption) ClientOption {
	return func(o *clientOptions) { o.dialOptions = append(o.dialOptions, opts...) }
}

// Client forwards the three PLC operations to a remote server on behalf of
// one PLC.
type Client struct {
	plc    string
	conn   *grpc.ClientConn
	logger zerolog.Logger
}

// Dial connects to the server at address and binds the client to plcID.
// Failed attempts are logged and retried with exponential backoff until the
// connection is ready, the retry budget is spent or ctx is done.
func Dial(ctx context.Context, address, plcID string, opts ...ClientOption) (*Client, error) {
	o := clientOptions{
		initialInterval: DefaultInitialInterval,
		maxInterval:     DefaultMaxInterval,
		maxElapsedTime:  DefaultMaxElapsedTime,
		connectTimeout:  DefaultConnectTimeout,
		logger:          zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With().Str("component", "rpc-client").Str("address", address).Str("plc", plcID).Logger()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: grpcbackoff.Config{
				BaseDelay:  o.initialInterval,
				Multiplier: 1.6,
				Jitter:     0.2,
				MaxDelay:   o.maxInterval,
			},
			MinConnectTimeout: o.connectTimeout,
		}),
	}, o.dialOptions...)

	conn, err := grpc.NewClient(address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("rpc client %s: %w", address, err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.initialInterval
	b.MaxInterval = o.maxInterval
	b.MaxElapsedTime = o.maxElapsedTime

	attempt := 0
	connect := func() error {
		attempt++
		return waitReady(ctx, conn, o.connectTimeout)
	}
	notify := func(err error, next time.Duration) {
		logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", next).Msg("connection failed, retrying")
	}
	if err := backoff.RetryNotify(connect, backoff.WithContext(b, ctx), notify); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connect %s after %d attempts: %w", address, attempt, err)
	}
	logger.Info().Int("attempts", attempt).Msg("connected")

	return &Client{plc: plcID, conn: conn, logger: logger}, nil
}

func waitReady(ctx context.Context, conn *grpc.ClientConn, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn.Connect()
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return backoff.Permanent(errors.New("connection shut down"))
		}
		if !conn.WaitForStateChange(ctx, state) {
			return fmt.Errorf("connection %s: %w", state, ctx.Err())
		}
	}
}

// PLC returns the bound PLC id.
func (c *Client) PLC() string { return c.plc }

// RegisterPLC registers the bound PLC and returns its slave id.
func (c *Client) RegisterPLC(ctx context.Context) (int, error) {
	var resp RegisterPLCResponse
	if err := c.conn.Invoke(ctx, MethodRegisterPLC, &RegisterPLCRequest{PLC: c.plc}, &resp); err != nil {
		return 0, fromStatus(err)
	}
	return resp.SlaveID, nil
}

// ReadSensors returns the bound PLC's sensor snapshot.
func (c *Client) ReadSensors(ctx context.Context) (map[string]model.SensorSnapshot, error) {
	var resp ReadSensorsResponse
	if err := c.conn.Invoke(ctx, MethodReadSensors, &ReadSensorsRequest{PLC: c.plc}, &resp); err != nil {
		return nil, fromStatus(err)
	}
	return resp.Sensors, nil
}

// SetValues writes values, a scalar or a slice, starting at address.
func (c *Client) SetValues(ctx context.Context, functionCode, address int, values any) (bool, error) {
	raw, err := wire.Marshal(values)
	if err != nil {
		return false, fmt.Errorf("%w: %v", model.ErrInvalidValue, err)
	}
	req := &SetValuesRequest{PLC: c.plc, FunctionCode: functionCode, Address: address, Values: raw}
	var resp SetValuesResponse
	if err := c.conn.Invoke(ctx, MethodSetValues, req, &resp); err != nil {
		return false, fromStatus(err)
	}
	return resp.OK, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
