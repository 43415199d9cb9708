package rpc

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"plcrpc/internal/model"
)

// Backend executes the PLC operations; service.Handler implements it.
type Backend interface {
	RegisterPLC(ctx context.Context, plcID string) (int, error)
	ReadSensors(ctx context.Context, plcID string) (map[string]model.SensorSnapshot, error)
	SetValues(ctx context.Context, plcID string, functionCode, address int, values any) (bool, error)
}

// Server exposes a Backend over gRPC.
type Server struct {
	grpc   *grpc.Server
	logger zerolog.Logger
}

// NewServer builds a gRPC server for backend. Extra options, such as further
// interceptors, are appended after the built-in logging interceptor.
func NewServer(backend Backend, logger zerolog.Logger, opts ...grpc.ServerOption) *Server {
	s := &Server{logger: logger.With().Str("component", "rpc-server").Logger()}
	all := append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(s.logCalls)}, opts...)
	s.grpc = grpc.NewServer(all...)
	s.grpc.RegisterService(&serviceDesc, &plcService{backend: backend})
	return s
}

// Serve accepts connections on lis until Stop or GracefulStop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info().Str("address", lis.Addr().String()).Msg("rpc server listening")
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// GracefulStop waits for in-flight calls to complete.
func (s *Server) GracefulStop() { s.grpc.GracefulStop() }

// Stop closes all connections immediately.
func (s *Server) Stop() { s.grpc.Stop() }

func (s *Server) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	ev := s.logger.Debug()
	if err != nil && status.Code(err) == codes.Internal {
		ev = s.logger.Error().Err(err)
	}
	ev.Str("method", info.FullMethod).
		Dur("took", time.Since(start)).
		Str("code", status.Code(err).String()).
		Msg("rpc call")
	return resp, err
}

type plcService struct {
	backend Backend
}

func (p *plcService) RegisterPLC(ctx context.Context, req *RegisterPLCRequest) (*RegisterPLCResponse, error) {
	slaveID, err := p.backend.RegisterPLC(ctx, req.PLC)
	if err != nil {
		return nil, toStatus(err)
	}
	return &RegisterPLCResponse{SlaveID: slaveID}, nil
}

func (p *plcService) ReadSensors(ctx context.Context, req *ReadSensorsRequest) (*ReadSensorsResponse, error) {
	sensors, err := p.backend.ReadSensors(ctx, req.PLC)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ReadSensorsResponse{Sensors: sensors}, nil
}

func (p *plcService) SetValues(ctx context.Context, req *SetValuesRequest) (*SetValuesResponse, error) {
	values, err := req.DecodeValues()
	if err != nil {
		return nil, toStatus(err)
	}
	ok, err := p.backend.SetValues(ctx, req.PLC, req.FunctionCode, req.Address, values)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SetValuesResponse{OK: ok}, nil
}

// toStatus maps domain errors onto gRPC status codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, model.ErrUnknownPLC):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, model.ErrInvalidValue):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// fromStatus restores the domain sentinels on the client side.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return &remoteError{sentinel: model.ErrUnknownPLC, st: st}
	case codes.InvalidArgument:
		return &remoteError{sentinel: model.ErrInvalidValue, st: st}
	default:
		return err
	}
}

// remoteError keeps the gRPC status while matching a domain sentinel.
type remoteError struct {
	sentinel error
	st       *status.Status
}

func (e *remoteError) Error() string              { return e.st.Message() }
func (e *remoteError) Unwrap() error              { return e.sentinel }
func (e *remoteError) GRPCStatus() *status.Status { return e.st }
