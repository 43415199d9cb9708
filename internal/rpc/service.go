package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"

	"plcrpc/internal/model"
)

const serviceName = "plcrpc.PLCService"

// Full method names as they appear on the wire.
const (
	MethodRegisterPLC = "/" + serviceName + "/registerPLC"
	MethodReadSensors = "/" + serviceName + "/readSensors"
	MethodSetValues   = "/" + serviceName + "/setValues"
)

type RegisterPLCRequest struct {
	PLC string `json:"plc"`
}

type RegisterPLCResponse struct {
	SlaveID int `json:"slave_id"`
}

type ReadSensorsRequest struct {
	PLC string `json:"plc"`
}

type ReadSensorsResponse struct {
	Sensors map[string]model.SensorSnapshot `json:"sensors"`
}

// SetValuesRequest carries either a single JSON value or a JSON list in
// Values.
type SetValuesRequest struct {
	PLC          string          `json:"plc"`
	FunctionCode int             `json:"function_code"`
	Address      int             `json:"address"`
	Values       json.RawMessage `json:"values"`
}

// DecodeValues expands Values into a scalar or a []any. Numbers stay
// json.Number so integers keep their precision until coercion.
func (r *SetValuesRequest) DecodeValues() (any, error) {
	raw := bytes.TrimSpace(r.Values)
	if len(raw) == 0 || raw[0] != '[' {
		return decodeScalar(raw)
	}
	var items []json.RawMessage
	if err := wire.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidValue, err)
	}
	out := make([]any, len(items))
	for i, item := range items {
		v, err := decodeScalar(bytes.TrimSpace(item))
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func decodeScalar(raw []byte) (any, error) {
	switch {
	case len(raw) == 0, string(raw) == "null":
		return nil, nil
	case string(raw) == "true":
		return true, nil
	case string(raw) == "false":
		return false, nil
	case raw[0] == '"':
		var s string
		if err := wire.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrInvalidValue, err)
		}
		return s, nil
	case raw[0] == '{' || raw[0] == '[':
		return nil, fmt.Errorf("%w: nested value %s", model.ErrInvalidValue, raw)
	default:
		return json.Number(raw), nil
	}
}

type SetValuesResponse struct {
	OK bool `json:"ok"`
}

// PLCServiceServer is the server-side surface registered with gRPC.
type PLCServiceServer interface {
	RegisterPLC(context.Context, *RegisterPLCRequest) (*RegisterPLCResponse, error)
	ReadSensors(context.Context, *ReadSensorsRequest) (*ReadSensorsResponse, error)
	SetValues(context.Context, *SetValuesRequest) (*SetValuesResponse, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*PLCServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "registerPLC", Handler: registerPLCHandler},
		{MethodName: "readSensors", Handler: readSensorsHandler},
		{MethodName: "setValues", Handler: setValuesHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "plcrpc",
}

func registerPLCHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RegisterPLCRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PLCServiceServer).RegisterPLC(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodRegisterPLC}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PLCServiceServer).RegisterPLC(ctx, req.(*RegisterPLCRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func readSensorsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ReadSensorsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PLCServiceServer).ReadSensors(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodReadSensors}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PLCServiceServer).ReadSensors(ctx, req.(*ReadSensorsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func setValuesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SetValuesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PLCServiceServer).SetValues(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodSetValues}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PLCServiceServer).SetValues(ctx, req.(*SetValuesRequest))
	}
	return interceptor(ctx, in, info, handler)
}
