package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"plcrpc/internal/model"
)

const (
	exceptionIllegalFunction     = 0x01
	exceptionIllegalDataAddr     = 0x02
	exceptionIllegalDataVal      = 0x03
	exceptionGatewayTargetFailed = 0x0B

	coilOn  = 0xFF00
	coilOff = 0x0000

	maxReadBits      = 2000
	maxReadRegisters = 125
	maxWriteBits     = 1968
	maxWriteRegs     = 123

	requestTimeout = 5 * time.Second
)

var (
	errOutOfRange    = errors.New("out of range")
	errInvalidQty    = errors.New("invalid quantity")
	errInvalidPDULen = errors.New("invalid pdu length")
	errInvalidValue  = errors.New("invalid value")
	errNoTarget      = errors.New("no plc behind unit")
)

// Backend is the PLC surface the gateway translates Modbus requests into.
type Backend interface {
	PLCForUnit(unit byte) (string, bool)
	ReadSensors(ctx context.Context, plcID string) (map[string]model.SensorSnapshot, error)
	SetValues(ctx context.Context, plcID string, functionCode, address int, values any) (bool, error)
}

// Gateway is a minimal Modbus TCP front-end. The unit id of each request
// selects the PLC by slave id; reads come from sensor snapshots and writes go
// through the same dispatch as remote setValues calls.
type Gateway struct {
	backend   Backend
	logger    zerolog.Logger
	listener  net.Listener
	wg        sync.WaitGroup
	quit      chan struct{}
	closeOnce sync.Once
}

// NewGateway constructs a gateway over backend.
func NewGateway(backend Backend, logger zerolog.Logger) *Gateway {
	return &Gateway{
		backend: backend,
		logger:  logger.With().Str("component", "modbus-gateway").Logger(),
		quit:    make(chan struct{}),
	}
}

// Listen starts accepting Modbus TCP connections on the provided address.
func (g *Gateway) Listen(address string) error {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	g.listener = l
	g.logger.Info().Str("address", l.Addr().String()).Msg("modbus gateway listening")

	g.wg.Add(1)
	go g.acceptLoop()
	return nil
}

// Addr returns the bound listener address, or nil before Listen.
func (g *Gateway) Addr() net.Addr {
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

func (g *Gateway) acceptLoop() {
	defer g.wg.Done()
	for {
		conn, err := g.listener.Accept()
		if err != nil {
			select {
			case <-g.quit:
				return
			default:
			}
			g.logger.Warn().Err(err).Msg("accept")
			continue
		}

		g.wg.Add(1)
		go g.handleConnection(conn)
	}
}

func (g *Gateway) handleConnection(conn net.Conn) {
	defer g.wg.Done()
	defer conn.Close()

	// unblock the read when the gateway shuts down
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-g.quit:
			conn.Close()
		case <-done:
		}
	}()

	header := make([]byte, 7)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}

		length := binary.BigEndian.Uint16(header[4:6])
		pduLength := int(length) - 1
		if pduLength <= 0 {
			continue
		}

		unitID := header[6]
		pdu := make([]byte, pduLength)
		if _, err := io.ReadFull(conn, pdu); err != nil {
			return
		}

		response := g.handlePDU(unitID, pdu)
		if len(response) == 0 {
			continue
		}

		binary.BigEndian.PutUint16(header[2:4], 0)
		binary.BigEndian.PutUint16(header[4:6], uint16(len(response)+1))
		header[6] = unitID

		if _, err := conn.Write(append(header, response...)); err != nil {
			return
		}
	}
}

func (g *Gateway) handlePDU(unit byte, pdu []byte) []byte {
	if len(pdu) == 0 {
		return exceptionResponse(0, exceptionIllegalFunction)
	}

	function := pdu[0]
	plcID, ok := g.backend.PLCForUnit(unit)
	if !ok {
		return exceptionResponse(function, exceptionGatewayTargetFailed)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var (
		resp []byte
		err  error
	)
	switch function {
	case FuncReadCoils, FuncReadDiscreteInputs:
		resp, err = g.readBits(ctx, plcID, function, pdu)
	case FuncReadHoldingRegisters, FuncReadInputRegisters:
		resp, err = g.readRegisters(ctx, plcID, function, pdu)
	case FuncWriteSingleCoil, FuncWriteSingleRegister:
		resp, err = g.writeSingle(ctx, plcID, function, pdu)
	case FuncWriteMultipleCoils:
		resp, err = g.writeMultipleCoils(ctx, plcID, pdu)
	case FuncWriteMultipleRegisters:
		resp, err = g.writeMultipleRegisters(ctx, plcID, pdu)
	default:
		return exceptionResponse(function, exceptionIllegalFunction)
	}
	if err != nil {
		g.logger.Debug().Err(err).Uint8("unit", unit).Uint8("function", function).Msg("request rejected")
		return exceptionResponse(function, errToCode(err))
	}
	return resp
}

// values returns the snapshot values of one register space keyed by address.
func (g *Gateway) values(ctx context.Context, plcID string, function byte) (map[int]model.Value, error) {
	rt, _ := RegisterTypeFor(int(function))
	sensors, err := g.backend.ReadSensors(ctx, plcID)
	if err != nil {
		return nil, errors.Join(errNoTarget, err)
	}
	out := make(map[int]model.Value, len(sensors))
	for _, s := range sensors {
		if s.RegisterType == rt {
			out[s.DataAddress] = s.Value
		}
	}
	return out, nil
}

func readRange(pdu []byte, max uint16) (uint16, uint16, error) {
	if len(pdu) < 5 {
		return 0, 0, errInvalidPDULen
	}
	start := binary.BigEndian.Uint16(pdu[1:3])
	quantity := binary.BigEndian.Uint16(pdu[3:5])
	if quantity == 0 || quantity > max {
		return 0, 0, errInvalidQty
	}
	if int(start)+int(quantity) > 65536 {
		return 0, 0, errOutOfRange
	}
	return start, quantity, nil
}

func (g *Gateway) readBits(ctx context.Context, plcID string, function byte, pdu []byte) ([]byte, error) {
	start, quantity, err := readRange(pdu, maxReadBits)
	if err != nil {
		return nil, err
	}
	values, err := g.values(ctx, plcID, function)
	if err != nil {
		return nil, err
	}

	result := make([]byte, (int(quantity)+7)/8)
	for i := 0; i < int(quantity); i++ {
		if values[int(start)+i].Bool() {
			result[i/8] |= 1 << (uint(i) % 8)
		}
	}
	return append([]byte{function, byte(len(result))}, result...), nil
}

func (g *Gateway) readRegisters(ctx context.Context, plcID string, function byte, pdu []byte) ([]byte, error) {
	start, quantity, err := readRange(pdu, maxReadRegisters)
	if err != nil {
		return nil, err
	}
	values, err := g.values(ctx, plcID, function)
	if err != nil {
		return nil, err
	}

	result := make([]byte, int(quantity)*2)
	for i := 0; i < int(quantity); i++ {
		binary.BigEndian.PutUint16(result[i*2:(i+1)*2], uint16(values[int(start)+i].Int()))
	}
	return append([]byte{function, byte(len(result))}, result...), nil
}

func (g *Gateway) writeSingle(ctx context.Context, plcID string, function byte, pdu []byte) ([]byte, error) {
	if len(pdu) < 5 {
		return nil, errInvalidPDULen
	}
	address := binary.BigEndian.Uint16(pdu[1:3])
	raw := binary.BigEndian.Uint16(pdu[3:5])

	var value any = int64(raw)
	if function == FuncWriteSingleCoil {
		switch raw {
		case coilOn:
			value = true
		case coilOff:
			value = false
		default:
			return nil, errInvalidValue
		}
	}
	if err := g.dispatch(ctx, plcID, function, address, value); err != nil {
		return nil, err
	}
	return append([]byte(nil), pdu[:5]...), nil
}

func (g *Gateway) writeMultipleCoils(ctx context.Context, plcID string, pdu []byte) ([]byte, error) {
	if len(pdu) < 6 {
		return nil, errInvalidPDULen
	}
	address := binary.BigEndian.Uint16(pdu[1:3])
	quantity := binary.BigEndian.Uint16(pdu[3:5])
	if quantity == 0 || quantity > maxWriteBits {
		return nil, errInvalidQty
	}
	byteCount := int(pdu[5])
	if byteCount != (int(quantity)+7)/8 || len(pdu) < 6+byteCount {
		return nil, errInvalidPDULen
	}
	data := pdu[6 : 6+byteCount]
	values := make([]bool, quantity)
	for i := range values {
		values[i] = data[i/8]&(1<<(uint(i)%8)) != 0
	}
	if err := g.dispatch(ctx, plcID, FuncWriteMultipleCoils, address, values); err != nil {
		return nil, err
	}
	return append([]byte(nil), pdu[:5]...), nil
}

func (g *Gateway) writeMultipleRegisters(ctx context.Context, plcID string, pdu []byte) ([]byte, error) {
	if len(pdu) < 6 {
		return nil, errInvalidPDULen
	}
	address := binary.BigEndian.Uint16(pdu[1:3])
	quantity := binary.BigEndian.Uint16(pdu[3:5])
	if quantity == 0 || quantity > maxWriteRegs {
		return nil, errInvalidQty
	}
	byteCount := int(pdu[5])
	if byteCount != int(quantity)*2 || len(pdu) < 6+byteCount {
		return nil, errInvalidPDULen
	}
	values := make([]int64, quantity)
	for i := range values {
		values[i] = int64(binary.BigEndian.Uint16(pdu[6+i*2 : 8+i*2]))
	}
	if err := g.dispatch(ctx, plcID, FuncWriteMultipleRegisters, address, values); err != nil {
		return nil, err
	}
	return append([]byte(nil), pdu[:5]...), nil
}

func (g *Gateway) dispatch(ctx context.Context, plcID string, function byte, address uint16, values any) error {
	ok, err := g.backend.SetValues(ctx, plcID, int(function), int(address), values)
	if err != nil {
		if errors.Is(err, model.ErrInvalidValue) {
			return errors.Join(errInvalidValue, err)
		}
		return errors.Join(errNoTarget, err)
	}
	if !ok {
		return errOutOfRange
	}
	return nil
}

func exceptionResponse(function byte, code byte) []byte {
	if function == 0 {
		function = 0x80
	} else {
		function = function | 0x80
	}
	return []byte{function, code}
}

func errToCode(err error) byte {
	switch {
	case errors.Is(err, errOutOfRange):
		return exceptionIllegalDataAddr
	case errors.Is(err, errInvalidQty), errors.Is(err, errInvalidPDULen), errors.Is(err, errInvalidValue):
		return exceptionIllegalDataVal
	case errors.Is(err, errNoTarget):
		return exceptionGatewayTargetFailed
	default:
		return exceptionIllegalFunction
	}
}

// Close stops the gateway and waits for all goroutines to exit.
func (g *Gateway) Close() {
	g.closeOnce.Do(func() {
		close(g.quit)
		if g.listener != nil {
			g.listener.Close()
		}
	})
	g.wg.Wait()
}
