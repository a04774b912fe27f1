package transport

import (
	"encoding/binary"
	"fmt"
	"net"
	"strings"
	"time"

	mb "github.com/goburrow/modbus"
)

// Options selects and parameterizes the underlying Modbus connection.
type Options struct {
	// TCP
	Host string
	Port int

	// Serial RTU
	SerialPort string
	BaudRate   int
	DataBits   int
	StopBits   int
	Parity     string // N | E | O

	Timeout time.Duration
}

// handlerWithConn embeds mb.ClientHandler and exposes Connect/Close used
// for lifecycle.
type handlerWithConn interface {
	mb.ClientHandler
	Connect() error
	Close() error
}

// ModbusTransport drives a single TCP or RTU Modbus connection through
// goburrow/modbus. Not safe for concurrent use.
type ModbusTransport struct {
	handler   handlerWithConn
	client    mb.Client
	setSlave  func(id uint8)
	connected bool
	addr      string
}

// NewTCP builds a transport over Modbus TCP.
func NewTCP(opts Options) *ModbusTransport {
	address := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
	h := mb.NewTCPClientHandler(address)
	if opts.Timeout > 0 {
		h.Timeout = opts.Timeout
	}
	return &ModbusTransport{
		handler:  h,
		client:   mb.NewClient(h),
		setSlave: func(id uint8) { h.SlaveId = id },
		addr:     address,
	}
}

// NewRTU builds a transport over Modbus serial RTU.
func NewRTU(opts Options) *ModbusTransport {
	h := mb.NewRTUClientHandler(opts.SerialPort)
	if opts.BaudRate > 0 {
		h.BaudRate = opts.BaudRate
	}
	if opts.DataBits > 0 {
		h.DataBits = opts.DataBits
	}
	if opts.StopBits > 0 {
		h.StopBits = opts.StopBits
	}
	if p := strings.ToUpper(strings.TrimSpace(opts.Parity)); p != "" {
		h.Parity = p
	}
	if opts.Timeout > 0 {
		h.Timeout = opts.Timeout
	}
	return &ModbusTransport{
		handler:  h,
		client:   mb.NewClient(h),
		setSlave: func(id uint8) { h.SlaveId = id },
		addr:     opts.SerialPort,
	}
}

// Address returns a human-readable connection address for logs.
func (t *ModbusTransport) Address() string { return t.addr }

func (t *ModbusTransport) Connect() error {
	if err := t.handler.Connect(); err != nil {
		return classify(err)
	}
	t.connected = true
	return nil
}

func (t *ModbusTransport) Disconnect() error {
	t.connected = false
	if err := t.handler.Close(); err != nil {
		return classify(err)
	}
	return nil
}

func (t *ModbusTransport) IsConnected() bool { return t.connected }

func (t *ModbusTransport) SetSlave(id uint8) { t.setSlave(id) }

func (t *ModbusTransport) ReadHolding(address, quantity uint16) ([]uint16, error) {
	data, err := t.client.ReadHoldingRegisters(address, quantity)
	if err != nil {
		return nil, t.fail(err)
	}
	return bytesToWords(data, quantity)
}

func (t *ModbusTransport) ReadInput(address, quantity uint16) ([]uint16, error) {
	data, err := t.client.ReadInputRegisters(address, quantity)
	if err != nil {
		return nil, t.fail(err)
	}
	return bytesToWords(data, quantity)
}

func (t *ModbusTransport) WriteSingleHolding(address, value uint16) error {
	if _, err := t.client.WriteSingleRegister(address, value); err != nil {
		return t.fail(err)
	}
	return nil
}

func (t *ModbusTransport) WriteMultipleHolding(address uint16, values []uint16) error {
	buf := make([]byte, len(values)*2)
	for i, w := range values {
		binary.BigEndian.PutUint16(buf[i*2:], w)
	}
	if _, err := t.client.WriteMultipleRegisters(address, uint16(len(values)), buf); err != nil {
		return t.fail(err)
	}
	return nil
}

func (t *ModbusTransport) ReadCoils(address, quantity uint16) ([]bool, error) {
	data, err := t.client.ReadCoils(address, quantity)
	if err != nil {
		return nil, t.fail(err)
	}
	return bytesToBits(data, quantity)
}

func (t *ModbusTransport) ReadDiscreteInputs(address, quantity uint16) ([]bool, error) {
	data, err := t.client.ReadDiscreteInputs(address, quantity)
	if err != nil {
		return nil, t.fail(err)
	}
	return bytesToBits(data, quantity)
}

func (t *ModbusTransport) WriteSingleCoil(address uint16, value bool) error {
	var v uint16
	if value {
		v = 0xFF00
	}
	if _, err := t.client.WriteSingleCoil(address, v); err != nil {
		return t.fail(err)
	}
	return nil
}

// fail classifies err and drops the connected flag on transport-level
// failures so the poller re-establishes the session.
func (t *ModbusTransport) fail(err error) error {
	classified := classify(err)
	switch KindOf(classified) {
	case KindTimeout, KindIO:
		t.connected = false
	}
	return classified
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if mbErr, ok := err.(*mb.ModbusError); ok {
		switch mbErr.ExceptionCode {
		case mb.ExceptionCodeIllegalFunction:
			return &Error{Kind: KindIllegalFunction, Err: err}
		case mb.ExceptionCodeIllegalDataAddress:
			return &Error{Kind: KindIllegalAddress, Err: err}
		case mb.ExceptionCodeServerDeviceBusy:
			return &Error{Kind: KindSlaveBusy, Err: err}
		default:
			return &Error{Kind: KindProtocol, Err: err}
		}
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}
	return &Error{Kind: KindIO, Err: err}
}

func bytesToWords(data []byte, quantity uint16) ([]uint16, error) {
	if len(data) < int(quantity)*2 {
		return nil, &Error{Kind: KindProtocol, Err: fmt.Errorf("short register response: %d bytes for %d registers", len(data), quantity)}
	}
	words := make([]uint16, quantity)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return words, nil
}

func bytesToBits(data []byte, quantity uint16) ([]bool, error) {
	if len(data)*8 < int(quantity) {
		return nil, &Error{Kind: KindProtocol, Err: fmt.Errorf("short bit response: %d bytes for %d bits", len(data), quantity)}
	}
	bits := make([]bool, quantity)
	for i := range bits {
		bits[i] = data[i/8]&(1<<(i%8)) != 0
	}
	return bits, nil
}
