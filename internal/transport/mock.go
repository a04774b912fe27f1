package transport

import "sync"

// WriteOp records one write issued against the mock transport.
type WriteOp struct {
	Slave   uint8
	Kind    string // single | multiple | coil
	Address uint16
	Words   []uint16
	Bit     bool
}

// Mock is an in-memory Transport for tests: register banks backed by
// maps, recorded writes, injectable failures.
type Mock struct {
	mu sync.Mutex

	Holding  map[uint16]uint16
	Input    map[uint16]uint16
	Coils    map[uint16]bool
	Discrete map[uint16]bool

	Writes []WriteOp

	ReadErr    error // returned by every read when set
	WriteErr   error // returned by every write when set
	ConnectErr error

	connected bool
	slave     uint8
}

// NewMock builds an empty mock transport.
func NewMock() *Mock {
	return &Mock{
		Holding:  make(map[uint16]uint16),
		Input:    make(map[uint16]uint16),
		Coils:    make(map[uint16]bool),
		Discrete: make(map[uint16]bool),
	}
}

func (m *Mock) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ConnectErr != nil {
		return m.ConnectErr
	}
	m.connected = true
	return nil
}

func (m *Mock) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *Mock) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *Mock) SetSlave(id uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slave = id
}

// Slave returns the currently addressed slave.
func (m *Mock) Slave() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slave
}

func (m *Mock) ReadHolding(address, quantity uint16) ([]uint16, error) {
	return m.readWords(m.Holding, address, quantity)
}

func (m *Mock) ReadInput(address, quantity uint16) ([]uint16, error) {
	return m.readWords(m.Input, address, quantity)
}

func (m *Mock) readWords(bank map[uint16]uint16, address, quantity uint16) ([]uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadErr != nil {
		return nil, m.ReadErr
	}
	words := make([]uint16, quantity)
	for i := range words {
		words[i] = bank[address+uint16(i)]
	}
	return words, nil
}

func (m *Mock) WriteSingleHolding(address, value uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WriteErr != nil {
		return m.WriteErr
	}
	m.Holding[address] = value
	m.Writes = append(m.Writes, WriteOp{
		Slave: m.slave, Kind: "single", Address: address, Words: []uint16{value},
	})
	return nil
}

func (m *Mock) WriteMultipleHolding(address uint16, values []uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WriteErr != nil {
		return m.WriteErr
	}
	words := make([]uint16, len(values))
	copy(words, values)
	for i, w := range words {
		m.Holding[address+uint16(i)] = w
	}
	m.Writes = append(m.Writes, WriteOp{
		Slave: m.slave, Kind: "multiple", Address: address, Words: words,
	})
	return nil
}

func (m *Mock) ReadCoils(address, quantity uint16) ([]bool, error) {
	return m.readBits(m.Coils, address, quantity)
}

func (m *Mock) ReadDiscreteInputs(address, quantity uint16) ([]bool, error) {
	return m.readBits(m.Discrete, address, quantity)
}

func (m *Mock) readBits(bank map[uint16]bool, address, quantity uint16) ([]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadErr != nil {
		return nil, m.ReadErr
	}
	bits := make([]bool, quantity)
	for i := range bits {
		bits[i] = bank[address+uint16(i)]
	}
	return bits, nil
}

func (m *Mock) WriteSingleCoil(address uint16, value bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.WriteErr != nil {
		return m.WriteErr
	}
	m.Coils[address] = value
	m.Writes = append(m.Writes, WriteOp{
		Slave: m.slave, Kind: "coil", Address: address, Bit: value,
	})
	return nil
}

// SetHolding updates a holding register while the transport is in use.
func (m *Mock) SetHolding(address, value uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Holding[address] = value
}

// SetCoil updates a coil while the transport is in use.
func (m *Mock) SetCoil(address uint16, value bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Coils[address] = value
}

// SetReadErr injects or clears a read failure while the transport is in
// use.
func (m *Mock) SetReadErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReadErr = err
}

// RecordedWrites returns a snapshot of the writes issued so far.
func (m *Mock) RecordedWrites() []WriteOp {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WriteOp, len(m.Writes))
	copy(out, m.Writes)
	return out
}

// ClearWrites drops the recorded writes.
func (m *Mock) ClearWrites() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Writes = nil
}
