package transport

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mb "github.com/goburrow/modbus"
)

func TestClassifyModbusExceptions(t *testing.T) {
	tests := []struct {
		code byte
		want ErrorKind
	}{
		{mb.ExceptionCodeIllegalFunction, KindIllegalFunction},
		{mb.ExceptionCodeIllegalDataAddress, KindIllegalAddress},
		{mb.ExceptionCodeServerDeviceBusy, KindSlaveBusy},
		{mb.ExceptionCodeIllegalDataValue, KindProtocol},
		{mb.ExceptionCodeServerDeviceFailure, KindProtocol},
	}
	for _, tt := range tests {
		err := classify(&mb.ModbusError{FunctionCode: 3, ExceptionCode: tt.code})
		assert.Equal(t, tt.want, KindOf(err), "exception code %d", tt.code)
	}
}

func TestClassifyPlainError(t *testing.T) {
	err := classify(errors.New("connection refused"))
	assert.Equal(t, KindIO, KindOf(err))

	var te *Error
	require.ErrorAs(t, err, &te)
	assert.NotNil(t, te.Unwrap())
}

func TestKindOfForeignError(t *testing.T) {
	assert.Equal(t, KindOther, KindOf(errors.New("unrelated")))
}

func TestBytesToWords(t *testing.T) {
	words, err := bytesToWords([]byte{0x40, 0x48, 0xF5, 0xC3}, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x4048, 0xF5C3}, words)

	_, err = bytesToWords([]byte{0x01}, 1)
	assert.Equal(t, KindProtocol, KindOf(err))
}

func TestBytesToBits(t *testing.T) {
	// 0b0000_0101: bits 0 and 2 set, LSB first.
	bits, err := bytesToBits([]byte{0x05}, 4)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true, false}, bits)

	bits, err = bytesToBits([]byte{0x00, 0x01}, 9)
	require.NoError(t, err)
	assert.True(t, bits[8])

	_, err = bytesToBits([]byte{0x01}, 9)
	assert.Equal(t, KindProtocol, KindOf(err))
}

func TestMockTransportRoundTrip(t *testing.T) {
	m := NewMock()
	require.NoError(t, m.Connect())
	assert.True(t, m.IsConnected())

	m.SetSlave(5)
	require.NoError(t, m.WriteSingleHolding(3, 77))
	words, err := m.ReadHolding(3, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{77}, words)

	writes := m.RecordedWrites()
	require.Len(t, writes, 1)
	assert.Equal(t, uint8(5), writes[0].Slave)
}
