// Package mapping holds the per-datapoint state of the bridge: the binding
// of one platform reference to a slave's register range, the grouping of
// contiguous ranges into bulk reads, and the per-slave device records.
package mapping

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"modbus-bridge/internal/codec"
	"modbus-bridge/internal/logger"
	"modbus-bridge/internal/transport"
)

var (
	// ErrWriteToReadOnly marks a write to a read-only register class.
	ErrWriteToReadOnly = errors.New("write to read-only register")
	// ErrUnsupportedOperation marks a write a mapping cannot express,
	// such as a bit write into a shared holding register word.
	ErrUnsupportedOperation = errors.New("unsupported operation")
)

// Definition carries the template-level immutable fields of one mapping.
type Definition struct {
	Reference string
	Name      string

	RegisterType RegisterType
	OutputType   codec.OutputType
	Operation    codec.OperationType
	MappingType  MappingType

	Address       uint16
	RegisterCount uint16
	BitIndex      uint8

	Deadband        float64
	FrequencyFilter time.Duration

	DefaultValue   *string
	RepeatInterval time.Duration
	SafeModeValue  *string
}

// Validate checks the definition invariants.
func (d *Definition) Validate() error {
	if d.Reference == "" {
		return errors.New("mapping reference must not be empty")
	}
	if d.RegisterCount < 1 {
		return fmt.Errorf("mapping %s: register count must be at least 1", d.Reference)
	}
	switch d.OutputType {
	case codec.UInt32, codec.Int32, codec.Float32:
		if d.RegisterCount != 2 {
			return fmt.Errorf("mapping %s: 32-bit output requires exactly 2 registers", d.Reference)
		}
	case codec.Bool:
		if d.RegisterCount != 1 {
			return fmt.Errorf("mapping %s: bool output requires exactly 1 register", d.Reference)
		}
	}
	if d.Operation == codec.TakeBit {
		if d.RegisterCount != 1 {
			return fmt.Errorf("mapping %s: take_bit requires exactly 1 register", d.Reference)
		}
		if d.BitIndex > 15 {
			return fmt.Errorf("mapping %s: bit index %d out of range", d.Reference, d.BitIndex)
		}
	}
	if d.Deadband < 0 {
		return fmt.Errorf("mapping %s: deadband must not be negative", d.Reference)
	}
	if d.FrequencyFilter < 0 {
		return fmt.Errorf("mapping %s: frequency filter must not be negative", d.Reference)
	}
	if d.SafeModeValue != nil && !d.RegisterType.Writable() {
		return fmt.Errorf("mapping %s: safe mode value is forbidden on read-only registers", d.Reference)
	}
	if d.RepeatInterval > 0 && d.DefaultValue == nil {
		return fmt.Errorf("mapping %s: repeat interval requires a default value", d.Reference)
	}
	return nil
}

// EndAddress is the last register address the mapping occupies.
func (d *Definition) EndAddress() uint16 {
	return d.Address + d.RegisterCount - 1
}

// Mapping is one instantiated datapoint on one slave. All runtime state is
// owned by the poller goroutine; only the live repeat interval crosses
// goroutines and is therefore atomic.
type Mapping struct {
	Definition

	repeatInterval atomic.Int64 // nanoseconds, 0 disables

	lastValue   codec.Value
	initialized bool
	valid       bool
	lastEmitAt  time.Time
	lastWriteAt time.Time
	repeatValue string
	hasRepeat   bool
}

// New instantiates a mapping from its template definition.
func New(def Definition) *Mapping {
	m := &Mapping{Definition: def}
	m.repeatInterval.Store(int64(def.RepeatInterval))
	return m
}

// SetRepeatInterval updates the live repeat interval. Safe to call from
// the platform ingress goroutine; the poller observes the new interval by
// its next cycle.
func (m *Mapping) SetRepeatInterval(d time.Duration) {
	m.repeatInterval.Store(int64(d))
}

// RepeatIntervalLive returns the currently effective repeat interval.
func (m *Mapping) RepeatIntervalLive() time.Duration {
	return time.Duration(m.repeatInterval.Load())
}

// LastValue returns the last decoded or written value and whether one
// exists yet.
func (m *Mapping) LastValue() (codec.Value, bool) {
	return m.lastValue, m.initialized
}

// Valid reports whether the mapping's last poll cycle succeeded.
func (m *Mapping) Valid() bool { return m.valid }

// MarkInvalid flags the mapping after a failed group read. The last value
// is retained.
func (m *Mapping) MarkInvalid() { m.valid = false }

// UpdateFromWords decodes the raw words read for this mapping, applies the
// deadband and frequency filter, and reports whether a change should be
// surfaced. The first successful observation always counts as a change.
func (m *Mapping) UpdateFromWords(words []uint16, now time.Time) (codec.Value, bool) {
	value, err := codec.Decode(words, m.OutputType, m.Operation, m.BitIndex)
	if err != nil {
		logger.Warn("failed to decode register data",
			zap.String("reference", m.Reference), zap.Error(err))
		return codec.Value{}, false
	}
	m.valid = true

	// lastEmitAt stays zero until the first observation is surfaced; a
	// value committed by a write does not count as an observation.
	if m.lastEmitAt.IsZero() {
		m.initialized = true
		m.lastValue = value
		m.lastEmitAt = now
		return value, true
	}

	changed := false
	if m.OutputType.IsNumeric() {
		delta := value.Numeric() - m.lastValue.Numeric()
		if delta < 0 {
			delta = -delta
		}
		changed = delta > m.Deadband
	} else {
		changed = !value.Equal(m.lastValue)
	}
	if !changed {
		return codec.Value{}, false
	}

	m.lastValue = value
	if m.FrequencyFilter > 0 && now.Sub(m.lastEmitAt) < m.FrequencyFilter {
		return codec.Value{}, false
	}
	m.lastEmitAt = now
	return value, true
}

// Write parses value for the mapping's output type and issues the matching
// Modbus write. On success the parsed value becomes the mapping's last
// value and the payload for subsequent repeat writes.
func (m *Mapping) Write(tr transport.Transport, value string, now time.Time) error {
	if !m.RegisterType.Writable() {
		m.valid = false
		return fmt.Errorf("%w: %s", ErrWriteToReadOnly, m.Reference)
	}
	if m.Operation == codec.TakeBit {
		// A bit inside a shared holding register word cannot be
		// written atomically.
		m.valid = false
		return fmt.Errorf("%w: bit write on %s", ErrUnsupportedOperation, m.Reference)
	}

	if m.RegisterType == Coil {
		b, err := codec.ParseBool(value)
		if err != nil {
			return err
		}
		if err := tr.WriteSingleCoil(m.Address, b); err != nil {
			m.valid = false
			return err
		}
		m.commitWrite(codec.BoolValue(b), value, now)
		return nil
	}

	words, err := codec.EncodeRegisters(value, m.OutputType, m.Operation, m.RegisterCount)
	if err != nil {
		return err
	}
	if len(words) == 1 {
		err = tr.WriteSingleHolding(m.Address, words[0])
	} else {
		err = tr.WriteMultipleHolding(m.Address, words)
	}
	if err != nil {
		m.valid = false
		return err
	}

	written, decErr := codec.Decode(words, m.OutputType, m.Operation, m.BitIndex)
	if decErr == nil {
		m.commitWrite(written, value, now)
	}
	return nil
}

func (m *Mapping) commitWrite(v codec.Value, raw string, now time.Time) {
	m.lastValue = v
	m.initialized = true
	m.valid = true
	m.lastWriteAt = now
	m.repeatValue = raw
	m.hasRepeat = true
}

// RepeatDue reports whether a periodic rewrite is due and returns the
// stored payload.
func (m *Mapping) RepeatDue(now time.Time) (string, bool) {
	interval := m.RepeatIntervalLive()
	if interval <= 0 || !m.hasRepeat {
		return "", false
	}
	if now.Sub(m.lastWriteAt) < interval {
		return "", false
	}
	return m.repeatValue, true
}
