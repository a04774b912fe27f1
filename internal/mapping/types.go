package mapping

import (
	"fmt"
	"strings"
)

// RegisterType indicates the Modbus function class a mapping reads from.
type RegisterType int

const (
	Coil RegisterType = iota
	InputContact
	HoldingRegister
	InputRegister
)

func (r RegisterType) String() string {
	switch r {
	case Coil:
		return "coil"
	case InputContact:
		return "input_contact"
	case HoldingRegister:
		return "holding_register"
	case InputRegister:
		return "input_register"
	}
	return "unknown"
}

// ParseRegisterType maps a config string to a RegisterType.
func ParseRegisterType(s string) (RegisterType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "coil":
		return Coil, nil
	case "input_contact", "discrete", "discrete_input":
		return InputContact, nil
	case "holding_register", "holding":
		return HoldingRegister, nil
	case "input_register", "input":
		return InputRegister, nil
	}
	return 0, fmt.Errorf("unsupported register type %q", s)
}

// Writable reports whether the register class accepts writes.
func (r RegisterType) Writable() bool {
	return r == Coil || r == HoldingRegister
}

// IsBit reports whether the register class addresses single bits.
func (r RegisterType) IsBit() bool {
	return r == Coil || r == InputContact
}

// MappingType is the platform-side role of a mapping.
type MappingType int

const (
	DefaultMapping MappingType = iota
	ReadOnly
	ReadWrite
	WriteOnly
	Attribute
)

func (m MappingType) String() string {
	switch m {
	case DefaultMapping:
		return "default"
	case ReadOnly:
		return "read_only"
	case ReadWrite:
		return "read_write"
	case WriteOnly:
		return "write_only"
	case Attribute:
		return "attribute"
	}
	return "unknown"
}

// ParseMappingType maps a config string to a MappingType.
func ParseMappingType(s string) (MappingType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return DefaultMapping, nil
	case "read_only", "readonly", "sensor":
		return ReadOnly, nil
	case "read_write", "readwrite", "actuator":
		return ReadWrite, nil
	case "write_only", "writeonly":
		return WriteOnly, nil
	case "attribute":
		return Attribute, nil
	}
	return 0, fmt.Errorf("unsupported mapping type %q", s)
}

// Resolve collapses DefaultMapping into the concrete role the register
// class implies: ReadWrite for writable classes, ReadOnly otherwise.
func (m MappingType) Resolve(register RegisterType) MappingType {
	if m != DefaultMapping {
		return m
	}
	if register.Writable() {
		return ReadWrite
	}
	return ReadOnly
}
