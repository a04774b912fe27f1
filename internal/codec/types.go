package codec

import (
	"fmt"
	"strconv"
	"strings"
)

// OutputType is the typed form a mapping's registers decode into.
type OutputType int

const (
	Bool OutputType = iota
	UInt16
	Int16
	UInt32
	Int32
	Float32
	String
)

func (t OutputType) String() string {
	switch t {
	case Bool:
		return "bool"
	case UInt16:
		return "uint16"
	case Int16:
		return "int16"
	case UInt32:
		return "uint32"
	case Int32:
		return "int32"
	case Float32:
		return "float32"
	case String:
		return "string"
	}
	return "unknown"
}

// ParseOutputType maps a config string to an OutputType.
func ParseOutputType(s string) (OutputType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bool", "boolean":
		return Bool, nil
	case "uint16":
		return UInt16, nil
	case "int16":
		return Int16, nil
	case "uint32":
		return UInt32, nil
	case "int32":
		return Int32, nil
	case "float", "float32":
		return Float32, nil
	case "string":
		return String, nil
	}
	return 0, fmt.Errorf("unsupported output type %q", s)
}

// IsNumeric reports whether the type carries a numeric value
// (deadband applies only to numeric types).
func (t OutputType) IsNumeric() bool {
	switch t {
	case UInt16, Int16, UInt32, Int32, Float32:
		return true
	}
	return false
}

// RegisterCount returns the number of 16-bit registers the type occupies.
// String types size by the mapping's own register count; stringCount is
// used for those.
func (t OutputType) RegisterCount(stringCount uint16) uint16 {
	switch t {
	case UInt32, Int32, Float32:
		return 2
	case String:
		return stringCount
	default:
		return 1
	}
}

// OperationType describes how raw register words become the typed value.
type OperationType int

const (
	None OperationType = iota
	TakeBit
	MergeBigEndian
	MergeLittleEndian
	MergeFloatBigEndian
	MergeFloatLittleEndian
	StringifyASCIIBigEndian
	StringifyASCIILittleEndian
	StringifyUnicodeBigEndian
	StringifyUnicodeLittleEndian
)

func (o OperationType) String() string {
	switch o {
	case None:
		return "none"
	case TakeBit:
		return "take_bit"
	case MergeBigEndian:
		return "merge_big_endian"
	case MergeLittleEndian:
		return "merge_little_endian"
	case MergeFloatBigEndian:
		return "merge_float_big_endian"
	case MergeFloatLittleEndian:
		return "merge_float_little_endian"
	case StringifyASCIIBigEndian:
		return "stringify_ascii_big_endian"
	case StringifyASCIILittleEndian:
		return "stringify_ascii_little_endian"
	case StringifyUnicodeBigEndian:
		return "stringify_unicode_big_endian"
	case StringifyUnicodeLittleEndian:
		return "stringify_unicode_little_endian"
	}
	return "unknown"
}

// ParseOperationType maps a config string to an OperationType.
func ParseOperationType(s string) (OperationType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return None, nil
	case "take_bit", "takebit":
		return TakeBit, nil
	case "merge_big_endian":
		return MergeBigEndian, nil
	case "merge_little_endian":
		return MergeLittleEndian, nil
	case "merge_float_big_endian", "merge_float":
		return MergeFloatBigEndian, nil
	case "merge_float_little_endian":
		return MergeFloatLittleEndian, nil
	case "stringify_ascii_big_endian", "stringify_ascii":
		return StringifyASCIIBigEndian, nil
	case "stringify_ascii_little_endian":
		return StringifyASCIILittleEndian, nil
	case "stringify_unicode_big_endian", "stringify_unicode":
		return StringifyUnicodeBigEndian, nil
	case "stringify_unicode_little_endian":
		return StringifyUnicodeLittleEndian, nil
	}
	return 0, fmt.Errorf("unsupported operation type %q", s)
}

// Value is a decoded register value. Exactly one of the payload fields is
// meaningful, selected by Type.
type Value struct {
	Type  OutputType
	Bool  bool
	Int   int64
	Uint  uint64
	Float float64
	Str   string
}

func BoolValue(b bool) Value      { return Value{Type: Bool, Bool: b} }
func UInt16Value(v uint16) Value  { return Value{Type: UInt16, Uint: uint64(v)} }
func Int16Value(v int16) Value    { return Value{Type: Int16, Int: int64(v)} }
func UInt32Value(v uint32) Value  { return Value{Type: UInt32, Uint: uint64(v)} }
func Int32Value(v int32) Value    { return Value{Type: Int32, Int: int64(v)} }
func Float32Value(v float32) Value {
	return Value{Type: Float32, Float: float64(v)}
}
func StringValue(s string) Value { return Value{Type: String, Str: s} }

// String renders the value the way it travels to the platform and into the
// persistence files.
func (v Value) String() string {
	switch v.Type {
	case Bool:
		return strconv.FormatBool(v.Bool)
	case UInt16, UInt32:
		return strconv.FormatUint(v.Uint, 10)
	case Int16, Int32:
		return strconv.FormatInt(v.Int, 10)
	case Float32:
		return strconv.FormatFloat(v.Float, 'g', -1, 32)
	case String:
		return v.Str
	}
	return ""
}

// Numeric returns the value as float64 for deadband comparison.
// Meaningful only when Type.IsNumeric().
func (v Value) Numeric() float64 {
	switch v.Type {
	case UInt16, UInt32:
		return float64(v.Uint)
	case Int16, Int32:
		return float64(v.Int)
	case Float32:
		return v.Float
	}
	return 0
}

// Equal reports whether two values of the same type carry the same payload.
func (v Value) Equal(other Value) bool {
	if v.Type != other.Type {
		return false
	}
	switch v.Type {
	case Bool:
		return v.Bool == other.Bool
	case UInt16, UInt32:
		return v.Uint == other.Uint
	case Int16, Int32:
		return v.Int == other.Int
	case Float32:
		return v.Float == other.Float
	case String:
		return v.Str == other.Str
	}
	return false
}
