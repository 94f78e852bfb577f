// Package convention maps abstract argument and return descriptors onto
// the registers and stack slots of a concrete calling convention, and
// provides typed access to both through a captured register snapshot.
package convention

// DataType is the semantic type of one function argument or return value.
type DataType uint8

// about data type
const (
	Void DataType = iota
	Bool
	Int8
	UInt8
	Int16
	UInt16
	Int32
	UInt32
	Int64
	UInt64
	Float
	Double
	Pointer
	String
	M128
	M256
	M512
	Object
)

// String is used to convert a data type to a readable string.
func (t DataType) String() string {
	switch t {
	case Void:
		return "void"
	case Bool:
		return "bool"
	case Int8:
		return "int8"
	case UInt8:
		return "uint8"
	case Int16:
		return "int16"
	case UInt16:
		return "uint16"
	case Int32:
		return "int32"
	case UInt32:
		return "uint32"
	case Int64:
		return "int64"
	case UInt64:
		return "uint64"
	case Float:
		return "float"
	case Double:
		return "double"
	case Pointer:
		return "pointer"
	case String:
		return "string"
	case M128:
		return "m128"
	case M256:
		return "m256"
	case M512:
		return "m512"
	case Object:
		return "object"
	default:
		return "unknown"
	}
}

// DataObject describes one function argument or the return value: its
// semantic type, its decided storage location (None means stack) and its
// size in bytes. A zero Size is filled in from the type and the
// convention alignment when the convention initializes.
type DataObject struct {
	Type DataType
	Reg  Register
	Size int
}

// IsFloat reports whether the object is a floating point scalar.
func (d *DataObject) IsFloat() bool {
	return d.Type == Float || d.Type == Double
}

// IsHVA reports whether the object is a vector value passed through
// vector registers.
func (d *DataObject) IsHVA() bool {
	return d.Type == M128 || d.Type == M256 || d.Type == M512
}

// Align rounds size up to the next multiple of alignment. A size that is
// already a multiple is returned unchanged.
func Align(size, alignment int) int {
	unaligned := size % alignment
	if unaligned == 0 {
		return size
	}
	return size + alignment - unaligned
}

// DataTypeSize returns the aligned byte size of a data type. The second
// result is false for Object and unknown types, whose size callers must
// provide explicitly.
func DataTypeSize(t DataType, alignment int) (int, bool) {
	var size int
	switch t {
	case Void:
		return 0, true
	case Bool, Int8, UInt8:
		size = 1
	case Int16, UInt16:
		size = 2
	case Int32, UInt32, Float:
		size = 4
	case Int64, UInt64, Double, Pointer, String:
		size = 8
	case M128:
		size = 16
	case M256:
		size = 32
	case M512:
		size = 64
	default:
		return 0, false
	}
	return Align(size, alignment), true
}
