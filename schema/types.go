package schema

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Kind is the numeric kind of the field element.
type Kind uint8

// Supported field kinds.
const (
	KindUnknown Kind = iota
	KindUint8
	KindInt8
	KindUint16
	KindInt16
	KindUint32
	KindInt32
	KindUint64
	KindInt64
	KindFloat
	KindDouble
	KindChar
)

var kindNames = map[Kind]string{
	KindUint8:  "uint8_t",
	KindInt8:   "int8_t",
	KindUint16: "uint16_t",
	KindInt16:  "int16_t",
	KindUint32: "uint32_t",
	KindInt32:  "int32_t",
	KindUint64: "uint64_t",
	KindInt64:  "int64_t",
	KindFloat:  "float",
	KindDouble: "double",
	KindChar:   "char",
}

// String returns C type name used by the dictionary format.
func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// Width returns the size of one element in bytes.
func (k Kind) Width() int {
	switch k {
	case KindUint8, KindInt8, KindChar:
		return 1
	case KindUint16, KindInt16:
		return 2
	case KindUint32, KindInt32, KindFloat:
		return 4
	case KindUint64, KindInt64, KindDouble:
		return 8
	default:
		return 0
	}
}

// Signed tells if kind is a signed integer.
func (k Kind) Signed() bool {
	return k == KindInt8 || k == KindInt16 || k == KindInt32 || k == KindInt64
}

// Float tells if kind is a floating point number.
func (k Kind) Float() bool {
	return k == KindFloat || k == KindDouble
}

// ParseType parses type declaration like "uint8_t", "char[16]" or "uint8_t_mavlink_version".
func ParseType(s string) (Kind, int, error) {
	name := s
	length := 0
	if i := strings.IndexByte(s, '['); i >= 0 {
		if !strings.HasSuffix(s, "]") {
			return KindUnknown, 0, errors.Wrapf(ErrSchema, "invalid type %q", s)
		}
		n, err := strconv.Atoi(s[i+1 : len(s)-1])
		if err != nil || n <= 0 {
			return KindUnknown, 0, errors.Wrapf(ErrSchema, "invalid array length in type %q", s)
		}
		name = s[:i]
		length = n
	}

	if name == "uint8_t_mavlink_version" {
		name = "uint8_t"
	}
	for k, n := range kindNames {
		if n == name {
			return k, length, nil
		}
	}
	return KindUnknown, 0, errors.Wrapf(ErrSchema, "unknown type %q", s)
}

// FieldDefinition describes one field of the message.
type FieldDefinition struct {
	Name string
	Kind Kind

	// ArrayLength is 0 for scalar fields.
	ArrayLength int

	// Enum is the name of the enum type values of the field come from, empty if none.
	Enum string

	// Extension fields are appended to the payload and don't take part in CRC extra.
	Extension bool

	// Offset is the position of the field in the payload, set by New.
	Offset int
}

// Size returns number of bytes occupied by the field in the payload.
func (f FieldDefinition) Size() int {
	return f.Kind.Width() * max(1, f.ArrayLength)
}

// Elements returns the number of elements stored in the field.
func (f FieldDefinition) Elements() int {
	return max(1, f.ArrayLength)
}

// MessageDefinition describes the message type.
type MessageDefinition struct {
	ID   uint32
	Name string

	// Fields are kept in wire order.
	Fields      []FieldDefinition
	CRCExtra    byte
	PayloadSize int

	fields map[string]int
}

// Field returns definition of the field.
func (m *MessageDefinition) Field(name string) (FieldDefinition, bool) {
	i, ok := m.fields[name]
	if !ok {
		return FieldDefinition{}, false
	}
	return m.Fields[i], true
}
