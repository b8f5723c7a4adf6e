package mav

import (
	"bytes"
	"encoding/binary"
	"math"
	"reflect"

	"github.com/pkg/errors"

	"github.com/outofforest/mav/schema"
)

// Number is the set of types field values may be read into and written from.
type Number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

type numberClass uint8

const (
	classUnsigned numberClass = iota
	classSigned
	classFloat
)

// number is the field element widened to 64 bits, tagged with its class.
type number struct {
	class numberClass
	u     uint64
	i     int64
	f     float64
}

func (n number) uint64() uint64 {
	switch n.class {
	case classSigned:
		return uint64(n.i)
	case classFloat:
		return uint64(n.f)
	default:
		return n.u
	}
}

func (n number) int64() int64 {
	switch n.class {
	case classUnsigned:
		return int64(n.u)
	case classFloat:
		return int64(n.f)
	default:
		return n.i
	}
}

func (n number) float64() float64 {
	switch n.class {
	case classUnsigned:
		return float64(n.u)
	case classSigned:
		return float64(n.i)
	default:
		return n.f
	}
}

func (n number) equal(n2 number) bool {
	switch {
	case n.class == classFloat || n2.class == classFloat:
		return n.float64() == n2.float64()
	case n.class == n2.class:
		return n.u == n2.u && n.i == n2.i
	case n.class == classSigned:
		return n.i >= 0 && uint64(n.i) == n2.u
	default:
		return n2.i >= 0 && uint64(n2.i) == n.u
	}
}

func classOf[T Number]() numberClass {
	switch reflect.TypeFor[T]().Kind() {
	case reflect.Float32, reflect.Float64:
		return classFloat
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return classSigned
	default:
		return classUnsigned
	}
}

func toNumber[T Number](v T) number {
	switch classOf[T]() {
	case classFloat:
		return number{class: classFloat, f: float64(v)}
	case classSigned:
		return number{class: classSigned, i: int64(v)}
	default:
		return number{class: classUnsigned, u: uint64(v)}
	}
}

func fromNumber[T Number](n number) T {
	switch n.class {
	case classFloat:
		return T(n.f)
	case classSigned:
		return T(n.i)
	default:
		return T(n.u)
	}
}

func readElement(buf []byte, kind schema.Kind) number {
	switch kind {
	case schema.KindUint8, schema.KindChar:
		return number{class: classUnsigned, u: uint64(buf[0])}
	case schema.KindInt8:
		return number{class: classSigned, i: int64(int8(buf[0]))}
	case schema.KindUint16:
		return number{class: classUnsigned, u: uint64(binary.LittleEndian.Uint16(buf))}
	case schema.KindInt16:
		return number{class: classSigned, i: int64(int16(binary.LittleEndian.Uint16(buf)))}
	case schema.KindUint32:
		return number{class: classUnsigned, u: uint64(binary.LittleEndian.Uint32(buf))}
	case schema.KindInt32:
		return number{class: classSigned, i: int64(int32(binary.LittleEndian.Uint32(buf)))}
	case schema.KindUint64:
		return number{class: classUnsigned, u: binary.LittleEndian.Uint64(buf)}
	case schema.KindInt64:
		return number{class: classSigned, i: int64(binary.LittleEndian.Uint64(buf))}
	case schema.KindFloat:
		return number{class: classFloat, f: float64(math.Float32frombits(binary.LittleEndian.Uint32(buf)))}
	default:
		return number{class: classFloat, f: math.Float64frombits(binary.LittleEndian.Uint64(buf))}
	}
}

func writeElement(buf []byte, kind schema.Kind, n number) {
	switch kind {
	case schema.KindUint8, schema.KindChar:
		buf[0] = byte(n.uint64())
	case schema.KindInt8:
		buf[0] = byte(n.int64())
	case schema.KindUint16:
		binary.LittleEndian.PutUint16(buf, uint16(n.uint64()))
	case schema.KindInt16:
		binary.LittleEndian.PutUint16(buf, uint16(n.int64()))
	case schema.KindUint32:
		binary.LittleEndian.PutUint32(buf, uint32(n.uint64()))
	case schema.KindInt32:
		binary.LittleEndian.PutUint32(buf, uint32(n.int64()))
	case schema.KindUint64:
		binary.LittleEndian.PutUint64(buf, n.uint64())
	case schema.KindInt64:
		binary.LittleEndian.PutUint64(buf, uint64(n.int64()))
	case schema.KindFloat:
		binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(n.float64())))
	default:
		binary.LittleEndian.PutUint64(buf, math.Float64bits(n.float64()))
	}
}

func (m *Message) field(name string) (schema.FieldDefinition, error) {
	f, ok := m.def.Field(name)
	if !ok {
		return schema.FieldDefinition{}, errors.Wrapf(ErrFieldType, "message %q has no field %q", m.def.Name, name)
	}
	return f, nil
}

func (m *Message) scalar(name string) (schema.FieldDefinition, error) {
	f, err := m.field(name)
	if err != nil {
		return f, err
	}
	if f.ArrayLength > 0 {
		return f, errors.Wrapf(ErrFieldType, "field %q of message %q is an array", name, m.def.Name)
	}
	return f, nil
}

// Get reads scalar field converted to T.
//
// Fields narrower than 32 bits are read into any integer type of 32 bits or more without loss, signed
// ones are sign-extended. Reading 64-bit field into narrower type truncates silently, choosing the
// right target is the caller's responsibility.
func Get[T Number](m *Message, name string) (T, error) {
	f, err := m.scalar(name)
	if err != nil {
		return 0, err
	}
	return fromNumber[T](readElement(m.payload[f.Offset:], f.Kind)), nil
}

// GetArray reads all the elements of the field converted to T. Scalar field is returned as one element.
func GetArray[T Number](m *Message, name string) ([]T, error) {
	f, err := m.field(name)
	if err != nil {
		return nil, err
	}

	width := f.Kind.Width()
	values := make([]T, f.Elements())
	for i := range values {
		values[i] = fromNumber[T](readElement(m.payload[f.Offset+i*width:], f.Kind))
	}
	return values, nil
}

// Set writes scalar field, converting value to the declared kind.
func Set[T Number](m *Message, name string, value T) error {
	f, err := m.scalar(name)
	if err != nil {
		return err
	}
	writeElement(m.payload[f.Offset:], f.Kind, toNumber(value))
	return nil
}

// SetArray writes elements of the field. Elements not covered by values are zeroed.
func SetArray[T Number](m *Message, name string, values []T) error {
	f, err := m.field(name)
	if err != nil {
		return err
	}
	if len(values) > f.Elements() {
		return errors.Wrapf(ErrFieldType, "field %q of message %q holds %d elements, %d given",
			name, m.def.Name, f.Elements(), len(values))
	}

	buf := m.payload[f.Offset : f.Offset+f.Size()]
	clear(buf)
	width := f.Kind.Width()
	for i, v := range values {
		writeElement(buf[i*width:], f.Kind, toNumber(v))
	}
	return nil
}

// Unpack reinterprets the bytes of the field as T without numeric conversion.
// It is used for integers carried in float fields. Width of T must match the width of the field.
func Unpack[T Number](m *Message, name string) (T, error) {
	f, err := m.scalar(name)
	if err != nil {
		return 0, err
	}
	typ := reflect.TypeFor[T]()
	width := f.Kind.Width()
	if int(typ.Size()) != width {
		return 0, errors.Wrapf(ErrFieldType, "field %q of message %q has %d bytes, %s has %d",
			name, m.def.Name, width, typ, typ.Size())
	}

	buf := m.payload[f.Offset : f.Offset+width]
	var bits uint64
	switch width {
	case 1:
		bits = uint64(buf[0])
	case 2:
		bits = uint64(binary.LittleEndian.Uint16(buf))
	case 4:
		bits = uint64(binary.LittleEndian.Uint32(buf))
	default:
		bits = binary.LittleEndian.Uint64(buf)
	}

	switch classOf[T]() {
	case classFloat:
		if width == 4 {
			return T(math.Float32frombits(uint32(bits))), nil
		}
		return T(math.Float64frombits(bits)), nil
	case classSigned:
		shift := 64 - 8*width
		return T(int64(bits<<shift) >> shift), nil
	default:
		return T(bits), nil
	}
}

// Pack stores the bit pattern of value in the field without numeric conversion. It is the inverse of Unpack.
func Pack[T Number](m *Message, name string, value T) error {
	f, err := m.scalar(name)
	if err != nil {
		return err
	}
	typ := reflect.TypeFor[T]()
	width := f.Kind.Width()
	if int(typ.Size()) != width {
		return errors.Wrapf(ErrFieldType, "field %q of message %q has %d bytes, %s has %d",
			name, m.def.Name, width, typ, typ.Size())
	}

	var bits uint64
	switch classOf[T]() {
	case classFloat:
		if width == 4 {
			bits = uint64(math.Float32bits(float32(value)))
		} else {
			bits = math.Float64bits(float64(value))
		}
	case classSigned:
		bits = uint64(int64(value))
	default:
		bits = uint64(value)
	}

	buf := m.payload[f.Offset : f.Offset+width]
	switch width {
	case 1:
		buf[0] = byte(bits)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(bits))
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(bits))
	default:
		binary.LittleEndian.PutUint64(buf, bits)
	}
	return nil
}

// String reads char field as text, ending at the first null byte or at the field end.
func (m *Message) String(name string) (string, error) {
	f, err := m.field(name)
	if err != nil {
		return "", err
	}
	if f.Kind != schema.KindChar {
		return "", errors.Wrapf(ErrFieldType, "field %q of message %q is not a char field", name, m.def.Name)
	}

	buf := m.payload[f.Offset : f.Offset+f.Size()]
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf), nil
}

// SetString writes text to char field. Text as long as the field is stored without null terminator.
func (m *Message) SetString(name, value string) error {
	f, err := m.field(name)
	if err != nil {
		return err
	}
	if f.Kind != schema.KindChar {
		return errors.Wrapf(ErrFieldType, "field %q of message %q is not a char field", name, m.def.Name)
	}
	if len(value) > f.Size() {
		return errors.Wrapf(ErrFieldType, "text of %d bytes does not fit field %q of message %q",
			len(value), name, m.def.Name)
	}

	buf := m.payload[f.Offset : f.Offset+f.Size()]
	clear(buf)
	copy(buf, value)
	return nil
}

// Value returns the field in its declared type: integer and float scalars as their Go counterparts,
// arrays as slices and char fields as string.
func (m *Message) Value(name string) (any, error) {
	f, err := m.field(name)
	if err != nil {
		return nil, err
	}
	if f.Kind == schema.KindChar {
		return m.String(name)
	}
	if f.ArrayLength > 0 {
		switch f.Kind {
		case schema.KindUint8:
			return GetArray[uint8](m, name)
		case schema.KindInt8:
			return GetArray[int8](m, name)
		case schema.KindUint16:
			return GetArray[uint16](m, name)
		case schema.KindInt16:
			return GetArray[int16](m, name)
		case schema.KindUint32:
			return GetArray[uint32](m, name)
		case schema.KindInt32:
			return GetArray[int32](m, name)
		case schema.KindUint64:
			return GetArray[uint64](m, name)
		case schema.KindInt64:
			return GetArray[int64](m, name)
		case schema.KindFloat:
			return GetArray[float32](m, name)
		default:
			return GetArray[float64](m, name)
		}
	}

	switch f.Kind {
	case schema.KindUint8:
		return Get[uint8](m, name)
	case schema.KindInt8:
		return Get[int8](m, name)
	case schema.KindUint16:
		return Get[uint16](m, name)
	case schema.KindInt16:
		return Get[int16](m, name)
	case schema.KindUint32:
		return Get[uint32](m, name)
	case schema.KindInt32:
		return Get[int32](m, name)
	case schema.KindUint64:
		return Get[uint64](m, name)
	case schema.KindInt64:
		return Get[int64](m, name)
	case schema.KindFloat:
		return Get[float32](m, name)
	default:
		return Get[float64](m, name)
	}
}

// SetValue writes the field from dynamically typed value: any Go integer or float, string for char
// fields, and slices of numbers for arrays.
func (m *Message) SetValue(name string, value any) error {
	switch v := value.(type) {
	case string:
		return m.SetString(name, v)
	case []byte:
		return SetArray(m, name, v)
	case []int8:
		return SetArray(m, name, v)
	case []uint16:
		return SetArray(m, name, v)
	case []int16:
		return SetArray(m, name, v)
	case []uint32:
		return SetArray(m, name, v)
	case []int32:
		return SetArray(m, name, v)
	case []uint64:
		return SetArray(m, name, v)
	case []int64:
		return SetArray(m, name, v)
	case []int:
		return SetArray(m, name, v)
	case []float32:
		return SetArray(m, name, v)
	case []float64:
		return SetArray(m, name, v)
	}

	n, ok := anyNumber(value)
	if !ok {
		return errors.Wrapf(ErrFieldType, "value of type %T can't be stored in field %q of message %q",
			value, name, m.def.Name)
	}
	f, err := m.scalar(name)
	if err != nil {
		return err
	}
	writeElement(m.payload[f.Offset:], f.Kind, n)
	return nil
}

func anyNumber(value any) (number, bool) {
	switch v := value.(type) {
	case int:
		return toNumber(v), true
	case int8:
		return toNumber(v), true
	case int16:
		return toNumber(v), true
	case int32:
		return toNumber(v), true
	case int64:
		return toNumber(v), true
	case uint:
		return toNumber(v), true
	case uint8:
		return toNumber(v), true
	case uint16:
		return toNumber(v), true
	case uint32:
		return toNumber(v), true
	case uint64:
		return toNumber(v), true
	case float32:
		return toNumber(v), true
	case float64:
		return toNumber(v), true
	default:
		return number{}, false
	}
}
