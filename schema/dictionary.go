package schema

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/outofforest/mav/wire"
)

var (
	// ErrSchema is returned when message definitions are malformed or ambiguous.
	ErrSchema = errors.New("invalid schema")

	// ErrNotFound is returned when requested message, field or enum constant does not exist.
	ErrNotFound = errors.New("not found")
)

// Definitions is the raw content of the dictionary before it is compiled.
type Definitions struct {
	// Messages keep fields in declaration order.
	Messages []MessageDefinition

	// Enums maps enum type name to its constants.
	Enums map[string]map[string]uint64
}

// Dictionary is the compiled, read-only set of message definitions and enum constants.
// It is safe for concurrent use.
type Dictionary struct {
	byName    map[string]*MessageDefinition
	byID      map[uint32]*MessageDefinition
	enums     map[string]uint64
	enumTypes map[string]struct{}
}

// New validates and compiles definitions into the dictionary.
func New(defs Definitions) (*Dictionary, error) {
	d := &Dictionary{
		byName:    make(map[string]*MessageDefinition, len(defs.Messages)),
		byID:      make(map[uint32]*MessageDefinition, len(defs.Messages)),
		enums:     map[string]uint64{},
		enumTypes: make(map[string]struct{}, len(defs.Enums)),
	}

	for enumType, entries := range defs.Enums {
		d.enumTypes[enumType] = struct{}{}
		for name, value := range entries {
			if existing, exists := d.enums[name]; exists && existing != value {
				return nil, errors.Wrapf(ErrSchema, "enum constant %q defined twice with different values", name)
			}
			d.enums[name] = value
		}
	}

	for _, m := range defs.Messages {
		def, err := d.compile(m)
		if err != nil {
			return nil, err
		}
		if _, exists := d.byName[def.Name]; exists {
			return nil, errors.Wrapf(ErrSchema, "message %q defined twice", def.Name)
		}
		if existing, exists := d.byID[def.ID]; exists {
			return nil, errors.Wrapf(ErrSchema, "messages %q and %q share id %d", existing.Name, def.Name, def.ID)
		}
		d.byName[def.Name] = def
		d.byID[def.ID] = def
	}

	return d, nil
}

func (d *Dictionary) compile(m MessageDefinition) (*MessageDefinition, error) {
	if m.Name == "" {
		return nil, errors.Wrapf(ErrSchema, "message %d has no name", m.ID)
	}
	if m.ID > wire.MaxMessageID {
		return nil, errors.Wrapf(ErrSchema, "message %q: id %d out of range", m.Name, m.ID)
	}

	def := &MessageDefinition{
		ID:     m.ID,
		Name:   m.Name,
		Fields: make([]FieldDefinition, 0, len(m.Fields)),
		fields: make(map[string]int, len(m.Fields)),
	}

	for _, f := range m.Fields {
		if f.Name == "" {
			return nil, errors.Wrapf(ErrSchema, "message %q: field without name", m.Name)
		}
		if f.Kind.Width() == 0 {
			return nil, errors.Wrapf(ErrSchema, "message %q: field %q has unknown kind", m.Name, f.Name)
		}
		if f.ArrayLength < 0 {
			return nil, errors.Wrapf(ErrSchema, "message %q: field %q has negative length", m.Name, f.Name)
		}
		if _, exists := def.fields[f.Name]; exists {
			return nil, errors.Wrapf(ErrSchema, "message %q: field %q defined twice", m.Name, f.Name)
		}
		if f.Enum != "" {
			if _, exists := d.enumTypes[f.Enum]; !exists {
				return nil, errors.Wrapf(ErrSchema, "message %q: field %q references undefined enum %q",
					m.Name, f.Name, f.Enum)
			}
		}
		def.fields[f.Name] = len(def.Fields)
		def.Fields = append(def.Fields, f)
	}

	// Base fields go first, largest elements first. Extensions keep declaration order.
	sort.SliceStable(def.Fields, func(i, j int) bool {
		fi, fj := def.Fields[i], def.Fields[j]
		if fi.Extension != fj.Extension {
			return !fi.Extension
		}
		if fi.Extension {
			return false
		}
		return fi.Kind.Width() > fj.Kind.Width()
	})

	crc := wire.NewCRC()
	crc.WriteString(def.Name + " ")
	offset := 0
	for i := range def.Fields {
		f := &def.Fields[i]
		f.Offset = offset
		offset += f.Size()
		def.fields[f.Name] = i

		if f.Extension {
			continue
		}
		crc.WriteString(f.Kind.String() + " ")
		crc.WriteString(f.Name + " ")
		if f.ArrayLength > 0 {
			_ = crc.WriteByte(byte(f.ArrayLength))
		}
	}
	if offset > wire.MaxPayloadSize {
		return nil, errors.Wrapf(ErrSchema, "message %q: payload of %d bytes exceeds %d",
			m.Name, offset, wire.MaxPayloadSize)
	}

	def.PayloadSize = offset
	def.CRCExtra = byte(crc.Sum()&0xff) ^ byte(crc.Sum()>>8)

	return def, nil
}

// ByName returns definition of the message.
func (d *Dictionary) ByName(name string) (*MessageDefinition, error) {
	def, ok := d.byName[name]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "message %q", name)
	}
	return def, nil
}

// ByID returns definition of the message.
func (d *Dictionary) ByID(id uint32) (*MessageDefinition, error) {
	def, ok := d.byID[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "message id %d", id)
	}
	return def, nil
}

// IDForName returns id of the message.
func (d *Dictionary) IDForName(name string) (uint32, error) {
	def, err := d.ByName(name)
	if err != nil {
		return 0, err
	}
	return def.ID, nil
}

// Enum returns value of enum constant.
func (d *Dictionary) Enum(name string) (uint64, error) {
	v, ok := d.enums[name]
	if !ok {
		return 0, errors.Wrapf(ErrNotFound, "enum constant %q", name)
	}
	return v, nil
}

// CRCExtra returns CRC extra byte of message. It matches wire.CRCExtraFunc.
func (d *Dictionary) CRCExtra(id uint32) (byte, bool) {
	def, ok := d.byID[id]
	if !ok {
		return 0, false
	}
	return def.CRCExtra, true
}

// Messages returns number of messages in the dictionary.
func (d *Dictionary) Messages() int {
	return len(d.byName)
}
