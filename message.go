package mav

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/outofforest/mav/schema"
	"github.com/outofforest/mav/wire"
)

// Message is the instance of the message definition holding its payload in wire format.
// Message is not safe for concurrent use, hand out clones instead.
type Message struct {
	def     *schema.MessageDefinition
	payload []byte

	// SystemID and ComponentID identify the sender. Zero values are replaced by runtime defaults on send.
	SystemID    uint8
	ComponentID uint8

	// Sequence is the frame sequence number. It is assigned by connection on send.
	Sequence uint8
}

// NewMessage creates zeroed message of the type.
func NewMessage(dict *schema.Dictionary, name string) (*Message, error) {
	def, err := dict.ByName(name)
	if err != nil {
		return nil, err
	}
	return NewMessageFromDefinition(def), nil
}

// NewMessageFromDefinition creates zeroed message of the type.
func NewMessageFromDefinition(def *schema.MessageDefinition) *Message {
	return &Message{
		def:     def,
		payload: make([]byte, def.PayloadSize),
	}
}

// Definition returns definition of the message.
func (m *Message) Definition() *schema.MessageDefinition {
	return m.def
}

// Name returns the name of the message type.
func (m *Message) Name() string {
	return m.def.Name
}

// ID returns the id of the message type.
func (m *Message) ID() uint32 {
	return m.def.ID
}

// Payload returns copy of the untruncated payload.
func (m *Message) Payload() []byte {
	return append([]byte(nil), m.payload...)
}

// Clone returns deep copy of the message.
func (m *Message) Clone() *Message {
	m2 := *m
	m2.payload = append([]byte(nil), m.payload...)
	return &m2
}

// SetFields sets many fields at once, values are accepted as in SetValue.
func (m *Message) SetFields(values map[string]any) error {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := m.SetValue(name, values[name]); err != nil {
			return err
		}
	}
	return nil
}

// Encode returns frame carrying the message.
func (m *Message) Encode() []byte {
	return m.encode(m.SystemID, m.ComponentID, m.Sequence)
}

func (m *Message) encode(systemID, componentID, sequence uint8) []byte {
	return wire.Encode(wire.Frame{
		Header: wire.Header{
			Sequence:    sequence,
			SystemID:    systemID,
			ComponentID: componentID,
			MessageID:   m.def.ID,
		},
		Payload: m.payload,
	}, m.def.CRCExtra)
}

// Decode decodes single frame.
func Decode(dict *schema.Dictionary, data []byte) (*Message, error) {
	frame, _, err := wire.Decode(data, dict.CRCExtra)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	return messageFromFrame(dict, frame)
}

func messageFromFrame(dict *schema.Dictionary, frame wire.Frame) (*Message, error) {
	def, err := dict.ByID(frame.MessageID)
	if err != nil {
		return nil, &DecodeError{Err: errors.Wrapf(wire.ErrUnknownMessage, "message id %d", frame.MessageID)}
	}

	m := NewMessageFromDefinition(def)
	// Payload shorter than definition had its trailing zeros truncated,
	// longer one comes from newer definition with more extension fields.
	copy(m.payload, frame.Payload)
	m.SystemID = frame.SystemID
	m.ComponentID = frame.ComponentID
	m.Sequence = frame.Sequence
	return m, nil
}
