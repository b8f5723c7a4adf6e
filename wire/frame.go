package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Frame layout constants of MAVLink v2.
const (
	Magic           byte = 0xfd
	HeaderSize           = 10
	ChecksumSize         = 2
	SignatureSize        = 13
	MaxPayloadSize       = 255
	MaxFrameSize         = HeaderSize + MaxPayloadSize + ChecksumSize + SignatureSize
	MaxMessageID         = 1<<24 - 1
	IncompatSigned  byte = 0x01
	minPayloadBytes      = 1
)

var (
	// ErrChecksum is returned when frame checksum does not match its content.
	ErrChecksum = errors.New("frame checksum mismatch")

	// ErrTruncated is returned when buffer ends before the frame does.
	ErrTruncated = errors.New("frame truncated")

	// ErrUnknownMessage is returned when frame carries message id missing in the dictionary.
	ErrUnknownMessage = errors.New("unknown message")

	// ErrNoMagic is returned when buffer does not start with the frame marker.
	ErrNoMagic = errors.New("start-of-frame marker missing")
)

// Header is the fixed part of the frame preceding the payload.
type Header struct {
	IncompatFlags byte
	CompatFlags   byte
	Sequence      byte
	SystemID      byte
	ComponentID   byte
	MessageID     uint32
}

// Frame is one complete message on the wire.
type Frame struct {
	Header
	Payload   []byte
	Checksum  uint16
	Signature []byte
}

// Signed tells if frame carries signature trailer.
func (f Frame) Signed() bool {
	return f.IncompatFlags&IncompatSigned != 0
}

// Size returns the number of bytes frame occupies on the wire.
func (f Frame) Size() int {
	size := HeaderSize + len(f.Payload) + ChecksumSize
	if f.Signed() {
		size += SignatureSize
	}
	return size
}

// CRCExtraFunc returns the CRC extra byte of message, false if message is unknown.
type CRCExtraFunc func(messageID uint32) (byte, bool)

// Encode serializes frame. Trailing zero bytes of the payload are truncated as the protocol requires.
// Signature is never produced, signed flag is cleared.
func Encode(f Frame, crcExtra byte) []byte {
	payload := TrimPayload(f.Payload)

	buf := make([]byte, HeaderSize+len(payload)+ChecksumSize)
	buf[0] = Magic
	buf[1] = byte(len(payload))
	buf[2] = f.IncompatFlags &^ IncompatSigned
	buf[3] = f.CompatFlags
	buf[4] = f.Sequence
	buf[5] = f.SystemID
	buf[6] = f.ComponentID
	putMessageID(buf[7:10], f.MessageID)
	copy(buf[HeaderSize:], payload)

	crc := checksum(buf[1:HeaderSize+len(payload)], crcExtra)
	binary.LittleEndian.PutUint16(buf[HeaderSize+len(payload):], crc)

	return buf
}

// Decode decodes one frame from the beginning of buffer and returns it together with the number of bytes consumed.
func Decode(buf []byte, crcExtra CRCExtraFunc) (Frame, int, error) {
	if len(buf) == 0 {
		return Frame{}, 0, errors.WithStack(ErrTruncated)
	}
	if buf[0] != Magic {
		return Frame{}, 0, errors.WithStack(ErrNoMagic)
	}
	if len(buf) < HeaderSize {
		return Frame{}, 0, errors.WithStack(ErrTruncated)
	}

	payloadSize := int(buf[1])
	size := HeaderSize + payloadSize + ChecksumSize
	if buf[2]&IncompatSigned != 0 {
		size += SignatureSize
	}
	if len(buf) < size {
		return Frame{}, 0, errors.WithStack(ErrTruncated)
	}

	f := Frame{
		Header: Header{
			IncompatFlags: buf[2],
			CompatFlags:   buf[3],
			Sequence:      buf[4],
			SystemID:      buf[5],
			ComponentID:   buf[6],
			MessageID:     messageID(buf[7:10]),
		},
		Checksum: binary.LittleEndian.Uint16(buf[HeaderSize+payloadSize:]),
	}

	extra, ok := crcExtra(f.MessageID)
	if !ok {
		return f, size, errors.Wrapf(ErrUnknownMessage, "message id %d", f.MessageID)
	}
	if checksum(buf[1:HeaderSize+payloadSize], extra) != f.Checksum {
		return f, size, errors.Wrapf(ErrChecksum, "message id %d", f.MessageID)
	}

	f.Payload = append([]byte(nil), buf[HeaderSize:HeaderSize+payloadSize]...)
	if f.Signed() {
		f.Signature = append([]byte(nil), buf[size-SignatureSize:size]...)
	}
	return f, size, nil
}

// TrimPayload removes trailing zero bytes, keeping at least one byte.
func TrimPayload(payload []byte) []byte {
	n := len(payload)
	for n > minPayloadBytes && payload[n-1] == 0 {
		n--
	}
	if n == 0 {
		return []byte{0}
	}
	return payload[:n]
}

func checksum(data []byte, crcExtra byte) uint16 {
	crc := NewCRC()
	crc.Write(data)
	_ = crc.WriteByte(crcExtra)
	return crc.Sum()
}

func putMessageID(buf []byte, id uint32) {
	buf[0] = byte(id)
	buf[1] = byte(id >> 8)
	buf[2] = byte(id >> 16)
}

func messageID(buf []byte) uint32 {
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16
}
