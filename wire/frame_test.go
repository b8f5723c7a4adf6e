package wire_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/mav/wire"
)

const (
	heartbeatID       = 0
	heartbeatCRCExtra = 50
)

var heartbeatFrame = []byte{
	0xfd, 0x09, 0x00, 0x00, 0x07, 0x01, 0x01, 0x00, 0x00, 0x00,
	0x04, 0x03, 0x02, 0x01, 0x02, 0x0c, 0x81, 0x04, 0x03,
	0x01, 0xcc,
}

func crcExtra(id uint32) (byte, bool) {
	if id == heartbeatID {
		return heartbeatCRCExtra, true
	}
	return 0, false
}

func heartbeat() wire.Frame {
	return wire.Frame{
		Header: wire.Header{
			Sequence:    7,
			SystemID:    1,
			ComponentID: 1,
			MessageID:   heartbeatID,
		},
		Payload: []byte{0x04, 0x03, 0x02, 0x01, 0x02, 0x0c, 0x81, 0x04, 0x03},
	}
}

func TestCRCCheckValue(t *testing.T) {
	crc := wire.NewCRC()
	crc.WriteString("123456789")
	require.Equal(t, uint16(0x6f91), crc.Sum())
}

func TestEncode(t *testing.T) {
	require.Equal(t, heartbeatFrame, wire.Encode(heartbeat(), heartbeatCRCExtra))
}

func TestEncodeTruncatesTrailingZeros(t *testing.T) {
	requireT := require.New(t)

	f := heartbeat()
	f.Sequence = 0
	f.Payload = make([]byte, 9)

	requireT.Equal([]byte{
		0xfd, 0x01, 0x00, 0x00, 0x00, 0x01, 0x01, 0x00, 0x00, 0x00,
		0x00,
		0xd5, 0x2c,
	}, wire.Encode(f, heartbeatCRCExtra))

	f.Payload = []byte{0x01, 0x00, 0x02, 0x00, 0x00}
	encoded := wire.Encode(f, heartbeatCRCExtra)
	requireT.EqualValues(3, encoded[1])
	requireT.Equal([]byte{0x01, 0x00, 0x02}, encoded[wire.HeaderSize:wire.HeaderSize+3])
}

func TestDecode(t *testing.T) {
	requireT := require.New(t)

	buf := append(append([]byte{}, heartbeatFrame...), 0xaa, 0xbb)
	f, n, err := wire.Decode(buf, crcExtra)
	requireT.NoError(err)
	requireT.Equal(len(heartbeatFrame), n)

	expected := heartbeat()
	expected.Checksum = 0xcc01
	requireT.Equal(expected, f)
	requireT.False(f.Signed())
	requireT.Equal(len(heartbeatFrame), f.Size())
}

func TestDecodeErrors(t *testing.T) {
	requireT := require.New(t)

	_, _, err := wire.Decode(heartbeatFrame[:len(heartbeatFrame)-1], crcExtra)
	requireT.ErrorIs(err, wire.ErrTruncated)

	_, _, err = wire.Decode(heartbeatFrame[1:], crcExtra)
	requireT.ErrorIs(err, wire.ErrNoMagic)

	corrupted := append([]byte{}, heartbeatFrame...)
	corrupted[12] ^= 0xff
	_, n, err := wire.Decode(corrupted, crcExtra)
	requireT.ErrorIs(err, wire.ErrChecksum)
	requireT.Equal(len(heartbeatFrame), n)

	unknown := append([]byte{}, heartbeatFrame...)
	unknown[7] = 0x05
	f, _, err := wire.Decode(unknown, crcExtra)
	requireT.ErrorIs(err, wire.ErrUnknownMessage)
	requireT.EqualValues(5, f.MessageID)
}

func TestDecodeSigned(t *testing.T) {
	requireT := require.New(t)

	signed := append([]byte{}, heartbeatFrame...)
	signed[2] = wire.IncompatSigned
	// Checksum covers incompat flags, so it has to be recomputed.
	crc := wire.NewCRC()
	crc.Write(signed[1 : len(signed)-2])
	_ = crc.WriteByte(heartbeatCRCExtra)
	signed[len(signed)-2] = byte(crc.Sum())
	signed[len(signed)-1] = byte(crc.Sum() >> 8)

	signature := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13}
	signed = append(signed, signature...)

	f, n, err := wire.Decode(signed, crcExtra)
	requireT.NoError(err)
	requireT.Equal(len(signed), n)
	requireT.True(f.Signed())
	requireT.Equal(signature, f.Signature)

	_, _, err = wire.Decode(signed[:len(signed)-1], crcExtra)
	requireT.ErrorIs(err, wire.ErrTruncated)
}
