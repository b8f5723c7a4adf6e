package wire

const crcInit uint16 = 0xffff

// CRC accumulates the X.25 (CRC-16/MCRF4XX) checksum used by MAVLink frames.
type CRC uint16

// NewCRC returns checksum in its initial state.
func NewCRC() CRC {
	return CRC(crcInit)
}

// Write accumulates bytes.
func (c *CRC) Write(data []byte) {
	crc := uint16(*c)
	for _, b := range data {
		tmp := b ^ byte(crc)
		tmp ^= tmp << 4
		crc = (crc >> 8) ^ (uint16(tmp) << 8) ^ (uint16(tmp) << 3) ^ (uint16(tmp) >> 4)
	}
	*c = CRC(crc)
}

// WriteByte accumulates single byte.
func (c *CRC) WriteByte(b byte) error {
	c.Write([]byte{b})
	return nil
}

// WriteString accumulates bytes of the string.
func (c *CRC) WriteString(s string) {
	c.Write([]byte(s))
}

// Sum returns the current checksum value.
func (c CRC) Sum() uint16 {
	return uint16(c)
}
