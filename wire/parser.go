package wire

import (
	"bytes"

	"github.com/pkg/errors"
)

// Event is produced by parser for every frame candidate found in the stream.
// Err is nil for valid frames, otherwise it wraps ErrChecksum or ErrUnknownMessage.
type Event struct {
	Frame Frame
	Err   error
}

// Parser reassembles frames from a byte stream delivered in chunks of any size, a single byte included.
// Parser is not safe for concurrent use, each stream source must have its own one.
type Parser struct {
	crcExtra CRCExtraFunc
	buf      []byte
}

// NewParser creates parser.
func NewParser(crcExtra CRCExtraFunc) *Parser {
	return &Parser{
		crcExtra: crcExtra,
		buf:      make([]byte, 0, 2*MaxFrameSize),
	}
}

// Buffered returns the number of bytes waiting for the rest of the frame.
func (p *Parser) Buffered() int {
	return len(p.buf)
}

// Reset drops buffered bytes.
func (p *Parser) Reset() {
	p.buf = p.buf[:0]
}

// Feed appends chunk to the stream and calls fn for every frame candidate completed by it.
//
// Bytes preceding the start-of-frame marker are skipped. When checksum does not match or the message is
// unknown, only the marker is dropped and the rest of the candidate is scanned again, so a stray marker
// or a corrupted frame never hides a valid one following it.
func (p *Parser) Feed(chunk []byte, fn func(Event)) {
	p.buf = append(p.buf, chunk...)

	for {
		start := bytes.IndexByte(p.buf, Magic)
		if start < 0 {
			p.buf = p.buf[:0]
			return
		}
		if start > 0 {
			p.buf = p.buf[:copy(p.buf, p.buf[start:])]
		}

		frame, size, err := Decode(p.buf, p.crcExtra)
		switch {
		case err == nil:
			p.consume(size)
			fn(Event{Frame: frame})
		case errors.Is(err, ErrTruncated):
			return
		default:
			p.consume(1)
			fn(Event{Frame: frame, Err: err})
		}
	}
}

func (p *Parser) consume(n int) {
	p.buf = p.buf[:copy(p.buf, p.buf[n:])]
}
