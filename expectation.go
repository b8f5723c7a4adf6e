package mav

import "reflect"

// Matcher tells if message satisfies expectation. It runs on the I/O goroutine and must not block.
type Matcher func(m *Message) bool

// Field matches messages whose field equals value. Numbers are compared by value regardless of their Go
// type, strings are compared with char fields and slices with array fields.
func Field(name string, value any) Matcher {
	expected, isNumber := anyNumber(value)
	return func(m *Message) bool {
		if isNumber {
			f, err := m.scalar(name)
			if err != nil {
				return false
			}
			return readElement(m.payload[f.Offset:], f.Kind).equal(expected)
		}

		v, err := m.Value(name)
		if err != nil {
			return false
		}
		return reflect.DeepEqual(v, value)
	}
}

type expectationState uint8

const (
	expectationPending expectationState = iota
	expectationSatisfied
	expectationInvalid
)

// Expectation is the interest in a future message registered on connection before the request
// triggering it is sent. It is satisfied by exactly one message and used by exactly one receive.
type Expectation struct {
	conn     *Connection
	msgID    uint32
	matchers []Matcher

	// consume is set for expectations created by plain receive. Message handed to such expectation
	// is not enqueued, the receiver is the queue consumer itself.
	consume bool

	ch chan *Message

	// Guarded by conn.mu.
	state   expectationState
	waiting bool
}

func newExpectation(conn *Connection, msgID uint32, matchers []Matcher) *Expectation {
	return &Expectation{
		conn:     conn,
		msgID:    msgID,
		matchers: matchers,
		ch:       make(chan *Message, 1),
	}
}

// MessageID returns the id of expected message.
func (e *Expectation) MessageID() uint32 {
	return e.msgID
}

func (e *Expectation) matches(m *Message) bool {
	if m.ID() != e.msgID {
		return false
	}
	for _, match := range e.matchers {
		if !match(m) {
			return false
		}
	}
	return true
}
