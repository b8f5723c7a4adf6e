package mav

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ef-ds/deque"
	"github.com/pkg/errors"

	"github.com/outofforest/mav/schema"
	"github.com/outofforest/mav/transport"
)

// WaitForever makes receive operations wait until context is canceled.
const WaitForever time.Duration = -1

type queued struct {
	Message    *Message
	ReceivedAt time.Time
}

type subscription struct {
	ID uint64
	Fn func(m *Message)
}

type queueConfig struct {
	Capacity int
	TTL      time.Duration
}

// Connection is the peer identified by its network origin. It is safe for concurrent use.
type Connection struct {
	peer    transport.PeerID
	dict    *schema.Dictionary
	link    *link
	queue   queueConfig
	onClose func(c *Connection)
	seq     atomic.Uint32
	doneCh  chan struct{}

	mu           sync.Mutex
	closed       bool
	expectations []*Expectation
	inbound      deque.Deque
	subs         []subscription
	nextSubID    uint64
	lastSeen     time.Time
}

func newConnection(
	peer transport.PeerID,
	dict *schema.Dictionary,
	l *link,
	queue queueConfig,
	onClose func(c *Connection),
) *Connection {
	return &Connection{
		peer:    peer,
		dict:    dict,
		link:    l,
		queue:   queue,
		onClose: onClose,
		doneCh:  make(chan struct{}),
	}
}

// Peer returns the network identity of the peer.
func (c *Connection) Peer() transport.PeerID {
	return c.peer
}

// LastSeen returns the time the last valid frame was received, zero if none was.
func (c *Connection) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lastSeen
}

// Done returns channel closed when connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.doneCh
}

// Send sends the message to the peer. Zero sender identity is replaced by the runtime default,
// the message itself is not modified.
func (c *Connection) Send(m *Message) error {
	select {
	case <-c.doneCh:
		return errors.WithStack(ErrConnectionClosed)
	default:
	}

	return c.link.send(c.peer, m, uint8(c.seq.Add(1)-1))
}

// Expect registers interest in the message of the type. Register it before sending the request
// triggering the reply, then wait with ReceiveExpectation.
func (c *Connection) Expect(name string, matchers ...Matcher) (*Expectation, error) {
	id, err := c.dict.IDForName(name)
	if err != nil {
		return nil, err
	}
	return c.ExpectID(id, matchers...)
}

// ExpectID registers interest in the message of the type identified by id.
func (c *Connection) ExpectID(id uint32, matchers ...Matcher) (*Expectation, error) {
	if _, err := c.dict.ByID(id); err != nil {
		return nil, err
	}

	e := newExpectation(c, id, matchers)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errors.WithStack(ErrConnectionClosed)
	}
	c.expectations = append(c.expectations, e)
	return e, nil
}

// Receive returns the oldest queued message of the type or waits for the next one.
// Zero timeout does not wait, WaitForever waits until ctx is done.
func (c *Connection) Receive(ctx context.Context, name string, timeout time.Duration) (*Message, error) {
	def, err := c.dict.ByName(name)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.WithStack(ErrConnectionClosed)
	}
	if m := c.popLocked(def.ID, time.Now()); m != nil {
		c.mu.Unlock()
		return m, nil
	}
	e := newExpectation(c, def.ID, nil)
	e.consume = true
	e.waiting = true
	c.expectations = append(c.expectations, e)
	c.mu.Unlock()

	return c.wait(ctx, e, timeout)
}

// ReceiveExpectation waits until expectation is satisfied. Expectation can't be used again, whatever
// the outcome is.
func (c *Connection) ReceiveExpectation(ctx context.Context, e *Expectation, timeout time.Duration) (*Message, error) {
	c.mu.Lock()
	if e.conn != c || e.waiting || e.state == expectationInvalid {
		c.mu.Unlock()
		return nil, errors.WithStack(ErrExpectationInvalid)
	}
	if c.closed {
		c.mu.Unlock()
		return nil, errors.WithStack(ErrConnectionClosed)
	}
	e.waiting = true
	c.mu.Unlock()

	return c.wait(ctx, e, timeout)
}

// Subscribe registers callback invoked for every message received on the connection. Callback runs on
// the I/O goroutine, so it must not block. It receives its own copy of the message.
func (c *Connection) Subscribe(fn func(m *Message)) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, errors.WithStack(ErrConnectionClosed)
	}

	c.nextSubID++
	id := c.nextSubID
	c.subs = append(c.subs, subscription{ID: id, Fn: fn})

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		c.subs = slices.DeleteFunc(c.subs, func(s subscription) bool {
			return s.ID == id
		})
	}, nil
}

// Close closes the connection. Pending receives fail with ErrConnectionClosed.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, e := range c.expectations {
		e.state = expectationInvalid
	}
	c.expectations = nil
	c.inbound = deque.Deque{}
	c.subs = nil
	close(c.doneCh)
	c.mu.Unlock()

	if c.onClose != nil {
		c.onClose(c)
	}
}

func (c *Connection) wait(ctx context.Context, e *Expectation, timeout time.Duration) (*Message, error) {
	timeoutCh, stop := timeoutChannel(timeout)
	defer stop()

	select {
	case m := <-e.ch:
		c.invalidate(e)
		return m, nil
	default:
	}

	select {
	case m := <-e.ch:
		c.invalidate(e)
		return m, nil
	case <-timeoutCh:
		return c.abandon(e, errors.WithStack(ErrTimeout))
	case <-ctx.Done():
		return c.abandon(e, errors.WithStack(ctx.Err()))
	case <-c.doneCh:
		return c.abandon(e, errors.WithStack(ErrConnectionClosed))
	}
}

func (c *Connection) invalidate(e *Expectation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e.state = expectationInvalid
}

// abandon removes expectation unless it has been satisfied meanwhile. In that case message is returned
// instead of the error, so it is not lost.
func (c *Connection) abandon(e *Expectation, cause error) (*Message, error) {
	c.mu.Lock()
	if e.state == expectationSatisfied {
		e.state = expectationInvalid
		c.mu.Unlock()
		return <-e.ch, nil
	}
	e.state = expectationInvalid
	c.expectations = slices.DeleteFunc(c.expectations, func(e2 *Expectation) bool {
		return e2 == e
	})
	c.mu.Unlock()

	return nil, cause
}

// dispatch delivers message decoded by the I/O goroutine: first to the oldest matching expectation,
// then to the oldest waiting receive or the queue, then to subscribers. Each of them gets its own copy.
func (c *Connection) dispatch(m *Message, receivedAt time.Time) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.lastSeen = receivedAt

	// The first matching expectation wins. If it is an explicit one, the message still belongs to the queue,
	// so it goes to the oldest plain receive waiting for it instead.
	consumed := false
	explicitSatisfied := false
	for i := 0; i < len(c.expectations); i++ {
		e := c.expectations[i]
		if (explicitSatisfied && !e.consume) || !e.matches(m) {
			continue
		}
		c.expectations = slices.Delete(c.expectations, i, i+1)
		e.state = expectationSatisfied
		e.ch <- m.Clone()
		if e.consume {
			consumed = true
			break
		}
		explicitSatisfied = true
		i--
	}
	if !consumed {
		c.pushLocked(m.Clone(), receivedAt)
	}

	var subs []subscription
	if len(c.subs) > 0 {
		subs = slices.Clone(c.subs)
	}
	c.mu.Unlock()

	for _, s := range subs {
		s.Fn(m.Clone())
	}
}

func (c *Connection) pushLocked(m *Message, receivedAt time.Time) {
	c.pruneLocked(receivedAt)
	for c.queue.Capacity > 0 && c.inbound.Len() >= c.queue.Capacity {
		c.inbound.PopFront()
	}
	c.inbound.PushBack(queued{Message: m, ReceivedAt: receivedAt})
}

// popLocked removes and returns the oldest queued message of the type, nil if there is none.
func (c *Connection) popLocked(id uint32, now time.Time) *Message {
	c.pruneLocked(now)

	var found *Message
	for n := c.inbound.Len(); n > 0; n-- {
		v, _ := c.inbound.PopFront()
		q := v.(queued)
		if found == nil && q.Message.ID() == id {
			found = q.Message
			continue
		}
		c.inbound.PushBack(q)
	}
	return found
}

func (c *Connection) pruneLocked(now time.Time) {
	if c.queue.TTL <= 0 {
		return
	}
	for {
		v, ok := c.inbound.Front()
		if !ok || now.Sub(v.(queued).ReceivedAt) < c.queue.TTL {
			return
		}
		c.inbound.PopFront()
	}
}
