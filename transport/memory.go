package transport

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Packet is a chunk of bytes exchanged with the peer.
type Packet struct {
	Peer PeerID
	Data []byte
}

// Memory is the in-process transport. Inbound chunks are injected with Deliver,
// outbound ones are read from Outbound.
type Memory struct {
	topology Topology
	peer     PeerID

	inCh   chan Packet
	outCh  chan Packet
	doneCh chan struct{}

	closeOnce sync.Once
}

// NewMemory creates in-memory transport. For client topology every packet is attributed to the peer.
func NewMemory(topology Topology, peer PeerID) *Memory {
	if topology == Server {
		peer = ""
	}
	return &Memory{
		topology: topology,
		peer:     peer,
		inCh:     make(chan Packet, 64),
		outCh:    make(chan Packet, 64),
		doneCh:   make(chan struct{}),
	}
}

// Topology returns the topology of the transport.
func (m *Memory) Topology() Topology {
	return m.topology
}

// Peer returns the peer of client transport.
func (m *Memory) Peer() PeerID {
	return m.peer
}

// Deliver injects inbound chunk. It blocks when the receiving side does not keep up.
func (m *Memory) Deliver(ctx context.Context, peer PeerID, data []byte) error {
	if m.topology == Client {
		peer = m.peer
	}
	select {
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	case <-m.doneCh:
		return errors.WithStack(ErrClosed)
	case m.inCh <- Packet{Peer: peer, Data: append([]byte(nil), data...)}:
		return nil
	}
}

// Outbound returns channel of sent packets.
func (m *Memory) Outbound() <-chan Packet {
	return m.outCh
}

// Receive returns next injected chunk.
func (m *Memory) Receive(ctx context.Context) (PeerID, []byte, error) {
	select {
	case <-ctx.Done():
		return "", nil, errors.WithStack(ctx.Err())
	case <-m.doneCh:
		return "", nil, errors.WithStack(ErrClosed)
	case p := <-m.inCh:
		return p.Peer, p.Data, nil
	}
}

// Send publishes packet on the outbound channel. Packets are dropped if nobody reads them.
func (m *Memory) Send(peer PeerID, data []byte) error {
	select {
	case <-m.doneCh:
		return errors.WithStack(ErrClosed)
	default:
	}

	select {
	case m.outCh <- Packet{Peer: peer, Data: append([]byte(nil), data...)}:
	default:
	}
	return nil
}

// Close closes the transport.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		close(m.doneCh)
	})
	return nil
}
