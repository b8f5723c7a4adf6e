// Package transport delivers raw byte chunks between the runtime and the physical interface.
package transport

import (
	"context"

	"github.com/pkg/errors"
)

// ErrClosed is returned by operations on closed transport.
var ErrClosed = errors.New("transport closed")

// PeerID identifies the remote end by its network origin: address and port, or device path.
type PeerID string

// Topology tells how many peers transport may talk to.
type Topology int

const (
	// Client transports talk to exactly one peer fixed when transport is opened.
	Client Topology = iota

	// Server transports accept bytes from any peer.
	Server
)

// String returns the name of the topology.
func (t Topology) String() string {
	if t == Server {
		return "server"
	}
	return "client"
}

// Transport moves byte chunks. Receive is called only from the goroutine owning the transport,
// Send may be called from many goroutines but the runtime serializes the calls.
type Transport interface {
	// Topology returns the topology of the transport.
	Topology() Topology

	// Peer returns the peer of client transport, empty for server ones.
	Peer() PeerID

	// Receive blocks until the next chunk arrives.
	Receive(ctx context.Context) (PeerID, []byte, error)

	// Send sends chunk to the peer.
	Send(peer PeerID, data []byte) error

	// Close releases resources and unblocks pending Receive.
	Close() error
}
