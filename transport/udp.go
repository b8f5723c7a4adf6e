package transport

import (
	"context"
	"net"
	"sync"
	"syscall"

	"github.com/pkg/errors"
)

const maxDatagramSize = 65535

// UDPServer receives datagrams from any peer and replies to their source addresses.
type UDPServer struct {
	conn *net.UDPConn

	mu    sync.RWMutex
	peers map[PeerID]*net.UDPAddr
}

// ListenUDP opens UDP server transport bound to the address, e.g. ":14550".
func ListenUDP(addr string) (*UDPServer, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &UDPServer{
		conn:  conn,
		peers: map[PeerID]*net.UDPAddr{},
	}, nil
}

// Addr returns local address of the server.
func (s *UDPServer) Addr() net.Addr {
	return s.conn.LocalAddr()
}

// Topology returns Server.
func (s *UDPServer) Topology() Topology {
	return Server
}

// Peer returns empty peer ID, server has many of them.
func (s *UDPServer) Peer() PeerID {
	return ""
}

// Receive receives next datagram.
func (s *UDPServer) Receive(ctx context.Context) (PeerID, []byte, error) {
	buf := make([]byte, maxDatagramSize)
	n, addr, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		if ctx.Err() != nil {
			return "", nil, errors.WithStack(ctx.Err())
		}
		if errors.Is(err, net.ErrClosed) {
			return "", nil, errors.WithStack(ErrClosed)
		}
		return "", nil, errors.WithStack(err)
	}

	peer := PeerID(addr.String())

	s.mu.RLock()
	_, known := s.peers[peer]
	s.mu.RUnlock()
	if !known {
		s.mu.Lock()
		s.peers[peer] = addr
		s.mu.Unlock()
	}

	return peer, buf[:n], nil
}

// Send sends datagram to the peer seen before.
func (s *UDPServer) Send(peer PeerID, data []byte) error {
	s.mu.RLock()
	addr, ok := s.peers[peer]
	s.mu.RUnlock()
	if !ok {
		return errors.Errorf("unknown peer %q", peer)
	}

	_, err := s.conn.WriteToUDP(data, addr)
	return errors.WithStack(err)
}

// Close closes the socket.
func (s *UDPServer) Close() error {
	return errors.WithStack(s.conn.Close())
}

// UDPClient exchanges datagrams with single remote address.
type UDPClient struct {
	conn *net.UDPConn
	peer PeerID
}

// DialUDP opens UDP client transport sending to the address.
func DialUDP(addr string) (*UDPClient, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &UDPClient{
		conn: conn,
		peer: PeerID(conn.RemoteAddr().String()),
	}, nil
}

// Topology returns Client.
func (c *UDPClient) Topology() Topology {
	return Client
}

// Peer returns the remote address.
func (c *UDPClient) Peer() PeerID {
	return c.peer
}

// Receive receives next datagram.
func (c *UDPClient) Receive(ctx context.Context) (PeerID, []byte, error) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, err := c.conn.Read(buf)
		switch {
		case err == nil:
			return c.peer, buf[:n], nil
		case ctx.Err() != nil:
			return "", nil, errors.WithStack(ctx.Err())
		case errors.Is(err, net.ErrClosed):
			return "", nil, errors.WithStack(ErrClosed)
		case errors.Is(err, syscall.ECONNREFUSED):
			// Remote end is not listening yet, heartbeat keeps trying.
			continue
		default:
			return "", nil, errors.WithStack(err)
		}
	}
}

// Send sends datagram to the remote address.
func (c *UDPClient) Send(_ PeerID, data []byte) error {
	_, err := c.conn.Write(data)
	return errors.WithStack(err)
}

// Close closes the socket.
func (c *UDPClient) Close() error {
	return errors.WithStack(c.conn.Close())
}
