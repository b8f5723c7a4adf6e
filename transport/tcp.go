package transport

import (
	"context"
	"io"
	"net"

	"github.com/pkg/errors"
)

const tcpReadSize = 4096

// TCPClient exchanges byte stream with single TCP server.
type TCPClient struct {
	conn net.Conn
	peer PeerID
}

// DialTCP connects to the TCP server.
func DialTCP(ctx context.Context, addr string) (*TCPClient, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &TCPClient{
		conn: conn,
		peer: PeerID(conn.RemoteAddr().String()),
	}, nil
}

// Topology returns Client.
func (c *TCPClient) Topology() Topology {
	return Client
}

// Peer returns the remote address.
func (c *TCPClient) Peer() PeerID {
	return c.peer
}

// Receive returns bytes available in the stream, chunk boundaries are arbitrary.
func (c *TCPClient) Receive(ctx context.Context) (PeerID, []byte, error) {
	buf := make([]byte, tcpReadSize)
	n, err := c.conn.Read(buf)
	if err != nil {
		if ctx.Err() != nil {
			return "", nil, errors.WithStack(ctx.Err())
		}
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			return "", nil, errors.WithStack(ErrClosed)
		}
		return "", nil, errors.WithStack(err)
	}
	return c.peer, buf[:n], nil
}

// Send writes bytes to the stream.
func (c *TCPClient) Send(_ PeerID, data []byte) error {
	_, err := c.conn.Write(data)
	return errors.WithStack(err)
}

// Close closes the connection.
func (c *TCPClient) Close() error {
	return errors.WithStack(c.conn.Close())
}
