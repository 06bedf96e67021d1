// Package netframe adapts an already-established bidirectional byte socket
// into the length-delimited Packet stream the rest of this codebase expects,
// using the same length-prefixed framing github.com/libp2p/go-msgio provides
// for libp2p streams. It owns no transport, discovery or mesh-formation
// logic — only the prefix-then-payload framing boundary.
package netframe

import (
	"io"

	"github.com/libp2p/go-msgio"

	"peerlinks/internal/wire"
)

// Conn frames wire.Packet values over an underlying io.ReadWriteCloser.
type Conn struct {
	rw     msgio.ReadWriteCloser
	closer io.Closer
}

// New wraps rw (typically a net.Conn) with length-delimited framing.
func New(rw io.ReadWriteCloser) *Conn {
	return &Conn{
		rw:     msgio.Combine(msgio.NewWriter(rw), msgio.NewReader(rw)),
		closer: rw,
	}
}

// Send frames and writes a single packet.
func (c *Conn) Send(p wire.Packet) error {
	return c.rw.WriteMsg(p.Marshal())
}

// Receive blocks for the next framed packet and decodes it.
func (c *Conn) Receive() (wire.Packet, error) {
	data, err := c.rw.ReadMsg()
	if err != nil {
		return wire.Packet{}, err
	}
	defer c.rw.ReleaseMsg(data)
	return wire.UnmarshalPacket(data)
}

// SendBytes frames an already-encoded message — used for Hello, the one
// message exchanged before the Packet oneof applies.
func (c *Conn) SendBytes(b []byte) error {
	return c.rw.WriteMsg(b)
}

// ReceiveBytes blocks for the next framed message without decoding it.
func (c *Conn) ReceiveBytes() ([]byte, error) {
	data, err := c.rw.ReadMsg()
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), data...)
	c.rw.ReleaseMsg(data)
	return out, nil
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return c.closer.Close()
}
