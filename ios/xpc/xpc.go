// Package xpc provides the minimal client-server message stream the
// tunnel layer's pair-setup flow runs its OPACK2-encoded payloads over:
// one big-endian length-prefixed frame per message, full duplex.
package xpc

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/ios-remotexpc/remotexpc/ioserr"
)

const maxFrameLen = 64 << 20

// Connection wraps a duplex byte stream (typically a TLS-upgraded lockdown
// socket, or a tunnel's transport socket) with the length-prefixed framing
// the remote-XPC control and encrypted-stream channels both use.
type Connection struct {
	rw    io.ReadWriter
	sendM sync.Mutex
	recvM sync.Mutex
}

// New wraps rw as an xpc.Connection. Callers own rw's lifecycle.
func New(rw io.ReadWriter) *Connection {
	return &Connection{rw: rw}
}

// Send writes one length-prefixed frame.
func (c *Connection) Send(payload []byte) error {
	c.sendM.Lock()
	defer c.sendM.Unlock()

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := c.rw.Write(hdr[:]); err != nil {
		return ioserr.NewTransport(fmt.Errorf("xpc: writing frame header: %w", err))
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := c.rw.Write(payload); err != nil {
		return ioserr.NewTransport(fmt.Errorf("xpc: writing frame body: %w", err))
	}
	return nil
}

// ReceiveOnClientServerStream reads the next length-prefixed frame,
// blocking until one arrives.
func (c *Connection) ReceiveOnClientServerStream() ([]byte, error) {
	c.recvM.Lock()
	defer c.recvM.Unlock()

	var hdr [4]byte
	if _, err := io.ReadFull(c.rw, hdr[:]); err != nil {
		return nil, ioserr.NewTransport(fmt.Errorf("xpc: reading frame header: %w", err))
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameLen {
		return nil, ioserr.NewProtocolf("xpc", "frame length %d exceeds maximum %d", n, maxFrameLen)
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(c.rw, buf); err != nil {
			return nil, ioserr.NewTransport(fmt.Errorf("xpc: reading frame body: %w", err))
		}
	}
	return buf, nil
}
