// Package rsd implements a minimal client for the device's Remote Service
// Discovery catalog: it opens a TCP connection, speaks just enough
// HTTP/2-lite framing (via ios/http2lite) to receive the service catalog
// DATA payload, and extracts the ordered list of (service name, port)
// pairs the catalog describes.
package rsd

import (
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ios-remotexpc/remotexpc/ios/http2lite"
	"github.com/ios-remotexpc/remotexpc/ioserr"
)

var log = logrus.WithField("component", "rsd")

// handshakeStreamID is the single request stream this client opens to
// receive the catalog; RSD only ever needs one.
const handshakeStreamID = 1

// Service is one entry from the RSD catalog.
type Service struct {
	Name       string
	Port       string
	Properties map[string]string
}

// Client holds an ordered, deduplicated-by-position snapshot of one RSD
// catalog read from a device.
type Client struct {
	mu       sync.Mutex
	conn     net.Conn
	services []Service
	closed   bool
}

// Dial opens a TCP connection to (host, rsdPort) with TCP_NODELAY and
// keep-alive, runs the minimal HTTP/2 handshake, and reads the full
// service catalog.
func Dial(host string, rsdPort uint16, dialTimeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, portString(rsdPort)), dialTimeout)
	if err != nil {
		return nil, ioserr.NewTransport(err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
	}

	c := &Client{conn: conn}
	if err := c.handshakeAndCatalog(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// NewFromConn wraps an already-connected socket, for tests and callers
// that manage dialing themselves.
func NewFromConn(conn net.Conn) (*Client, error) {
	c := &Client{conn: conn}
	if err := c.handshakeAndCatalog(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) handshakeAndCatalog() error {
	settings := http2lite.BuildSettingsFrame([]http2lite.Setting{
		{ID: http2lite.SettingEnableConnectProto, Value: 1},
		{ID: http2lite.SettingMaxConcurrentStreams, Value: 100},
	})
	if err := http2lite.WriteFrame(c.conn, settings); err != nil {
		return err
	}

	headers := http2lite.BuildHeadersFrame(handshakeStreamID, []byte("rsd-handshake"), nil, 0, false, true)
	if err := http2lite.WriteFrame(c.conn, headers); err != nil {
		return err
	}

	var catalog []byte
	receivedWindow := uint32(0)
	for {
		f, err := http2lite.ReadFrame(c.conn)
		if err != nil {
			return err
		}
		switch f.Type {
		case http2lite.FrameHeaders:
			if f.Flags&http2lite.FlagEndStream != 0 {
				goto done
			}
		case http2lite.FrameData:
			body, err := http2lite.DataPayload(f)
			if err != nil {
				return err
			}
			catalog = append(catalog, body...)
			if f.Flags&http2lite.FlagEndStream != 0 {
				goto done
			}
			receivedWindow += uint32(len(body))
			if receivedWindow > 0 {
				update := http2lite.BuildWindowUpdateFrame(handshakeStreamID, receivedWindow)
				if err := http2lite.WriteFrame(c.conn, update); err != nil {
					return err
				}
				receivedWindow = 0
			}
		case http2lite.FrameSettings:
			// Peer settings acknowledged implicitly; this client does not
			// adjust its own frame sizes in response.
		case http2lite.FrameWindowUpdate:
			// Connection-level flow control from the peer; ignored, since
			// this client's own writes are small and bounded.
		}
	}
done:
	c.services = extractServices(catalog)
	log.WithField("serviceCount", len(c.services)).Debug("rsd catalog received")
	return nil
}

// ListAllServices returns the catalog snapshot in the order the device
// presented it.
func (c *Client) ListAllServices() []Service {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Service, len(c.services))
	copy(out, c.services)
	return out
}

// FindService looks up one service by name.
func (c *Client) FindService(name string) (Service, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.services {
		if s.Name == name {
			return s, nil
		}
	}
	return Service{}, ioserr.NewNotFound("rsd service", name)
}

// Close is best-effort and safe to call multiple times.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

func portString(p uint16) string {
	const digits = "0123456789"
	if p == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	for p > 0 {
		i--
		buf[i] = digits[p%10]
		p /= 10
	}
	return string(buf[i:])
}
