package usbmux

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/ios-remotexpc/remotexpc/ios/plist"
	"github.com/ios-remotexpc/remotexpc/ioserr"
)

var log = logrus.WithField("component", "usbmux")

// defaultSocketPath is the usbmuxd AF_UNIX socket on macOS and Linux.
// Endpoint discovery on other platforms is outside this package's scope;
// callers there should dial their own conn and use NewClient directly.
const defaultSocketPath = "/var/run/usbmuxd"

// usbmuxRecvBufferBytes raises SO_RCVBUF above the kernel default so a
// ListDevices response listing many attached devices doesn't stall on
// socket-buffer backpressure mid-plist.
const usbmuxRecvBufferBytes = 1 << 20

// tuneSocketBuffers best-effort raises the receive buffer on the raw
// AF_UNIX socket. Failure is not fatal; the kernel default still works.
func tuneSocketBuffers(conn net.Conn) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, usbmuxRecvBufferBytes); err != nil {
			log.WithField("err", err).Debug("tuneSocketBuffers: SO_RCVBUF not set")
		}
	})
}

// Client speaks the usbmux wire protocol over one long-lived connection.
// Tags increase monotonically per connection, starting at 1; each Client
// keeps its own counter.
type Client struct {
	mu     sync.Mutex
	conn   net.Conn
	tag    uint32
	closed bool
}

// Dial connects to the local usbmuxd socket.
func Dial() (*Client, error) {
	conn, err := net.Dial("unix", defaultSocketPath)
	if err != nil {
		return nil, ioserr.NewTransport(err)
	}
	tuneSocketBuffers(conn)
	return NewClient(conn), nil
}

// NewClient wraps an already-established mux connection.
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn}
}

func (c *Client) nextTag() uint32 {
	c.tag++
	return c.tag
}

// ListDevices sends ListDevices and parses the returned DeviceList. A
// timeout surfaces as a TimeoutError carrying the requested duration.
func (c *Client) ListDevices(timeout time.Duration) ([]Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tag := c.nextTag()
	req := plist.Dict(
		plist.P("MessageType", plist.String("ListDevices")),
		plist.P("ClientVersionString", plist.String("remotexpc")),
		plist.P("ProgName", plist.String("remotexpc")),
	)

	if timeout > 0 {
		_ = c.conn.SetDeadline(time.Now().Add(timeout))
		defer c.conn.SetDeadline(time.Time{})
	}

	if err := writeMuxMessage(c.conn, req, tag); err != nil {
		return nil, err
	}
	resp, _, err := readMuxMessage(c.conn)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			log.WithField("timeout", timeout).Warn("listDevices timed out")
			return nil, ioserr.NewTimeout("listDevices", timeout)
		}
		return nil, err
	}

	list, ok := resp.Get("DeviceList")
	if !ok {
		return nil, ioserr.NewProtocolf("usbmux", "ListDevices response missing DeviceList")
	}
	items, _ := list.Array()

	devices := make([]Device, 0, len(items))
	for _, item := range items {
		d, err := deviceFromPlist(item)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	log.WithField("count", len(devices)).Debug("listDevices")
	return devices, nil
}

// ReadPairRecord sends ReadPairRecord for udid and decodes the nested
// PairRecordData plist blob.
func (c *Client) ReadPairRecord(udid string) (PairRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tag := c.nextTag()
	req := plist.Dict(
		plist.P("MessageType", plist.String("ReadPairRecord")),
		plist.P("PairRecordID", plist.String(udid)),
	)
	if err := writeMuxMessage(c.conn, req, tag); err != nil {
		return PairRecord{}, err
	}
	resp, _, err := readMuxMessage(c.conn)
	if err != nil {
		return PairRecord{}, err
	}

	raw, ok := resp.Get("PairRecordData")
	if !ok {
		return PairRecord{}, ioserr.NewProtocolf("usbmux", "ReadPairRecord response missing PairRecordData")
	}
	data, ok := raw.Data()
	if !ok {
		return PairRecord{}, ioserr.NewProtocolf("usbmux", "PairRecordData is not a data value")
	}

	inner, err := plist.ParsePlist(data)
	if err != nil {
		return PairRecord{}, ioserr.NewParse("usbmux PairRecordData", err)
	}
	return pairRecordFromPlist(inner)
}

// Connect sends Connect with port byte-swapped to network order. On
// success the caller owns the underlying socket as a raw byte pipe to the
// device port; the mux protocol is abandoned on it.
func (c *Client) Connect(deviceID int64, port uint16) (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tag := c.nextTag()
	networkPort := (port >> 8) | (port << 8)

	req := plist.Dict(
		plist.P("MessageType", plist.String("Connect")),
		plist.P("DeviceID", plist.Int(deviceID)),
		plist.P("PortNumber", plist.Int(int64(networkPort))),
	)
	if err := writeMuxMessage(c.conn, req, tag); err != nil {
		return nil, err
	}
	resp, _, err := readMuxMessage(c.conn)
	if err != nil {
		return nil, err
	}

	if n, ok := resp.Get("Number"); ok {
		if num, ok := n.Int(); ok && num != 0 {
			log.WithFields(logrus.Fields{"deviceId": deviceID, "port": port}).Warn("mux connect refused")
			return nil, ioserr.NewProtocolf("usbmux", "mux connect refused: %d", num)
		}
	}
	log.WithFields(logrus.Fields{"deviceId": deviceID, "port": port}).Debug("mux connect established")
	return c.conn, nil
}

// Close is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
