// Package servicefabric is the per-service request/response, notification,
// and heartbeat fabric that sits on top of an (host, port) pair already
// resolved from the remote-XPC service directory: it dials the service,
// performs the RSDCheckin handshake, and exposes the three interaction
// patterns every domain service in ios/services is built from.
package servicefabric

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ios-remotexpc/remotexpc/ios/plist"
	"github.com/ios-remotexpc/remotexpc/ioserr"
)

const lengthPrefixSize = 4

const defaultCheckinTimeout = 30 * time.Second

// Fabric is one open connection to a domain service: request/response,
// a notification stream, and a heartbeat loop all share the same
// underlying socket and must be serialized by the caller per pattern
// (one sendPlistRequest in flight, one heartbeat loop).
type Fabric struct {
	mu     sync.Mutex
	conn   net.Conn
	closed bool

	notif notificationState
	hb    heartbeatState
}

// Dial opens a TCP connection to (host, port), disables Nagle, enables
// keep-alive, and performs the RSDCheckin handshake.
func Dial(host string, port uint16, createConnectionTimeout time.Duration) (*Fabric, error) {
	if createConnectionTimeout <= 0 {
		createConnectionTimeout = defaultCheckinTimeout
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, portString(port)), createConnectionTimeout)
	if err != nil {
		return nil, ioserr.NewTransport(err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
	}

	f, err := NewFromConn(conn, createConnectionTimeout)
	if err != nil {
		conn.Close()
		return nil, err
	}
	log.WithFields(log.Fields{"host": host, "port": port}).Debug("service fabric connected")
	return f, nil
}

// NewFromConn performs the RSDCheckin handshake over an already-open
// connection. Exposed for callers that resolve transport themselves
// (and for tests driving the handshake over a net.Pipe).
func NewFromConn(conn net.Conn, checkinTimeout time.Duration) (*Fabric, error) {
	f := &Fabric{conn: conn}
	if err := f.checkin(checkinTimeout); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Fabric) checkin(timeout time.Duration) error {
	req := plist.Dict(
		plist.P("Label", plist.String("appium-internal")),
		plist.P("ProtocolVersion", plist.String("2")),
		plist.P("Request", plist.String("RSDCheckin")),
	)
	if timeout > 0 {
		_ = f.conn.SetDeadline(time.Now().Add(timeout))
		defer f.conn.SetDeadline(time.Time{})
	}
	if err := writeFramed(f.conn, req); err != nil {
		return err
	}
	_, err := readFramed(f.conn)
	return err
}

// SendPlistRequest writes one plist and returns the first complete plist
// message received in reply. Concurrent use of this method on one
// connection is not permitted; callers must serialize their own calls.
func (f *Fabric) SendPlistRequest(msg plist.Value, timeout time.Duration) (plist.Value, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return plist.Value{}, ioserr.NewState("service fabric connection is closed")
	}
	if timeout > 0 {
		_ = f.conn.SetDeadline(time.Now().Add(timeout))
		defer f.conn.SetDeadline(time.Time{})
	}
	if err := writeFramed(f.conn, msg); err != nil {
		return plist.Value{}, err
	}
	resp, err := readFramed(f.conn)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return plist.Value{}, ioserr.NewTimeout("sendPlistRequest", timeout)
		}
		return plist.Value{}, err
	}
	return resp, nil
}

// Close tears down the underlying socket. Idempotent.
func (f *Fabric) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	return f.conn.Close()
}

func writeFramed(w io.Writer, v plist.Value) error {
	payload := plist.EncodeXML(v)
	var hdr [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return ioserr.NewTransport(err)
	}
	if _, err := w.Write(payload); err != nil {
		return ioserr.NewTransport(err)
	}
	return nil
}

func readFramed(r io.Reader) (plist.Value, error) {
	var hdr [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return plist.Value{}, ioserr.NewTransport(err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	body := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return plist.Value{}, ioserr.NewTransport(err)
		}
	}
	v, err := plist.ParsePlist(body)
	if err != nil {
		return plist.Value{}, ioserr.NewParse("service fabric frame body", err)
	}
	return v, nil
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
