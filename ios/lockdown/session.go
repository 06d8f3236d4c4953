// Package lockdown implements the device-side lockdown protocol: the
// StartSession handshake over a usbmux-provided socket, the optional TLS
// upgrade that follows it, and serialized plist request/response exchange
// over the resulting stream.
package lockdown

import (
	"crypto/tls"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ios-remotexpc/remotexpc/ios/plist"
	"github.com/ios-remotexpc/remotexpc/ios/usbmux"
	"github.com/ios-remotexpc/remotexpc/ioserr"
)

var log = logrus.WithField("component", "lockdown")

const lengthPrefixSize = 4

// Session is a lockdown control channel: plaintext until EnableSessionSSL
// is negotiated, TLS (over the same socket) after. Concurrent senders are
// not permitted; callers must serialize through SendAndReceive.
type Session struct {
	mu       sync.Mutex
	conn     net.Conn
	sessID   string
	closed   bool
}

// StartSession runs the lockdown handshake over conn (typically a
// usbmux.Connect result on device port 62078): sends StartSession using
// pr's HostID/SystemBUID, and performs the TLS upgrade pr authorizes when
// the device asks for one.
func StartSession(conn net.Conn, pr usbmux.PairRecord, label string) (*Session, error) {
	s := &Session{conn: conn}

	req := plist.Dict(
		plist.P("Label", plist.String(label)),
		plist.P("Request", plist.String("StartSession")),
		plist.P("HostID", plist.String(pr.HostID)),
		plist.P("SystemBUID", plist.String(pr.SystemBUID)),
	)
	if err := writeFramed(s.conn, req); err != nil {
		return nil, err
	}
	resp, err := readFramed(s.conn)
	if err != nil {
		return nil, err
	}

	reqField, ok := resp.Get("Request")
	if !ok {
		return nil, ioserr.NewProtocolf("lockdown", "StartSession response missing Request")
	}
	if name, _ := reqField.String(); name != "StartSession" {
		return nil, ioserr.NewProtocolf("lockdown", "unexpected StartSession response shape")
	}

	if sid, ok := resp.Get("SessionID"); ok {
		s.sessID, _ = sid.String()
	}

	enableSSL := false
	if v, ok := resp.Get("EnableSessionSSL"); ok {
		enableSSL, _ = v.Bool()
	}
	if enableSSL {
		if err := s.upgradeTLS(pr); err != nil {
			return nil, err
		}
	}
	log.WithField("sessionId", s.sessID).Debug("lockdown session started")
	return s, nil
}

func (s *Session) upgradeTLS(pr usbmux.PairRecord) error {
	cert, err := tls.X509KeyPair(pr.HostCertificate, pr.HostPrivateKey)
	if err != nil {
		return ioserr.NewCryptography("lockdown: loading pair record host keypair", err)
	}
	cfg := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true, // the pair record itself is the trust anchor
		MinVersion:         tls.VersionTLS12,
	}
	tlsConn := tls.Client(s.conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return ioserr.NewTransport(err)
	}
	s.conn = tlsConn
	return nil
}

// SendAndReceive writes msg and awaits the next decoded plist from the
// same connection, failing with a TimeoutError after timeout.
func (s *Session) SendAndReceive(msg plist.Value, timeout time.Duration) (plist.Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return plist.Value{}, ioserr.NewState("lockdown session is closed")
	}

	if timeout > 0 {
		_ = s.conn.SetDeadline(time.Now().Add(timeout))
		defer s.conn.SetDeadline(time.Time{})
	}

	if err := writeFramed(s.conn, msg); err != nil {
		return plist.Value{}, err
	}
	resp, err := readFramed(s.conn)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			log.WithField("timeout", timeout).Warn("sendAndReceive timed out")
			return plist.Value{}, ioserr.NewTimeout("lockdown sendAndReceive", timeout)
		}
		return plist.Value{}, err
	}
	return resp, nil
}

// Close tears down the TLS session (if any) and the underlying socket.
// Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
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
		return plist.Value{}, ioserr.NewParse("lockdown frame body", err)
	}
	return v, nil
}
