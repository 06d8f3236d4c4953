// Package usbmux is a client for the host usbmuxd/device-mux daemon: list
// connected devices, fetch a device's long-lived pair record, and hand a
// mux-multiplexed socket off to the caller as a raw byte pipe to a device
// TCP port.
package usbmux

import (
	"encoding/binary"
	"io"

	"github.com/ios-remotexpc/remotexpc/ios/plist"
	"github.com/ios-remotexpc/remotexpc/ioserr"
)

const (
	muxVersion    = 1
	muxTypePlist  = 8
	muxHeaderSize = 16
)

// writeMuxMessage frames body as an XML plist behind the 16-byte
// little-endian mux header and writes it to w.
func writeMuxMessage(w io.Writer, body plist.Value, tag uint32) error {
	payload := plist.EncodeXML(body)

	var hdr [muxHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(muxHeaderSize+len(payload)))
	binary.LittleEndian.PutUint32(hdr[4:8], muxVersion)
	binary.LittleEndian.PutUint32(hdr[8:12], muxTypePlist)
	binary.LittleEndian.PutUint32(hdr[12:16], tag)

	if _, err := w.Write(hdr[:]); err != nil {
		return ioserr.NewTransport(err)
	}
	if _, err := w.Write(payload); err != nil {
		return ioserr.NewTransport(err)
	}
	return nil
}

// readMuxMessage reads one framed mux message from r and decodes its body.
func readMuxMessage(r io.Reader) (plist.Value, uint32, error) {
	var hdr [muxHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return plist.Value{}, 0, ioserr.NewTransport(err)
	}
	length := binary.LittleEndian.Uint32(hdr[0:4])
	tag := binary.LittleEndian.Uint32(hdr[12:16])
	if length < muxHeaderSize {
		return plist.Value{}, 0, ioserr.NewProtocolf("usbmux", "mux message length %d shorter than header", length)
	}

	body := make([]byte, length-muxHeaderSize)
	if len(body) > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return plist.Value{}, 0, ioserr.NewTransport(err)
		}
	}

	v, err := plist.ParsePlist(body)
	if err != nil {
		return plist.Value{}, tag, ioserr.NewParse("usbmux message body", err)
	}
	return v, tag, nil
}
