// Package http2lite implements the minimal subset of HTTP/2 framing this
// module needs to read a remote-XPC service catalog: DATA, HEADERS,
// SETTINGS, and WINDOW_UPDATE frames only. HPACK is not implemented —
// header blocks are carried opaquely, since RSD catalog reading never
// needs to interpret them.
package http2lite

import (
	"encoding/binary"
	"io"

	"github.com/ios-remotexpc/remotexpc/ioserr"
)

// FrameType is one of the four frame types this package understands.
type FrameType byte

const (
	FrameData         FrameType = 0x0
	FrameHeaders      FrameType = 0x1
	FrameSettings     FrameType = 0x4
	FrameWindowUpdate FrameType = 0x8
)

// Flag bits shared across frame types (not every bit applies to every
// type; see §6's ALL_FLAGS map).
const (
	FlagEndStream  byte = 0x01
	FlagEndHeaders byte = 0x04
	FlagPadded     byte = 0x08
	FlagPriority   byte = 0x20
)

const frameHeaderSize = 9
const streamIDMask = 0x7FFFFFFF

// Frame is one decoded HTTP/2-lite frame: a 9-byte header plus payload.
type Frame struct {
	Type     FrameType
	Flags    byte
	StreamID uint32
	Payload  []byte
}

// ReadFrame reads and decodes exactly one frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, ioserr.NewTransport(err)
	}

	length := uint32(hdr[0])<<16 | uint32(hdr[1])<<8 | uint32(hdr[2])
	typ := FrameType(hdr[3])
	flags := hdr[4]
	streamID := binary.BigEndian.Uint32(hdr[5:9]) & streamIDMask

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, ioserr.NewTransport(err)
		}
	}
	return Frame{Type: typ, Flags: flags, StreamID: streamID, Payload: payload}, nil
}

// WriteFrame serializes f's 9-byte header and payload to w.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > 0xFFFFFF {
		return ioserr.NewProtocolf("http2lite", "frame payload %d exceeds 24-bit length field", len(f.Payload))
	}
	var hdr [frameHeaderSize]byte
	length := uint32(len(f.Payload))
	hdr[0] = byte(length >> 16)
	hdr[1] = byte(length >> 8)
	hdr[2] = byte(length)
	hdr[3] = byte(f.Type)
	hdr[4] = f.Flags
	binary.BigEndian.PutUint32(hdr[5:9], f.StreamID&streamIDMask)

	if _, err := w.Write(hdr[:]); err != nil {
		return ioserr.NewTransport(err)
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return ioserr.NewTransport(err)
		}
	}
	return nil
}

// DataPayload strips DATA-frame padding (when FlagPadded is set) and
// returns the application data.
func DataPayload(f Frame) ([]byte, error) {
	if f.Type != FrameData {
		return nil, ioserr.NewProtocolf("http2lite", "DataPayload called on a %v frame", f.Type)
	}
	return stripPadding(f.Payload, f.Flags)
}

// BuildDataFrame constructs a DATA frame, padding the payload with padLen
// zero bytes when padLen > 0.
func BuildDataFrame(streamID uint32, data []byte, padLen byte, endStream bool) Frame {
	flags := byte(0)
	if endStream {
		flags |= FlagEndStream
	}
	payload := data
	if padLen > 0 {
		flags |= FlagPadded
		payload = buildPadded(data, padLen)
	}
	return Frame{Type: FrameData, Flags: flags, StreamID: streamID, Payload: payload}
}

// PriorityParams is the optional 5-byte priority preamble a HEADERS frame
// may carry when FlagPriority is set.
type PriorityParams struct {
	Exclusive        bool
	StreamDependency uint32
	Weight           byte
}

// HeadersPayload strips the optional priority preamble and padding from a
// HEADERS frame, returning the opaque header block bytes.
func HeadersPayload(f Frame) ([]byte, *PriorityParams, error) {
	if f.Type != FrameHeaders {
		return nil, nil, ioserr.NewProtocolf("http2lite", "HeadersPayload called on a %v frame", f.Type)
	}
	body, err := stripPadding(f.Payload, f.Flags)
	if err != nil {
		return nil, nil, err
	}

	var prio *PriorityParams
	if f.Flags&FlagPriority != 0 {
		if len(body) < 5 {
			return nil, nil, ioserr.NewProtocolf("http2lite", "HEADERS frame too short for PRIORITY preamble")
		}
		depAndExcl := binary.BigEndian.Uint32(body[0:4])
		prio = &PriorityParams{
			Exclusive:        depAndExcl&0x80000000 != 0,
			StreamDependency: depAndExcl & 0x7FFFFFFF,
			Weight:           body[4],
		}
		body = body[5:]
	}
	return body, prio, nil
}

// BuildHeadersFrame constructs a HEADERS frame with the given opaque
// header block bytes, optional priority preamble, and padding.
func BuildHeadersFrame(streamID uint32, headerBlock []byte, prio *PriorityParams, padLen byte, endStream, endHeaders bool) Frame {
	flags := byte(0)
	if endStream {
		flags |= FlagEndStream
	}
	if endHeaders {
		flags |= FlagEndHeaders
	}

	body := headerBlock
	if prio != nil {
		flags |= FlagPriority
		depAndExcl := prio.StreamDependency & 0x7FFFFFFF
		if prio.Exclusive {
			depAndExcl |= 0x80000000
		}
		var pre [5]byte
		binary.BigEndian.PutUint32(pre[0:4], depAndExcl)
		pre[4] = prio.Weight
		body = append(append([]byte(nil), pre[:]...), body...)
	}
	if padLen > 0 {
		flags |= FlagPadded
		body = buildPadded(body, padLen)
	}
	return Frame{Type: FrameHeaders, Flags: flags, StreamID: streamID, Payload: body}
}

func stripPadding(payload []byte, flags byte) ([]byte, error) {
	if flags&FlagPadded == 0 {
		return payload, nil
	}
	if len(payload) < 1 {
		return nil, ioserr.NewProtocolf("http2lite", "PADDED frame has no pad-length byte")
	}
	padLen := int(payload[0])
	body := payload[1:]
	if padLen > len(body) {
		return nil, ioserr.NewProtocolf("http2lite", "pad length %d exceeds remaining payload", padLen)
	}
	return body[:len(body)-padLen], nil
}

func buildPadded(data []byte, padLen byte) []byte {
	out := make([]byte, 0, 1+len(data)+int(padLen))
	out = append(out, padLen)
	out = append(out, data...)
	out = append(out, make([]byte, padLen)...)
	return out
}

// Setting is one SETTINGS-frame identifier/value pair.
type Setting struct {
	ID    uint16
	Value uint32
}

// Standard SETTINGS identifiers (§6).
const (
	SettingHeaderTableSize      uint16 = 0x1
	SettingEnablePush           uint16 = 0x2
	SettingMaxConcurrentStreams uint16 = 0x3
	SettingInitialWindowSize    uint16 = 0x4
	SettingMaxFrameSize         uint16 = 0x5
	SettingMaxHeaderListSize    uint16 = 0x6
	SettingEnableConnectProto   uint16 = 0x8
)

// BuildSettingsFrame encodes settings as a connection-level SETTINGS
// frame (streamID 0).
func BuildSettingsFrame(settings []Setting) Frame {
	payload := make([]byte, 0, len(settings)*6)
	for _, s := range settings {
		var entry [6]byte
		binary.BigEndian.PutUint16(entry[0:2], s.ID)
		binary.BigEndian.PutUint32(entry[2:6], s.Value)
		payload = append(payload, entry[:]...)
	}
	return Frame{Type: FrameSettings, StreamID: 0, Payload: payload}
}

// DecodeSettings parses a SETTINGS frame's payload.
func DecodeSettings(payload []byte) ([]Setting, error) {
	if len(payload)%6 != 0 {
		return nil, ioserr.NewProtocolf("http2lite", "SETTINGS payload length %d not a multiple of 6", len(payload))
	}
	out := make([]Setting, 0, len(payload)/6)
	for i := 0; i < len(payload); i += 6 {
		out = append(out, Setting{
			ID:    binary.BigEndian.Uint16(payload[i : i+2]),
			Value: binary.BigEndian.Uint32(payload[i+2 : i+6]),
		})
	}
	return out, nil
}

// BuildWindowUpdateFrame encodes a WINDOW_UPDATE frame for streamID (0 for
// connection-level) with the given increment.
func BuildWindowUpdateFrame(streamID uint32, increment uint32) Frame {
	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], increment&streamIDMask)
	return Frame{Type: FrameWindowUpdate, StreamID: streamID, Payload: payload[:]}
}

// DecodeWindowUpdate parses a WINDOW_UPDATE frame's payload.
func DecodeWindowUpdate(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, ioserr.NewProtocolf("http2lite", "WINDOW_UPDATE payload must be 4 bytes, got %d", len(payload))
	}
	return binary.BigEndian.Uint32(payload) & streamIDMask, nil
}
