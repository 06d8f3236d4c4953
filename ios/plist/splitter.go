package plist

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/ios-remotexpc/remotexpc/ioserr"
)

var errUnsupportedLengthWidth = errors.New("unsupported length-prefix width")

// ParsePlist auto-detects the wire format of raw (binary "bplist00" vs XML)
// and decodes it.
func ParsePlist(raw []byte) (Value, error) {
	if bytes.HasPrefix(raw, []byte(binaryMagic)) {
		return DecodeBinary(raw)
	}
	return DecodeXML(raw)
}

// CreateXML is an alias kept for symmetry with CreateBinary; both names
// appear in call sites that prefer "create" over "encode" for builder-style
// use.
func CreateXML(v Value) []byte    { return EncodeXML(v) }
func CreateBinary(v Value) []byte { return EncodeBinary(v) }

// SplitterConfig controls the stream splitter's framed-mode expectations.
// Defaults match usbmux/lockdown: a 4-byte big-endian length prefix at
// offset 0 with no adjustment.
type SplitterConfig struct {
	LengthOffset  int
	LengthBytes   int  // 4 unless overridden
	BigEndian     bool // true unless overridden
	LengthAdjust  int  // added to the decoded length to get the payload size
	MaxFrameLen   int  // defaults to 64 MiB
}

func DefaultSplitterConfig() SplitterConfig {
	return SplitterConfig{
		LengthOffset: 0,
		LengthBytes:  4,
		BigEndian:    true,
		LengthAdjust: 0,
		MaxFrameLen:  64 * 1024 * 1024,
	}
}

type splitterMode int

const (
	modeFramed splitterMode = iota
	modeXML
)

// Splitter consumes an arbitrary byte stream via Feed and emits whole plist
// messages. It never silently drops a complete message; it may drop leading
// garbage up to the first recognizable start of a message.
type Splitter struct {
	cfg  SplitterConfig
	buf  []byte
	mode splitterMode
	out  [][]byte
}

func NewSplitter(cfg SplitterConfig) *Splitter {
	if cfg.LengthBytes == 0 {
		cfg.LengthBytes = 4
	}
	if cfg.MaxFrameLen == 0 {
		cfg.MaxFrameLen = 64 * 1024 * 1024
	}
	return &Splitter{cfg: cfg, mode: modeFramed}
}

// Feed appends chunk to the internal buffer and returns every whole message
// that can now be extracted, in order. Feed is re-entrant: callers may pass
// chunks of any size, including a single byte at a time.
func (s *Splitter) Feed(chunk []byte) ([][]byte, error) {
	s.buf = append(s.buf, chunk...)
	var messages [][]byte
	for {
		msg, ok, err := s.tryExtractOne()
		if err != nil {
			return messages, err
		}
		if !ok {
			break
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (s *Splitter) tryExtractOne() (msg []byte, ok bool, err error) {
	if len(s.buf) == 0 {
		return nil, false, nil
	}

	if bytes.HasPrefix(s.buf, []byte(binaryMagic)) {
		// A binary plist with no length prefix is self-delimiting only in
		// the sense that it is the entirety of what's buffered right now;
		// the caller is expected to frame binary payloads at a lower layer
		// when more than one will ever share a connection. Emit everything
		// buffered as a single message.
		out := s.buf
		s.buf = nil
		return out, true, nil
	}

	if s.mode == modeXML || looksLikeXML(s.buf) {
		s.mode = modeXML
		return s.tryExtractXML()
	}

	return s.tryExtractFramed()
}

func looksLikeXML(buf []byte) bool {
	return bytes.Contains(buf, []byte("<?xml")) || bytes.Contains(buf, []byte("<plist"))
}

func (s *Splitter) tryExtractXML() (msg []byte, ok bool, err error) {
	start := bytes.Index(s.buf, []byte("<?xml"))
	if start < 0 {
		start = bytes.Index(s.buf, []byte("<plist"))
	}
	if start < 0 {
		return nil, false, nil
	}
	if start > 0 {
		s.buf = s.buf[start:]
	}
	end := bytes.Index(s.buf, []byte("</plist>"))
	if end < 0 {
		return nil, false, nil
	}
	end += len("</plist>")
	msg = append([]byte(nil), s.buf[:end]...)
	s.buf = s.buf[end:]
	// Decide whether the remainder still looks like XML or whether we
	// should fall back to framed mode for the next message.
	if !looksLikeXML(s.buf) {
		s.mode = modeFramed
	}
	return msg, true, nil
}

func (s *Splitter) tryExtractFramed() (msg []byte, ok bool, err error) {
	hdr := s.cfg.LengthOffset + s.cfg.LengthBytes
	if len(s.buf) < hdr {
		return nil, false, nil
	}

	length, lengthErr := s.decodeLength(s.buf[s.cfg.LengthOffset : s.cfg.LengthOffset+s.cfg.LengthBytes])
	if lengthErr != nil {
		return nil, false, lengthErr
	}

	total := hdr + length + s.cfg.LengthAdjust
	if length < 0 || total < hdr || total > s.cfg.MaxFrameLen {
		// Try the opposite endianness before giving up.
		alt := s.cfg
		alt.BigEndian = !alt.BigEndian
		altLen, altErr := s.decodeLengthWith(s.buf[s.cfg.LengthOffset:s.cfg.LengthOffset+s.cfg.LengthBytes], alt.BigEndian)
		altTotal := hdr + altLen + s.cfg.LengthAdjust
		if altErr == nil && altLen >= 0 && altTotal >= hdr && altTotal <= s.cfg.MaxFrameLen {
			length = altLen
			total = altTotal
		} else if looksLikeXML(s.buf) {
			s.mode = modeXML
			return s.tryExtractXML()
		} else {
			// Drop one byte and re-synchronize.
			s.buf = s.buf[1:]
			return nil, false, nil
		}
	}

	if len(s.buf) < total {
		return nil, false, nil
	}
	msg = append([]byte(nil), s.buf[hdr:total]...)
	s.buf = s.buf[total:]
	return msg, true, nil
}

func (s *Splitter) decodeLength(b []byte) (int, error) {
	return s.decodeLengthWith(b, s.cfg.BigEndian)
}

func (s *Splitter) decodeLengthWith(b []byte, bigEndian bool) (int, error) {
	switch len(b) {
	case 4:
		if bigEndian {
			return int(binary.BigEndian.Uint32(b)), nil
		}
		return int(binary.LittleEndian.Uint32(b)), nil
	case 2:
		if bigEndian {
			return int(binary.BigEndian.Uint16(b)), nil
		}
		return int(binary.LittleEndian.Uint16(b)), nil
	default:
		return 0, ioserr.NewParse("splitter", errUnsupportedLengthWidth)
	}
}
