// Package pairing implements the Apple-TV pair-setup/pair-verify
// cryptographic primitives: TLV8, OPACK2, SRP-6a, HKDF, Ed25519, and
// ChaCha20-Poly1305. It is self-contained and independent of the rest of
// this module.
package pairing

import (
	"github.com/ios-remotexpc/remotexpc/ioserr"
)

// TLV8Item is one decoded logical item: a type byte and its reassembled
// data, irrespective of how many 255-byte records it was split across on
// the wire.
type TLV8Item struct {
	Type byte
	Data []byte
}

// EncodeTLV8 renders items as back-to-back TLV8 records, splitting any item
// whose data exceeds 255 bytes into consecutive records that share its
// type.
func EncodeTLV8(items []TLV8Item) []byte {
	var out []byte
	for _, item := range items {
		data := item.Data
		if len(data) == 0 {
			out = append(out, item.Type, 0)
			continue
		}
		for len(data) > 0 {
			chunk := data
			if len(chunk) > 255 {
				chunk = chunk[:255]
			}
			out = append(out, item.Type, byte(len(chunk)))
			out = append(out, chunk...)
			data = data[len(chunk):]
		}
	}
	return out
}

// DecodeTLV8 parses the wire form into raw (type, fragment) records,
// preserving fragmentation — use ToDict to reassemble split items.
func DecodeTLV8(raw []byte) ([]TLV8Item, error) {
	var items []TLV8Item
	i := 0
	for i < len(raw) {
		if i+2 > len(raw) {
			return nil, ioserr.NewParse("tlv8", errTLV8Truncated)
		}
		typ := raw[i]
		length := int(raw[i+1])
		i += 2
		if i+length > len(raw) {
			return nil, ioserr.NewParse("tlv8", errTLV8Truncated)
		}
		items = append(items, TLV8Item{Type: typ, Data: append([]byte(nil), raw[i:i+length]...)})
		i += length
	}
	return items, nil
}

// ToDict reassembles consecutive same-type records into one byte string per
// type, matching the wire encoder's fragmentation.
func ToDict(items []TLV8Item) map[byte][]byte {
	out := make(map[byte][]byte)
	var lastType byte
	hasLast := false
	for _, item := range items {
		if hasLast && item.Type == lastType {
			out[item.Type] = append(out[item.Type], item.Data...)
		} else {
			out[item.Type] = append([]byte(nil), item.Data...)
		}
		lastType = item.Type
		hasLast = true
	}
	return out
}

// DecodeTLV8ToDict is a convenience combining DecodeTLV8 and ToDict.
func DecodeTLV8ToDict(raw []byte) (map[byte][]byte, error) {
	items, err := DecodeTLV8(raw)
	if err != nil {
		return nil, err
	}
	return ToDict(items), nil
}

var errTLV8Truncated = tlv8TruncatedError{}

type tlv8TruncatedError struct{}

func (tlv8TruncatedError) Error() string { return "truncated TLV8 buffer" }

// Buffer is a small builder used by the pair-setup/pair-verify flows to
// accumulate TLV8 items before encoding them in one call.
type Buffer struct {
	items []TLV8Item
}

func NewTLVBuffer() *Buffer { return &Buffer{} }

func (b *Buffer) WriteByte(typ byte, value byte) *Buffer {
	b.items = append(b.items, TLV8Item{Type: typ, Data: []byte{value}})
	return b
}

func (b *Buffer) WriteData(typ byte, data []byte) *Buffer {
	b.items = append(b.items, TLV8Item{Type: typ, Data: data})
	return b
}

func (b *Buffer) Bytes() []byte { return EncodeTLV8(b.items) }

// Reader provides read access into an encoded TLV8 byte string,
// used by callers that want ReadCoalesced(type) directly from raw bytes.
type Reader []byte

func TlvReader(raw []byte) Reader { return Reader(raw) }

// ReadCoalesced decodes r and returns the reassembled bytes for typ.
func (r Reader) ReadCoalesced(typ byte) ([]byte, error) {
	dict, err := DecodeTLV8ToDict([]byte(r))
	if err != nil {
		return nil, err
	}
	v, ok := dict[typ]
	if !ok {
		return nil, ioserr.NewProtocolf("tlv8", "missing TLV8 type 0x%02x", typ)
	}
	return v, nil
}

// Pairing TLV8 type tags used by the pair-setup/pair-verify state machine.
const (
	TypeMethod        = 0x00
	TypeIdentifier    = 0x01
	TypeSalt          = 0x02
	TypePublicKey     = 0x03
	TypeProof         = 0x04
	TypeEncryptedData = 0x05
	TypeState         = 0x06
	TypeError         = 0x07
	TypeSignature     = 0x0A
	TypeInfo          = 0x11
)

// Pairing state-machine states (TypeState values).
const (
	PairStateStartRequest   = 0x01
	PairStateStartResponse  = 0x02
	PairStateVerifyRequest  = 0x03
	PairStateVerifyResponse = 0x04
)
