package tunnel

import (
	"crypto/cipher"
	"encoding/binary"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/ios-remotexpc/remotexpc/ios/pairing"
	"github.com/ios-remotexpc/remotexpc/ioserr"
)

// newAEAD builds the ChaCha20-Poly1305 AEAD used for the tunnel control
// channel's steady-state encrypted stream, once setupCiphers has derived
// the per-direction keys via HKDF.
func newAEAD(key []byte) (cipher.AEAD, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, ioserr.NewCryptography("constructing control channel AEAD", err)
	}
	return aead, nil
}

// controlChannelCodec renders the tunnel control channel's request/event
// messages as OPACK2, the encoding remote-XPC uses for every payload on
// this channel.
type controlChannelCodec struct{}

func newControlChannelCodec() *controlChannelCodec {
	return &controlChannelCodec{}
}

func (c *controlChannelCodec) Encode(v map[string]interface{}) []byte {
	return pairing.Opack2.Dumps(toOpackValue(v))
}

func (c *controlChannelCodec) Decode(raw []byte) (map[string]interface{}, error) {
	v, err := pairing.Opack2.Loads(raw)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, ioserr.NewProtocolf("tunnel control channel", "expected a top-level object, got %T", v)
	}
	return m, nil
}

// toOpackValue recursively widens map[string]interface{} values so nested
// maps reach the OPACK2 encoder as the same concrete type it dispatches on.
func toOpackValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, vv := range val {
			out[k] = toOpackValue(vv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, vv := range val {
			out[i] = toOpackValue(vv)
		}
		return out
	default:
		return val
	}
}

// pairingData is the payload carried by every "event" message on the
// control channel during pair-setup/pair-verify.
type pairingData struct {
	data            []byte
	kind            string
	sendingHost     string
	startNewSession bool
}

// EncodeRequest wraps payload as a bare request message.
func EncodeRequest(codec *controlChannelCodec, payload map[string]interface{}) []byte {
	return codec.Encode(payload)
}

// EncodeEvent wraps pd as an "event" message carrying pairing TLV8 bytes.
func EncodeEvent(codec *controlChannelCodec, pd *pairingData) []byte {
	inner := map[string]interface{}{
		"data": pd.data,
		"kind": pd.kind,
	}
	if pd.startNewSession {
		inner["startNewSession"] = true
	}
	if pd.sendingHost != "" {
		inner["sendingHost"] = pd.sendingHost
	}
	msg := map[string]interface{}{
		"event": map[string]interface{}{
			"_0": map[string]interface{}{
				"pairingData": map[string]interface{}{
					"_0": inner,
				},
			},
		},
	}
	return codec.Encode(msg)
}

// DecodeEvent decodes raw as an "event" message and fills out with its
// pairing TLV8 payload.
func DecodeEvent(codec *controlChannelCodec, raw []byte, out *pairingData) error {
	m, err := codec.Decode(raw)
	if err != nil {
		return err
	}
	inner, err := getChildMap(m, "event", "_0", "pairingData", "_0")
	if err != nil {
		return err
	}
	data, ok := inner["data"].([]byte)
	if !ok {
		return ioserr.NewProtocolf("tunnel control channel", "event pairingData missing data field")
	}
	out.data = data
	if kind, ok := inner["kind"].(string); ok {
		out.kind = kind
	}
	if host, ok := inner["sendingHost"].(string); ok {
		out.sendingHost = host
	}
	return nil
}

// getChildMap walks m through the given nested-object path, failing with a
// ProtocolError naming the first missing or wrongly-typed segment.
func getChildMap(m map[string]interface{}, path ...string) (map[string]interface{}, error) {
	cur := m
	for _, key := range path {
		next, ok := cur[key]
		if !ok {
			return nil, ioserr.NewProtocolf("tunnel control channel", "missing field %q", key)
		}
		nextMap, ok := next.(map[string]interface{})
		if !ok {
			return nil, ioserr.NewProtocolf("tunnel control channel", "field %q is not an object", key)
		}
		cur = nextMap
	}
	return cur, nil
}

// cipherStream tracks the independent send/receive nonce counters the
// encrypted control-channel stream uses once pairing has produced a
// session key: each direction's 12-byte ChaCha20-Poly1305 nonce is the
// zero-padded little-endian message counter for that direction.
type cipherStream struct {
	sendCounter uint64
	recvCounter uint64
}

func (cs *cipherStream) nextSendNonce() []byte {
	nonce := make([]byte, 12)
	binary.LittleEndian.PutUint64(nonce[4:], cs.sendCounter)
	cs.sendCounter++
	return nonce
}

func (cs *cipherStream) nextRecvNonce() []byte {
	nonce := make([]byte, 12)
	binary.LittleEndian.PutUint64(nonce[4:], cs.recvCounter)
	cs.recvCounter++
	return nonce
}

// EncodeStreamEncrypted seals payload under aead/cs and wraps the
// ciphertext as an OPACK2 message.
func EncodeStreamEncrypted(codec *controlChannelCodec, aead cipher.AEAD, cs *cipherStream, payload map[string]interface{}) ([]byte, error) {
	plain := codec.Encode(payload)
	nonce := cs.nextSendNonce()
	ciphertext := aead.Seal(nil, nonce, plain, nil)
	wrapper := map[string]interface{}{"encryptedMessage": ciphertext}
	return codec.Encode(wrapper), nil
}

// DecodeStreamEncrypted reverses EncodeStreamEncrypted.
func DecodeStreamEncrypted(codec *controlChannelCodec, aead cipher.AEAD, cs *cipherStream, raw []byte) (map[string]interface{}, error) {
	wrapper, err := codec.Decode(raw)
	if err != nil {
		return nil, err
	}
	ciphertext, ok := wrapper["encryptedMessage"].([]byte)
	if !ok {
		return nil, ioserr.NewProtocolf("tunnel control channel", "encrypted message missing ciphertext field")
	}
	nonce := cs.nextRecvNonce()
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ioserr.NewCryptography("decrypting control channel stream message", err)
	}
	return codec.Decode(plain)
}
