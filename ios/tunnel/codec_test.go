package tunnel

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"
)

func TestControlChannelCodecRequestRoundTrip(t *testing.T) {
	codec := newControlChannelCodec()
	raw := EncodeRequest(codec, map[string]interface{}{
		"handshake": map[string]interface{}{
			"_0": map[string]interface{}{
				"wireProtocolVersion": int64(19),
			},
		},
	})

	decoded, err := codec.Decode(raw)
	require.NoError(t, err)

	inner, err := getChildMap(decoded, "handshake", "_0")
	require.NoError(t, err)
	require.Equal(t, int64(19), inner["wireProtocolVersion"])
}

func TestEncodeDecodeEventRoundTrip(t *testing.T) {
	codec := newControlChannelCodec()
	pd := pairingData{
		data:            []byte{0x06, 0x01},
		kind:            "setupManualPairing",
		sendingHost:     "SL-1876",
		startNewSession: true,
	}

	raw := EncodeEvent(codec, &pd)

	var decoded pairingData
	err := DecodeEvent(codec, raw, &decoded)
	require.NoError(t, err)
	require.Equal(t, pd.data, decoded.data)
	require.Equal(t, pd.kind, decoded.kind)
	require.Equal(t, pd.sendingHost, decoded.sendingHost)
}

func TestGetChildMapMissingFieldFails(t *testing.T) {
	m := map[string]interface{}{"a": map[string]interface{}{}}
	_, err := getChildMap(m, "a", "b")
	require.Error(t, err)

	_, err = getChildMap(m, "missing")
	require.Error(t, err)
}

func TestEncodeDecodeStreamEncryptedRoundTrip(t *testing.T) {
	codec := newControlChannelCodec()
	key := make([]byte, chacha20poly1305.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	clientAEAD, err := newAEAD(key)
	require.NoError(t, err)
	serverAEAD, err := newAEAD(key)
	require.NoError(t, err)

	clientCS := &cipherStream{}
	serverCS := &cipherStream{}

	payload := map[string]interface{}{
		"request": map[string]interface{}{
			"_0": map[string]interface{}{"createRemoteUnlockKey": map[string]interface{}{}},
		},
	}

	raw, err := EncodeStreamEncrypted(codec, clientAEAD, clientCS, payload)
	require.NoError(t, err)

	decoded, err := DecodeStreamEncrypted(codec, serverAEAD, serverCS, raw)
	require.NoError(t, err)

	inner, err := getChildMap(decoded, "request", "_0", "createRemoteUnlockKey")
	require.NoError(t, err)
	require.Empty(t, inner)
}

func TestCipherStreamNoncesAreDistinctAndMonotonic(t *testing.T) {
	cs := &cipherStream{}
	n1 := cs.nextSendNonce()
	n2 := cs.nextSendNonce()
	require.NotEqual(t, n1, n2)
	require.Less(t, binary.LittleEndian.Uint64(n1[4:]), binary.LittleEndian.Uint64(n2[4:]))
}
