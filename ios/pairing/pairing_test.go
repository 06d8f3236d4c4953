package pairing

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTLV8RoundTripSimple(t *testing.T) {
	items := []TLV8Item{{Type: TypeIdentifier, Data: []byte{0x42, 0x43, 0x44}}}
	raw := EncodeTLV8(items)
	require.Equal(t, []byte{0x01, 0x03, 0x42, 0x43, 0x44}, raw)

	decoded, err := DecodeTLV8(raw)
	require.NoError(t, err)
	require.Equal(t, items, decoded)
}

func TestTLV8FragmentsLongItems(t *testing.T) {
	data := make([]byte, 300)
	for i := range data {
		data[i] = byte(i)
	}
	raw := EncodeTLV8([]TLV8Item{{Type: TypeEncryptedData, Data: data}})

	// Expect two records: 255 bytes then 45 bytes, both tagged the same type.
	require.Equal(t, TypeEncryptedData, int(raw[0]))
	require.Equal(t, 255, int(raw[1]))
	require.Equal(t, TypeEncryptedData, int(raw[2+255]))
	require.Equal(t, 45, int(raw[2+255+1]))

	dict, err := DecodeTLV8ToDict(raw)
	require.NoError(t, err)
	require.Equal(t, data, dict[TypeEncryptedData])
}

func TestTLV8ZeroLengthItem(t *testing.T) {
	raw := EncodeTLV8([]TLV8Item{{Type: TypeError, Data: nil}})
	require.Equal(t, []byte{TypeError, 0}, raw)
}

func TestTLV8DecodeTruncatedFails(t *testing.T) {
	_, err := DecodeTLV8([]byte{0x01, 0x05, 0x01, 0x02})
	require.Error(t, err)
}

func TestTLVBufferAndReader(t *testing.T) {
	raw := NewTLVBuffer().
		WriteByte(TypeState, PairStateStartRequest).
		WriteData(TypeIdentifier, []byte("host-1")).
		Bytes()

	state, err := TlvReader(raw).ReadCoalesced(TypeState)
	require.NoError(t, err)
	require.Equal(t, []byte{PairStateStartRequest}, state)

	ident, err := TlvReader(raw).ReadCoalesced(TypeIdentifier)
	require.NoError(t, err)
	require.Equal(t, []byte("host-1"), ident)

	_, err = TlvReader(raw).ReadCoalesced(TypeSignature)
	require.Error(t, err)
}

func TestOpack2ScenarioOneLiterals(t *testing.T) {
	require.Equal(t, []byte{0x03}, Opack2.Dumps(nil))
	require.Equal(t, []byte{0x01}, Opack2.Dumps(true))
	require.Equal(t, []byte{0x02}, Opack2.Dumps(false))
	require.Equal(t, []byte{0x40}, Opack2.Dumps(""))
	require.Equal(t, []byte{0x08}, Opack2.Dumps(0))
	require.Equal(t, []byte{0x30, 0x28}, Opack2.Dumps(40))

	neg := Opack2.Dumps(-1)
	require.Len(t, neg, 5)
	require.Equal(t, byte(0x35), neg[0])
}

func TestOpack2RoundTripScalarsAndContainers(t *testing.T) {
	cases := []interface{}{
		nil, true, false, "", "hello world", 0, 39, 40, 255, 70000,
		[]interface{}{int64(1), "two", true},
		map[string]interface{}{"a": int64(1), "b": "two"},
	}
	for _, c := range cases {
		raw := Opack2.Dumps(c)
		got, err := Opack2.Loads(raw)
		require.NoError(t, err)
		if c == nil {
			require.Nil(t, got)
			continue
		}
		switch v := c.(type) {
		case int:
			require.Equal(t, int64(v), got)
		default:
			require.Equal(t, c, got)
		}
	}
}

// Negative integers are promoted to a 4-byte float32 per the OPACK2 marker
// table, so their round trip lands on float64, not int64.
func TestOpack2NegativeIntRoundTripsAsFloat(t *testing.T) {
	raw := Opack2.Dumps(-42)
	got, err := Opack2.Loads(raw)
	require.NoError(t, err)
	require.Equal(t, float64(-42), got)
}

func TestOpack2LongStringAndBuffer(t *testing.T) {
	long := make([]byte, 64)
	for i := range long {
		long[i] = byte('a' + i%26)
	}
	raw := Opack2.Dumps(string(long))
	require.Equal(t, byte(0x6F), raw[0])
	got, err := Opack2.Loads(raw)
	require.NoError(t, err)
	require.Equal(t, string(long), got)

	bufRaw := Opack2.Dumps(long)
	require.Equal(t, byte(0x9F), bufRaw[0])
	gotBuf, err := Opack2.Loads(bufRaw)
	require.NoError(t, err)
	require.Equal(t, long, gotBuf)
}

func TestOpack2BufferShortFormBoundaryIsDistinctFromLongForm(t *testing.T) {
	// 15 bytes takes the short-form marker 0x70+15 == 0x7F, which must
	// not collide with the long-form marker.
	short := make([]byte, 15)
	for i := range short {
		short[i] = byte(i)
	}
	raw := Opack2.Dumps(short)
	require.Equal(t, byte(0x7F), raw[0])
	got, err := Opack2.Loads(raw)
	require.NoError(t, err)
	require.Equal(t, short, got)
}

func TestOpack2LongArray(t *testing.T) {
	arr := make([]interface{}, 20)
	for i := range arr {
		arr[i] = int64(i)
	}
	raw := Opack2.Dumps(arr)
	require.Equal(t, byte(0xDF), raw[0])
	got, err := Opack2.Loads(raw)
	require.NoError(t, err)
	require.Equal(t, arr, got)
}

func TestHKDFDeriveBasic(t *testing.T) {
	out, err := HKDFDerive([]byte("ikm"), []byte("salt"), []byte("info"), 32)
	require.NoError(t, err)
	require.Len(t, out, 32)

	again, err := HKDFDerive([]byte("ikm"), []byte("salt"), []byte("info"), 32)
	require.NoError(t, err)
	require.Equal(t, out, again)
}

func TestHKDFEmptyIKMFails(t *testing.T) {
	_, err := HKDFDerive(nil, []byte("salt"), []byte("info"), 32)
	require.Error(t, err)
	require.Contains(t, err.Error(), "Input key material (IKM) cannot be empty")
}

func TestHKDFOversizeLengthFails(t *testing.T) {
	_, err := HKDFDerive([]byte("ikm"), []byte("salt"), []byte("info"), maxHKDFOutputLen+1)
	require.Error(t, err)
	require.Contains(t, err.Error(), "cannot exceed")
}

func TestEd25519SignAndVerify(t *testing.T) {
	kp, err := GenerateEd25519KeyPair()
	require.NoError(t, err)

	msg := []byte("pair-verify M1")
	sig, err := Ed25519Sign(kp.PrivateKey[:32], msg)
	require.NoError(t, err)
	require.Len(t, sig, 64)

	require.True(t, Ed25519Verify(kp.PublicKey, msg, sig))
	require.False(t, Ed25519Verify(kp.PublicKey, []byte("tampered"), sig))
}

func TestEd25519RejectsShortKeyAndEmptyData(t *testing.T) {
	_, err := Ed25519Sign(make([]byte, 16), []byte("x"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "32 bytes")

	_, err = Ed25519Sign(make([]byte, 32), nil)
	require.Error(t, err)
}

func TestChaChaEncryptDecryptRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	nonce := make([]byte, 12)
	for i := range nonce {
		nonce[i] = byte(i + 1)
	}
	plaintext := []byte("setup-M5-payload")

	ciphertext, err := ChaChaEncrypt(key, nonce, plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, ciphertext)

	decrypted, err := ChaChaDecrypt(key, nonce, ciphertext)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)
}

func TestChaChaDecryptWithWrongKeyFails(t *testing.T) {
	key := make([]byte, 32)
	wrongKey := make([]byte, 32)
	wrongKey[0] = 1
	nonce := make([]byte, 12)

	ciphertext, err := ChaChaEncrypt(key, nonce, []byte("data"))
	require.NoError(t, err)

	_, err = ChaChaDecrypt(wrongKey, nonce, ciphertext)
	require.Error(t, err)
}

func TestDeriveHostIDIsDeterministic(t *testing.T) {
	id1, err := DeriveHostID("my-mac.local")
	require.NoError(t, err)
	id2, err := DeriveHostID("my-mac.local")
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	_, err = DeriveHostID("")
	require.Error(t, err)
}

// serverComputeB simulates the device side of SRP-6a so the client
// implementation's M1 can be checked for agreement against an independent
// computation of the same handshake, using the same math the client uses.
func serverComputeB(t *testing.T, password string) (salt []byte, b *big.Int, B *big.Int) {
	t.Helper()
	salt = []byte("deviceSaltBytes1")
	x := computeX(salt, srpUsername, password)
	v := new(big.Int).Exp(srpG, x, srpN)

	bBytes := make([]byte, 32)
	bBytes[0] = 0x42
	b = new(big.Int).SetBytes(bBytes)

	k := hashN(srpN, pad(srpG))
	gb := new(big.Int).Exp(srpG, b, srpN)
	kv := new(big.Int).Mod(new(big.Int).Mul(k, v), srpN)
	B = new(big.Int).Mod(new(big.Int).Add(kv, gb), srpN)
	return salt, b, B
}

func TestSRPClientServerAgreeOnM1(t *testing.T) {
	const password = "3939"
	salt, b, B := serverComputeB(t, password)

	client, err := NewSrpInfoWithPassword(salt, padToKeyLength(B), password)
	require.NoError(t, err)
	require.NotEmpty(t, client.ClientProof)

	// Recompute the server's view of S/K/M1 independently from b and the
	// client's public A to confirm both sides land on the same session key
	// and client proof.
	A := new(big.Int).SetBytes(client.ClientPublic)
	u := hashBig(padToKeyLength(A), padToKeyLength(B))
	require.NotZero(t, u.Sign())

	x := computeX(salt, srpUsername, password)
	v := new(big.Int).Exp(srpG, x, srpN)
	Avu := new(big.Int).Mod(new(big.Int).Mul(A, new(big.Int).Exp(v, u, srpN)), srpN)
	S := new(big.Int).Exp(Avu, b, srpN)
	K := sha512Sum(S.Bytes())

	require.Equal(t, client.SessionKey, K)

	hN := sha512Sum(srpN.Bytes())
	hg := sha512Sum(pad(srpG))
	xorNG := xorBytes(hN, hg)
	hUser := sha512Sum([]byte(srpUsername))
	m1 := sha512Sum(concatAll(xorNG, hUser, salt, padToKeyLength(A), padToKeyLength(B), K))

	require.Equal(t, client.ClientProof, m1)

	m2 := sha512Sum(concatAll(padToKeyLength(A), m1, K))
	require.True(t, client.VerifyServerProof(m2))
	require.False(t, client.VerifyServerProof([]byte("wrong")))
}

func TestSRPRejectsZeroPublicKey(t *testing.T) {
	_, err := NewSrpInfoWithPassword([]byte("salt"), make([]byte, 32), "3939")
	require.Error(t, err)
}

func TestClassifyBonjourLine(t *testing.T) {
	added, ok := classifyBonjourLine("Add")
	require.True(t, ok)
	require.True(t, added)

	removed, ok := classifyBonjourLine("Rmv")
	require.True(t, ok)
	require.False(t, removed)

	_, ok = classifyBonjourLine("Browsing")
	require.False(t, ok)
}

func TestBonjourBrowserTracksServices(t *testing.T) {
	b := NewBonjourBrowser("dns-sd", []string{"-B", "_remotepairing._tcp"})
	var events []BonjourEvent
	b.OnEvent(func(e BonjourEvent) { events = append(events, e) })

	b.handleLine("Add 2 4 _remotepairing._tcp. local. Johns-Phone")
	b.handleLine("Rmv 2 4 _remotepairing._tcp. local. Johns-Phone")

	require.Len(t, events, 2)
	require.True(t, events[0].Added)
	require.False(t, events[1].Added)
	require.Empty(t, b.Services())
}
