package pairing

import (
	"crypto/rand"
	"crypto/sha512"
	"math/big"

	"github.com/ios-remotexpc/remotexpc/ioserr"
)

// srpKeyLength is the fixed width (bytes) every SRP public key/pad()
// operation serializes to: 384 bytes for the RFC 5054 3072-bit group.
const srpKeyLength = 384

// srpUsername is fixed by the Apple-TV pairing protocol.
const srpUsername = "Pair-Setup"

var srpN *big.Int
var srpG = big.NewInt(5)

func init() {
	n, ok := new(big.Int).SetString(srpGroupPrimeHex, 16)
	if !ok {
		panic("pairing: invalid SRP prime constant")
	}
	srpN = n
}

// srpGroupPrimeHex is the RFC 5054 3072-bit group prime used for
// Pair-Setup, reproduced as one unbroken hex literal so SetString cannot
// silently truncate it the way a hand-wrapped literal could. Its 384-byte
// width is srpKeyLength.
const srpGroupPrimeHex = "FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF6955817183995497CEA956AE515D2261898FA051015728E5A8AAAC42DAD33170D04507A33A85521ABDF1CBA64ECFB850458DBEF0A8AEA71575D060C7DB3970F85A6E1E4C7ABF5AE8CDB0933D71E8C94E04A25619DCEE3D2261AD2EE6BF12FFA06D98A0864D87602733EC86A64521F2B18177B200CBBE117577A615D6C770988C0BAD946E208E24FA074E5AB3143DB5BFCE0FD108E4B82D120A93AD2CAFFFFFFFFFFFFFFFF"

// SrpInfo holds one SRP-6a client session's state from key generation
// through M1 verification.
type SrpInfo struct {
	Salt   []byte
	ServerPublic *big.Int // B

	a             *big.Int // client private
	ClientPublic  []byte   // A, padded
	ClientProof   []byte   // M1
	SessionKey    []byte   // K
	expectedProof []byte   // server's M2, computed locally for VerifyServerProof
}

// NewSrpInfo begins a client session given the server salt and public key
// B, computing A and M1 immediately (password is fixed to the
// Apple-TV-pairing default PIN path — callers supplying a different
// password should use NewSrpInfoWithPassword).
func NewSrpInfo(salt, serverPublicBytes []byte) (*SrpInfo, error) {
	return NewSrpInfoWithPassword(salt, serverPublicBytes, "3939")
}

// NewSrpInfoWithPassword is the general entry point; password is the
// pairing PIN.
func NewSrpInfoWithPassword(salt, serverPublicBytes []byte, password string) (*SrpInfo, error) {
	B := new(big.Int).SetBytes(serverPublicBytes)
	if B.Sign() == 0 || new(big.Int).Mod(B, srpN).Sign() == 0 {
		return nil, ioserr.NewCryptographyf("SRP public key B is invalid")
	}

	aBytes := make([]byte, 32)
	if _, err := rand.Read(aBytes); err != nil {
		return nil, ioserr.NewCryptography("SRP: generating client private key", err)
	}
	a := new(big.Int).SetBytes(aBytes)

	A := new(big.Int).Exp(srpG, a, srpN)
	APadded := padToKeyLength(A)

	x := computeX(salt, srpUsername, password)
	k := hashN(srpN, pad(srpG))

	u := hashBig(APadded, padToKeyLength(B))
	if u.Sign() == 0 {
		return nil, ioserr.NewCryptographyf("SRP u parameter is zero")
	}

	// S = (B - k*g^x)^(a + u*x) mod N
	gx := new(big.Int).Exp(srpG, x, srpN)
	kgx := new(big.Int).Mod(new(big.Int).Mul(k, gx), srpN)
	base := new(big.Int).Mod(new(big.Int).Sub(B, kgx), srpN)
	if base.Sign() < 0 {
		base.Add(base, srpN)
	}
	exp := new(big.Int).Add(a, new(big.Int).Mul(u, x))
	S := new(big.Int).Exp(base, exp, srpN)

	K := sha512Sum(S.Bytes())

	hN := sha512Sum(srpN.Bytes())
	hg := sha512Sum(pad(srpG))
	xorNG := xorBytes(hN, hg)
	hUser := sha512Sum([]byte(srpUsername))

	m1Input := concatAll(xorNG, hUser, salt, APadded, padToKeyLength(B), K)
	M1 := sha512Sum(m1Input)

	m2Input := concatAll(APadded, M1, K)
	expectedM2 := sha512Sum(m2Input)

	return &SrpInfo{
		Salt:          salt,
		ServerPublic:  B,
		a:             a,
		ClientPublic:  APadded,
		ClientProof:   M1,
		SessionKey:    K,
		expectedProof: expectedM2,
	}, nil
}

// VerifyServerProof checks the server's M2 against the value computed
// locally from A, M1, and K.
func (s *SrpInfo) VerifyServerProof(serverProof []byte) bool {
	if len(serverProof) != len(s.expectedProof) {
		return false
	}
	var diff byte
	for i := range serverProof {
		diff |= serverProof[i] ^ s.expectedProof[i]
	}
	return diff == 0
}

// Dispose scrubs the private scalar and derived session material.
func (s *SrpInfo) Dispose() {
	if s.a != nil {
		s.a.SetInt64(0)
	}
	zero(s.SessionKey)
	zero(s.ClientProof)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func computeX(salt []byte, username, password string) *big.Int {
	inner := sha512Sum([]byte(username + ":" + password))
	outer := sha512Sum(append(append([]byte(nil), salt...), inner...))
	return new(big.Int).SetBytes(outer)
}

func hashN(n *big.Int, gPad []byte) *big.Int {
	h := sha512Sum(append(n.Bytes(), gPad...))
	return new(big.Int).SetBytes(h)
}

func hashBig(a, b []byte) *big.Int {
	return new(big.Int).SetBytes(sha512Sum(append(append([]byte(nil), a...), b...)))
}

func pad(n *big.Int) []byte { return padToKeyLength(n) }

// padToKeyLength serializes n as a fixed-width big-endian buffer of
// srpKeyLength bytes, as required for every SRP public-key/pad()
// operation.
func padToKeyLength(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= srpKeyLength {
		return b[len(b)-srpKeyLength:]
	}
	out := make([]byte, srpKeyLength)
	copy(out[srpKeyLength-len(b):], b)
	return out
}

func sha512Sum(b []byte) []byte {
	h := sha512.Sum512(b)
	return h[:]
}

func xorBytes(a, b []byte) []byte {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func concatAll(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
