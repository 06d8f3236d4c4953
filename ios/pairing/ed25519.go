package pairing

import (
	"crypto/rand"

	"golang.org/x/crypto/ed25519"

	"github.com/ios-remotexpc/remotexpc/ioserr"
)

// Ed25519KeyPair is a 32-byte seed / 32-byte public key pair.
type Ed25519KeyPair struct {
	PublicKey  []byte
	PrivateKey []byte // 32-byte seed, the form Ed25519Sign takes
}

// GenerateEd25519KeyPair creates a fresh signing key pair.
func GenerateEd25519KeyPair() (Ed25519KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Ed25519KeyPair{}, ioserr.NewCryptography("ed25519 key generation", err)
	}
	return Ed25519KeyPair{PublicKey: []byte(pub), PrivateKey: priv.Seed()}, nil
}

// Ed25519Sign signs data with privateKey, which must be the 32-byte seed.
// The output is a 64-byte signature.
func Ed25519Sign(privateKey, data []byte) ([]byte, error) {
	if len(privateKey) != ed25519.SeedSize {
		return nil, ioserr.NewCryptographyf("Private key must be %d bytes", ed25519.SeedSize)
	}
	if len(data) == 0 {
		return nil, ioserr.NewCryptographyf("cannot sign empty data")
	}
	expanded := ed25519.NewKeyFromSeed(privateKey)
	sig := ed25519.Sign(expanded, data)
	return sig, nil
}

// Ed25519Verify checks a 64-byte signature against a 32-byte public key.
func Ed25519Verify(publicKey, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, data, signature)
}
