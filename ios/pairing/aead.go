package pairing

import (
	"crypto/cipher"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/ios-remotexpc/remotexpc/ioserr"
)

// ChaChaEncrypt seals plaintext with a 32-byte key and 12-byte nonce.
// Ciphertext is encrypted||16-byte-tag.
func ChaChaEncrypt(key, nonce, plaintext []byte) ([]byte, error) {
	aead, err := newChaCha(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, ioserr.NewCryptographyf("nonce must be %d bytes", aead.NonceSize())
	}
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

// ChaChaDecrypt opens a ciphertext produced by ChaChaEncrypt (or any
// ChaCha20-Poly1305 peer using the same key/nonce).
func ChaChaDecrypt(key, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := newChaCha(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, ioserr.NewCryptographyf("nonce must be %d bytes", aead.NonceSize())
	}
	if len(ciphertext) < aead.Overhead() {
		return nil, ioserr.NewCryptographyf("ciphertext shorter than the %d-byte authentication tag", aead.Overhead())
	}
	pt, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ioserr.NewCryptography("ChaCha20-Poly1305 authentication failed", err)
	}
	return pt, nil
}

func newChaCha(key []byte) (cipher.AEAD, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ioserr.NewCryptographyf("key must be %d bytes", chacha20poly1305.KeySize)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, ioserr.NewCryptography("constructing ChaCha20-Poly1305 AEAD", err)
	}
	return aead, nil
}
