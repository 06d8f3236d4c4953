package pairing

import (
	"crypto/sha512"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/ios-remotexpc/remotexpc/ioserr"
)

// maxHKDFOutputLen is 255*64 bytes: the RFC 5869 ceiling for SHA-512's
// 64-byte hash output.
const maxHKDFOutputLen = 255 * sha512.Size

// HKDFDerive runs RFC 5869 HKDF-SHA512: extract with salt (a zero block if
// salt is empty) then expand to length bytes using info.
func HKDFDerive(ikm, salt, info []byte, length int) ([]byte, error) {
	if len(ikm) == 0 {
		return nil, ioserr.NewCryptographyf("Input key material (IKM) cannot be empty")
	}
	if info == nil {
		return nil, ioserr.NewCryptographyf("HKDF info parameter is required")
	}
	if length <= 0 {
		return nil, ioserr.NewCryptographyf("Output length must be positive")
	}
	if length > maxHKDFOutputLen {
		return nil, ioserr.NewCryptographyf("Output length cannot exceed %d bytes", maxHKDFOutputLen)
	}

	r := hkdf.New(sha512.New, ikm, salt, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, ioserr.NewCryptography("HKDF expand", err)
	}
	return out, nil
}
