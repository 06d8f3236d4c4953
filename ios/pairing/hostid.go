package pairing

import (
	"github.com/google/uuid"

	"github.com/ios-remotexpc/remotexpc/ioserr"
)

// DeriveHostID computes a deterministic UUIDv3 identifier from a hostname,
// used as the stable host-id Apple-TV pairing advertises to the device.
func DeriveHostID(hostname string) (string, error) {
	if hostname == "" {
		return "", ioserr.NewStatef("hostname must not be empty")
	}
	id := uuid.NewMD5(uuid.NameSpaceDNS, []byte(hostname))
	return id.String(), nil
}
