package usbmux

import (
	"encoding/base64"

	"github.com/ios-remotexpc/remotexpc/ios/plist"
	"github.com/ios-remotexpc/remotexpc/ioserr"
)

// Device is one mux-attached device's identity record. DeviceID is
// link-scoped and reused across reboots; SerialNumber (the UDID) is the
// globally stable key.
type Device struct {
	DeviceID        int64
	SerialNumber    string
	ConnectionType  string
	ProductID       int64
	ConnectionSpeed int64
	LocationID      int64
}

func deviceFromPlist(v plist.Value) (Device, error) {
	var d Device

	id, ok := v.Get("DeviceID")
	if !ok {
		return d, ioserr.NewProtocolf("usbmux device list", "entry missing DeviceID")
	}
	n, ok := id.Int()
	if !ok {
		return d, ioserr.NewProtocolf("usbmux device list", "DeviceID is not an integer")
	}
	d.DeviceID = n

	props, ok := v.Get("Properties")
	if !ok {
		return d, ioserr.NewProtocolf("usbmux device list", "entry missing Properties")
	}

	if serial, ok := props.Get("SerialNumber"); ok {
		d.SerialNumber, _ = serial.String()
	}
	if ct, ok := props.Get("ConnectionType"); ok {
		d.ConnectionType, _ = ct.String()
	}
	if pid, ok := props.Get("ProductID"); ok {
		d.ProductID, _ = pid.Int()
	}
	if speed, ok := props.Get("ConnectionSpeed"); ok {
		d.ConnectionSpeed, _ = speed.Int()
	}
	if loc, ok := props.Get("LocationID"); ok {
		d.LocationID, _ = loc.Int()
	}
	return d, nil
}

// PairRecord is the long-lived secret bundle authorizing a lockdown
// session with one device. Certificate/key fields are normalized PEM
// bytes regardless of whether the source plist field carried raw PEM or
// base64-wrapped PEM text.
type PairRecord struct {
	HostCertificate   []byte
	HostPrivateKey    []byte
	DeviceCertificate []byte
	RootCertificate   []byte
	RootPrivateKey    []byte
	HostID            string
	SystemBUID        string
	WiFiMACAddress    string
	EscrowBag         []byte
}

func pairRecordFromPlist(v plist.Value) (PairRecord, error) {
	var pr PairRecord
	var err error

	if pr.HostCertificate, err = certField(v, "HostCertificate", true); err != nil {
		return pr, err
	}
	if pr.HostPrivateKey, err = certField(v, "HostPrivateKey", true); err != nil {
		return pr, err
	}
	if pr.DeviceCertificate, err = certField(v, "DeviceCertificate", true); err != nil {
		return pr, err
	}
	if pr.RootCertificate, err = certField(v, "RootCertificate", false); err != nil {
		return pr, err
	}
	if pr.RootPrivateKey, err = certField(v, "RootPrivateKey", false); err != nil {
		return pr, err
	}

	hostID, ok := v.Get("HostID")
	if !ok {
		return pr, ioserr.NewProtocolf("usbmux pair record", "missing HostID")
	}
	pr.HostID, _ = hostID.String()

	buid, ok := v.Get("SystemBUID")
	if !ok {
		return pr, ioserr.NewProtocolf("usbmux pair record", "missing SystemBUID")
	}
	pr.SystemBUID, _ = buid.String()

	if mac, ok := v.Get("WiFiMACAddress"); ok {
		pr.WiFiMACAddress, _ = mac.String()
	}
	if bag, ok := v.Get("EscrowBag"); ok {
		pr.EscrowBag, _ = bag.Data()
	}
	return pr, nil
}

// certField extracts a PEM-bearing field, accepting either a <data> value
// (whose decoded bytes are the literal PEM text) or a <string> value
// (which some producers pack as base64-of-PEM, and others as literal PEM).
func certField(v plist.Value, key string, required bool) ([]byte, error) {
	field, ok := v.Get(key)
	if !ok {
		if required {
			return nil, ioserr.NewProtocolf("usbmux pair record", "missing %s", key)
		}
		return nil, nil
	}
	if b, ok := field.Data(); ok {
		return b, nil
	}
	if s, ok := field.String(); ok {
		if decoded, decErr := base64.StdEncoding.DecodeString(s); decErr == nil {
			return decoded, nil
		}
		return []byte(s), nil
	}
	return nil, ioserr.NewProtocolf("usbmux pair record", "%s is neither data nor string", key)
}
