// Package services holds the thin per-service wrappers built on top of
// ios/servicefabric: diagnostics, notification proxy, heartbeat, syslog,
// and the mobile image mounter. Each maps a handful of domain operations
// onto {Command: ...} or {Request: ...} request/response pairs over an
// already-connected fabric.
package services

import (
	"github.com/ios-remotexpc/remotexpc/ios/plist"
	"github.com/ios-remotexpc/remotexpc/ios/servicefabric"
	"github.com/ios-remotexpc/remotexpc/ioserr"
)

// DiagnosticsService wraps com.apple.mobile.diagnostics_relay-shaped
// request/response calls.
type DiagnosticsService struct {
	fabric *servicefabric.Fabric
}

// NewDiagnosticsService wraps an already-connected, checked-in fabric.
func NewDiagnosticsService(fabric *servicefabric.Fabric) *DiagnosticsService {
	return &DiagnosticsService{fabric: fabric}
}

// Close closes the underlying connection.
func (d *DiagnosticsService) Close() error { return d.fabric.Close() }

func (d *DiagnosticsService) sendCommand(command string, extra ...plist.KV) (plist.Value, error) {
	kv := append([]plist.KV{plist.P("Request", plist.String(command))}, extra...)
	resp, err := d.fabric.SendPlistRequest(plist.Dict(kv...), 0)
	if err != nil {
		return plist.Value{}, err
	}
	if status, ok := resp.Get("Status"); ok {
		if s, _ := status.String(); s != "" && s != "Success" {
			return resp, ioserr.NewProtocolf("diagnostics", "request %s failed with status %s", command, s)
		}
	}
	return resp, nil
}

// Sleep puts the device to sleep.
func (d *DiagnosticsService) Sleep() error {
	_, err := d.sendCommand("Sleep")
	return err
}

// Restart reboots the device.
func (d *DiagnosticsService) Restart() error {
	_, err := d.sendCommand("Restart")
	return err
}

// Shutdown powers the device off.
func (d *DiagnosticsService) Shutdown() error {
	_, err := d.sendCommand("Shutdown")
	return err
}

// Goodbye ends the diagnostics session cleanly before Close.
func (d *DiagnosticsService) Goodbye() error {
	_, err := d.sendCommand("Goodbye")
	return err
}

// MobileGestalt queries the named MobileGestalt keys and returns the raw
// response dict (caller extracts fields it expects, per the spec's
// schema-less-response guidance).
func (d *DiagnosticsService) MobileGestalt(keys []string) (plist.Value, error) {
	items := make([]plist.Value, len(keys))
	for i, k := range keys {
		items[i] = plist.String(k)
	}
	return d.sendCommand("MobileGestalt", plist.P("MobileGestaltKeys", plist.Array(items...)))
}

// IORegistry queries one IORegistry entry by plane and name.
func (d *DiagnosticsService) IORegistry(plane, name string) (plist.Value, error) {
	return d.sendCommand("IORegistry",
		plist.P("CurrentPlane", plist.String(plane)),
		plist.P("EntryName", plist.String(name)),
	)
}
