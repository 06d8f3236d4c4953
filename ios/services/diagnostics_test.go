package services

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ios-remotexpc/remotexpc/ios/plist"
	"github.com/ios-remotexpc/remotexpc/ios/servicefabric"
)

// writeFramedForTest and readFramedForTest mirror servicefabric's private
// 4-byte-BE-length-prefixed plist framing, so these tests can play the
// device side of the wire without reaching into that package.
func writeFramedForTest(t *testing.T, w io.Writer, v plist.Value) {
	t.Helper()
	payload := plist.EncodeXML(v)
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	_, err := w.Write(hdr[:])
	require.NoError(t, err)
	_, err = w.Write(payload)
	require.NoError(t, err)
}

func readFramedForTest(t *testing.T, r io.Reader) plist.Value {
	t.Helper()
	var hdr [4]byte
	_, err := io.ReadFull(r, hdr[:])
	require.NoError(t, err)
	n := binary.BigEndian.Uint32(hdr[:])
	body := make([]byte, n)
	if n > 0 {
		_, err = io.ReadFull(r, body)
		require.NoError(t, err)
	}
	v, err := plist.ParsePlist(body)
	require.NoError(t, err)
	return v
}

func serveFabricCheckin(t *testing.T, server net.Conn) {
	t.Helper()
	req := readFramedForTest(t, server)
	name, _ := mustGet(t, req, "Request").String()
	require.Equal(t, "RSDCheckin", name)
	writeFramedForTest(t, server, plist.Dict(plist.P("Request", plist.String("RSDCheckin"))))
}

func mustGet(t *testing.T, v plist.Value, key string) plist.Value {
	t.Helper()
	field, ok := v.Get(key)
	require.True(t, ok)
	return field
}

// newTestFabric opens a fabric over a net.Pipe and hands back the server
// side so the test can drive the wire protocol directly.
func newTestFabric(t *testing.T) (*servicefabric.Fabric, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		serveFabricCheckin(t, server)
	}()
	f, err := servicefabric.NewFromConn(client, 2*time.Second)
	require.NoError(t, err)
	<-done
	t.Cleanup(func() { server.Close() })
	return f, server
}

func TestDiagnosticsSleepSendsRequestAndChecksStatus(t *testing.T) {
	fabric, server := newTestFabric(t)
	d := NewDiagnosticsService(fabric)
	defer d.Close()

	go func() {
		req := readFramedForTest(t, server)
		name, _ := mustGet(t, req, "Request").String()
		require.Equal(t, "Sleep", name)
		writeFramedForTest(t, server, plist.Dict(plist.P("Status", plist.String("Success"))))
	}()

	require.NoError(t, d.Sleep())
}

func TestDiagnosticsNonSuccessStatusIsError(t *testing.T) {
	fabric, server := newTestFabric(t)
	d := NewDiagnosticsService(fabric)
	defer d.Close()

	go func() {
		readFramedForTest(t, server)
		writeFramedForTest(t, server, plist.Dict(plist.P("Status", plist.String("Failure"))))
	}()

	err := d.Restart()
	require.Error(t, err)
}

func TestDiagnosticsMobileGestaltRoundTrip(t *testing.T) {
	fabric, server := newTestFabric(t)
	d := NewDiagnosticsService(fabric)
	defer d.Close()

	go func() {
		req := readFramedForTest(t, server)
		keysField := mustGet(t, req, "MobileGestaltKeys")
		items, _ := keysField.Array()
		require.Len(t, items, 1)
		k, _ := items[0].String()
		require.Equal(t, "UniqueDeviceID", k)

		resp := plist.Dict(
			plist.P("Status", plist.String("Success")),
			plist.P("MobileGestaltKeys", plist.Dict(plist.P("UniqueDeviceID", plist.String("abc-123")))),
		)
		writeFramedForTest(t, server, resp)
	}()

	resp, err := d.MobileGestalt([]string{"UniqueDeviceID"})
	require.NoError(t, err)
	result, ok := resp.Get("MobileGestaltKeys")
	require.True(t, ok)
	id, ok := result.Get("UniqueDeviceID")
	require.True(t, ok)
	s, _ := id.String()
	require.Equal(t, "abc-123", s)
}
