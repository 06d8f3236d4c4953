package servicefabric

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ios-remotexpc/remotexpc/ios/plist"
)

func serveCheckin(t *testing.T, server net.Conn) {
	t.Helper()
	req, err := readFramed(server)
	require.NoError(t, err)
	reqField, ok := req.Get("Request")
	require.True(t, ok)
	name, _ := reqField.String()
	require.Equal(t, "RSDCheckin", name)

	ack := plist.Dict(plist.P("Request", plist.String("RSDCheckin")))
	require.NoError(t, writeFramed(server, ack))
}

func TestDialPerformsRSDCheckin(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		serveCheckin(t, server)
	}()

	f, err := newFromConnForTest(client)
	require.NoError(t, err)
	defer f.Close()
	<-done
}

func TestSendPlistRequestRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	go func() {
		serveCheckin(t, server)
		req, err := readFramed(server)
		require.NoError(t, err)
		val, _ := req.Get("Request")
		name, _ := val.String()
		require.Equal(t, "QueryType", name)

		resp := plist.Dict(plist.P("Type", plist.String("some-service")))
		require.NoError(t, writeFramed(server, resp))
	}()

	f, err := newFromConnForTest(client)
	require.NoError(t, err)
	defer f.Close()

	resp, err := f.SendPlistRequest(plist.Dict(plist.P("Request", plist.String("QueryType"))), 2*time.Second)
	require.NoError(t, err)
	typeField, ok := resp.Get("Type")
	require.True(t, ok)
	s, _ := typeField.String()
	require.Equal(t, "some-service", s)
}

func TestCloseIsIdempotent(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	go serveCheckin(t, server)

	f, err := newFromConnForTest(client)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
}

// newFromConnForTest bypasses Dial's net.DialTimeout so tests can drive
// the checkin handshake over a net.Pipe.
func newFromConnForTest(conn net.Conn) (*Fabric, error) {
	return NewFromConn(conn, 2*time.Second)
}
