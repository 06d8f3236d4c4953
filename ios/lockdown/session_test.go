package lockdown

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ios-remotexpc/remotexpc/ios/plist"
	"github.com/ios-remotexpc/remotexpc/ios/usbmux"
)

func TestStartSessionPlaintextHandshake(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	go func() {
		req, err := readFramed(server)
		require.NoError(t, err)
		reqField, _ := req.Get("Request")
		name, _ := reqField.String()
		require.Equal(t, "StartSession", name)

		resp := plist.Dict(
			plist.P("Request", plist.String("StartSession")),
			plist.P("SessionID", plist.String("session-1")),
			plist.P("EnableSessionSSL", plist.Bool(false)),
		)
		require.NoError(t, writeFramed(server, resp))
	}()

	pr := usbmux.PairRecord{HostID: "host-1", SystemBUID: "buid-1"}
	sess, err := StartSession(client, pr, "remotexpc-test")
	require.NoError(t, err)
	require.Equal(t, "session-1", sess.sessID)
}

func TestSendAndReceiveRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	go func() {
		req, err := readFramed(server)
		require.NoError(t, err)
		val, _ := req.Get("Request")
		name, _ := val.String()
		require.Equal(t, "QueryType", name)

		resp := plist.Dict(plist.P("Type", plist.String("com.apple.mobile.lockdown")))
		require.NoError(t, writeFramed(server, resp))
	}()

	sess := &Session{conn: client}
	resp, err := sess.SendAndReceive(plist.Dict(plist.P("Request", plist.String("QueryType"))), 2*time.Second)
	require.NoError(t, err)
	typeField, ok := resp.Get("Type")
	require.True(t, ok)
	s, _ := typeField.String()
	require.Equal(t, "com.apple.mobile.lockdown", s)
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	client, _ := net.Pipe()
	sess := &Session{conn: client}
	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close())
}

func TestSendAndReceiveAfterCloseFails(t *testing.T) {
	client, _ := net.Pipe()
	sess := &Session{conn: client}
	require.NoError(t, sess.Close())

	_, err := sess.SendAndReceive(plist.Dict(), time.Second)
	require.Error(t, err)
}
