package servicefabric

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ios-remotexpc/remotexpc/ios/plist"
)

func TestHeartbeatRespondsWithPoloNonBlocking(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	go serveCheckin(t, server)

	f, err := newFromConnForTest(client)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.StartHeartbeat(false, 0))
	require.Equal(t, HeartbeatRunning, f.Phase())

	ping := plist.Dict(plist.P("Command", plist.String("Marco")))
	require.NoError(t, writeFramed(server, ping))

	_ = server.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := readFramed(server)
	require.NoError(t, err)
	cmd, ok := resp.Get("Command")
	require.True(t, ok)
	s, _ := cmd.String()
	require.Equal(t, "Polo", s)
}

func TestSendPoloDirect(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	go serveCheckin(t, server)

	f, err := newFromConnForTest(client)
	require.NoError(t, err)
	defer f.Close()

	go func() {
		require.NoError(t, f.SendPolo())
	}()

	_ = server.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := readFramed(server)
	require.NoError(t, err)
	cmd, _ := resp.Get("Command")
	s, _ := cmd.String()
	require.Equal(t, "Polo", s)
}

func TestStopHeartbeatIsIdempotent(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	go serveCheckin(t, server)

	f, err := newFromConnForTest(client)
	require.NoError(t, err)

	require.NoError(t, f.StartHeartbeat(false, 0))
	require.NoError(t, f.StopHeartbeat())
	require.NoError(t, f.StopHeartbeat())
	require.Equal(t, HeartbeatStopped, f.Phase())
}

func TestHeartbeatStartingTwiceFails(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	go serveCheckin(t, server)

	f, err := newFromConnForTest(client)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.StartHeartbeat(false, 0))
	require.Error(t, f.StartHeartbeat(false, 0))
}
