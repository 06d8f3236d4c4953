package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ios-remotexpc/remotexpc/ios/plist"
	"github.com/ios-remotexpc/remotexpc/ios/servicefabric"
)

func TestHeartbeatServiceRespondsWithPoloNonBlocking(t *testing.T) {
	fabric, server := newTestFabric(t)
	h := NewHeartbeatService(fabric)
	defer h.Stop()

	require.NoError(t, h.Start(false, 0))
	require.Equal(t, servicefabric.HeartbeatRunning, h.Phase())

	writeFramedForTest(t, server, plist.Dict(plist.P("Command", plist.String("Marco"))))

	_ = server.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp := readFramedForTest(t, server)
	cmd, _ := resp.Get("Command")
	s, _ := cmd.String()
	require.Equal(t, "Polo", s)
}

func TestHeartbeatServiceStopIsIdempotent(t *testing.T) {
	fabric, _ := newTestFabric(t)
	h := NewHeartbeatService(fabric)

	require.NoError(t, h.Start(false, 0))
	require.NoError(t, h.Stop())
	require.NoError(t, h.Stop())
	require.Equal(t, servicefabric.HeartbeatStopped, h.Phase())
}
