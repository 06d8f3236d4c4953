package rsd

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ios-remotexpc/remotexpc/ios/http2lite"
)

func TestExtractServicesInterleavedOrder(t *testing.T) {
	catalog := "com.apple.serviceA Port 1 junk com.apple.serviceB Port 2 com.apple.serviceC Port 3"
	services := extractServices([]byte(catalog))

	require.Len(t, services, 3)
	require.Equal(t, "com.apple.serviceA", services[0].Name)
	require.Equal(t, "1", services[0].Port)
	require.Equal(t, "com.apple.serviceB", services[1].Name)
	require.Equal(t, "2", services[1].Port)
	require.Equal(t, "com.apple.serviceC", services[2].Name)
	require.Equal(t, "3", services[2].Port)
}

func TestExtractServicesDropsNameWithoutFollowingPort(t *testing.T) {
	catalog := "com.apple.stale com.apple.fresh Port 9"
	services := extractServices([]byte(catalog))

	require.Len(t, services, 1)
	require.Equal(t, "com.apple.fresh", services[0].Name)
	require.Equal(t, "9", services[0].Port)
}

func TestClientReadsCatalogOverPipeAndFindsService(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	go func() {
		f, err := http2lite.ReadFrame(serverConn)
		require.NoError(t, err)
		require.Equal(t, http2lite.FrameSettings, f.Type)

		f, err = http2lite.ReadFrame(serverConn)
		require.NoError(t, err)
		require.Equal(t, http2lite.FrameHeaders, f.Type)

		require.NoError(t, http2lite.WriteFrame(serverConn,
			http2lite.BuildHeadersFrame(handshakeStreamID, []byte("catalog-headers"), nil, 0, false, true)))

		body := "com.apple.serviceA Port 1 com.apple.serviceB Port 2 com.apple.serviceC Port 3"
		require.NoError(t, http2lite.WriteFrame(serverConn,
			http2lite.BuildDataFrame(handshakeStreamID, []byte(body), 0, true)))
	}()

	client, err := NewFromConn(clientConn)
	require.NoError(t, err)
	defer client.Close()

	all := client.ListAllServices()
	require.Len(t, all, 3)

	svc, err := client.FindService("com.apple.serviceB")
	require.NoError(t, err)
	require.Equal(t, "2", svc.Port)

	_, err = client.FindService("com.apple.missing")
	require.Error(t, err)
}

func TestClientCloseIsIdempotent(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	go func() {
		http2lite.ReadFrame(serverConn)
		http2lite.ReadFrame(serverConn)
		http2lite.WriteFrame(serverConn, http2lite.BuildDataFrame(handshakeStreamID, []byte("com.apple.a Port 1"), 0, true))
	}()

	client, err := NewFromConn(clientConn)
	require.NoError(t, err)
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
}
