package servicefabric

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ios-remotexpc/remotexpc/ios/plist"
)

func TestPostBeforeObserveFails(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	go serveCheckin(t, server)

	f, err := newFromConnForTest(client)
	require.NoError(t, err)
	defer f.Close()

	require.Error(t, f.Post("com.apple.test"))
}

func TestObserveThenPost(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	go func() {
		serveCheckin(t, server)

		req, err := readFramed(server)
		require.NoError(t, err)
		r, _ := req.Get("Request")
		name, _ := r.String()
		require.Equal(t, "ObserveNotification", name)
		require.NoError(t, writeFramed(server, plist.Dict(plist.P("Request", plist.String("ObserveNotification")))))

		req, err = readFramed(server)
		require.NoError(t, err)
		r, _ = req.Get("Request")
		name, _ = r.String()
		require.Equal(t, "PostNotification", name)
		require.NoError(t, writeFramed(server, plist.Dict(plist.P("Request", plist.String("PostNotification")))))
	}()

	f, err := newFromConnForTest(client)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Observe("com.apple.test"))
	require.NoError(t, f.Post("com.apple.test"))
}

func TestExpectNotificationReturnsNextMessage(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	go func() {
		serveCheckin(t, server)
		req, err := readFramed(server)
		require.NoError(t, err)
		r, _ := req.Get("Request")
		name, _ := r.String()
		require.Equal(t, "ObserveNotification", name)
		require.NoError(t, writeFramed(server, plist.Dict(plist.P("Request", plist.String("ObserveNotification")))))

		require.NoError(t, writeFramed(server, plist.Dict(plist.P("Name", plist.String("com.apple.event")))))
	}()

	f, err := newFromConnForTest(client)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Observe("com.apple.test"))

	msg, err := f.ExpectNotification(2 * time.Second)
	require.NoError(t, err)
	name, ok := msg.Get("Name")
	require.True(t, ok)
	s, _ := name.String()
	require.Equal(t, "com.apple.event", s)
}

func TestExpectNotificationsYieldsUntilClose(t *testing.T) {
	client, server := net.Pipe()

	go func() {
		serveCheckin(t, server)
		req, _ := readFramed(server)
		r, _ := req.Get("Request")
		name, _ := r.String()
		require.Equal(t, "ObserveNotification", name)
		writeFramed(server, plist.Dict(plist.P("Request", plist.String("ObserveNotification"))))

		writeFramed(server, plist.Dict(plist.P("Name", plist.String("one"))))
		writeFramed(server, plist.Dict(plist.P("Name", plist.String("two"))))
		server.Close()
	}()

	f, err := newFromConnForTest(client)
	require.NoError(t, err)
	require.NoError(t, f.Observe("com.apple.test"))

	ch, err := f.ExpectNotifications()
	require.NoError(t, err)

	var names []string
	for msg := range ch {
		n, _ := msg.Get("Name")
		s, _ := n.String()
		names = append(names, s)
	}
	require.Equal(t, []string{"one", "two"}, names)
}
