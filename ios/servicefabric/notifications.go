package servicefabric

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/ios-remotexpc/remotexpc/ios/plist"
	"github.com/ios-remotexpc/remotexpc/ioserr"
)

// notificationState tracks whether Observe has ever been called on this
// Fabric; the notification-proxy protocol requires at least one
// successful observe before post or the notification iterator may be
// used.
type notificationState struct {
	mu       sync.Mutex
	observed bool
}

// Observe registers interest in name with the notification proxy. Must
// be called at least once before Post or ExpectNotification(s).
func (f *Fabric) Observe(name string) error {
	req := plist.Dict(
		plist.P("Request", plist.String("ObserveNotification")),
		plist.P("Name", plist.String(name)),
	)
	if _, err := f.SendPlistRequest(req, 0); err != nil {
		return err
	}
	f.notif.mu.Lock()
	f.notif.observed = true
	f.notif.mu.Unlock()
	return nil
}

// Post sends a named notification through the proxy.
func (f *Fabric) Post(name string) error {
	if err := f.requireObserved(); err != nil {
		return err
	}
	req := plist.Dict(
		plist.P("Request", plist.String("PostNotification")),
		plist.P("Name", plist.String(name)),
	)
	_, err := f.SendPlistRequest(req, 0)
	return err
}

// ExpectNotification returns the next notification message, failing
// with a timeout error if none arrives within timeout.
func (f *Fabric) ExpectNotification(timeout time.Duration) (plist.Value, error) {
	if err := f.requireObserved(); err != nil {
		return plist.Value{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return plist.Value{}, ioserr.NewState("service fabric connection is closed")
	}
	if timeout > 0 {
		_ = f.conn.SetDeadline(time.Now().Add(timeout))
		defer f.conn.SetDeadline(time.Time{})
	}
	v, err := readFramed(f.conn)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return plist.Value{}, ioserr.NewTimeout("expectNotification", timeout)
		}
		return plist.Value{}, err
	}
	return v, nil
}

// ExpectNotifications returns a channel that yields successive
// notification messages until the connection closes or errors, at which
// point the channel is closed. The reader goroutine exits on the first
// error.
func (f *Fabric) ExpectNotifications() (<-chan plist.Value, error) {
	if err := f.requireObserved(); err != nil {
		return nil, err
	}

	out := make(chan plist.Value)
	go func() {
		defer close(out)
		for {
			f.mu.Lock()
			if f.closed {
				f.mu.Unlock()
				return
			}
			v, err := readFramed(f.conn)
			f.mu.Unlock()
			if err != nil {
				return
			}
			out <- v
		}
	}()
	return out, nil
}

func (f *Fabric) requireObserved() error {
	f.notif.mu.Lock()
	defer f.notif.mu.Unlock()
	if !f.notif.observed {
		return ioserr.NewState("observe must be called before post or pulling notifications")
	}
	return nil
}
