package services

import (
	"time"

	"github.com/ios-remotexpc/remotexpc/ios/plist"
	"github.com/ios-remotexpc/remotexpc/ios/servicefabric"
)

// NotificationProxyService wraps com.apple.mobile.notification_proxy's
// observe/post pattern. It is a thin pass-through over the fabric's
// notification stream methods; the observe-before-use invariant is
// enforced there.
type NotificationProxyService struct {
	fabric *servicefabric.Fabric
}

// NewNotificationProxyService wraps an already-connected, checked-in
// fabric.
func NewNotificationProxyService(fabric *servicefabric.Fabric) *NotificationProxyService {
	return &NotificationProxyService{fabric: fabric}
}

// Observe registers interest in name. Must be called at least once
// before Post or pulling from the notification stream.
func (n *NotificationProxyService) Observe(name string) error {
	return n.fabric.Observe(name)
}

// Post sends a named notification.
func (n *NotificationProxyService) Post(name string) error {
	return n.fabric.Post(name)
}

// ExpectNotification waits for the next notification, up to timeout.
func (n *NotificationProxyService) ExpectNotification(timeout time.Duration) (plist.Value, error) {
	return n.fabric.ExpectNotification(timeout)
}

// ExpectNotifications returns a channel of successive notifications,
// closed when the connection ends.
func (n *NotificationProxyService) ExpectNotifications() (<-chan plist.Value, error) {
	return n.fabric.ExpectNotifications()
}

// Close closes the underlying connection.
func (n *NotificationProxyService) Close() error { return n.fabric.Close() }
