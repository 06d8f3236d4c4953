package services

import (
	"time"

	"github.com/ios-remotexpc/remotexpc/ios/servicefabric"
)

// HeartbeatService wraps com.apple.mobile.heartbeat's recv-Polo loop.
type HeartbeatService struct {
	fabric *servicefabric.Fabric
}

// NewHeartbeatService wraps an already-connected, checked-in fabric.
func NewHeartbeatService(fabric *servicefabric.Fabric) *HeartbeatService {
	return &HeartbeatService{fabric: fabric}
}

// Start begins the heartbeat loop; see servicefabric.Fabric.StartHeartbeat
// for the blocking/non-blocking and interval semantics.
func (h *HeartbeatService) Start(blocking bool, interval time.Duration) error {
	return h.fabric.StartHeartbeat(blocking, interval)
}

// SendPolo sends a Polo message directly, outside the recv-triggered loop.
func (h *HeartbeatService) SendPolo() error { return h.fabric.SendPolo() }

// Phase returns the heartbeat loop's current state.
func (h *HeartbeatService) Phase() servicefabric.HeartbeatPhase { return h.fabric.Phase() }

// Stop closes the connection and clears running state. Idempotent.
func (h *HeartbeatService) Stop() error { return h.fabric.StopHeartbeat() }
