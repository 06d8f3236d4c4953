package servicefabric

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/ios-remotexpc/remotexpc/ios/plist"
	"github.com/ios-remotexpc/remotexpc/ioserr"
)

// HeartbeatPhase is the heartbeat loop's current state.
type HeartbeatPhase int

const (
	HeartbeatIdle HeartbeatPhase = iota
	HeartbeatRunning
	HeartbeatStopping
	HeartbeatStopped
)

const heartbeatPollInterval = 5 * time.Second

type heartbeatState struct {
	mu     sync.Mutex
	phase  HeartbeatPhase
	stopCh chan struct{}
}

// Phase returns the heartbeat loop's current state.
func (f *Fabric) Phase() HeartbeatPhase {
	f.hb.mu.Lock()
	defer f.hb.mu.Unlock()
	return f.hb.phase
}

// StartHeartbeat establishes running state and begins responding to the
// service's heartbeat pings with Polo. In blocking mode the recv->Polo
// loop runs inline and StartHeartbeat does not return until the loop
// stops; in non-blocking mode the loop runs in the background and
// StartHeartbeat returns immediately. interval, if positive, terminates
// the loop once that duration has elapsed since it started, regardless
// of ping traffic.
func (f *Fabric) StartHeartbeat(blocking bool, interval time.Duration) error {
	f.hb.mu.Lock()
	if f.hb.phase == HeartbeatRunning {
		f.hb.mu.Unlock()
		return ioserr.NewState("heartbeat is already running")
	}
	f.hb.phase = HeartbeatRunning
	f.hb.stopCh = make(chan struct{})
	f.hb.mu.Unlock()

	if blocking {
		f.runHeartbeatLoop(interval)
		return nil
	}
	go f.runHeartbeatLoop(interval)
	return nil
}

func (f *Fabric) runHeartbeatLoop(interval time.Duration) {
	var deadline time.Time
	if interval > 0 {
		deadline = time.Now().Add(interval)
	}

	for {
		select {
		case <-f.hb.stopCh:
			f.finishHeartbeat()
			return
		default:
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			f.finishHeartbeat()
			return
		}

		readTimeout := heartbeatPollInterval
		if !deadline.IsZero() {
			if remain := time.Until(deadline); remain < readTimeout {
				readTimeout = remain
			}
		}
		_ = f.conn.SetReadDeadline(time.Now().Add(readTimeout))

		_, err := readFramed(f.conn)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			f.finishHeartbeat()
			return
		}
		if err := f.SendPolo(); err != nil {
			f.finishHeartbeat()
			return
		}
	}
}

func (f *Fabric) finishHeartbeat() {
	f.hb.mu.Lock()
	f.hb.phase = HeartbeatStopped
	f.hb.mu.Unlock()
}

// SendPolo sends a {Command: "Polo"} message directly, outside the
// recv-triggered loop.
func (f *Fabric) SendPolo() error {
	return writeFramed(f.conn, plist.Dict(plist.P("Command", plist.String("Polo"))))
}

// StopHeartbeat closes the connection and clears running state.
// Idempotent.
func (f *Fabric) StopHeartbeat() error {
	f.hb.mu.Lock()
	if f.hb.phase == HeartbeatRunning {
		f.hb.phase = HeartbeatStopping
		close(f.hb.stopCh)
	}
	f.hb.phase = HeartbeatStopped
	f.hb.mu.Unlock()
	return f.Close()
}
