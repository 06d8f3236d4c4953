package tunnel

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Entry is one process-local tunnel record: everything a sibling process
// needs to dial back into a device without re-running discovery.
type Entry struct {
	UDID             string    `json:"udid"`
	DeviceID         int64     `json:"deviceId"`
	Address          string    `json:"address"`
	RsdPort          uint16    `json:"rsdPort"`
	PacketStreamPort uint16    `json:"packetStreamPort,omitempty"`
	ConnectionType   string    `json:"connectionType"`
	ProductID        int64     `json:"productId"`
	CreatedAt        time.Time `json:"createdAt"`
	LastUpdated      time.Time `json:"lastUpdated"`
}

// Metadata summarizes the registry as a whole.
type Metadata struct {
	LastUpdated   time.Time `json:"lastUpdated"`
	TotalTunnels  int       `json:"totalTunnels"`
	ActiveTunnels int       `json:"activeTunnels"`
}

// Registry is a process-local udid -> Entry map. It does not open or
// close device tunnels itself; callers register and deregister as their
// own tunnel lifecycle dictates.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	lastMod time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Upsert inserts or replaces the entry for e.UDID, refreshing
// LastUpdated (and CreatedAt, for first insertion), and returns the
// stored copy.
func (r *Registry) Upsert(e Entry) Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := r.entries[e.UDID]; ok {
		e.CreatedAt = existing.CreatedAt
	} else {
		e.CreatedAt = now
	}
	e.LastUpdated = now
	r.entries[e.UDID] = e
	r.lastMod = now
	log.WithField("udid", e.UDID).Debug("tunnel registry entry upserted")
	return e
}

// Get returns the entry for udid, if present.
func (r *Registry) Get(udid string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[udid]
	return e, ok
}

// FindByDeviceID returns the first entry (in map iteration order, which
// is unspecified) matching deviceID.
func (r *Registry) FindByDeviceID(deviceID int64) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.DeviceID == deviceID {
			return e, true
		}
	}
	return Entry{}, false
}

// All returns every entry currently registered.
func (r *Registry) All() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// Remove deregisters udid. Idempotent: removing an absent udid is a
// no-op, not an error.
func (r *Registry) Remove(udid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[udid]; !ok {
		return
	}
	delete(r.entries, udid)
	r.lastMod = time.Now().UTC()
}

// Metadata returns the registry's summary metrics.
func (r *Registry) Metadata() Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Metadata{
		LastUpdated:   r.lastMod,
		TotalTunnels:  len(r.entries),
		ActiveTunnels: len(r.entries),
	}
}
