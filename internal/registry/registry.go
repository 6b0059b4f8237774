// Package registry tracks the single live connection permitted per device
// id on the relay server.
package registry

import "sync"

// Conn is the minimal surface the registry needs from a live device
// connection: a way to force-close it when displaced by a newer connection
// for the same device id.
type Conn interface {
	Close(reason string)
}

// Entry is one attached device connection.
type Entry struct {
	UserID      string
	DeviceID    string
	Role        string // "desktop" or "mobile"
	DisplayName string
	Conn        Conn
}

// Registry enforces "at most one live connection per deviceId across the
// whole server". Attaching a second connection for a deviceId already
// present closes and replaces the first.
type Registry struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]Entry),
	}
}

// Attach records conn as the live connection for deviceId. If a connection
// was already attached under this deviceId it is closed with reason
// "replaced" and displaced reports true.
func (r *Registry) Attach(entry Entry) (displaced bool) {
	r.mu.Lock()
	prior, existed := r.entries[entry.DeviceID]
	r.entries[entry.DeviceID] = entry
	r.mu.Unlock()

	if existed {
		prior.Conn.Close("replaced")
		return true
	}
	return false
}

// Detach removes the record for deviceId only if conn is still the entry
// currently attached, guarding against a race where an old connection's
// close races with a newer connection replacing it.
func (r *Registry) Detach(deviceID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.entries[deviceID]
	if !ok || current.Conn != conn {
		return
	}
	delete(r.entries, deviceID)
}

// Get returns the entry attached for deviceId, if any.
func (r *Registry) Get(deviceID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[deviceID]
	return entry, ok
}

// IsOnline reports whether deviceId currently has a live connection.
func (r *Registry) IsOnline(deviceID string) bool {
	_, ok := r.Get(deviceID)
	return ok
}

// ForEach calls fn for every attached entry belonging to deviceIds that are
// currently online. Peers not attached are skipped silently.
func (r *Registry) ForEach(deviceIDs []string, fn func(Entry)) {
	r.mu.Lock()
	var online []Entry
	for _, id := range deviceIDs {
		if entry, ok := r.entries[id]; ok {
			online = append(online, entry)
		}
	}
	r.mu.Unlock()

	for _, entry := range online {
		fn(entry)
	}
}

// Count reports the number of currently attached connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
