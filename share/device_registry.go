package drshare

import (
	"sort"
	"sync"
)

// DeviceRegistry maintains the namespace of device identifiers, each bound to the
// currently open Session that most recently registered it.
//
// All mutations happen on the Hub loop; the lock only protects readers outside of it.
type DeviceRegistry struct {
	Logger
	lock    sync.Mutex
	entries map[string]*Session
}

// NewDeviceRegistry creates an empty DeviceRegistry
func NewDeviceRegistry(logger Logger) *DeviceRegistry {
	return &DeviceRegistry{
		Logger:  logger.Fork("DeviceRegistry"),
		entries: make(map[string]*Session),
	}
}

func (r *DeviceRegistry) String() string {
	return r.Logger.Prefix()
}

// Register binds deviceID to session, replacing any existing binding. If a different,
// still-open Session was bound to deviceID, it is left open but is no longer reachable
// through the registry; that Session is returned so the caller can report it. Otherwise
// nil is returned.
func (r *DeviceRegistry) Register(deviceID string, session *Session) *Session {
	r.lock.Lock()
	prev := r.entries[deviceID]
	r.entries[deviceID] = session
	r.lock.Unlock()

	if prev == nil || prev == session {
		return nil
	}
	if prev.IsStartedShutdown() {
		// The old connection is already going away; its own unregister will be a no-op.
		return nil
	}
	r.WLogf("Device ID '%s' re-registered by %s; %s is still open but orphaned", deviceID, session, prev)
	return prev
}

// Unregister removes the binding for deviceID only if it is currently bound to exactly
// session. Returns true iff a removal occurred. Does *not* close the session.
func (r *DeviceRegistry) Unregister(deviceID string, session *Session) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	entry := r.entries[deviceID]
	remove := entry != nil && entry == session
	if remove {
		delete(r.entries, deviceID)
	}
	return remove
}

// Lookup returns the Session bound to deviceID, or nil
func (r *DeviceRegistry) Lookup(deviceID string) *Session {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.entries[deviceID]
}

// List returns a sorted snapshot of the bound device identifiers
func (r *DeviceRegistry) List() []string {
	r.lock.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.lock.Unlock()
	sort.Strings(ids)
	return ids
}

// Len returns the number of bound device identifiers
func (r *DeviceRegistry) Len() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.entries)
}
