// Package pairing holds the server's in-memory view of which desktop and
// mobile devices are paired under which user account.
package pairing

import "sync"

// Relation is a persistent {desktop, mobile} membership under one user.
type Relation struct {
	UserID          string
	DesktopDeviceID string
	MobileDeviceID  string
}

// Graph is a thread-safe list of pair relations. The server rebuilds this
// from claim events; it is never the durable source of truth for a pairing
// (each endpoint's E2EE session is), only a routing predicate.
type Graph struct {
	mu        sync.RWMutex
	relations []Relation
}

// New creates an empty Graph.
func New() *Graph {
	return &Graph{}
}

// Link records userId/desktopId/mobileId as paired, replacing any existing
// relation with the same (desktopId, mobileId) pair under that user.
func (g *Graph) Link(userID, desktopID, mobileID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i, r := range g.relations {
		if r.UserID == userID && r.DesktopDeviceID == desktopID && r.MobileDeviceID == mobileID {
			g.relations[i] = Relation{UserID: userID, DesktopDeviceID: desktopID, MobileDeviceID: mobileID}
			return
		}
	}
	g.relations = append(g.relations, Relation{UserID: userID, DesktopDeviceID: desktopID, MobileDeviceID: mobileID})
}

// Unlink removes every relation containing both deviceIdA and deviceIdB,
// regardless of which is the desktop and which is the mobile.
func (g *Graph) Unlink(deviceIDA, deviceIDB string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	kept := g.relations[:0]
	for _, r := range g.relations {
		involvesBoth := (r.DesktopDeviceID == deviceIDA && r.MobileDeviceID == deviceIDB) ||
			(r.DesktopDeviceID == deviceIDB && r.MobileDeviceID == deviceIDA)
		if !involvesBoth {
			kept = append(kept, r)
		}
	}
	g.relations = kept
}

// AreLinked reports whether any relation contains both a and b, in either
// role.
func (g *Graph) AreLinked(a, b string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, r := range g.relations {
		if (r.DesktopDeviceID == a && r.MobileDeviceID == b) ||
			(r.DesktopDeviceID == b && r.MobileDeviceID == a) {
			return true
		}
	}
	return false
}

// PeerOf returns the other device ids in userId's relations that involve
// deviceId, in either role.
func (g *Graph) PeerOf(userID, deviceID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var peers []string
	for _, r := range g.relations {
		if r.UserID != userID {
			continue
		}
		switch deviceID {
		case r.DesktopDeviceID:
			peers = append(peers, r.MobileDeviceID)
		case r.MobileDeviceID:
			peers = append(peers, r.DesktopDeviceID)
		}
	}
	return peers
}

// DesktopsForUser returns the set of desktop device ids ever seen paired
// under userId, deduplicated.
func (g *Graph) DesktopsForUser(userID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]struct{})
	var desktops []string
	for _, r := range g.relations {
		if r.UserID != userID {
			continue
		}
		if _, ok := seen[r.DesktopDeviceID]; ok {
			continue
		}
		seen[r.DesktopDeviceID] = struct{}{}
		desktops = append(desktops, r.DesktopDeviceID)
	}
	return desktops
}

// Len reports the number of active relations, for tests and metrics.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.relations)
}
