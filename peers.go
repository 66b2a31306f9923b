package raft

import (
	"fmt"
	"sync"
)

// PeerDirectory maps ServerId to network address. It is shared across
// every consensus instance on a process (one directory, many logs) and
// mutated only by the server when a new peer is learned, either via
// dynamic peering or preamble gossip. The local id is never present
// in the directory.
//
// All mutation happens on the single reactor goroutine; the mutex is
// a conceptual guard for the one shared mutation point, not a real
// contention point.
type PeerDirectory struct {
	mu      sync.RWMutex
	localId ServerId
	addrs   map[ServerId]string
}

// NewPeerDirectory creates an empty directory for the given local id.
func NewPeerDirectory(localId ServerId) *PeerDirectory {
	return &PeerDirectory{localId: localId, addrs: map[ServerId]string{}}
}

// Add inserts a peer's address. Returns an error if id is the local id
// or already present.
func (d *PeerDirectory) Add(id ServerId, addr string) error {
	if id == d.localId {
		return fmt.Errorf("raft: refusing to add local server id %s to peer directory", id)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.addrs[id]; ok {
		return fmt.Errorf("raft: peer %s already present", id)
	}
	d.addrs[id] = addr
	return nil
}

// Set inserts or overwrites a peer's address, used when a Server
// preamble supplies a fresher advertised address for an id we already
// know.
func (d *PeerDirectory) Set(id ServerId, addr string) {
	if id == d.localId {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addrs[id] = addr
}

// Lookup returns the address for id, if known.
func (d *PeerDirectory) Lookup(id ServerId) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	addr, ok := d.addrs[id]
	return addr, ok
}

// ContainsAddr reports whether addr matches some known peer's address —
// used by the log manager's AddPeer to reject a duplicate address.
func (d *PeerDirectory) ContainsAddr(addr string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, a := range d.addrs {
		if a == addr {
			return true
		}
	}
	return false
}

// Ids returns every known peer id, excluding the local id.
func (d *PeerDirectory) Ids() []ServerId {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]ServerId, 0, len(d.addrs))
	for id := range d.addrs {
		ids = append(ids, id)
	}
	return ids
}

// Snapshot returns a copy of the id -> address map.
func (d *PeerDirectory) Snapshot() map[ServerId]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[ServerId]string, len(d.addrs))
	for id, addr := range d.addrs {
		out[id] = addr
	}
	return out
}

// LocalId returns the id of the server that owns this directory.
func (d *PeerDirectory) LocalId() ServerId { return d.localId }
