/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package orchestrator

import (
	"sync"

	"github.com/nickspiker/photon/chain"
)

// Handle addresses one friendship in the arena. Generational: a handle
// held past the entry's removal dereferences to nothing instead of to
// whatever reused the slot.
type Handle struct {
	index uint32
	gen   uint32
}

type arenaKey struct {
	id    chain.FriendshipID
	proof [32]byte // peer handle proof
}

type arenaEntry struct {
	gen        uint32
	key        arenaKey
	friendship *chain.Friendship
	live       bool
}

// Arena owns every live friendship, keyed by friendship id plus peer
// handle proof. Workers pass Handles over channels instead of sharing
// pointers, so entity lifetimes stay in one place.
type Arena struct {
	mu      sync.Mutex
	entries []arenaEntry
	free    []uint32
	byKey   map[arenaKey]Handle
}

func NewArena() *Arena {
	return &Arena{byKey: make(map[arenaKey]Handle)}
}

// Insert stores a friendship and returns its handle. Inserting over an
// existing (id, proof) pair destroys and replaces the old entry, which
// is what peer churn wants: a re-keyed peer invalidates prior chains.
func (a *Arena) Insert(peerProof [32]byte, fs *chain.Friendship) Handle {
	key := arenaKey{id: fs.ID, proof: peerProof}

	a.mu.Lock()
	defer a.mu.Unlock()

	if old, ok := a.byKey[key]; ok {
		a.removeLocked(old)
	}

	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.entries = append(a.entries, arenaEntry{})
		idx = uint32(len(a.entries) - 1)
	}

	e := &a.entries[idx]
	e.gen++
	e.key = key
	e.friendship = fs
	e.live = true

	h := Handle{index: idx, gen: e.gen}
	a.byKey[key] = h
	return h
}

// Get dereferences a handle. ok is false for a stale or removed
// handle.
func (a *Arena) Get(h Handle) (*chain.Friendship, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(h.index) >= len(a.entries) {
		return nil, false
	}
	e := &a.entries[h.index]
	if !e.live || e.gen != h.gen {
		return nil, false
	}
	return e.friendship, true
}

// Lookup finds the live handle for a friendship id and peer proof.
func (a *Arena) Lookup(id chain.FriendshipID, peerProof [32]byte) (Handle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.byKey[arenaKey{id: id, proof: peerProof}]
	return h, ok
}

// Remove destroys the friendship's chains and frees the slot. A stale
// handle is a no-op.
func (a *Arena) Remove(h Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(h.index) >= len(a.entries) {
		return
	}
	e := &a.entries[h.index]
	if !e.live || e.gen != h.gen {
		return
	}
	a.removeLocked(h)
}

func (a *Arena) removeLocked(h Handle) {
	e := &a.entries[h.index]
	delete(a.byKey, e.key)
	e.friendship.Destroy()
	e.friendship = nil
	e.live = false
	a.free = append(a.free, h.index)
}

// Clear destroys every friendship. Used at logout.
func (a *Arena) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.entries {
		if a.entries[i].live {
			a.entries[i].friendship.Destroy()
			a.entries[i].friendship = nil
			a.entries[i].live = false
			a.free = append(a.free, uint32(i))
		}
	}
	a.byKey = make(map[arenaKey]Handle)
}
