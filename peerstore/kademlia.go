/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package peerstore

import (
	"container/list"
	"net/netip"
	"sort"
	"sync"
	"time"
)

// NodeID is the device public key treated as a 256-bit Kademlia
// identifier.
type NodeID [32]byte

// Distance returns the bitwise XOR distance between two ids.
func (n NodeID) Distance(other NodeID) [32]byte {
	var d [32]byte
	for i := range d {
		d[i] = n[i] ^ other[i]
	}
	return d
}

// leadingZeros counts leading zero bits of a 32-byte distance.
func leadingZeros(d [32]byte) int {
	for i, b := range d {
		if b != 0 {
			return i*8 + leadingZerosByte(b)
		}
	}
	return 256
}

func leadingZerosByte(b byte) int {
	n := 0
	for mask := byte(0x80); mask != 0; mask >>= 1 {
		if b&mask != 0 {
			break
		}
		n++
	}
	return n
}

// BucketIndex returns which of the 256 buckets other belongs in relative
// to n: bucket i holds contacts whose distance has 255-i leading zero
// bits.
func (n NodeID) BucketIndex(other NodeID) int {
	lz := leadingZeros(n.Distance(other))
	idx := 255 - lz
	if idx < 0 {
		idx = 0
	}
	return idx
}

// Contact is one entry in a routing-table bucket.
type Contact struct {
	ID       NodeID
	Pubkey   [32]byte
	Addr     netip.AddrPort
	LastSeen time.Time
}

func (c Contact) isStale(maxAge time.Duration) bool {
	return time.Since(c.LastSeen) > maxAge
}

const bucketCount = 256

// DefaultK is the default bucket capacity.
const DefaultK = 20

// DefaultStaleness is the default LRU eviction threshold.
const DefaultStaleness = time.Hour

// kbucket holds up to K contacts, ordered least- to most-recently-seen
// via a doubly linked list so move-to-back on touch is O(1).
type kbucket struct {
	mu       sync.Mutex
	k        int
	entries  *list.List // of *Contact, front = least recently seen
	byNodeID map[NodeID]*list.Element
}

func newKBucket(k int) *kbucket {
	return &kbucket{k: k, entries: list.New(), byNodeID: make(map[NodeID]*list.Element)}
}

// RoutingTable is the local node's 256-bucket Kademlia table.
type RoutingTable struct {
	self     NodeID
	k        int
	staleAge time.Duration
	buckets  [bucketCount]*kbucket
}

// NewRoutingTable constructs a table centered on self.
func NewRoutingTable(self NodeID, k int, staleAge time.Duration) *RoutingTable {
	if k <= 0 {
		k = DefaultK
	}
	if staleAge <= 0 {
		staleAge = DefaultStaleness
	}
	rt := &RoutingTable{self: self, k: k, staleAge: staleAge}
	for i := range rt.buckets {
		rt.buckets[i] = newKBucket(k)
	}
	return rt
}

// Insert moves an existing
// node to most-recently-seen position; otherwise appends if the bucket
// isn't full; otherwise evict the bucket's oldest entry only if it's
// stale, else reject the insertion (returns false).
func (rt *RoutingTable) Insert(c Contact) bool {
	if c.ID == rt.self {
		return false
	}
	idx := rt.self.BucketIndex(c.ID)
	b := rt.buckets[idx]

	b.mu.Lock()
	defer b.mu.Unlock()

	if elem, ok := b.byNodeID[c.ID]; ok {
		*elem.Value.(*Contact) = c
		b.entries.MoveToBack(elem)
		return true
	}

	if b.entries.Len() < b.k {
		elem := b.entries.PushBack(&c)
		b.byNodeID[c.ID] = elem
		return true
	}

	oldest := b.entries.Front()
	oldestContact := oldest.Value.(*Contact)
	if !oldestContact.isStale(rt.staleAge) {
		return false
	}

	delete(b.byNodeID, oldestContact.ID)
	b.entries.Remove(oldest)
	elem := b.entries.PushBack(&c)
	b.byNodeID[c.ID] = elem
	return true
}

// FindClosest scans all buckets and returns the k contacts closest to
// target by XOR distance, ascending.
func (rt *RoutingTable) FindClosest(target NodeID, k int) []Contact {
	type scored struct {
		c    Contact
		dist [32]byte
	}

	var all []scored
	for _, b := range rt.buckets {
		b.mu.Lock()
		for e := b.entries.Front(); e != nil; e = e.Next() {
			c := *e.Value.(*Contact)
			all = append(all, scored{c: c, dist: target.Distance(c.ID)})
		}
		b.mu.Unlock()
	}

	sort.Slice(all, func(i, j int) bool {
		return lessDistance(all[i].dist, all[j].dist)
	})

	if k > len(all) {
		k = len(all)
	}
	out := make([]Contact, k)
	for i := 0; i < k; i++ {
		out[i] = all[i].c
	}
	return out
}

func lessDistance(a, b [32]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
