/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package peerstore

import (
	"net/netip"
	"testing"
	"time"
)

func id(b byte) NodeID {
	var n NodeID
	n[31] = b
	return n
}

func TestFindClosestSortedAscending(t *testing.T) {
	self := id(0)
	rt := NewRoutingTable(self, DefaultK, DefaultStaleness)

	for i := byte(1); i <= 10; i++ {
		rt.Insert(Contact{
			ID:       id(i),
			Addr:     netip.MustParseAddrPort("127.0.0.1:1000"),
			LastSeen: time.Now(),
		})
	}

	closest := rt.FindClosest(self, 5)
	if len(closest) != 5 {
		t.Fatalf("expected 5 contacts, got %d", len(closest))
	}

	for i := 1; i < len(closest); i++ {
		prevDist := self.Distance(closest[i-1].ID)
		currDist := self.Distance(closest[i].ID)
		if lessDistance(currDist, prevDist) {
			t.Fatalf("result not sorted ascending at index %d", i)
		}
	}

	// No excluded contact can be closer than the farthest returned one.
	all := rt.FindClosest(self, 100)
	maxDist := self.Distance(closest[len(closest)-1].ID)
	for _, c := range all[5:] {
		d := self.Distance(c.ID)
		if lessDistance(d, maxDist) {
			t.Fatalf("excluded contact %v is closer than the farthest included contact", c.ID)
		}
	}
}

func TestInsertMoveToMostRecentlySeen(t *testing.T) {
	self := id(0)
	rt := NewRoutingTable(self, 2, DefaultStaleness)

	// ids 4..7 all land in the same bucket relative to self=0 (their
	// distances share a highest set bit), so two of them fill it.
	rt.Insert(Contact{ID: id(4), LastSeen: time.Now()})
	rt.Insert(Contact{ID: id(5), LastSeen: time.Now()})

	// Bucket full at capacity 2 for a fresh contact -> rejected since
	// the oldest isn't stale yet.
	ok := rt.Insert(Contact{ID: id(6), LastSeen: time.Now()})
	if ok {
		t.Fatal("expected insertion into a full, non-stale bucket to be rejected")
	}

	// Re-inserting an existing id always succeeds (refresh, not evict).
	ok = rt.Insert(Contact{ID: id(4), LastSeen: time.Now()})
	if !ok {
		t.Fatal("expected refresh of existing contact to succeed")
	}
	back := rt.buckets[self.BucketIndex(id(4))].entries.Back().Value.(*Contact)
	if back.ID != id(4) {
		t.Fatalf("refreshed contact not at the most-recently-seen end; back is %v", back.ID)
	}
}

func TestInsertEvictsOnlyWhenStale(t *testing.T) {
	self := id(0)
	rt := NewRoutingTable(self, 1, time.Millisecond)

	// id(2) and id(3) share a bucket relative to self=0.
	rt.Insert(Contact{ID: id(2), LastSeen: time.Now().Add(-time.Hour)})
	time.Sleep(2 * time.Millisecond)

	ok := rt.Insert(Contact{ID: id(3), LastSeen: time.Now()})
	if !ok {
		t.Fatal("expected eviction of stale entry to succeed")
	}

	closest := rt.FindClosest(self, 2)
	if len(closest) != 1 || closest[0].ID != id(3) {
		t.Fatalf("expected stale entry evicted in favor of id(3), got %v", closest)
	}
}
