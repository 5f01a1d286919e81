/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Package peerstore holds what this node knows about other peers: the
// flat handle-to-device membership table (Store) and the Kademlia-style
// routing table used to find the peers closest to a target id
// (RoutingTable).
package peerstore

import (
	"net/netip"
	"sync"
	"time"
)

// PeerRecord is one entry in the peer store.
type PeerRecord struct {
	HandleProof  [32]byte
	DevicePubkey [32]byte
	Addr         netip.AddrPort
	LocalAddr    netip.AddrPort // optional, set for hairpin NAT peers
	HasLocalAddr bool
	LastSeen     time.Time
}

type deviceKey [32]byte

// Store maps handle_proof -> device_pubkey -> PeerRecord behind a
// single mutex with short critical sections.
type Store struct {
	mu      sync.RWMutex
	byProof map[[32]byte]map[deviceKey]PeerRecord
}

func New() *Store {
	return &Store{byProof: make(map[[32]byte]map[deviceKey]PeerRecord)}
}

// AddPeer inserts or refreshes a peer record.
func (s *Store) AddPeer(rec PeerRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	devices, ok := s.byProof[rec.HandleProof]
	if !ok {
		devices = make(map[deviceKey]PeerRecord)
		s.byProof[rec.HandleProof] = devices
	}
	devices[deviceKey(rec.DevicePubkey)] = rec
}

// GetDevicesForHandle returns every known device for a handle proof.
func (s *Store) GetDevicesForHandle(proof [32]byte) []PeerRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	devices := s.byProof[proof]
	out := make([]PeerRecord, 0, len(devices))
	for _, rec := range devices {
		out = append(out, rec)
	}
	return out
}

// IterAll calls fn for every peer record currently held. fn must not call
// back into the Store: it runs under the store's read lock.
func (s *Store) IterAll(fn func(PeerRecord)) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, devices := range s.byProof {
		for _, rec := range devices {
			fn(rec)
		}
	}
}

// DropExpired removes every record whose LastSeen is older than maxAge.
func (s *Store) DropExpired(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	for proof, devices := range s.byProof {
		for key, rec := range devices {
			if rec.LastSeen.Before(cutoff) {
				delete(devices, key)
			}
		}
		if len(devices) == 0 {
			delete(s.byProof, proof)
		}
	}
}
