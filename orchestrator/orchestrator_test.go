/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package orchestrator

import (
	"context"
	"crypto/ed25519"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/nickspiker/photon/chain"
	"github.com/nickspiker/photon/identity"
	"github.com/nickspiker/photon/peerstore"
)

type fakeConduit struct {
	mu        sync.Mutex
	peers     []peerstore.PeerRecord
	announceE error
	probeE    error
}

func (f *fakeConduit) Announce(proof [32]byte, port uint16, local netip.Addr, avatar ed25519.PublicKey) ([]peerstore.PeerRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]peerstore.PeerRecord(nil), f.peers...), f.announceE
}

func (f *fakeConduit) Probe() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probeE
}

func (f *fakeConduit) setProbeErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeE = err
}

func testIdentity(tag byte) *identity.Identity {
	fp := []byte{tag, 'o', 'r', 'c', 'h'}
	pub, priv := identity.DeriveDeviceKeypair(fp)
	return &identity.Identity{Device: priv, DevicePub: pub, Fingerprint: fp}
}

func peerFor(handle string, tag byte) peerstore.PeerRecord {
	id := testIdentity(tag)
	var dev [32]byte
	copy(dev[:], id.DevicePub)
	return peerstore.PeerRecord{
		HandleProof:  identity.HandleProof(handle),
		DevicePubkey: dev,
		Addr:         netip.MustParseAddrPort("203.0.113.9:7373"),
		LastSeen:     time.Now(),
	}
}

func newTestOrchestrator(t *testing.T, conduit Conduit) (*Orchestrator, *peerstore.Store) {
	t.Helper()
	store := peerstore.New()
	o := New(Config{
		Identity: testIdentity(1),
		Conduit:  conduit,
		Store:    store,
		Port:     7373,
	})
	t.Cleanup(o.Close)
	return o, store
}

func TestAttestPopulatesStoreWithoutSelf(t *testing.T) {
	self := testIdentity(1)
	var selfDev [32]byte
	copy(selfDev[:], self.DevicePub)

	selfEntry := peerstore.PeerRecord{
		HandleProof:  identity.HandleProof("alice"),
		DevicePubkey: selfDev,
		Addr:         netip.MustParseAddrPort("203.0.113.1:7373"),
		LastSeen:     time.Now(),
	}
	conduit := &fakeConduit{peers: []peerstore.PeerRecord{
		peerFor("bob", 2), peerFor("carol", 3), peerFor("dave", 4), selfEntry,
	}}
	o, store := newTestOrchestrator(t, conduit)

	data := o.Attest(context.Background(), "alice")
	if data.Err != nil {
		t.Fatalf("attest: %v", data.Err)
	}

	var count int
	store.IterAll(func(rec peerstore.PeerRecord) {
		count++
		if rec.DevicePubkey == selfDev {
			t.Fatal("self-entry leaked into the peer store")
		}
	})
	if count != 3 {
		t.Fatalf("store holds %d records, want 3", count)
	}

	handle, proof := o.CurrentHandle()
	if handle != "alice" || proof != identity.HandleProof("alice") {
		t.Fatalf("current handle = %q, want alice", handle)
	}
}

func TestAttestAlreadyAttested(t *testing.T) {
	usurper := peerFor("alice", 9)
	conduit := &fakeConduit{peers: []peerstore.PeerRecord{usurper}}
	o, store := newTestOrchestrator(t, conduit)

	data := o.Attest(context.Background(), "alice")

	var attested *AlreadyAttestedError
	if !errors.As(data.Err, &attested) {
		t.Fatalf("err = %v, want AlreadyAttestedError", data.Err)
	}
	if attested.Peer.DevicePubkey != usurper.DevicePubkey {
		t.Fatal("conflicting peer record not carried in the error")
	}
	if Classify(data.Err) != KindRendezvous {
		t.Fatalf("classified as %v, want KindRendezvous", Classify(data.Err))
	}

	var count int
	store.IterAll(func(peerstore.PeerRecord) { count++ })
	if count != 0 {
		t.Fatalf("store mutated on attestation conflict: %d records", count)
	}
	if handle, _ := o.CurrentHandle(); handle != "" {
		t.Fatalf("current handle set to %q despite conflict", handle)
	}
}

func TestAttestPreservesPartialResults(t *testing.T) {
	wantErr := errors.New("announce flaked")
	conduit := &fakeConduit{peers: []peerstore.PeerRecord{peerFor("bob", 2)}, announceE: wantErr}
	o, store := newTestOrchestrator(t, conduit)

	data := o.Attest(context.Background(), "alice")
	if !errors.Is(data.Err, wantErr) {
		t.Fatalf("err = %v, want the announce error", data.Err)
	}
	if len(data.Peers) != 1 {
		t.Fatalf("partial peers dropped: %v", data.Peers)
	}

	var count int
	store.IterAll(func(peerstore.PeerRecord) { count++ })
	if count != 1 {
		t.Fatalf("partial peer not merged into store")
	}
	if handle, _ := o.CurrentHandle(); handle != "" {
		t.Fatal("current handle set despite announce error")
	}
}

func TestSearchCacheFirst(t *testing.T) {
	conduit := &fakeConduit{}
	o, store := newTestOrchestrator(t, conduit)

	store.AddPeer(peerFor("bob", 2))
	peers, err := o.Search(context.Background(), "bob")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(peers) != 1 {
		t.Fatalf("got %d peers from cache, want 1", len(peers))
	}
}

func TestConnectivityTransitions(t *testing.T) {
	conduit := &fakeConduit{probeE: errors.New("down")}
	store := peerstore.New()
	o := New(Config{
		Identity:      testIdentity(1),
		Conduit:       conduit,
		Store:         store,
		ProbeInterval: time.Hour, // transitions driven by kicks only
	})
	defer o.Close()

	if o.Online() {
		t.Fatal("online before any successful probe")
	}

	conduit.setProbeErr(nil)
	o.KickConnectivity()
	select {
	case online := <-o.ConnectivityEvents():
		if !online {
			t.Fatal("expected online transition")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no connectivity event after probe success")
	}

	conduit.setProbeErr(errors.New("down again"))
	o.KickConnectivity()
	select {
	case online := <-o.ConnectivityEvents():
		if online {
			t.Fatal("expected offline transition")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no connectivity event after probe failure")
	}
}

func TestArenaGenerationalHandles(t *testing.T) {
	arena := NewArena()
	proofA := identity.HandleProof("alice")
	proofB := identity.HandleProof("bob")

	var secret, commit [32]byte
	fs := &chain.Friendship{
		ID:       chain.NewFriendshipID(proofA, proofB),
		Outbound: chain.New(secret, commit),
		Inbound:  chain.New(secret, commit),
	}

	h := arena.Insert(proofB, fs)
	if got, ok := arena.Get(h); !ok || got != fs {
		t.Fatal("fresh handle did not dereference")
	}
	if got, ok := arena.Lookup(fs.ID, proofB); !ok || got != h {
		t.Fatal("lookup by key failed")
	}

	arena.Remove(h)
	if _, ok := arena.Get(h); ok {
		t.Fatal("stale handle still dereferences")
	}
	if _, err := fs.Outbound.Encrypt([]byte("x"), nil); !errors.Is(err, chain.ErrChainDestroyed) {
		t.Fatal("removal did not destroy the chains")
	}

	// Slot reuse bumps the generation, keeping the old handle dead.
	fs2 := &chain.Friendship{
		ID:       chain.NewFriendshipID(proofA, proofB),
		Outbound: chain.New(secret, commit),
		Inbound:  chain.New(secret, commit),
	}
	h2 := arena.Insert(proofB, fs2)
	if h2.index != h.index {
		t.Fatalf("freed slot not reused (got %d, want %d)", h2.index, h.index)
	}
	if _, ok := arena.Get(h); ok {
		t.Fatal("old-generation handle resolves after slot reuse")
	}
	if got, ok := arena.Get(h2); !ok || got != fs2 {
		t.Fatal("new handle did not dereference")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{&AlreadyAttestedError{}, KindRendezvous},
		{chain.ErrDecryptionFailed, KindDecryption},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Errorf("Classify(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}
