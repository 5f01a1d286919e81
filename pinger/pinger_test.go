/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package pinger

import (
	"net/netip"
	"testing"

	"github.com/nickspiker/photon/identity"
	"github.com/nickspiker/photon/peerstore"
)

func testIdentity(tag byte) *identity.Identity {
	fp := []byte{tag, 'p', 'i', 'n', 'g'}
	pub, priv := identity.DeriveDeviceKeypair(fp)
	return &identity.Identity{Device: priv, DevicePub: pub, Fingerprint: fp}
}

func TestPingPongLiveness(t *testing.T) {
	idA, idB := testIdentity(1), testIdentity(2)
	addrA := netip.MustParseAddrPort("127.0.0.1:7373")
	addrB := netip.MustParseAddrPort("127.0.0.1:7374")

	var a, b *Pinger
	// Deliver synchronously in-process; src is the sender's address.
	a = New(idA, peerstore.New(), func(pkt []byte, dst netip.AddrPort) error {
		b.HandlePacket(pkt, addrA)
		return nil
	}, nil, nil, nil, nil)
	b = New(idB, peerstore.New(), func(pkt []byte, dst netip.AddrPort) error {
		a.HandlePacket(pkt, addrB)
		return nil
	}, nil, nil, nil, nil)

	var devB [32]byte
	copy(devB[:], idB.DevicePub)
	if a.Online(devB) {
		t.Fatal("peer online before any pong")
	}

	ping, err := a.buildProbe("ping")
	if err != nil {
		t.Fatalf("build ping: %v", err)
	}
	if err := a.send(ping, addrB); err != nil {
		t.Fatalf("send ping: %v", err)
	}

	// B answered with a pong through its send func, so A has seen it.
	if !a.Online(devB) {
		t.Fatal("peer not online after pong")
	}

	var devA [32]byte
	copy(devA[:], idA.DevicePub)
	if b.Online(devA) {
		t.Fatal("B marked A online without receiving a pong itself")
	}
}

func TestBadSignatureDropped(t *testing.T) {
	idA, idB := testIdentity(3), testIdentity(4)
	src := netip.MustParseAddrPort("127.0.0.1:7373")

	var pongs int
	p := New(idA, peerstore.New(), func([]byte, netip.AddrPort) error {
		pongs++
		return nil
	}, nil, nil, nil, nil)

	other := New(idB, peerstore.New(), func([]byte, netip.AddrPort) error { return nil }, nil, nil, nil, nil)
	ping, err := other.buildProbe("ping")
	if err != nil {
		t.Fatalf("build ping: %v", err)
	}
	ping[len(ping)-1] ^= 0x01

	if !p.HandlePacket(ping, src) {
		t.Fatal("forged ping not consumed by the pinger")
	}
	if pongs != 0 {
		t.Fatal("forged ping was answered")
	}
}

func TestNonProbeIgnored(t *testing.T) {
	p := New(testIdentity(5), peerstore.New(), func([]byte, netip.AddrPort) error { return nil }, nil, nil, nil, nil)
	if p.HandlePacket([]byte("datagram noise"), netip.MustParseAddrPort("127.0.0.1:9")) {
		t.Fatal("consumed a packet that is not a probe")
	}
}

func TestAvatarDigestTriggersFetch(t *testing.T) {
	idA, idB := testIdentity(6), testIdentity(7)
	src := netip.MustParseAddrPort("127.0.0.1:7373")

	var fetches [][32]byte
	receiver := New(idA, peerstore.New(), func([]byte, netip.AddrPort) error { return nil },
		nil,
		func(proof [32]byte, digest [32]byte) { fetches = append(fetches, digest) },
		nil, nil)

	var digest [32]byte
	digest[0] = 0xaa
	sender := New(idB, peerstore.New(), func([]byte, netip.AddrPort) error { return nil },
		func() [32]byte { return digest }, nil, nil, nil)
	sender.SetHandleProof(identity.HandleProof("frank"))

	ping, err := sender.buildProbe("ping")
	if err != nil {
		t.Fatalf("build ping: %v", err)
	}
	receiver.HandlePacket(ping, src)
	if len(fetches) != 1 || fetches[0] != digest {
		t.Fatalf("fetches = %v, want one fetch of the advertised digest", fetches)
	}

	// The same digest advertised again does not refetch.
	receiver.HandlePacket(ping, src)
	if len(fetches) != 1 {
		t.Fatalf("duplicate advertisement scheduled %d fetches", len(fetches))
	}

	// A changed digest does.
	digest[0] = 0xbb
	ping2, err := sender.buildProbe("ping")
	if err != nil {
		t.Fatalf("build second ping: %v", err)
	}
	receiver.HandlePacket(ping2, src)
	if len(fetches) != 2 {
		t.Fatalf("changed digest scheduled %d fetches, want 2", len(fetches))
	}
}
