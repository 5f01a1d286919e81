/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package orchestrator

import (
	"net/netip"
	"testing"

	"github.com/nickspiker/photon/clutch"
	"github.com/nickspiker/photon/peerstore"
)

func TestOfferGateAdmission(t *testing.T) {
	receiver := testIdentity(1)
	var receiverPub [32]byte
	copy(receiverPub[:], receiver.DevicePub)

	gate := NewOfferGate(receiverPub)
	defer gate.Close()

	sender := clutch.New(testIdentity(2), receiver.DevicePub, nil)
	offer, err := sender.Offer()
	if err != nil {
		t.Fatalf("offer: %v", err)
	}

	var gen clutch.CookieGenerator
	gen.Init(receiverPub)
	stamped := clutch.StampOffer(&gen, offer)

	src := netip.MustParseAddrPort("198.51.100.4:7373")
	if got := gate.Admit(stamped, src); got != AdmitProcess {
		t.Fatalf("in-budget offer admission = %v, want AdmitProcess", got)
	}

	record, ok := clutch.TrimOffer(stamped)
	if !ok {
		t.Fatal("trim failed on a stamped offer")
	}
	if len(record) != len(offer) {
		t.Fatal("trim did not recover the original record")
	}

	// Tampering breaks mac1.
	bad := append([]byte(nil), stamped...)
	bad[3] ^= 0x40
	if got := gate.Admit(bad, src); got != AdmitDrop {
		t.Fatalf("tampered offer admission = %v, want AdmitDrop", got)
	}

	// Under load the gate demands a cookie, and a consumed cookie reply
	// buys a retry through.
	gate.SetUnderLoad(true)
	if got := gate.Admit(stamped, src); got != AdmitCookieDemand {
		t.Fatalf("under-load admission = %v, want AdmitCookieDemand", got)
	}
	reply, err := gate.CookieReply(stamped, src)
	if err != nil {
		t.Fatalf("cookie reply: %v", err)
	}
	if !gen.ConsumeReply(reply) {
		t.Fatal("sender rejected the gate's cookie reply")
	}
	retry := clutch.StampOffer(&gen, offer)
	if got := gate.Admit(retry, src); got != AdmitProcess {
		t.Fatalf("post-cookie admission = %v, want AdmitProcess", got)
	}
}

func TestOrchestratorHandleOffer(t *testing.T) {
	receiverID, senderID := testIdentity(1), testIdentity(2)
	var receiverPub [32]byte
	copy(receiverPub[:], receiverID.DevicePub)

	o := New(Config{
		Identity: receiverID,
		Conduit:  &fakeConduit{},
		Store:    peerstore.New(),
	})
	defer o.Close()

	receiverCer := clutch.New(receiverID, senderID.DevicePub, nil)
	senderCer := clutch.New(senderID, receiverID.DevicePub, nil)

	offer, err := senderCer.Offer()
	if err != nil {
		t.Fatalf("offer: %v", err)
	}
	var gen clutch.CookieGenerator
	gen.Init(receiverPub)
	stamped := clutch.StampOffer(&gen, offer)
	src := netip.MustParseAddrPort("198.51.100.7:7373")

	resp, cookie, err := o.HandleOffer(receiverCer, stamped, src)
	if err != nil {
		t.Fatalf("admitted offer: %v", err)
	}
	if cookie != nil || resp == nil {
		t.Fatal("expected a ceremony response, not a cookie demand")
	}
	if err := senderCer.HandleResponse(resp); err != nil {
		t.Fatalf("sender rejected the relayed response: %v", err)
	}

	// Under load the same offer is answered with a cookie demand; after
	// the sender consumes it, the retried offer goes through.
	o.Gate().SetUnderLoad(true)
	resp, cookie, err = o.HandleOffer(receiverCer, stamped, src)
	if err != nil {
		t.Fatalf("under-load offer: %v", err)
	}
	if resp != nil || cookie == nil {
		t.Fatal("expected a cookie demand under load")
	}
	if !gen.ConsumeReply(cookie) {
		t.Fatal("sender rejected the cookie reply")
	}
	retry := clutch.StampOffer(&gen, offer)
	resp, cookie, err = o.HandleOffer(receiverCer, retry, src)
	if err != nil {
		t.Fatalf("post-cookie offer: %v", err)
	}
	if cookie != nil || resp == nil {
		t.Fatal("expected the duplicate offer's cached response after cookie proof")
	}
}
