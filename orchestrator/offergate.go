/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package orchestrator

import (
	"net/netip"
	"sync/atomic"

	"github.com/nickspiker/photon/clutch"
	"github.com/nickspiker/photon/ratelimiter"
)

// Admission is the gate's verdict on one inbound ceremony offer.
type Admission int

const (
	// AdmitProcess hands the offer to its ceremony.
	AdmitProcess Admission = iota
	// AdmitCookieDemand answers with a cookie reply instead of doing
	// the KEM work; the peer retries with mac2 filled.
	AdmitCookieDemand
	// AdmitDrop discards the packet without reply.
	AdmitDrop
)

// OfferGate admits inbound ceremony offers. An offer costs a KEM
// encapsulation plus signature checks, so the gate layers a per-source
// token bucket under the cookie MAC scheme: sources within their budget
// are processed outright; sources over it must prove IP ownership with
// a fresh cookie first.
type OfferGate struct {
	limiter   ratelimiter.Ratelimiter
	checker   clutch.CookieChecker
	underLoad atomic.Bool
}

// NewOfferGate keys the gate to this node's device public key.
func NewOfferGate(devicePub [32]byte) *OfferGate {
	g := &OfferGate{}
	g.limiter.Init()
	g.checker.Init(devicePub)
	return g
}

// SetUnderLoad forces cookie proof from every source regardless of its
// bucket, for embedders that watch queue depth.
func (g *OfferGate) SetUnderLoad(v bool) {
	g.underLoad.Store(v)
}

// Admit classifies one stamped offer from src.
func (g *OfferGate) Admit(stamped []byte, src netip.AddrPort) Admission {
	if !g.checker.CheckMAC1(stamped) {
		return AdmitDrop
	}
	if g.underLoad.Load() || !g.limiter.Allow(src.Addr()) {
		if !g.checker.CheckMAC2(stamped, srcBytes(src)) {
			return AdmitCookieDemand
		}
	}
	return AdmitProcess
}

// CookieReply mints the reply an AdmitCookieDemand verdict asks for.
func (g *OfferGate) CookieReply(stamped []byte, src netip.AddrPort) (*clutch.CookieReply, error) {
	return g.checker.CreateReply(stamped, srcBytes(src))
}

// Close stops the limiter's garbage collection.
func (g *OfferGate) Close() {
	g.limiter.Close()
}

// srcBytes is the address encoding the cookie binds to: IP then port.
func srcBytes(src netip.AddrPort) []byte {
	b := src.Addr().Unmap().AsSlice()
	return append(b, byte(src.Port()>>8), byte(src.Port()))
}
