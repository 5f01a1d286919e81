/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Package orchestrator owns process-wide concurrency: the long-lived
// workers (connectivity watcher, query, search, refresh), the
// friendship arena, and the single-writer current-handle state. Workers
// talk to the embedding application only through bounded channels; the
// peer store is the one piece of shared mutable state, behind its own
// lock.
package orchestrator

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/nickspiker/photon/clutch"
	"github.com/nickspiker/photon/identity"
	"github.com/nickspiker/photon/peerstore"
	"github.com/nickspiker/photon/photonlog"
)

// Conduit is the slice of the rendezvous client the orchestrator
// drives. Narrow on purpose: tests substitute a fake.
type Conduit interface {
	Announce(handleProof [32]byte, port uint16, localAddr netip.Addr, avatarPub ed25519.PublicKey) ([]peerstore.PeerRecord, error)
	Probe() error
}

// DefaultProbeInterval paces the connectivity watcher between forced
// probes.
const DefaultProbeInterval = 30 * time.Second

// RefreshInterval re-announces the current handle to the rendezvous
// service.
const RefreshInterval = 300 * time.Second

// Config carries everything an Orchestrator needs at construction.
type Config struct {
	Identity      *identity.Identity
	Conduit       Conduit
	Store         *peerstore.Store
	Port          uint16
	LocalAddr     netip.Addr
	AvatarPub     ed25519.PublicKey
	Log           *photonlog.Logger
	ProbeInterval time.Duration
}

// AttestationData is the query worker's consolidated answer: the peers
// learned during the flow plus the error flag, both preserved even
// when only one of them is useful.
type AttestationData struct {
	Peers []peerstore.PeerRecord
	Err   error
}

type attestRequest struct {
	handle string
	resp   chan AttestationData
}

type searchRequest struct {
	handle string
	resp   chan []peerstore.PeerRecord
}

// Orchestrator supervises the background workers for one node.
type Orchestrator struct {
	cfg       Config
	log       *photonlog.Logger
	arena     *Arena
	offerGate *OfferGate

	mu          sync.Mutex
	handle      string
	handleProof [32]byte

	onlineMu sync.Mutex
	online   bool

	attestCh  chan attestRequest
	searchCh  chan searchRequest
	refreshCh chan struct{}
	probeCh   chan struct{}
	events    chan bool

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New constructs the orchestrator and starts its workers.
func New(cfg Config) *Orchestrator {
	if cfg.Log == nil {
		cfg.Log = photonlog.Silent
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	var devicePub [32]byte
	copy(devicePub[:], cfg.Identity.DevicePub)

	o := &Orchestrator{
		cfg:       cfg,
		log:       cfg.Log,
		arena:     NewArena(),
		offerGate: NewOfferGate(devicePub),
		attestCh:  make(chan attestRequest, 4),
		searchCh:  make(chan searchRequest, 4),
		refreshCh: make(chan struct{}, 1),
		probeCh:   make(chan struct{}, 1),
		events:    make(chan bool, 8),
		closed:    make(chan struct{}),
	}

	o.wg.Add(4)
	go o.connectivityWorker()
	go o.queryWorker()
	go o.searchWorker()
	go o.refreshWorker()
	return o
}

// Arena exposes the friendship arena.
func (o *Orchestrator) Arena() *Arena { return o.arena }

// Gate exposes the offer admission gate, for embedders that watch queue
// depth and flip its under-load flag.
func (o *Orchestrator) Gate() *OfferGate { return o.offerGate }

// HandleOffer runs one inbound stamped ceremony offer through the
// admission gate and, when admitted, through its ceremony. When the
// gate demands proof of IP ownership instead, the cookie reply to send
// back is returned in place of a ceremony response.
func (o *Orchestrator) HandleOffer(cer *clutch.Ceremony, stamped []byte, src netip.AddrPort) (resp []byte, cookie *clutch.CookieReply, err error) {
	switch o.offerGate.Admit(stamped, src) {
	case AdmitDrop:
		return nil, nil, fmt.Errorf("%w: offer from %v failed admission", clutch.ErrCeremonyAbort, src)
	case AdmitCookieDemand:
		reply, err := o.offerGate.CookieReply(stamped, src)
		if err != nil {
			return nil, nil, err
		}
		return nil, reply, nil
	}

	record, ok := clutch.TrimOffer(stamped)
	if !ok {
		return nil, nil, fmt.Errorf("%w: offer too short for its MAC trailer", clutch.ErrCeremonyAbort)
	}
	resp, err = cer.HandleOffer(record)
	return resp, nil, err
}

// CurrentHandle returns the attested handle and its proof, empty until
// the first successful attestation.
func (o *Orchestrator) CurrentHandle() (string, [32]byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.handle, o.handleProof
}

func (o *Orchestrator) setCurrentHandle(handle string, proof [32]byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handle = handle
	o.handleProof = proof
}

// Online reports the watcher's last connectivity verdict.
func (o *Orchestrator) Online() bool {
	o.onlineMu.Lock()
	defer o.onlineMu.Unlock()
	return o.online
}

// ConnectivityEvents streams online/offline transitions. Slow readers
// lose intermediate transitions, never the channel.
func (o *Orchestrator) ConnectivityEvents() <-chan bool { return o.events }

// KickConnectivity forces an immediate probe, for platform glue that
// hears OS interface-change notifications.
func (o *Orchestrator) KickConnectivity() {
	select {
	case o.probeCh <- struct{}{}:
	default:
	}
}

// Attest runs the attestation flow for handle on the query worker. A
// cancelled ctx abandons the wait; the worker's in-flight HTTP call
// finishes on its own and its result is discarded.
func (o *Orchestrator) Attest(ctx context.Context, handle string) AttestationData {
	req := attestRequest{handle: handle, resp: make(chan AttestationData, 1)}
	select {
	case o.attestCh <- req:
	case <-ctx.Done():
		return AttestationData{Err: ctx.Err()}
	case <-o.closed:
		return AttestationData{Err: context.Canceled}
	}
	select {
	case data := <-req.resp:
		return data
	case <-ctx.Done():
		return AttestationData{Err: ctx.Err()}
	case <-o.closed:
		return AttestationData{Err: context.Canceled}
	}
}

// Search answers a handle lookup, cache first.
func (o *Orchestrator) Search(ctx context.Context, handle string) ([]peerstore.PeerRecord, error) {
	req := searchRequest{handle: handle, resp: make(chan []peerstore.PeerRecord, 1)}
	select {
	case o.searchCh <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-o.closed:
		return nil, context.Canceled
	}
	select {
	case peers := <-req.resp:
		return peers, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-o.closed:
		return nil, context.Canceled
	}
}

// Refresh asks the refresh worker for an immediate re-announce.
func (o *Orchestrator) Refresh() {
	select {
	case o.refreshCh <- struct{}{}:
	default:
	}
}

// Close signals every worker, waits for them to drain, and destroys
// all chain material.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		close(o.closed)
		o.wg.Wait()
		o.offerGate.Close()
		o.arena.Clear()
	})
}

// attest is the query worker's flow: announce, detect a handle held by
// another device before touching any local state, then merge the peer
// list into the store. Announce errors ride along with whatever peers
// were still parsed.
func (o *Orchestrator) attest(handle string) AttestationData {
	proof := identity.HandleProof(handle)
	peers, err := o.cfg.Conduit.Announce(proof, o.cfg.Port, o.cfg.LocalAddr, o.cfg.AvatarPub)

	var devicePub [32]byte
	copy(devicePub[:], o.cfg.Identity.DevicePub)

	for _, p := range peers {
		if p.HandleProof == proof && p.DevicePubkey != devicePub {
			return AttestationData{Peers: peers, Err: &AlreadyAttestedError{Peer: p}}
		}
	}

	for _, p := range peers {
		if p.DevicePubkey == devicePub {
			continue // never a self-entry
		}
		o.cfg.Store.AddPeer(p)
	}

	if err == nil {
		o.setCurrentHandle(handle, proof)
	}
	return AttestationData{Peers: peers, Err: err}
}

func (o *Orchestrator) queryWorker() {
	defer o.wg.Done()
	for {
		select {
		case <-o.closed:
			return
		case req := <-o.attestCh:
			req.resp <- o.attest(req.handle)
		}
	}
}

func (o *Orchestrator) searchWorker() {
	defer o.wg.Done()
	for {
		select {
		case <-o.closed:
			return
		case req := <-o.searchCh:
			proof := identity.HandleProof(req.handle)
			peers := o.cfg.Store.GetDevicesForHandle(proof)
			if len(peers) == 0 {
				// Cache miss: a re-announce refreshes the store from
				// the rendezvous service, then retry once.
				if handle, _ := o.CurrentHandle(); handle != "" {
					o.attest(handle)
					peers = o.cfg.Store.GetDevicesForHandle(proof)
				}
			}
			req.resp <- peers
		}
	}
}

func (o *Orchestrator) refreshWorker() {
	defer o.wg.Done()
	ticker := time.NewTicker(RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.closed:
			return
		case <-ticker.C:
		case <-o.refreshCh:
		}
		handle, _ := o.CurrentHandle()
		if handle == "" {
			continue
		}
		if data := o.attest(handle); data.Err != nil {
			o.log.Errorf("orchestrator: refresh announce: %v", data.Err)
		}
	}
}

func (o *Orchestrator) connectivityWorker() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.ProbeInterval)
	defer ticker.Stop()

	probe := func() {
		online := o.cfg.Conduit.Probe() == nil

		o.onlineMu.Lock()
		changed := online != o.online
		o.online = online
		o.onlineMu.Unlock()

		if changed {
			o.log.Verbosef("orchestrator: connectivity -> %v", online)
			select {
			case o.events <- online:
			default:
			}
		}
	}

	probe()
	for {
		select {
		case <-o.closed:
			return
		case <-ticker.C:
			probe()
		case <-o.probeCh:
			probe()
		}
	}
}
