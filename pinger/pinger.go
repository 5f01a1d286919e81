/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Package pinger infers peer liveness. Every TPing the node sends a
// small signed ping to each known peer over UDP and answers incoming
// pings with pongs; a peer is online while at least one pong has been
// seen within TAlive. Pings and pongs carry the sender's current avatar
// digest, so an avatar change propagates without polling, and every
// TRefresh the node re-announces to the rendezvous service to keep its
// record warm.
package pinger

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nickspiker/photon/container"
	"github.com/nickspiker/photon/identity"
	"github.com/nickspiker/photon/peerstore"
	"github.com/nickspiker/photon/photonlog"
)

const (
	// TPing is the outbound ping period.
	TPing = 15 * time.Second
	// TAlive is the window within which a pong counts as proof of life.
	TAlive = 45 * time.Second
	// TRefresh is the rendezvous re-announce period.
	TRefresh = 300 * time.Second
)

// maxPingRate caps outbound ping sends so a large peer table cannot
// turn the ping tick into a packet burst.
var maxPingRate = rate.Limit(64)

// AvatarFetchFunc schedules an avatar download for a handle proof whose
// advertised digest no longer matches the cached copy.
type AvatarFetchFunc func(handleProof [32]byte, digest [32]byte)

// Pinger drives the liveness loop for one node.
type Pinger struct {
	id            *identity.Identity
	store         *peerstore.Store
	send          func(pkt []byte, dst netip.AddrPort) error
	avatarDigest  func() [32]byte
	scheduleFetch AvatarFetchFunc
	reannounce    func()
	log           *photonlog.Logger
	limiter       *rate.Limiter

	mu         sync.Mutex
	proof      [32]byte               // handle proof advertised in probes
	lastPong   map[[32]byte]time.Time // keyed by peer device pubkey
	avatarSeen map[[32]byte][32]byte  // last scheduled digest per handle proof
}

// New builds a Pinger. send transmits one raw datagram; avatarDigest
// reports the local avatar's current provenance hash; scheduleFetch and
// reannounce may be nil when the embedder doesn't carry avatars or a
// rendezvous session.
func New(id *identity.Identity, store *peerstore.Store, send func([]byte, netip.AddrPort) error, avatarDigest func() [32]byte, scheduleFetch AvatarFetchFunc, reannounce func(), log *photonlog.Logger) *Pinger {
	if log == nil {
		log = photonlog.Silent
	}
	if avatarDigest == nil {
		avatarDigest = func() [32]byte { return [32]byte{} }
	}
	return &Pinger{
		id:            id,
		store:         store,
		send:          send,
		avatarDigest:  avatarDigest,
		scheduleFetch: scheduleFetch,
		reannounce:    reannounce,
		log:           log,
		limiter:       rate.NewLimiter(maxPingRate, int(maxPingRate)),
		lastPong:      make(map[[32]byte]time.Time),
		avatarSeen:    make(map[[32]byte][32]byte),
	}
}

// buildProbe encodes a signed ping or pong record.
func (p *Pinger) buildProbe(section string) ([]byte, error) {
	digest := p.avatarDigest()
	proof := p.currentProof()

	builder := container.Ref.NewBuilder(time.Now().UnixNano()).
		SetHeaderKey(p.id.DevicePub).
		AddSection(section, container.Fields{
			"avatar_digest": digest[:],
			"handle_proof":  proof[:],
		})
	built, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("pinger: build %s: %w", section, err)
	}
	return builder.SignWith(p.id.Device, built)
}

// currentProof is the handle proof pings advertise. Stored under the
// same lock as the pong table and updated through SetHandleProof.
func (p *Pinger) currentProof() [32]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.proof
}

// SetHandleProof updates the proof advertised in outgoing probes.
func (p *Pinger) SetHandleProof(proof [32]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.proof = proof
}

// HandlePacket ingests one datagram from the shared socket's read loop.
// Returns true when the packet was a ping or pong (the caller should
// not route it further).
func (p *Pinger) HandlePacket(raw []byte, src netip.AddrPort) bool {
	rec, err := container.Ref.Decode(raw)
	if err != nil {
		return false
	}

	section := ""
	var fields container.Fields
	if f, ok := rec.Section("ping"); ok {
		section, fields = "ping", f
	} else if f, ok := rec.Section("pong"); ok {
		section, fields = "pong", f
	} else {
		return false
	}

	pub, ok := rec.HeaderKey()
	if !ok || !rec.VerifySignature(pub) {
		p.log.Verbosef("pinger: dropping %s with bad signature from %v", section, src)
		return true
	}

	var devicePub [32]byte
	copy(devicePub[:], pub)

	p.noteAvatar(fields)

	switch section {
	case "ping":
		pong, err := p.buildProbe("pong")
		if err != nil {
			p.log.Errorf("pinger: build pong: %v", err)
			return true
		}
		if err := p.send(pong, src); err != nil {
			p.log.Verbosef("pinger: pong to %v: %v", src, err)
		}
	case "pong":
		p.mu.Lock()
		p.lastPong[devicePub] = time.Now()
		p.mu.Unlock()
	}
	return true
}

// noteAvatar compares the probe's carried avatar digest against the
// last one scheduled for that handle proof and schedules a fetch on
// change. Re-advertisements of a digest already being fetched are
// deduplicated.
func (p *Pinger) noteAvatar(fields container.Fields) {
	if p.scheduleFetch == nil {
		return
	}
	proofBytes, ok := fields["handle_proof"].([]byte)
	if !ok || len(proofBytes) != 32 {
		return
	}
	digestBytes, ok := fields["avatar_digest"].([]byte)
	if !ok || len(digestBytes) != 32 {
		return
	}
	var proof, digest [32]byte
	copy(proof[:], proofBytes)
	copy(digest[:], digestBytes)
	if digest == ([32]byte{}) {
		return // peer has no avatar
	}

	p.mu.Lock()
	seen, have := p.avatarSeen[proof]
	if have && seen == digest {
		p.mu.Unlock()
		return
	}
	p.avatarSeen[proof] = digest
	p.mu.Unlock()

	p.scheduleFetch(proof, digest)
}

// Online reports whether a pong from devicePub arrived within TAlive.
func (p *Pinger) Online(devicePub [32]byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	last, ok := p.lastPong[devicePub]
	return ok && time.Since(last) <= TAlive
}

// pingAll sends one ping to every peer currently in the store, paced by
// the limiter.
func (p *Pinger) pingAll(ctx context.Context) {
	ping, err := p.buildProbe("ping")
	if err != nil {
		p.log.Errorf("pinger: build ping: %v", err)
		return
	}

	var targets []netip.AddrPort
	p.store.IterAll(func(rec peerstore.PeerRecord) {
		targets = append(targets, rec.Addr)
		if rec.HasLocalAddr {
			targets = append(targets, rec.LocalAddr)
		}
	})

	for _, dst := range targets {
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		if err := p.send(ping, dst); err != nil {
			p.log.Verbosef("pinger: ping to %v: %v", dst, err)
		}
	}
}

// Run drives the ping and re-announce tickers until stop closes.
func (p *Pinger) Run(stop <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	pingTicker := time.NewTicker(TPing)
	defer pingTicker.Stop()
	refreshTicker := time.NewTicker(TRefresh)
	defer refreshTicker.Stop()

	p.pingAll(ctx)
	for {
		select {
		case <-stop:
			return
		case <-pingTicker.C:
			p.pingAll(ctx)
		case <-refreshTicker.C:
			if p.reannounce != nil {
				p.reannounce()
			}
		}
	}
}
