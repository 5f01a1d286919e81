/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Package clutch implements the pairwise key-exchange ceremony: a
// hybrid of ML-KEM-768 and X25519, signed by the device identity and a
// per-ceremony freshness key. Each participant ends the ceremony with
// one slot secret per side; each secret seeds that side's chain.
//
// The ceremony is commutative. Both peers may build and send offers at
// the same time, and offers, responses, and local keygen may interleave
// in any order that preserves per-message causality; the derived
// secrets come out identical on both ends regardless.
package clutch

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/curve25519"

	"github.com/nickspiker/photon/chain"
	"github.com/nickspiker/photon/container"
	"github.com/nickspiker/photon/identity"
	"github.com/nickspiker/photon/photonlog"
)

// ErrCeremonyAbort is the kind every unrecoverable ceremony failure
// wraps: signature or MAC mismatch, malformed material, peer identity
// change. The caller discards all slot state and starts a fresh
// ceremony.
var ErrCeremonyAbort = errors.New("clutch: ceremony aborted")

// ErrOfferNotReceived is returned by operations that need the peer's
// offer before it has arrived.
var ErrOfferNotReceived = errors.New("clutch: peer offer not yet received")

// ErrNotComplete is returned when slot secrets are read before both
// slots have completed.
var ErrNotComplete = errors.New("clutch: ceremony not complete")

// SlotState tracks one participant's slot.
type SlotState int

const (
	SlotPending SlotState = iota
	SlotComplete
)

// Slot is one participant's half of the ceremony outcome.
type Slot struct {
	State  SlotState
	secret [32]byte
}

// offer is the peer public material parsed from a received offer.
type offer struct {
	kemPub    kem.PublicKey
	xPub      [32]byte
	freshPub  ed25519.PublicKey
	devicePub ed25519.PublicKey
}

// Ceremony drives one pairwise key exchange against a single peer
// device. All state transitions happen under one mutex, which is also
// held through the heavy operations (Keygen, encapsulation).
type Ceremony struct {
	mu  sync.Mutex
	log *photonlog.Logger

	id            *identity.Identity
	peerDevicePub ed25519.PublicKey

	// Local ephemeral material, produced by Keygen.
	kemPub    kem.PublicKey
	kemPriv   kem.PrivateKey
	xPriv     [32]byte
	xPub      [32]byte
	freshPub  ed25519.PublicKey
	freshPriv ed25519.PrivateKey
	keygenOK  bool

	offerWire []byte   // own signed offer, built once
	offerProv [32]byte // own offer provenance

	peerOffer *offer
	peerProv  [32]byte

	pendingResp []byte // response that arrived before the peer's offer
	cachedResp  []byte // response already produced for the peer's offer

	xShared []byte

	local Slot // seeds the chain this node encrypts with
	peer  Slot // seeds the chain the peer encrypts with
}

var kemScheme = mlkem768.Scheme()

// New prepares a ceremony with peerDevicePub. No key material is
// generated yet; call Keygen (on a worker, it is slow) or let the first
// Offer/HandleOffer trigger it.
func New(id *identity.Identity, peerDevicePub ed25519.PublicKey, log *photonlog.Logger) *Ceremony {
	if log == nil {
		log = photonlog.Silent
	}
	return &Ceremony{
		id:            id,
		peerDevicePub: append(ed25519.PublicKey(nil), peerDevicePub...),
		log:           log,
	}
}

// Keygen generates the local ephemeral material: the KEM keypair, the
// X25519 keypair, and the freshness signing keypair. Idempotent.
func (c *Ceremony) Keygen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keygenLocked()
}

func (c *Ceremony) keygenLocked() error {
	if c.keygenOK {
		return nil
	}

	kemPub, kemPriv, err := kemScheme.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("clutch: KEM keygen: %w", err)
	}
	if _, err := rand.Read(c.xPriv[:]); err != nil {
		return fmt.Errorf("clutch: X25519 keygen: %w", err)
	}
	xPub, err := curve25519.X25519(c.xPriv[:], curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("clutch: X25519 public key: %w", err)
	}
	freshPub, freshPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("clutch: freshness keygen: %w", err)
	}

	c.kemPub, c.kemPriv = kemPub, kemPriv
	copy(c.xPub[:], xPub)
	c.freshPub, c.freshPriv = freshPub, freshPriv
	c.keygenOK = true
	return nil
}

// Offer returns this node's signed offer wire, building it on first
// call. The same bytes are returned on every call so retransmission
// through the transport's fallback chain cannot fork the ceremony.
func (c *Ceremony) Offer() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offerLocked()
}

func (c *Ceremony) offerLocked() ([]byte, error) {
	if c.offerWire != nil {
		return c.offerWire, nil
	}
	if err := c.keygenLocked(); err != nil {
		return nil, err
	}

	kemPubBytes, err := c.kemPub.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("clutch: marshal KEM public key: %w", err)
	}

	builder := container.Ref.NewBuilder(time.Now().UnixNano()).
		SetHeaderKey(c.id.DevicePub).
		AddSection("clutch_offer", container.Fields{
			"kem_pub":   kemPubBytes,
			"x_pub":     c.xPub[:],
			"fresh_pub": []byte(c.freshPub),
		})
	built, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("clutch: build offer: %w", err)
	}
	signed, err := builder.SignWith(c.id.Device, built)
	if err != nil {
		return nil, fmt.Errorf("clutch: sign offer: %w", err)
	}

	rec, err := container.Ref.Decode(signed)
	if err != nil {
		return nil, fmt.Errorf("clutch: re-decode own offer: %w", err)
	}
	c.offerWire = signed
	c.offerProv = rec.ProvenanceHash()
	return c.offerWire, nil
}

// HandleOffer ingests the peer's offer and returns the KEM response to
// send back. Receiving the peer's offer before building our own is the
// same as the other order: the local offer is built here if needed, so
// both sides' derivations see the same pair of offer provenances.
func (c *Ceremony) HandleOffer(raw []byte) ([]byte, error) {
	rec, err := container.Ref.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable offer: %v", ErrCeremonyAbort, err)
	}
	devicePub, ok := rec.HeaderKey()
	if !ok {
		return nil, fmt.Errorf("%w: offer carries no device key", ErrCeremonyAbort)
	}
	if !bytes.Equal(devicePub, c.peerDevicePub) {
		return nil, fmt.Errorf("%w: offer signed by a different device", ErrCeremonyAbort)
	}
	if !rec.VerifySignature(devicePub) {
		return nil, fmt.Errorf("%w: offer signature mismatch", ErrCeremonyAbort)
	}

	fields, ok := rec.Section("clutch_offer")
	if !ok {
		return nil, fmt.Errorf("%w: record is not an offer", ErrCeremonyAbort)
	}
	parsed, err := parseOffer(fields, devicePub)
	if err != nil {
		return nil, err
	}
	prov := rec.ProvenanceHash()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.peerOffer != nil {
		if prov == c.peerProv {
			return c.cachedResp, nil // duplicate delivery, same answer
		}
		return nil, fmt.Errorf("%w: second offer with different provenance", ErrCeremonyAbort)
	}

	if _, err := c.offerLocked(); err != nil {
		return nil, err
	}
	c.peerOffer = parsed
	c.peerProv = prov

	resp, err := c.respondLocked()
	if err != nil {
		return nil, err
	}

	// A response that raced ahead of this offer can be verified now.
	if c.pendingResp != nil {
		buffered := c.pendingResp
		c.pendingResp = nil
		if err := c.handleResponseLocked(buffered); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// respondLocked encapsulates against the peer's offer, completes the
// peer's slot, and builds the signed response wire.
func (c *Ceremony) respondLocked() ([]byte, error) {
	ct, kemShared, err := kemScheme.Encapsulate(c.peerOffer.kemPub)
	if err != nil {
		return nil, fmt.Errorf("clutch: encapsulate: %w", err)
	}
	xShared, err := curve25519.X25519(c.xPriv[:], c.peerOffer.xPub[:])
	if err != nil {
		return nil, fmt.Errorf("clutch: X25519 shared secret: %w", err)
	}
	c.xShared = xShared

	bind := bindMAC(kemShared, xShared, c.offerProv, c.peerProv, ct)

	builder := container.Ref.NewBuilder(time.Now().UnixNano()).
		SetHeaderKey(c.freshPub).
		AddSection("clutch_resp", container.Fields{
			"ct":         ct,
			"bind":       bind,
			"offer_prov": c.peerProv[:],
		})
	built, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("clutch: build response: %w", err)
	}
	signed, err := builder.SignWith(c.freshPriv, built)
	if err != nil {
		return nil, fmt.Errorf("clutch: sign response: %w", err)
	}

	c.peer.secret = deriveSlotSecret(kemShared, xShared, c.offerProv, c.peerProv, c.peerProv)
	c.peer.State = SlotComplete
	c.cachedResp = signed
	return signed, nil
}

// HandleResponse ingests the peer's KEM response to our offer,
// decapsulates, verifies the binding MAC, and completes the local slot.
// A response arriving before the peer's offer is buffered and replayed
// once the offer lands, since its freshness key cannot be verified
// until then.
func (c *Ceremony) HandleResponse(raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peerOffer == nil {
		c.pendingResp = append([]byte(nil), raw...)
		return nil
	}
	return c.handleResponseLocked(raw)
}

func (c *Ceremony) handleResponseLocked(raw []byte) error {
	rec, err := container.Ref.Decode(raw)
	if err != nil {
		return fmt.Errorf("%w: undecodable response: %v", ErrCeremonyAbort, err)
	}
	freshPub, ok := rec.HeaderKey()
	if !ok || !bytes.Equal(freshPub, c.peerOffer.freshPub) {
		c.abortLocked()
		return fmt.Errorf("%w: response not signed by the offered freshness key", ErrCeremonyAbort)
	}
	if !rec.VerifySignature(freshPub) {
		c.abortLocked()
		return fmt.Errorf("%w: response signature mismatch", ErrCeremonyAbort)
	}

	fields, ok := rec.Section("clutch_resp")
	if !ok {
		return fmt.Errorf("%w: record is not a response", ErrCeremonyAbort)
	}
	prov, ok := fields["offer_prov"].([]byte)
	if !ok || len(prov) != 32 || !bytes.Equal(prov, c.offerProv[:]) {
		c.abortLocked()
		return fmt.Errorf("%w: response answers a different offer", ErrCeremonyAbort)
	}
	ct, ok := fields["ct"].([]byte)
	if !ok || len(ct) != kemScheme.CiphertextSize() {
		c.abortLocked()
		return fmt.Errorf("%w: malformed encapsulation ciphertext", ErrCeremonyAbort)
	}
	bind, ok := fields["bind"].([]byte)
	if !ok {
		c.abortLocked()
		return fmt.Errorf("%w: response missing binding MAC", ErrCeremonyAbort)
	}

	kemShared, err := kemScheme.Decapsulate(c.kemPriv, ct)
	if err != nil {
		c.abortLocked()
		return fmt.Errorf("%w: decapsulate: %v", ErrCeremonyAbort, err)
	}
	if c.xShared == nil {
		xShared, err := curve25519.X25519(c.xPriv[:], c.peerOffer.xPub[:])
		if err != nil {
			return fmt.Errorf("clutch: X25519 shared secret: %w", err)
		}
		c.xShared = xShared
	}

	if !verifyBindMAC(bind, kemShared, c.xShared, c.peerProv, c.offerProv, ct) {
		c.abortLocked()
		return fmt.Errorf("%w: binding MAC over offers disagrees", ErrCeremonyAbort)
	}

	c.local.secret = deriveSlotSecret(kemShared, c.xShared, c.peerProv, c.offerProv, c.offerProv)
	c.local.State = SlotComplete
	return nil
}

// abortLocked wipes every secret the ceremony has accumulated.
func (c *Ceremony) abortLocked() {
	clear(c.local.secret[:])
	clear(c.peer.secret[:])
	c.local.State = SlotPending
	c.peer.State = SlotPending
	clear(c.xPriv[:])
	c.xShared = nil
	c.keygenOK = false
	c.kemPriv = nil
	c.kemPub = nil
}

// Complete reports whether both slots hold a secret.
func (c *Ceremony) Complete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local.State == SlotComplete && c.peer.State == SlotComplete
}

// CeremonyID is the smaller of the two offer provenances; both sides
// compute the same value no matter who offered first.
func (c *Ceremony) CeremonyID() ([32]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero [32]byte
	if c.offerWire == nil || c.peerOffer == nil {
		return zero, ErrOfferNotReceived
	}
	return minProv(c.offerProv, c.peerProv), nil
}

// SlotSecrets returns both derived secrets once the ceremony has
// completed: local seeds this node's outbound chain, peer seeds the
// inbound one.
func (c *Ceremony) SlotSecrets() (local, peer [32]byte, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.local.State != SlotComplete || c.peer.State != SlotComplete {
		return local, peer, ErrNotComplete
	}
	return c.local.secret, c.peer.secret, nil
}

// Friendship builds the chain pair for a completed ceremony. selfProof
// and peerProof are the two handle proofs; the chains' sender
// commitments are the hashes of the respective device public keys.
func (c *Ceremony) Friendship(selfProof, peerProof [32]byte) (*chain.Friendship, error) {
	localSecret, peerSecret, err := c.SlotSecrets()
	if err != nil {
		return nil, err
	}
	return &chain.Friendship{
		ID:       chain.NewFriendshipID(selfProof, peerProof),
		Outbound: chain.New(localSecret, blake3.Sum256(c.id.DevicePub)),
		Inbound:  chain.New(peerSecret, blake3.Sum256(c.peerDevicePub)),
	}, nil
}

func parseOffer(fields container.Fields, devicePub ed25519.PublicKey) (*offer, error) {
	kemPubBytes, ok := fields["kem_pub"].([]byte)
	if !ok || len(kemPubBytes) != kemScheme.PublicKeySize() {
		return nil, fmt.Errorf("%w: malformed KEM public key", ErrCeremonyAbort)
	}
	kemPub, err := kemScheme.UnmarshalBinaryPublicKey(kemPubBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: unmarshal KEM public key: %v", ErrCeremonyAbort, err)
	}
	xPubBytes, ok := fields["x_pub"].([]byte)
	if !ok || len(xPubBytes) != 32 {
		return nil, fmt.Errorf("%w: malformed X25519 public key", ErrCeremonyAbort)
	}
	freshPubBytes, ok := fields["fresh_pub"].([]byte)
	if !ok || len(freshPubBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: malformed freshness key", ErrCeremonyAbort)
	}

	o := &offer{
		kemPub:    kemPub,
		freshPub:  ed25519.PublicKey(freshPubBytes),
		devicePub: devicePub,
	}
	copy(o.xPub[:], xPubBytes)
	return o, nil
}

func minProv(a, b [32]byte) [32]byte {
	if bytes.Compare(a[:], b[:]) <= 0 {
		return a
	}
	return b
}
