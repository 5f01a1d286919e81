/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package rendezvous

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"fmt"
	"net/netip"
	"time"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"

	"github.com/nickspiker/photon/container"
	"github.com/nickspiker/photon/peerstore"
)

const (
	nonceSize     = 12
	x25519PubSize = 32
)

// sealForConduit encrypts plaintext to the pinned conduit X25519 key
// using an ephemeral-ECDH-then-AES-256-GCM envelope. The output framing
// is ephemeral_pubkey(32) ∥ nonce(12) ∥ ciphertext+tag.
func sealForConduit(plaintext []byte) ([]byte, error) {
	var ephemeralPriv [32]byte
	if _, err := rand.Read(ephemeralPriv[:]); err != nil {
		return nil, fmt.Errorf("rendezvous: generate ephemeral key: %w", err)
	}
	ephemeralPub, err := curve25519.X25519(ephemeralPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: derive ephemeral public key: %w", err)
	}
	shared, err := curve25519.X25519(ephemeralPriv[:], PinnedX25519Key[:])
	if err != nil {
		return nil, fmt.Errorf("rendezvous: ephemeral ECDH: %w", err)
	}

	aead, err := newAEAD(shared)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("rendezvous: generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, x25519PubSize+nonceSize+len(ciphertext))
	out = append(out, ephemeralPub...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// openFromConduit reverses sealForConduit using deviceSecret converted to
// an X25519 secret (RFC 8032's Ed25519-secret-to-X25519-secret
// conversion: SHA-512 the seed, clamp the low half per RFC 7748).
func openFromConduit(sealed []byte, deviceSecret ed25519.PrivateKey) ([]byte, error) {
	if len(sealed) < x25519PubSize+nonceSize {
		return nil, fmt.Errorf("%w: sealed envelope too short", ErrMalformedResponse)
	}
	ephemeralPub := sealed[:x25519PubSize]
	nonce := sealed[x25519PubSize : x25519PubSize+nonceSize]
	ciphertext := sealed[x25519PubSize+nonceSize:]

	x25519Secret := ed25519SecretToX25519(deviceSecret)
	shared, err := curve25519.X25519(x25519Secret[:], ephemeralPub)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: ECDH with conduit ephemeral key: %w", err)
	}

	aead, err := newAEAD(shared)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: decrypt sealed envelope: %w", err)
	}
	return plaintext, nil
}

func newAEAD(sharedSecret []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(sharedSecret)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: init AES-256 key: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: init AES-GCM: %w", err)
	}
	return aead, nil
}

// deviceX25519Public converts the Ed25519 device public key to its
// X25519 form (the Montgomery u-coordinate of the same point). The
// announce payload advertises it so the conduit seals the peer list to
// the device key without repeating the conversion server-side.
func deviceX25519Public(pub ed25519.PublicKey) ([]byte, error) {
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: device key is not a valid point: %w", err)
	}
	return p.BytesMontgomery(), nil
}

// ed25519SecretToX25519 matches the conduit service's own conversion so
// the two sides derive the same X25519 secret from one Ed25519 identity.
func ed25519SecretToX25519(priv ed25519.PrivateKey) [32]byte {
	h := sha512.Sum512(priv.Seed())
	var x [32]byte
	copy(x[:], h[:32])
	x[0] &= 248
	x[31] &= 127
	x[31] |= 64
	return x
}

// Announce publishes this node's reachability under handleProof and
// returns every peer the conduit knows for that handle, preserving
// whatever peers it could parse even when the call ultimately errors.
func (c *Client) Announce(handleProof [32]byte, port uint16, localAddr netip.Addr, avatarPub ed25519.PublicKey) ([]peerstore.PeerRecord, error) {
	challenge, err := c.Challenge()
	if err != nil {
		return nil, fmt.Errorf("rendezvous: announce: %w", err)
	}

	xPub, err := deviceX25519Public(c.id.DevicePub)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: announce: %w", err)
	}

	fields := container.Fields{
		"challenge":    challenge[:],
		"handle_proof": handleProof[:],
		"port":         uint64(port),
		"x25519_pub":   xPub,
	}
	if localAddr.IsValid() && !localAddr.IsUnspecified() {
		fields["local_addr"] = localAddr.AsSlice()
	}
	if len(avatarPub) == ed25519.PublicKeySize {
		fields["avatar_pubkey"] = []byte(avatarPub)
	}

	plaintext, err := encodeAnnounceFields(fields)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: announce: %w", err)
	}

	sealed, err := sealForConduit(plaintext)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: announce: %w", err)
	}

	builder := c.codec.NewBuilder(time.Now().UnixNano()).
		SetHeaderKey(c.id.DevicePub).
		AddSection("announce", container.Fields{"payload": sealed})
	built, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("rendezvous: build announce: %w", err)
	}
	signed, err := builder.SignWith(c.id.Device, built)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: sign announce: %w", err)
	}

	rec, err := c.doConduit(signed)
	if err != nil {
		return nil, err
	}

	fieldsOut, ok := rec.Section("encrypted_peers")
	if !ok {
		c.log.Errorf("rendezvous: announce response missing encrypted_peers section")
		return nil, fmt.Errorf("%w: missing encrypted_peers section", ErrMalformedResponse)
	}
	blob, ok := fieldsOut["data"].([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: encrypted_peers.data is not bytes", ErrMalformedResponse)
	}

	plainPeers, err := openFromConduit(blob, c.id.Device)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: announce: %w", err)
	}

	peers, parseErr := parsePeerList(plainPeers)
	if parseErr != nil {
		c.log.Errorf("rendezvous: partial peer list parse: %v", parseErr)
		return peers, parseErr
	}
	return peers, nil
}

// encodeAnnounceFields serialises the announce plaintext as a single
// container section so both sides speak the same framing for the
// encrypted payload, rather than inventing a bespoke ad hoc layout.
func encodeAnnounceFields(fields container.Fields) ([]byte, error) {
	return container.Ref.NewBuilder(time.Now().UnixNano()).AddSection("announce_payload", fields).Build()
}

// parsePeerList decodes the plaintext recovered from the announce
// response: zero or more self-delimited container records, each holding
// one "peer" section.
func parsePeerList(plaintext []byte) ([]peerstore.PeerRecord, error) {
	var out []peerstore.PeerRecord
	rest := plaintext
	for len(rest) > 0 {
		n, err := container.EncodedLength(rest)
		if err != nil {
			return out, fmt.Errorf("rendezvous: parse peer list: %w", err)
		}
		rec, err := container.Ref.Decode(rest[:n])
		if err != nil {
			return out, fmt.Errorf("rendezvous: decode peer record: %w", err)
		}
		fields, ok := rec.Section("peer")
		if !ok {
			return out, fmt.Errorf("%w: missing peer section", ErrMalformedResponse)
		}
		pr, err := peerRecordFromFields(fields)
		if err != nil {
			return out, err
		}
		out = append(out, pr)
		rest = rest[n:]
	}
	return out, nil
}

func peerRecordFromFields(fields container.Fields) (peerstore.PeerRecord, error) {
	var pr peerstore.PeerRecord

	proof, ok := fields["handle_proof"].([]byte)
	if !ok || len(proof) != 32 {
		return pr, fmt.Errorf("%w: bad handle_proof field", ErrMalformedResponse)
	}
	copy(pr.HandleProof[:], proof)

	devPub, ok := fields["device_pubkey"].([]byte)
	if !ok || len(devPub) != 32 {
		return pr, fmt.Errorf("%w: bad device_pubkey field", ErrMalformedResponse)
	}
	copy(pr.DevicePubkey[:], devPub)

	addrBytes, ok := fields["addr"].([]byte)
	if !ok {
		return pr, fmt.Errorf("%w: missing addr field", ErrMalformedResponse)
	}
	addr, ok := netip.AddrFromSlice(addrBytes)
	if !ok {
		return pr, fmt.Errorf("%w: malformed addr field", ErrMalformedResponse)
	}
	portU, ok := fields["port"].(uint64)
	if !ok {
		return pr, fmt.Errorf("%w: missing port field", ErrMalformedResponse)
	}
	pr.Addr = netip.AddrPortFrom(addr, uint16(portU))

	if localBytes, ok := fields["local_addr"].([]byte); ok {
		if localAddr, ok := netip.AddrFromSlice(localBytes); ok {
			pr.LocalAddr = netip.AddrPortFrom(localAddr, uint16(portU))
			pr.HasLocalAddr = true
		}
	}

	if lastSeen, ok := fields["last_seen_nanos"].(uint64); ok {
		pr.LastSeen = time.Unix(0, int64(lastSeen))
	} else {
		pr.LastSeen = time.Now()
	}

	return pr, nil
}
