/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Package identity derives every keypair this node uses from a
// per-machine fingerprint oracle. Nothing here is ever persisted to
// disk: the same oracle reading always produces the same keypair, so
// identity survives reinstall but implicitly rotates if the oracle
// changes underneath it.
package identity

import (
	"crypto/ed25519"
	"os"

	"github.com/zeebo/blake3"
	"golang.org/x/text/unicode/norm"
)

const (
	avatarTag = "photon-avatar-v1"
	handleTag = "photon-handle-v1"
	seedTag   = "photon-seed-v1"
)

// Identity is the node's derived keypairs for one run. It is built once
// at startup and shared read-only afterward.
type Identity struct {
	Device      ed25519.PrivateKey
	DevicePub   ed25519.PublicKey
	Fingerprint []byte
}

// New derives the device identity from the current machine's fingerprint
// oracle. It never touches disk beyond reading the oracle itself.
func New() (*Identity, error) {
	fp, err := MachineFingerprint()
	if err != nil {
		fp = fallbackFingerprint()
	}
	pub, priv := DeriveDeviceKeypair(fp)
	return &Identity{Device: priv, DevicePub: pub, Fingerprint: fp}, nil
}

// DeriveDeviceKeypair seeds Ed25519 with BLAKE3(fingerprint). Two calls
// with the same fingerprint always produce byte-identical keypairs.
func DeriveDeviceKeypair(fingerprint []byte) (ed25519.PublicKey, ed25519.PrivateKey) {
	seed := blake3.Sum256(fingerprint)
	priv := ed25519.NewKeyFromSeed(seed[:])
	return priv.Public().(ed25519.PublicKey), priv
}

// normalizeHandle puts a handle into NFC form before any derivation, so
// the same handle typed in different Unicode compositions yields the
// same proofs and seeds.
func normalizeHandle(handle string) string {
	return norm.NFC.String(handle)
}

// DeriveAvatarKeypair derives the deterministic avatar signing keypair
// from (device secret seed ∥ hash(handle) ∥ constant tag). Only the
// public half is ever published.
func DeriveAvatarKeypair(device ed25519.PrivateKey, handle string) (ed25519.PublicKey, ed25519.PrivateKey) {
	handleHash := blake3.Sum256([]byte(normalizeHandle(handle)))
	h := blake3.New()
	h.Write(device.Seed())
	h.Write(handleHash[:])
	h.Write([]byte(avatarTag))
	var seed [32]byte
	h.Sum(seed[:0])
	priv := ed25519.NewKeyFromSeed(seed[:])
	return priv.Public().(ed25519.PublicKey), priv
}

// HandleProof is the publishable, non-reversible commitment to the
// normalised handle, used as the rendezvous lookup key.
func HandleProof(handle string) [32]byte {
	h := blake3.New()
	h.Write([]byte(handleTag))
	h.Write([]byte(normalizeHandle(handle)))
	var out [32]byte
	h.Sum(out[:0])
	return out
}

// IdentitySeed is the local data-at-rest encryption root derived from the
// handle. It uses a distinct domain tag from HandleProof so neither value
// is derivable from the other without the handle itself.
func IdentitySeed(handle string) [32]byte {
	h := blake3.New()
	h.Write([]byte(seedTag))
	h.Write([]byte(normalizeHandle(handle)))
	var out [32]byte
	h.Sum(out[:0])
	return out
}

// fallbackFingerprint is the last-resort recovery path: hostname, then
// a hard-coded sentinel. This is not a
// supported mode; it only fires when the platform oracle is
// unreachable.
func fallbackFingerprint() []byte {
	if host, err := os.Hostname(); err == nil && host != "" {
		return []byte(host)
	}
	return []byte("photon-fingerprint-unavailable")
}
