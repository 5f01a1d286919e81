/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Package container defines the tagged, self-describing binary record
// contract the rest of the core speaks through. The full production
// format, with its schema registry and compression, lives outside this
// module. This package carries only the interface the core needs plus
// one reference codec so the module builds and tests end-to-end.
package container

import "crypto/ed25519"

// Value is any field value the codec can carry. The reference codec
// supports the handful of Go kinds the core actually sends: strings,
// byte slices, and uint64s (ports, sequence numbers, timestamps).
type Value any

// Fields is a named-field bag within one section.
type Fields map[string]Value

// Builder assembles one container record: a creation time, optional
// header-level public key and signature slots, and named sections.
type Builder interface {
	// AddSection appends a named section with the given fields.
	AddSection(name string, fields Fields) Builder
	// SetHeaderKey records the sender's public key in the header,
	// alongside a placeholder for the signature that SignWith fills in.
	SetHeaderKey(pub ed25519.PublicKey) Builder
	// SetProvenanceHash overrides the header's provenance hash with an
	// explicit value instead of letting Build compute one from the body.
	// Used for records whose provenance hash carries meaning of its own,
	// such as a LAN discovery packet's handle_proof.
	SetProvenanceHash(hash [32]byte) Builder
	// Build serialises the record. If a header key was set, the
	// signature bytes are left zeroed; call SignWith afterward.
	Build() ([]byte, error)
	// SignWith computes the provenance hash over the built bytes and
	// writes the signature into the placeholder SetHeaderKey reserved,
	// returning the final signed bytes.
	SignWith(priv ed25519.PrivateKey, built []byte) ([]byte, error)
}

// Record is a decoded container.
type Record interface {
	// ProvenanceHash returns the hash committing to the record's body,
	// used both as a challenge value and as signing input.
	ProvenanceHash() [32]byte
	// HeaderKey returns the header-level public key, if one was set.
	HeaderKey() (ed25519.PublicKey, bool)
	// VerifySignature checks the header signature against pub.
	VerifySignature(pub ed25519.PublicKey) bool
	// Section returns a named section's fields.
	Section(name string) (Fields, bool)
	// ErrorMessage looks for a "message" or "error" field inside an
	// "error" section.
	ErrorMessage() (string, bool)
}

// Codec is the abstract encode/decode entry point the core depends on.
type Codec interface {
	NewBuilder(creationTimeNanos int64) Builder
	Decode(b []byte) (Record, error)
}
