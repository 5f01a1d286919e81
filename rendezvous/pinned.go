/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Package rendezvous implements the /conduit HTTP client: challenge,
// announce, relay store/fetch, and avatar blob get/put, plus the
// peer_update push channel over WebSocket. The conduit service itself
// lives elsewhere; this package only speaks its documented wire
// contract against a pinned operator key pair.
package rendezvous

// PinnedEd25519Key verifies the signature on challenge responses from
// the conduit service; announce responses are not signature-checked.
// PinnedX25519Key is the service's static
// encryption key used to seal announce payloads. Both are build-time
// constants, the same hard-coded-seed-keys pattern the original service
// client uses for its rendezvous host.
var (
	PinnedEd25519Key = [32]byte{
		0x6d, 0x9f, 0x6e, 0x73, 0xbf, 0xa4, 0x83, 0x11,
		0x58, 0x63, 0x42, 0x7c, 0xc7, 0x50, 0x5d, 0xc4,
		0x8f, 0xa7, 0x01, 0x6a, 0x60, 0xa6, 0xf4, 0x02,
		0x05, 0xca, 0x95, 0x0d, 0x9b, 0xf0, 0x58, 0x88,
	}

	PinnedX25519Key = [32]byte{
		0x3d, 0x55, 0x63, 0xa3, 0x9c, 0xb4, 0x0f, 0x68,
		0x0e, 0x20, 0x88, 0x76, 0xdc, 0x2e, 0x3e, 0x58,
		0xc2, 0xfb, 0xf4, 0xa0, 0x37, 0x60, 0xb1, 0x25,
		0x61, 0xc0, 0xaf, 0xe1, 0x12, 0xad, 0xdd, 0x11,
	}

	// defaultBaseURL is overridable per Client for tests and alternate
	// deployments; it is not itself pinned.
	defaultBaseURL = "https://conduit.photon.example"
)
