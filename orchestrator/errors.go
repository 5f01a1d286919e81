/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package orchestrator

import (
	"errors"
	"fmt"
	"net"

	"github.com/nickspiker/photon/chain"
	"github.com/nickspiker/photon/clutch"
	"github.com/nickspiker/photon/peerstore"
	"github.com/nickspiker/photon/rendezvous"
	"github.com/nickspiker/photon/transport"
)

// ErrorKind classifies a failure by how it should be handled, not by
// where it came from.
type ErrorKind int

const (
	// KindTransient covers network failures the transport retries on
	// its own; they surface only once the fallback chain is spent.
	KindTransient ErrorKind = iota
	// KindProtocol covers signature and provenance violations: log,
	// drop, never retry.
	KindProtocol
	// KindRendezvous covers conduit-side rejections surfaced to the
	// embedding application.
	KindRendezvous
	// KindResource covers local exhaustion with a fallback (ports,
	// buffers).
	KindResource
	// KindDecryption covers AEAD failures after the full history walk.
	KindDecryption
	// KindCeremony covers key-exchange inconsistencies that restart the
	// ceremony.
	KindCeremony
)

// AlreadyAttestedError reports that the announced handle is already
// bound to a different device. The conflicting record rides along so
// the application can show who holds the handle.
type AlreadyAttestedError struct {
	Peer peerstore.PeerRecord
}

func (e *AlreadyAttestedError) Error() string {
	return fmt.Sprintf("orchestrator: handle already attested to device %x", e.Peer.DevicePubkey[:8])
}

// Classify maps an error to its handling kind.
func Classify(err error) ErrorKind {
	var attested *AlreadyAttestedError
	switch {
	case errors.As(err, &attested):
		return KindRendezvous
	case errors.Is(err, chain.ErrDecryptionFailed):
		return KindDecryption
	case errors.Is(err, clutch.ErrCeremonyAbort):
		return KindCeremony
	case errors.Is(err, rendezvous.ErrBadSignature):
		return KindProtocol
	case errors.Is(err, transport.ErrNoFallbackAvailable), errors.Is(err, transport.ErrUDPExhausted):
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindRendezvous
}
