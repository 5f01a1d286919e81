/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package transport

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/nickspiker/photon/photonlog"
)

// Timeouts for the whole-payload fallback writes.
const (
	TCPConnectTimeout = 10 * time.Second
	TCPWriteTimeout   = 30 * time.Second
)

// RelayFunc deposits an already-opaque payload with the rendezvous
// service's store-and-forward relay (rendezvous.Client.SendViaRelay).
type RelayFunc func(payload []byte) error

type backendKind int

const (
	backendUDP backendKind = iota
	backendTCP
	backendRelay
)

func (k backendKind) String() string {
	switch k {
	case backendUDP:
		return "udp"
	case backendTCP:
		return "tcp"
	case backendRelay:
		return "relay"
	default:
		return "unknown"
	}
}

// ErrNoFallbackAvailable is returned once the fallback chain has nothing
// left to escalate to.
var ErrNoFallbackAvailable = errors.New("transport: no further fallback backend configured")

// ErrUDPExhausted is what a Sender's UDP send path returns after its
// retransmit cycles are spent without a full ACK, signaling Backend to
// escalate.
var ErrUDPExhausted = errors.New("transport: UDP retransmission exhausted")

// Backend is the fixed three-variant transport enum: UDP direct, TCP
// fallback, relay fallback. Escalation is sticky: once a
// peer's traffic has fallen back, later sends start from the escalated
// backend rather than re-probing UDP every time.
type Backend struct {
	mu      sync.Mutex
	kind    backendKind
	tcpAddr netip.AddrPort
	relay   RelayFunc
	log     *photonlog.Logger
}

// NewBackend starts a backend in its default UDP-direct state.
func NewBackend(log *photonlog.Logger) *Backend {
	if log == nil {
		log = photonlog.Silent
	}
	return &Backend{kind: backendUDP, log: log}
}

// SetTCPAddr records the address to dial when UDP exhausts its retries.
func (b *Backend) SetTCPAddr(addr netip.AddrPort) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tcpAddr = addr
}

// SetRelay records the store-and-forward path used when TCP also fails.
func (b *Backend) SetRelay(fn RelayFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.relay = fn
}

// Kind reports the currently active backend, for tests and logging.
func (b *Backend) Kind() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.kind.String()
}

func (b *Backend) currentKind() backendKind {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.kind
}

// Send delivers payload: udpSend is tried first while the backend is
// still in its UDP state; on ErrUDPExhausted (or once already escalated)
// it falls through to a single TCP write, then a single relay deposit.
// Each later backend carries the whole payload as one unit, not the
// per-fragment DATA protocol.
func (b *Backend) Send(payload []byte, udpSend func([]byte) error) error {
	kind := b.currentKind()

	if kind == backendUDP {
		err := udpSend(payload)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrUDPExhausted) {
			return err
		}
		b.log.Verbosef("transport: UDP exhausted, falling back to TCP")
		if err := b.escalate(); err != nil {
			return err
		}
		kind = b.currentKind()
	}

	if kind == backendTCP {
		if err := b.sendTCP(payload); err == nil {
			return nil
		} else {
			b.log.Verbosef("transport: TCP fallback failed: %v", err)
		}
		if err := b.escalate(); err != nil {
			return err
		}
		kind = b.currentKind()
	}

	if kind == backendRelay {
		return b.sendRelay(payload)
	}

	return fmt.Errorf("transport: unreachable backend state %v", kind)
}

func (b *Backend) sendTCP(payload []byte) error {
	b.mu.Lock()
	addr := b.tcpAddr
	b.mu.Unlock()
	if !addr.IsValid() {
		return errors.New("transport: no TCP address configured")
	}

	conn, err := net.DialTimeout("tcp", addr.String(), TCPConnectTimeout)
	if err != nil {
		return fmt.Errorf("transport: TCP dial: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := conn.SetWriteDeadline(time.Now().Add(TCPWriteTimeout)); err != nil {
		return fmt.Errorf("transport: set TCP write deadline: %w", err)
	}
	// ServeTCP reads each connection to EOF, so the TCP fallback path
	// needs no extra framing: one connection, one write, one message.
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("transport: TCP write: %w", err)
	}
	return nil
}

func (b *Backend) sendRelay(payload []byte) error {
	b.mu.Lock()
	relay := b.relay
	b.mu.Unlock()
	if relay == nil {
		return errors.New("transport: no relay configured")
	}
	return relay(payload)
}

// escalate moves to the next backend in the UDP -> TCP -> relay chain.
func (b *Backend) escalate() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.kind {
	case backendUDP:
		if b.tcpAddr.IsValid() {
			b.kind = backendTCP
			return nil
		}
		fallthrough
	case backendTCP:
		if b.relay != nil {
			b.kind = backendRelay
			return nil
		}
	}
	return ErrNoFallbackAvailable
}
