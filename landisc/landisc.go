/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Package landisc finds peers on the local network segment. Each node
// periodically broadcasts a tiny pt_disc record whose header-level
// provenance hash is the sender's handle proof; receivers decode only
// the header and the advertised port, so the packet identifies without
// revealing the handle itself. Hairpin NAT pairs that never see each
// other through the rendezvous service find each other here.
package landisc

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/nickspiker/photon/container"
	"github.com/nickspiker/photon/peerstore"
	"github.com/nickspiker/photon/photonlog"
	"github.com/nickspiker/photon/transport"
)

// BroadcastInterval is how often Run re-broadcasts presence.
const BroadcastInterval = 10 * time.Second

// probeAddr is never contacted; dialing UDP toward it only asks the OS
// which interface routes outbound traffic.
const probeAddr = "192.0.2.1:9"

// BuildDiscovery encodes a pt_disc record announcing the local port.
// The record's provenance hash slot carries handleProof directly
// instead of a body hash.
func BuildDiscovery(handleProof [32]byte, port uint16) ([]byte, error) {
	return container.Ref.NewBuilder(time.Now().UnixNano()).
		SetProvenanceHash(handleProof).
		AddSection("pt_disc", container.Fields{"port": uint64(port)}).
		Build()
}

// ParseDiscovery decodes a pt_disc record received from src into a peer
// record. ok is false for anything that isn't a discovery packet.
func ParseDiscovery(raw []byte, src netip.Addr) (peerstore.PeerRecord, bool) {
	var rec peerstore.PeerRecord

	decoded, err := container.Ref.Decode(raw)
	if err != nil {
		return rec, false
	}
	fields, ok := decoded.Section("pt_disc")
	if !ok {
		return rec, false
	}
	port, ok := fields["port"].(uint64)
	if !ok || port == 0 || port > 65535 {
		return rec, false
	}

	rec.HandleProof = decoded.ProvenanceHash()
	rec.Addr = netip.AddrPortFrom(src, uint16(port))
	rec.LastSeen = time.Now()
	return rec, true
}

// LocalIP reports the IPv4 address of the interface the OS would route
// outbound traffic through.
func LocalIP() (netip.Addr, error) {
	conn, err := net.Dial("udp4", probeAddr)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("landisc: route probe: %w", err)
	}
	defer func() { _ = conn.Close() }()

	addrPort := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	return addrPort.Addr().Unmap(), nil
}

// BroadcastAddr computes the broadcast address for local: the directed
// broadcast of the interface that owns it when the OS reports a prefix,
// else the /24 broadcast.
func BroadcastAddr(local netip.Addr) netip.Addr {
	if prefix, ok := interfacePrefix(local); ok {
		return directedBroadcast(prefix)
	}
	b := local.As4()
	b[3] = 255
	return netip.AddrFrom4(b)
}

// interfacePrefix looks up which interface address covers local.
func interfacePrefix(local netip.Addr) (netip.Prefix, bool) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return netip.Prefix{}, false
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if ok && ipNet.IP.To4() != nil && ipNet.Contains(local.AsSlice()) {
			ones, _ := ipNet.Mask.Size()
			var ip4 [4]byte
			copy(ip4[:], ipNet.IP.To4())
			return netip.PrefixFrom(netip.AddrFrom4(ip4), ones), true
		}
	}
	return netip.Prefix{}, false
}

func directedBroadcast(prefix netip.Prefix) netip.Addr {
	ip := prefix.Addr().As4()
	bits := prefix.Bits()
	for i := 0; i < 4; i++ {
		var hostMask byte
		switch {
		case bits >= (i+1)*8:
			hostMask = 0
		case bits <= i*8:
			hostMask = 0xff
		default:
			hostMask = 0xff >> (bits - i*8)
		}
		ip[i] |= hostMask
	}
	return netip.AddrFrom4(ip)
}

// Discoverer broadcasts this node's presence and ingests presence
// packets from the shared UDP socket's read loop.
type Discoverer struct {
	conn        *net.UDPConn
	handleProof [32]byte
	port        uint16
	store       *peerstore.Store
	log         *photonlog.Logger
}

// NewDiscoverer wraps an already-bound UDP socket. advertisePort is the
// port peers should dial back, usually the socket's own. Broadcast
// permission is enabled on the socket here.
func NewDiscoverer(conn *net.UDPConn, handleProof [32]byte, advertisePort uint16, store *peerstore.Store, log *photonlog.Logger) (*Discoverer, error) {
	if log == nil {
		log = photonlog.Silent
	}
	if err := enableBroadcast(conn); err != nil {
		return nil, fmt.Errorf("landisc: enable broadcast: %w", err)
	}
	return &Discoverer{
		conn:        conn,
		handleProof: handleProof,
		port:        advertisePort,
		store:       store,
		log:         log,
	}, nil
}

// Broadcast sends one presence packet to the segment's broadcast
// address on every conventional port, so peers bound to the fallback
// ports still hear it.
func (d *Discoverer) Broadcast() error {
	pkt, err := BuildDiscovery(d.handleProof, d.port)
	if err != nil {
		return fmt.Errorf("landisc: build discovery: %w", err)
	}

	local, err := LocalIP()
	if err != nil {
		return err
	}
	bcast := BroadcastAddr(local)

	for _, port := range transport.ConventionalPorts {
		dst := netip.AddrPortFrom(bcast, uint16(port))
		if _, err := d.conn.WriteToUDPAddrPort(pkt, dst); err != nil {
			d.log.Verbosef("landisc: broadcast to %v: %v", dst, err)
		}
	}
	return nil
}

// HandlePacket ingests one datagram from the socket's read loop.
// Returns true if it was a discovery packet (the caller should not
// route it further). The node's own broadcasts loop back and are
// dropped by handle proof.
func (d *Discoverer) HandlePacket(raw []byte, src netip.AddrPort) bool {
	rec, ok := ParseDiscovery(raw, src.Addr().Unmap())
	if !ok {
		return false
	}
	if rec.HandleProof == d.handleProof {
		return true
	}
	d.store.AddPeer(rec)
	d.log.Verbosef("landisc: peer at %v", rec.Addr)
	return true
}

// Run broadcasts presence every BroadcastInterval until stop closes.
func (d *Discoverer) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(BroadcastInterval)
	defer ticker.Stop()

	if err := d.Broadcast(); err != nil {
		d.log.Errorf("landisc: initial broadcast: %v", err)
	}
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := d.Broadcast(); err != nil {
				d.log.Errorf("landisc: broadcast: %v", err)
			}
		}
	}
}
