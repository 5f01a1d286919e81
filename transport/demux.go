/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package transport

import (
	"net"
	"sync"

	"github.com/nickspiker/photon/container"
	"github.com/nickspiker/photon/photonlog"
)

// Demux reads a shared UDP socket and routes packets to the Stream that
// owns their stream id, for one peer.
type Demux struct {
	mu      sync.RWMutex
	streams map[StreamID]*Stream
	log     *photonlog.Logger
}

func NewDemux(log *photonlog.Logger) *Demux {
	if log == nil {
		log = photonlog.Silent
	}
	return &Demux{streams: make(map[StreamID]*Stream), log: log}
}

func (d *Demux) Register(s *Stream) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.streams[s.ID] = s
}

func (d *Demux) Unregister(id StreamID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.streams, id)
}

// Dispatch routes one received packet to its owning stream, if any is
// still registered; inflight packets for unregistered streams are
// silently discarded.
func (d *Demux) Dispatch(raw []byte) {
	id, ok := streamIDOf(raw)
	if !ok {
		return
	}
	d.mu.RLock()
	s, ok := d.streams[id]
	d.mu.RUnlock()
	if !ok {
		return
	}
	s.HandlePacket(raw)
}

func streamIDOf(raw []byte) (StreamID, bool) {
	if !IsControl(raw) {
		id, _, _, ok := DecodeData(raw)
		return id, ok
	}
	rec, err := container.Ref.Decode(raw)
	if err != nil {
		return 0, false
	}
	_, fields := classifyCtrl(rec)
	if fields == nil {
		return 0, false
	}
	if v, ok := fields["stream"].(uint64); ok {
		return StreamID(v), true
	}
	return 0, false
}

// ListenAndServe reads from conn until it errors or stop is closed,
// dispatching every inbound datagram. A caller wanting to interleave
// other packet kinds (e.g. landisc's pt_disc broadcasts) on the same
// socket should drive its own read loop and call Dispatch directly
// instead of using this helper.
func ListenAndServe(conn *net.UDPConn, d *Demux, stop <-chan struct{}) {
	buf := make([]byte, 65536)
	for {
		select {
		case <-stop:
			return
		default:
		}
		n, _, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			d.log.Errorf("transport: udp read: %v", err)
			return
		}
		pkt := append([]byte(nil), buf[:n]...)
		d.Dispatch(pkt)
	}
}
