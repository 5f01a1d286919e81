/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package transport

import (
	"sync"

	"github.com/nickspiker/photon/container"
	"github.com/nickspiker/photon/photonlog"
)

// Stream is one lowercase-letter-tagged reliable byte stream scoped to a
// (peer, direction) pair. Within a stream, delivery to
// the upper layer is strict FIFO; across streams there is no ordering
// guarantee.
type Stream struct {
	ID       StreamID
	backend  *Backend
	sender   *Sender
	receiver *Receiver
	log      *photonlog.Logger

	closeOnce sync.Once
	stop      chan struct{}
}

// NewStream builds a stream over backend, sending raw UDP DATA/CTRL
// packets via udpSend and delivering reassembled payloads to deliver in
// seq order. Closing the stream stops its ACK/NAK loop only: a Send already retransmitting
// keeps going until it is acknowledged or exhausted, and HandlePacket
// still processes packets after Close.
func NewStream(id StreamID, backend *Backend, udpSend func([]byte) error, deliver func([]byte), log *photonlog.Logger) *Stream {
	return NewStreamWithConfig(id, backend, udpSend, deliver, log, RetryConfig{})
}

// NewStreamWithConfig is NewStream with an explicit retry schedule, used
// by tests that need a fast RTO.
func NewStreamWithConfig(id StreamID, backend *Backend, udpSend func([]byte) error, deliver func([]byte), log *photonlog.Logger, cfg RetryConfig) *Stream {
	if log == nil {
		log = photonlog.Silent
	}
	s := &Stream{
		ID:      id,
		backend: backend,
		log:     log,
		stop:    make(chan struct{}),
	}
	s.sender = newSender(id, udpSend, log, cfg)
	s.receiver = newReceiver(id, deliver, udpSend)
	go s.receiver.RunAckLoop(s.stop)
	return s
}

// Send delivers payload reliably to the peer, fragmenting over UDP and
// escalating through backend's TCP/relay fallback on exhaustion.
func (s *Stream) Send(payload []byte) error {
	return s.backend.Send(payload, s.sender.SendOverUDP)
}

// Done sends a pt_done control packet and stops the stream.
func (s *Stream) Done() error {
	err := s.sender.udpSend(encodeDone(s.ID))
	s.Close()
	return err
}

// Close stops ACK/NAK emission. It does not interrupt a Send already in
// its retransmit loop. Safe to call more than once.
func (s *Stream) Close() {
	s.closeOnce.Do(func() { close(s.stop) })
}

// HandlePacket dispatches one raw wire packet addressed to this stream:
// DATA is reassembled, CTRL is routed by section.
func (s *Stream) HandlePacket(raw []byte) {
	if !IsControl(raw) {
		if id, seq, payload, ok := DecodeData(raw); ok && id == s.ID {
			s.receiver.Accept(seq, payload)
		}
		return
	}

	rec, err := container.Ref.Decode(raw)
	if err != nil {
		s.log.Errorf("transport: decode control packet: %v", err)
		return
	}
	kind, fields := classifyCtrl(rec)
	switch kind {
	case ctrlAck:
		if last, ok := fields["last_contiguous_seq"].(uint64); ok {
			s.sender.HandleAck(last)
		}
	case ctrlNak:
		if blob, ok := fields["missing"].([]byte); ok {
			s.sender.HandleNak(decodeUvarints(blob))
		}
	case ctrlDone:
		s.Close()
	}
}
