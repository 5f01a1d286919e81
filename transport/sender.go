/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package transport

import (
	"sync"
	"time"

	"github.com/nickspiker/photon/photonlog"
)

// RetryConfig tunes a Sender's RTO schedule. Zero value resolves to
// DefaultRetryConfig.
type RetryConfig struct {
	InitialRTO               time.Duration
	MaxRTO                   time.Duration
	MaxRetriesBeforeFallback int
}

// DefaultRetryConfig: initial RTO 200ms, doubling, capped at 8s, 5
// retries before the caller is told to fall back.
var DefaultRetryConfig = RetryConfig{
	InitialRTO:               200 * time.Millisecond,
	MaxRTO:                   8 * time.Second,
	MaxRetriesBeforeFallback: 5,
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.InitialRTO <= 0 {
		c.InitialRTO = DefaultRetryConfig.InitialRTO
	}
	if c.MaxRTO <= 0 {
		c.MaxRTO = DefaultRetryConfig.MaxRTO
	}
	if c.MaxRetriesBeforeFallback <= 0 {
		c.MaxRetriesBeforeFallback = DefaultRetryConfig.MaxRetriesBeforeFallback
	}
	return c
}

// DefaultMTU is the DATA fragment payload size Stream.Send chunks to.
const DefaultMTU = 1200

type outstandingPacket struct {
	payload []byte
}

// Sender drives one stream's outbound DATA packets over raw UDP:
// fragmentation and selective-ACK/NAK-driven retransmission.
// Escalating past UDP entirely is Backend's job, signaled by
// ErrUDPExhausted.
type Sender struct {
	id      StreamID
	udpSend func([]byte) error
	log     *photonlog.Logger
	cfg     RetryConfig

	mu          sync.Mutex
	nextSeq     uint64
	outstanding map[uint64]*outstandingPacket

	ackedAll chan struct{}
	nakCh    chan []uint64
}

func newSender(id StreamID, udpSend func([]byte) error, log *photonlog.Logger, cfg RetryConfig) *Sender {
	if log == nil {
		log = photonlog.Silent
	}
	return &Sender{
		id:          id,
		udpSend:     udpSend,
		log:         log,
		cfg:         cfg.withDefaults(),
		outstanding: make(map[uint64]*outstandingPacket),
		ackedAll:    make(chan struct{}, 1),
		nakCh:       make(chan []uint64, 8),
	}
}

// SendOverUDP fragments payload into DefaultMTU-sized DATA packets,
// transmits them, and blocks until every fragment is acknowledged or the
// retransmit cycles are spent, in which case it returns ErrUDPExhausted.
func (s *Sender) SendOverUDP(payload []byte) error {
	chunks := chunkPayload(payload, DefaultMTU)

	s.mu.Lock()
	first := s.nextSeq
	for _, c := range chunks {
		seq := s.nextSeq
		s.nextSeq++
		s.outstanding[seq] = &outstandingPacket{payload: c}
	}
	last := s.nextSeq - 1
	s.mu.Unlock()

	for seq := first; seq <= last; seq++ {
		if err := s.transmit(seq); err != nil {
			return err
		}
	}
	return s.retransmitLoop(last)
}

func (s *Sender) transmit(seq uint64) error {
	s.mu.Lock()
	pkt, ok := s.outstanding[seq]
	s.mu.Unlock()
	if !ok {
		return nil // already acked
	}
	return s.udpSend(EncodeData(s.id, seq, pkt.payload))
}

// lowestOutstanding returns the smallest seq still awaiting ACK (the
// retransmission watermark), or -1 if none remain.
func (s *Sender) lowestOutstanding() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	lowest := int64(-1)
	for seq := range s.outstanding {
		if lowest == -1 || int64(seq) < lowest {
			lowest = int64(seq)
		}
	}
	return lowest
}

func (s *Sender) retransmitLoop(last uint64) error {
	rto := s.cfg.InitialRTO
	cycles := 0

	for {
		s.mu.Lock()
		remaining := len(s.outstanding)
		s.mu.Unlock()
		if remaining == 0 {
			return nil
		}

		select {
		case <-s.ackedAll:
			return nil
		case missing := <-s.nakCh:
			for _, seq := range missing {
				_ = s.transmit(seq)
			}
			continue
		case <-time.After(rto):
		}

		s.mu.Lock()
		remaining = len(s.outstanding)
		s.mu.Unlock()
		if remaining == 0 {
			return nil
		}

		watermark := s.lowestOutstanding()
		if watermark < 0 {
			return nil
		}

		cycles++
		if cycles > s.cfg.MaxRetriesBeforeFallback {
			return ErrUDPExhausted
		}

		for seq := uint64(watermark); seq <= last; seq++ {
			_ = s.transmit(seq)
		}

		rto *= 2
		if rto > s.cfg.MaxRTO {
			rto = s.cfg.MaxRTO
		}
	}
}

// HandleAck drops every outstanding fragment up to and including last.
func (s *Sender) HandleAck(last uint64) {
	s.mu.Lock()
	for seq := range s.outstanding {
		if seq <= last {
			delete(s.outstanding, seq)
		}
	}
	empty := len(s.outstanding) == 0
	s.mu.Unlock()

	if empty {
		select {
		case s.ackedAll <- struct{}{}:
		default:
		}
	}
}

// HandleNak schedules immediate retransmission of the listed seqs.
func (s *Sender) HandleNak(missing []uint64) {
	select {
	case s.nakCh <- missing:
	default:
	}
}

func chunkPayload(payload []byte, mtu int) [][]byte {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	if len(payload) == 0 {
		return [][]byte{{}}
	}
	var out [][]byte
	for len(payload) > 0 {
		n := mtu
		if n > len(payload) {
			n = len(payload)
		}
		out = append(out, payload[:n])
		payload = payload[n:]
	}
	return out
}
