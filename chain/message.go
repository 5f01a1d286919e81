/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package chain

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/nickspiker/photon/container"
)

// Message is one encrypted chain message as it travels through the
// transport layer. Seq selects the link; EagleTime is a wall-clock tick
// used only to break ordering ties between messages from different
// chains; PriorAck summarises what the sender had seen from the peer at
// send time.
type Message struct {
	Seq          uint64
	EagleTime    float64
	Ciphertext   []byte
	SenderCommit [32]byte
	PriorAck     []byte
}

func eagleNow() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// additionalData binds everything that rides in the clear into the AEAD
// tag: seq, tie-break time, sender commitment, and the prior-ack
// summary.
func (m *Message) additionalData() []byte {
	ad := make([]byte, 0, 8+8+32+len(m.PriorAck))
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], m.Seq)
	ad = append(ad, buf[:]...)
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(m.EagleTime))
	ad = append(ad, buf[:]...)
	ad = append(ad, m.SenderCommit[:]...)
	ad = append(ad, m.PriorAck...)
	return ad
}

// Encode serialises the message as a container record for the transport
// layer to carry.
func (m *Message) Encode() ([]byte, error) {
	return container.Ref.NewBuilder(time.Now().UnixNano()).
		AddSection("chain_msg", container.Fields{
			"seq":           m.Seq,
			"eagle_time":    math.Float64bits(m.EagleTime),
			"ciphertext":    m.Ciphertext,
			"sender_commit": m.SenderCommit[:],
			"prior_ack":     m.PriorAck,
		}).
		Build()
}

// DecodeMessage reverses Encode.
func DecodeMessage(raw []byte) (*Message, error) {
	rec, err := container.Ref.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("chain: decode message: %w", err)
	}
	fields, ok := rec.Section("chain_msg")
	if !ok {
		return nil, fmt.Errorf("chain: record has no chain_msg section")
	}

	m := &Message{}
	seq, ok := fields["seq"].(uint64)
	if !ok {
		return nil, fmt.Errorf("chain: message missing seq")
	}
	m.Seq = seq
	if bits, ok := fields["eagle_time"].(uint64); ok {
		m.EagleTime = math.Float64frombits(bits)
	}
	ct, ok := fields["ciphertext"].([]byte)
	if !ok {
		return nil, fmt.Errorf("chain: message missing ciphertext")
	}
	m.Ciphertext = ct
	commit, ok := fields["sender_commit"].([]byte)
	if !ok || len(commit) != 32 {
		return nil, fmt.Errorf("chain: message missing sender commitment")
	}
	copy(m.SenderCommit[:], commit)
	if ack, ok := fields["prior_ack"].([]byte); ok {
		m.PriorAck = ack
	}
	return m, nil
}
