/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Package transport implements Photon Transport (PT): a lowercase-letter
// tagged reliable byte stream per (peer, direction) pair, carried over a
// UDP -> TCP -> relay fallback chain. Dispatch across the three
// backends is a plain switch over a closed three-variant enum, never an
// interface: the set of transports is fixed at compile time.
package transport

import (
	"encoding/binary"
	"time"

	"github.com/nickspiker/photon/container"
)

const (
	minStreamID = byte('a')
	maxStreamID = byte('z')
)

// StreamID tags a stream within one (peer, direction) pair, assigned
// from the lowercase-letter range.
type StreamID byte

// Valid reports whether id falls in the 'a'-'z' DATA discriminator
// range.
func (id StreamID) Valid() bool {
	return byte(id) >= minStreamID && byte(id) <= maxStreamID
}

// EncodeData builds a DATA packet: stream id, varint seq, payload.
func EncodeData(id StreamID, seq uint64, payload []byte) []byte {
	out := make([]byte, 1, 1+binary.MaxVarintLen64+len(payload))
	out[0] = byte(id)
	var seqBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(seqBuf[:], seq)
	out = append(out, seqBuf[:n]...)
	out = append(out, payload...)
	return out
}

// DecodeData reverses EncodeData. ok is false if raw isn't a DATA
// packet.
func DecodeData(raw []byte) (id StreamID, seq uint64, payload []byte, ok bool) {
	if len(raw) < 1 || raw[0] < minStreamID || raw[0] > maxStreamID {
		return 0, 0, nil, false
	}
	seq, n := binary.Uvarint(raw[1:])
	if n <= 0 {
		return 0, 0, nil, false
	}
	return StreamID(raw[0]), seq, raw[1+n:], true
}

// IsControl reports whether raw is a CTRL packet rather than DATA: CTRL
// packets begin with the container codec's magic, which never falls in
// the lowercase-letter DATA discriminator range.
func IsControl(raw []byte) bool {
	return len(raw) > 0 && !(raw[0] >= minStreamID && raw[0] <= maxStreamID)
}

func encodeUvarints(vals []uint64) []byte {
	buf := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.BigEndian.PutUint64(buf[i*8:], v)
	}
	return buf
}

func decodeUvarints(b []byte) []uint64 {
	out := make([]uint64, len(b)/8)
	for i := range out {
		out[i] = binary.BigEndian.Uint64(b[i*8:])
	}
	return out
}

func buildCtrl(section string, fields container.Fields) []byte {
	built, err := container.Ref.NewBuilder(time.Now().UnixNano()).AddSection(section, fields).Build()
	if err != nil {
		return nil
	}
	return built
}

func encodeAck(id StreamID, lastContiguous uint64) []byte {
	return buildCtrl("pt_ack", container.Fields{
		"stream":              uint64(id),
		"last_contiguous_seq": lastContiguous,
	})
}

func encodeNak(id StreamID, missing []uint64) []byte {
	return buildCtrl("pt_nak", container.Fields{
		"stream":  uint64(id),
		"missing": encodeUvarints(missing),
	})
}

func encodeDone(id StreamID) []byte {
	return buildCtrl("pt_done", container.Fields{"stream": uint64(id)})
}

// ctrlKind classifies a decoded CTRL record by which section it carries.
type ctrlKind int

const (
	ctrlUnknown ctrlKind = iota
	ctrlAck
	ctrlNak
	ctrlDone
)

var ctrlSections = map[ctrlKind]string{
	ctrlAck:  "pt_ack",
	ctrlNak:  "pt_nak",
	ctrlDone: "pt_done",
}

func classifyCtrl(rec container.Record) (ctrlKind, container.Fields) {
	for kind, name := range ctrlSections {
		if fields, ok := rec.Section(name); ok {
			return kind, fields
		}
	}
	return ctrlUnknown, nil
}
