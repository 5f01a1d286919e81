/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package chain

import (
	"bytes"

	"github.com/zeebo/blake3"
)

// FriendshipID is the stable identifier of a pairwise relationship:
// the hash of both participants' handle proofs in sorted order, so both
// sides compute the same id regardless of who initiated.
type FriendshipID [32]byte

// NewFriendshipID derives the id from two handle proofs.
func NewFriendshipID(a, b [32]byte) FriendshipID {
	lo, hi := a, b
	if bytes.Compare(hi[:], lo[:]) < 0 {
		lo, hi = hi, lo
	}
	h := blake3.New()
	h.Write(lo[:])
	h.Write(hi[:])
	var id FriendshipID
	h.Sum(id[:0])
	return id
}

// Friendship pairs the two chains of a two-party relationship: Outbound
// encrypts what this node sends, Inbound decrypts what the peer sends.
// Both are created together at ceremony completion and torn down
// together.
type Friendship struct {
	ID       FriendshipID
	Outbound *Chain
	Inbound  *Chain
}

// Destroy zeroises both chains.
func (f *Friendship) Destroy() {
	if f.Outbound != nil {
		f.Outbound.Destroy()
	}
	if f.Inbound != nil {
		f.Inbound.Destroy()
	}
}
