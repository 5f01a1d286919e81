/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Package chain implements the rolling forward-secret keystream driving
// message encryption between two ceremony participants. Each participant
// owns one chain: 512 fixed-size link slots, the upper 256 filled from
// the ceremony's slot secret, the lower 256 a history window that
// absorbs retired keys as the chain advances. Advancing destroys the
// oldest history link, so a key that has rotated past the window is
// unrecoverable by construction.
package chain

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// LinkSize is the byte width of one link key.
	LinkSize = 32
	// HistoryDepth bounds the decrypt window: a message whose seq is
	// fewer than HistoryDepth steps behind the current step decrypts.
	HistoryDepth = 256
	// ActiveDepth is the number of links expanded from the slot secret.
	ActiveDepth = 256

	totalLinks = HistoryDepth + ActiveDepth
	topIndex   = totalLinks - 1
)

const advanceTag = "chain-advance"

// ErrDecryptionFailed is returned when a message cannot be decrypted:
// its seq has rotated past the history window, or its tag fails against
// the link the seq selects. The chain is not advanced in either case.
var ErrDecryptionFailed = errors.New("chain: decryption failed")

// ErrChainDestroyed is returned by every operation after Destroy.
var ErrChainDestroyed = errors.New("chain: chain has been destroyed")

// Link is one slot in the chain: a 256-bit key.
type Link [LinkSize]byte

// Chain is one participant's keystream. The mutex serialises Advance
// with each message operation; it is never held across I/O.
type Chain struct {
	mu        sync.Mutex
	links     [totalLinks]Link // [0,256) history, [256,512) active
	step      uint64           // advances so far; doubles as the top link's seq
	commit    [32]byte         // owning participant's key commitment, bound into every AEAD
	destroyed bool
}

// New expands slotSecret into the active half of a fresh chain. The
// history half starts zeroed and fills as the chain advances. commit is
// the hash of the owning participant's device public key; every message
// binds it so a receiver can attribute ciphertexts without trial
// decryption against other chains.
func New(slotSecret [32]byte, commit [32]byte) *Chain {
	c := &Chain{commit: commit}

	h := blake3.New()
	h.Write(slotSecret[:])
	h.Write([]byte("avalanche-expand"))
	xof := h.Digest()
	var buf [ActiveDepth * LinkSize]byte
	if _, err := io.ReadFull(xof, buf[:]); err != nil {
		// The BLAKE3 XOF cannot fail mid-stream; this guards against a
		// future reader swap only.
		panic("chain: avalanche expand: " + err.Error())
	}
	for i := 0; i < ActiveDepth; i++ {
		copy(c.links[HistoryDepth+i][:], buf[i*LinkSize:(i+1)*LinkSize])
	}
	clear(buf[:])
	return c
}

// spaghettify derives the next top link from the previous one and the
// advance counter. One-way: recovering prev from the output requires
// inverting BLAKE3.
func spaghettify(prev Link, counter uint64) Link {
	var ctr [8]byte
	binary.LittleEndian.PutUint64(ctr[:], counter)

	h := blake3.New()
	h.Write(prev[:])
	h.Write(ctr[:])
	h.Write([]byte(advanceTag))

	var next Link
	h.Sum(next[:0])
	return next
}

// advanceLocked shifts every link left by one, destroying history[0],
// retiring active[0] into history[255], and filling the top slot from
// the previous top. Caller holds c.mu.
func (c *Chain) advanceLocked() {
	copy(c.links[:topIndex], c.links[1:]) // history[0] is overwritten, never copied out
	c.links[topIndex] = spaghettify(c.links[topIndex-1], c.step)
	c.step++
}

// Advance rotates the chain one step. Exposed for the logout-time
// quarantine rotation; message operations advance internally.
func (c *Chain) Advance() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return ErrChainDestroyed
	}
	c.advanceLocked()
	return nil
}

// Step reports how many times the chain has advanced, which is also the
// seq of the current top link.
func (c *Chain) Step() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.step
}

// Destroy zeroises every link. All later operations fail with
// ErrChainDestroyed. Called on logout and when a friendship is torn
// down.
func (c *Chain) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.links {
		clear(c.links[i][:])
	}
	c.destroyed = true
}

func (c *Chain) aead(key Link) cipher.AEAD {
	a, err := chacha20poly1305.New(key[:])
	if err != nil {
		// Key size is fixed at construction; New only rejects bad sizes.
		panic("chain: aead init: " + err.Error())
	}
	return a
}

func nonceForSeq(seq uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce, seq)
	return nonce
}

// Encrypt advances the chain one step and seals plaintext under the new
// top link. priorAck is the sender's acknowledgement summary; it rides
// in the clear but is bound into the tag together with the seq, the
// tie-break timestamp, and the sender commitment.
func (c *Chain) Encrypt(plaintext, priorAck []byte) (*Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil, ErrChainDestroyed
	}

	c.advanceLocked()
	msg := &Message{
		Seq:          c.step,
		EagleTime:    eagleNow(),
		SenderCommit: c.commit,
		PriorAck:     append([]byte(nil), priorAck...),
	}

	aead := c.aead(c.links[topIndex])
	msg.Ciphertext = aead.Seal(nil, nonceForSeq(msg.Seq), plaintext, msg.additionalData())
	return msg, nil
}

// Decrypt recovers a message's plaintext. A seq ahead of the chain's
// current step is reached by deriving candidate links forward without
// mutating the chain; only a verified message commits those advances. A
// seq behind the current step selects the link at depth step−seq, up to
// HistoryDepth. Anything older fails with ErrDecryptionFailed, as does
// a bad tag; in both failure cases the chain state is untouched.
func (c *Chain) Decrypt(msg *Message) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil, ErrChainDestroyed
	}

	if msg.Seq > c.step {
		key := c.links[topIndex]
		for s := c.step; s < msg.Seq; s++ {
			key = spaghettify(key, s)
		}
		plaintext, err := c.aead(key).Open(nil, nonceForSeq(msg.Seq), msg.Ciphertext, msg.additionalData())
		if err != nil {
			return nil, ErrDecryptionFailed
		}
		for c.step < msg.Seq {
			c.advanceLocked()
		}
		return plaintext, nil
	}

	depth := c.step - msg.Seq
	if depth >= HistoryDepth {
		return nil, ErrDecryptionFailed
	}
	plaintext, err := c.aead(c.links[topIndex-int(depth)]).Open(nil, nonceForSeq(msg.Seq), msg.Ciphertext, msg.additionalData())
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
