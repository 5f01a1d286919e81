/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package chain

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

func testPair() (*Chain, *Chain) {
	var secret, commit [32]byte
	commit[0] = 0x42
	return New(secret, commit), New(secret, commit)
}

func TestRoundTripInOrder(t *testing.T) {
	sender, receiver := testPair()

	for i := 0; i < 10; i++ {
		plaintext := []byte(fmt.Sprintf("message %d", i))
		msg, err := sender.Encrypt(plaintext, nil)
		if err != nil {
			t.Fatalf("encrypt %d: %v", i, err)
		}
		got, err := receiver.Decrypt(msg)
		if err != nil {
			t.Fatalf("decrypt %d: %v", i, err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatalf("decrypt %d: got %q, want %q", i, got, plaintext)
		}
	}
}

func TestRoundTripOutOfOrderWithinWindow(t *testing.T) {
	sender, receiver := testPair()

	var msgs []*Message
	for i := 0; i < 50; i++ {
		msg, err := sender.Encrypt([]byte(fmt.Sprintf("m%d", i)), nil)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		msgs = append(msgs, msg)
	}

	// Newest first drags the receiver's chain to the top seq; the rest
	// arrive late but inside the window.
	for i := len(msgs) - 1; i >= 0; i-- {
		got, err := receiver.Decrypt(msgs[i])
		if err != nil {
			t.Fatalf("decrypt seq %d: %v", msgs[i].Seq, err)
		}
		if want := fmt.Sprintf("m%d", i); string(got) != want {
			t.Fatalf("decrypt seq %d: got %q, want %q", msgs[i].Seq, got, want)
		}
	}
}

// Three hundred messages, first 44 delivered only after everything else:
// the tail of the window still decrypts, anything deeper is gone.
func TestWindowHardDrop(t *testing.T) {
	sender, receiver := testPair()

	var msgs []*Message
	for i := 0; i < 300; i++ {
		msg, err := sender.Encrypt([]byte(fmt.Sprintf("payload %d", i)), nil)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		msgs = append(msgs, msg)
	}

	// Seqs run 1..300. Decrypt the newest to advance the receiver to 300.
	if _, err := receiver.Decrypt(msgs[299]); err != nil {
		t.Fatalf("decrypt newest: %v", err)
	}
	if got := receiver.Step(); got != 300 {
		t.Fatalf("receiver step = %d, want 300", got)
	}

	for _, msg := range msgs[:44] {
		if _, err := receiver.Decrypt(msg); !errors.Is(err, ErrDecryptionFailed) {
			t.Fatalf("seq %d: err = %v, want ErrDecryptionFailed", msg.Seq, err)
		}
	}
	for _, msg := range msgs[44:299] {
		if _, err := receiver.Decrypt(msg); err != nil {
			t.Fatalf("seq %d within window: %v", msg.Seq, err)
		}
	}
}

func TestTamperedMessageRejectedWithoutAdvance(t *testing.T) {
	sender, receiver := testPair()

	msg, err := sender.Encrypt([]byte("intact"), nil)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	forged := *msg
	forged.Seq = msg.Seq + 40
	if _, err := receiver.Decrypt(&forged); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("forged seq: err = %v, want ErrDecryptionFailed", err)
	}
	if got := receiver.Step(); got != 0 {
		t.Fatalf("receiver advanced to %d on a forged message", got)
	}

	// The honest message still decrypts afterward.
	if _, err := receiver.Decrypt(msg); err != nil {
		t.Fatalf("decrypt after forgery attempt: %v", err)
	}
}

func TestPriorAckBoundIntoTag(t *testing.T) {
	sender, receiver := testPair()

	msg, err := sender.Encrypt([]byte("hello"), []byte("ack-summary"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	msg.PriorAck = []byte("ack-forgery")
	if _, err := receiver.Decrypt(msg); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("tampered prior ack: err = %v, want ErrDecryptionFailed", err)
	}
}

func TestAdvanceDestroysOldKeys(t *testing.T) {
	var secret, commit [32]byte
	c := New(secret, commit)

	oldTop := c.links[topIndex]
	oldHistoryEdge := c.links[HistoryDepth] // active[0], next to retire

	for i := 0; i < totalLinks; i++ {
		if err := c.Advance(); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
	}

	// Every original link has rotated out; nothing in the array matches
	// what was there before.
	for i := range c.links {
		if c.links[i] == oldTop || c.links[i] == oldHistoryEdge {
			t.Fatalf("link %d still holds pre-rotation key material", i)
		}
	}
}

func TestDeterministicExpansion(t *testing.T) {
	var secret, commit [32]byte
	secret[3] = 7
	a := New(secret, commit)
	b := New(secret, commit)
	if a.links != b.links {
		t.Fatal("same slot secret expanded to different chains")
	}

	var other [32]byte
	other[3] = 8
	if c := New(other, commit); c.links == a.links {
		t.Fatal("different slot secrets expanded to identical chains")
	}
}

func TestDestroy(t *testing.T) {
	sender, _ := testPair()
	sender.Destroy()
	if _, err := sender.Encrypt([]byte("late"), nil); !errors.Is(err, ErrChainDestroyed) {
		t.Fatalf("encrypt after destroy: err = %v, want ErrChainDestroyed", err)
	}

	var zero Link
	for i := range sender.links {
		if sender.links[i] != zero {
			t.Fatalf("link %d not zeroised by Destroy", i)
		}
	}
}

func TestMessageEncodeDecode(t *testing.T) {
	sender, receiver := testPair()

	msg, err := sender.Encrypt([]byte("over the wire"), []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	raw, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeMessage(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, err := receiver.Decrypt(decoded)
	if err != nil {
		t.Fatalf("decrypt decoded: %v", err)
	}
	if string(got) != "over the wire" {
		t.Fatalf("round trip mismatch: %q", got)
	}
}

func TestFriendshipIDCommutes(t *testing.T) {
	var a, b [32]byte
	a[0], b[0] = 1, 2
	if NewFriendshipID(a, b) != NewFriendshipID(b, a) {
		t.Fatal("friendship id depends on argument order")
	}
	if NewFriendshipID(a, b) == NewFriendshipID(a, a) {
		t.Fatal("distinct pairs collided")
	}
}
