/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package clutch

import "testing"

func TestCookieMAC1(t *testing.T) {
	var devicePub [32]byte
	devicePub[0] = 7

	var checker CookieChecker
	var generator CookieGenerator
	checker.Init(devicePub)
	generator.Init(devicePub)

	msg := append([]byte("offer body bytes"), make([]byte, MACTrailerSize)...)
	generator.AddMacs(msg)

	if !checker.CheckMAC1(msg) {
		t.Fatal("mac1 did not verify")
	}

	msg[0] ^= 0x80
	if checker.CheckMAC1(msg) {
		t.Fatal("mac1 verified a tampered message")
	}
}

func TestCookieReplyRoundTrip(t *testing.T) {
	var devicePub [32]byte
	devicePub[5] = 9

	var checker CookieChecker
	var generator CookieGenerator
	checker.Init(devicePub)
	generator.Init(devicePub)

	src := []byte{192, 168, 1, 20, 0x1c, 0xcd}

	msg := append([]byte("first offer"), make([]byte, MACTrailerSize)...)
	generator.AddMacs(msg)
	if checker.CheckMAC2(msg, src) {
		t.Fatal("mac2 verified before any cookie was issued")
	}

	reply, err := checker.CreateReply(msg, src)
	if err != nil {
		t.Fatalf("create reply: %v", err)
	}
	if !generator.ConsumeReply(reply) {
		t.Fatal("generator rejected a genuine cookie reply")
	}

	retry := append([]byte("retried offer"), make([]byte, MACTrailerSize)...)
	generator.AddMacs(retry)
	if !checker.CheckMAC1(retry) {
		t.Fatal("mac1 did not verify on retry")
	}
	if !checker.CheckMAC2(retry, src) {
		t.Fatal("mac2 did not verify after cookie consumption")
	}
	if checker.CheckMAC2(retry, []byte{10, 0, 0, 1, 0, 1}) {
		t.Fatal("mac2 verified for a different source address")
	}
}

func TestCookieReplyBoundToLastOffer(t *testing.T) {
	var devicePub [32]byte

	var checker CookieChecker
	var generator CookieGenerator
	checker.Init(devicePub)
	generator.Init(devicePub)

	first := append([]byte("offer one"), make([]byte, MACTrailerSize)...)
	generator.AddMacs(first)
	reply, err := checker.CreateReply(first, []byte{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("create reply: %v", err)
	}

	// A newer offer supersedes the mac1 the reply was sealed against.
	second := append([]byte("offer two"), make([]byte, MACTrailerSize)...)
	generator.AddMacs(second)
	if generator.ConsumeReply(reply) {
		t.Fatal("stale cookie reply was accepted")
	}
}
