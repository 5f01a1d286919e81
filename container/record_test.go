/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package container

import (
	"bytes"
	"crypto/ed25519"
	"testing"
)

func TestBuildDecodeRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	built, err := Ref.NewBuilder(12345).
		SetHeaderKey(pub).
		AddSection("announce", Fields{
			"port":   uint64(4433),
			"handle": "alice",
			"blob":   []byte{1, 2, 3},
		}).
		Build()
	if err != nil {
		t.Fatal(err)
	}

	builder := Ref.NewBuilder(0).(*refBuilder)
	signed, err := builder.SignWith(priv, built)
	if err != nil {
		t.Fatal(err)
	}

	rec, err := Ref.Decode(signed)
	if err != nil {
		t.Fatal(err)
	}

	if !rec.VerifySignature(pub) {
		t.Fatal("signature did not verify")
	}

	headerKey, ok := rec.HeaderKey()
	if !ok || string(headerKey) != string(pub) {
		t.Fatal("header key mismatch")
	}

	fields, ok := rec.Section("announce")
	if !ok {
		t.Fatal("missing announce section")
	}
	if fields["port"].(uint64) != 4433 {
		t.Fatalf("port field mismatch: %v", fields["port"])
	}
	if fields["handle"].(string) != "alice" {
		t.Fatalf("handle field mismatch: %v", fields["handle"])
	}
}

func TestForgedSignatureRejected(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	_, forgedPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	built, err := Ref.NewBuilder(1).SetHeaderKey(pub).AddSection("challenge", nil).Build()
	if err != nil {
		t.Fatal(err)
	}
	builder := Ref.NewBuilder(0).(*refBuilder)
	signed, err := builder.SignWith(forgedPriv, built)
	if err != nil {
		t.Fatal(err)
	}

	rec, err := Ref.Decode(signed)
	if err != nil {
		t.Fatal(err)
	}
	if rec.VerifySignature(pub) {
		t.Fatal("forged signature verified against the wrong key")
	}
}

// Identical logical records must serialise to identical bytes, or two
// builds of the same record would carry different provenance hashes.
func TestBuildIsDeterministic(t *testing.T) {
	build := func() []byte {
		built, err := Ref.NewBuilder(7).
			AddSection("announce", Fields{
				"port":   uint64(4433),
				"handle": "alice",
				"blob":   []byte{1, 2, 3},
				"local":  []byte{10, 0, 0, 1},
			}).
			Build()
		if err != nil {
			t.Fatal(err)
		}
		return built
	}

	first := build()
	for i := 0; i < 8; i++ {
		if !bytes.Equal(build(), first) {
			t.Fatal("same record built to different bytes")
		}
	}
}

func TestTamperedBodyFailsVerification(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	built, err := Ref.NewBuilder(1).
		SetHeaderKey(pub).
		AddSection("announce", Fields{"port": uint64(4433)}).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	signed, err := Ref.NewBuilder(0).(*refBuilder).SignWith(priv, built)
	if err != nil {
		t.Fatal(err)
	}

	signed[len(signed)-1] ^= 0x01 // flip one body byte after signing

	rec, err := Ref.Decode(signed)
	if err != nil {
		t.Fatal(err)
	}
	if rec.VerifySignature(pub) {
		t.Fatal("signature verified over a tampered body")
	}
}

func TestErrorSectionRecognition(t *testing.T) {
	built, err := Ref.NewBuilder(1).
		AddSection("error", Fields{"message": "handle already attested"}).
		Build()
	if err != nil {
		t.Fatal(err)
	}

	rec, err := Ref.Decode(built)
	if err != nil {
		t.Fatal(err)
	}
	msg, ok := rec.ErrorMessage()
	if !ok || msg != "handle already attested" {
		t.Fatalf("expected error message, got %q ok=%v", msg, ok)
	}
}

func TestEncodedLengthSelfDelimits(t *testing.T) {
	first, err := Ref.NewBuilder(1).AddSection("relayed", Fields{"payload": []byte("hello")}).Build()
	if err != nil {
		t.Fatal(err)
	}
	second, err := Ref.NewBuilder(2).AddSection("relayed", Fields{"payload": []byte("world!")}).Build()
	if err != nil {
		t.Fatal(err)
	}
	concat := append(append([]byte(nil), first...), second...)

	n, err := EncodedLength(concat)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(first) {
		t.Fatalf("expected first record length %d, got %d", len(first), n)
	}

	rest := concat[n:]
	m, err := EncodedLength(rest)
	if err != nil {
		t.Fatal(err)
	}
	if m != len(second) {
		t.Fatalf("expected second record length %d, got %d", len(second), m)
	}
}
