/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package clutch

import (
	"crypto/hmac"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	protoID    = "photon-clutch-mlkem768-x25519-v1"
	tagExtract = protoID + ":extract"
	tagExpand  = protoID + ":slot-expand"
	tagBind    = protoID + ":bind"
)

// secretInput concatenates both shared secrets with both offer
// provenances in sorted order, so the two sides build identical input
// regardless of who offered first. The smaller provenance doubles as
// the ceremony id.
func secretInput(kemShared, xShared []byte, provA, provB [32]byte) []byte {
	lo := minProv(provA, provB)
	hi := provA
	if hi == lo {
		hi = provB
	}
	in := make([]byte, 0, len(kemShared)+len(xShared)+64)
	in = append(in, kemShared...)
	in = append(in, xShared...)
	in = append(in, lo[:]...)
	in = append(in, hi[:]...)
	return in
}

// deriveSlotSecret expands one participant's slot secret. ownerProv is
// the provenance of the offer whose KEM keys produced kemShared, which
// keeps the two participants' secrets distinct even though they share
// every other input.
func deriveSlotSecret(kemShared, xShared []byte, provA, provB, ownerProv [32]byte) [32]byte {
	info := make([]byte, 0, len(tagExpand)+32)
	info = append(info, []byte(tagExpand)...)
	info = append(info, ownerProv[:]...)

	kdf := hkdf.New(sha256.New, secretInput(kemShared, xShared, provA, provB), []byte(tagExtract), info)
	var out [32]byte
	if _, err := io.ReadFull(kdf, out[:]); err != nil {
		// HKDF cannot run out this early; guards a future reader swap.
		panic("clutch: slot secret derivation: " + err.Error())
	}
	return out
}

// bindMAC authenticates a KEM response: it commits to both shared
// secrets, both offer provenances, and the encapsulation ciphertext
// itself.
func bindMAC(kemShared, xShared []byte, provA, provB [32]byte, ct []byte) []byte {
	mac := hmac.New(sha256.New, []byte(tagBind))
	mac.Write(secretInput(kemShared, xShared, provA, provB))
	mac.Write(ct)
	return mac.Sum(nil)
}

func verifyBindMAC(got, kemShared, xShared []byte, provA, provB [32]byte, ct []byte) bool {
	return hmac.Equal(got, bindMAC(kemShared, xShared, provA, provB, ct))
}
