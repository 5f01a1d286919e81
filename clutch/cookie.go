/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package clutch

import (
	"crypto/hmac"
	"crypto/rand"
	"sync"
	"time"

	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/chacha20poly1305"
)

// Offers are expensive to process (a KEM encapsulation plus signature
// checks), so a node under load may demand proof of IP ownership before
// doing the work: it answers an offer with an encrypted cookie bound to
// the source address, and only offers carrying a MAC keyed by a fresh
// cookie get processed. Two trailing 16-byte MACs ride after the offer
// record: mac1 keyed by the receiver's device key (always required),
// mac2 keyed by the current cookie (required only under load).

const (
	labelMAC1   = "photon-offer-mac1----"
	labelCookie = "photon-offer-cookie--"

	// CookieRefreshTime bounds both the checker's secret rotation and
	// how long a generator trusts a received cookie.
	CookieRefreshTime = 120 * time.Second

	macSize = blake2s.Size128

	// MACTrailerSize is how many bytes StampOffer appends after the
	// offer record and AddMacs fills in place: mac1 then mac2.
	MACTrailerSize = 2 * macSize
)

// StampOffer appends a zeroed MAC trailer to a built offer record and
// fills it from gen. The result is what actually goes on the wire.
func StampOffer(gen *CookieGenerator, offer []byte) []byte {
	msg := append(append([]byte(nil), offer...), make([]byte, MACTrailerSize)...)
	gen.AddMacs(msg)
	return msg
}

// TrimOffer strips a stamped offer's MAC trailer, recovering the record
// HandleOffer expects. ok is false when stamped is too short to carry one.
func TrimOffer(stamped []byte) ([]byte, bool) {
	if len(stamped) < MACTrailerSize {
		return nil, false
	}
	return stamped[:len(stamped)-MACTrailerSize], true
}

// CookieReply is the under-load answer to an offer: the cookie sealed
// to the offerer, bound to its mac1 so it cannot be replayed against a
// different offer.
type CookieReply struct {
	Nonce  [chacha20poly1305.NonceSizeX]byte
	Cookie [macSize + chacha20poly1305.Overhead]byte
}

// CookieChecker is the receive side: it verifies offer MACs against its
// own device key and mints cookie replies while under load.
type CookieChecker struct {
	sync.RWMutex
	mac1 struct {
		key [blake2s.Size]byte
	}
	mac2 struct {
		secret        [blake2s.Size]byte
		secretSet     time.Time
		encryptionKey [chacha20poly1305.KeySize]byte
	}
}

// CookieGenerator is the send side: it stamps outgoing offers with mac1
// and, once a cookie reply has been consumed, mac2.
type CookieGenerator struct {
	sync.RWMutex
	mac1 struct {
		key [blake2s.Size]byte
	}
	mac2 struct {
		cookie        [macSize]byte
		cookieSet     time.Time
		hasLastMAC1   bool
		lastMAC1      [macSize]byte
		encryptionKey [chacha20poly1305.KeySize]byte
	}
}

// Init keys the checker from this node's device public key.
func (st *CookieChecker) Init(devicePub [32]byte) {
	st.Lock()
	defer st.Unlock()

	func() {
		hash, _ := blake2s.New256(nil)
		hash.Write([]byte(labelMAC1))
		hash.Write(devicePub[:])
		hash.Sum(st.mac1.key[:0])
	}()

	func() {
		hash, _ := blake2s.New256(nil)
		hash.Write([]byte(labelCookie))
		hash.Write(devicePub[:])
		hash.Sum(st.mac2.encryptionKey[:0])
	}()

	st.mac2.secretSet = time.Time{}
}

// CheckMAC1 verifies the always-required MAC over msg (an offer record
// plus its MAC trailer).
func (st *CookieChecker) CheckMAC1(msg []byte) bool {
	if len(msg) < MACTrailerSize {
		return false
	}
	st.RLock()
	defer st.RUnlock()

	smac2 := len(msg) - macSize
	smac1 := smac2 - macSize

	var mac1 [macSize]byte
	mac, _ := blake2s.New128(st.mac1.key[:])
	mac.Write(msg[:smac1])
	mac.Sum(mac1[:0])

	return hmac.Equal(mac1[:], msg[smac1:smac2])
}

// CheckMAC2 verifies the under-load MAC, which proves the sender
// received a recent cookie at src.
func (st *CookieChecker) CheckMAC2(msg, src []byte) bool {
	if len(msg) < MACTrailerSize {
		return false
	}
	st.RLock()
	defer st.RUnlock()

	if time.Since(st.mac2.secretSet) > CookieRefreshTime {
		return false
	}

	var cookie [macSize]byte
	func() {
		mac, _ := blake2s.New128(st.mac2.secret[:])
		mac.Write(src)
		mac.Sum(cookie[:0])
	}()

	smac2 := len(msg) - macSize

	var mac2 [macSize]byte
	func() {
		mac, _ := blake2s.New128(cookie[:])
		mac.Write(msg[:smac2])
		mac.Sum(mac2[:0])
	}()

	return hmac.Equal(mac2[:], msg[smac2:])
}

// CreateReply mints a cookie reply for an offer received from src while
// the node is under load. The cookie is stateless on the receive side:
// it is a MAC of the source address under a secret rotated every
// CookieRefreshTime, sealed to the offerer with the offer's own mac1 as
// associated data.
func (st *CookieChecker) CreateReply(msg []byte, src []byte) (*CookieReply, error) {
	if len(msg) < MACTrailerSize {
		return nil, ErrCeremonyAbort
	}
	st.RLock()

	if time.Since(st.mac2.secretSet) > CookieRefreshTime {
		st.RUnlock()
		st.Lock()
		_, err := rand.Read(st.mac2.secret[:])
		if err != nil {
			st.Unlock()
			return nil, err
		}
		st.mac2.secretSet = time.Now()
		st.Unlock()
		st.RLock()
	}

	var cookie [macSize]byte
	func() {
		mac, _ := blake2s.New128(st.mac2.secret[:])
		mac.Write(src)
		mac.Sum(cookie[:0])
	}()

	smac2 := len(msg) - macSize
	smac1 := smac2 - macSize

	reply := new(CookieReply)
	if _, err := rand.Read(reply.Nonce[:]); err != nil {
		st.RUnlock()
		return nil, err
	}

	xchapoly, _ := chacha20poly1305.NewX(st.mac2.encryptionKey[:])
	xchapoly.Seal(reply.Cookie[:0], reply.Nonce[:], cookie[:], msg[smac1:smac2])

	st.RUnlock()
	return reply, nil
}

// Init keys the generator from the peer's device public key.
func (st *CookieGenerator) Init(peerDevicePub [32]byte) {
	st.Lock()
	defer st.Unlock()

	func() {
		hash, _ := blake2s.New256(nil)
		hash.Write([]byte(labelMAC1))
		hash.Write(peerDevicePub[:])
		hash.Sum(st.mac1.key[:0])
	}()

	func() {
		hash, _ := blake2s.New256(nil)
		hash.Write([]byte(labelCookie))
		hash.Write(peerDevicePub[:])
		hash.Sum(st.mac2.encryptionKey[:0])
	}()

	st.mac2.cookieSet = time.Time{}
}

// ConsumeReply decrypts a cookie reply. The reply only opens against
// the mac1 of the offer we most recently stamped, so a reply for a
// stale or foreign offer is rejected.
func (st *CookieGenerator) ConsumeReply(reply *CookieReply) bool {
	st.Lock()
	defer st.Unlock()

	if !st.mac2.hasLastMAC1 {
		return false
	}

	var cookie [macSize]byte

	xchapoly, _ := chacha20poly1305.NewX(st.mac2.encryptionKey[:])
	_, err := xchapoly.Open(cookie[:0], reply.Nonce[:], reply.Cookie[:], st.mac2.lastMAC1[:])
	if err != nil {
		return false
	}

	st.mac2.cookieSet = time.Now()
	st.mac2.cookie = cookie
	return true
}

// AddMacs stamps msg's trailer in place: mac1 always, mac2 only while a
// fresh cookie is held. msg must end with MACTrailerSize spare bytes.
func (st *CookieGenerator) AddMacs(msg []byte) {
	if len(msg) < MACTrailerSize {
		return
	}
	smac2 := len(msg) - macSize
	smac1 := smac2 - macSize

	mac1 := msg[smac1:smac2]
	mac2 := msg[smac2:]

	st.Lock()
	defer st.Unlock()

	func() {
		mac, _ := blake2s.New128(st.mac1.key[:])
		mac.Write(msg[:smac1])
		mac.Sum(mac1[:0])
	}()
	copy(st.mac2.lastMAC1[:], mac1)
	st.mac2.hasLastMAC1 = true

	if time.Since(st.mac2.cookieSet) > CookieRefreshTime {
		return
	}

	func() {
		mac, _ := blake2s.New128(st.mac2.cookie[:])
		mac.Write(msg[:smac2])
		mac.Sum(mac2[:0])
	}()
}
