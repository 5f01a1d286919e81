/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package rendezvous

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nickspiker/photon/container"
	"github.com/nickspiker/photon/identity"
	"github.com/nickspiker/photon/photonlog"
)

// ErrBadSignature is returned when a conduit response fails to verify
// against PinnedEd25519Key.
var ErrBadSignature = errors.New("rendezvous: response signature does not verify against the pinned key")

// ErrMalformedResponse covers any conduit response that doesn't match the
// shape an operation expects.
var ErrMalformedResponse = errors.New("rendezvous: malformed conduit response")

const requestTimeout = 10 * time.Second

// maxResponseBytes caps how much of a conduit response body we'll read.
const maxResponseBytes = 4 << 20

// Client talks to one conduit rendezvous service on behalf of a single
// device identity.
type Client struct {
	httpClient *http.Client
	baseURL    string
	codec      container.Codec
	id         *identity.Identity
	log        *photonlog.Logger
}

// NewClient builds a Client for id against the given conduit base URL. An
// empty baseURL selects the operator-configured default.
func NewClient(id *identity.Identity, baseURL string, log *photonlog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if log == nil {
		log = photonlog.Silent
	}
	return &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		baseURL:    baseURL,
		codec:      container.Ref,
		id:         id,
		log:        log,
	}
}

// doConduit posts body to {baseURL}/conduit and returns the decoded
// response record. Non-2xx responses map to an error: the body's error
// section when one parses, else the HTTP status line.
func (c *Client) doConduit(body []byte) (container.Record, error) {
	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/conduit", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("rendezvous: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: conduit request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("rendezvous: read conduit response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if rec, decErr := c.codec.Decode(respBody); decErr == nil {
			if msg, ok := rec.ErrorMessage(); ok {
				return nil, fmt.Errorf("rendezvous: conduit error: %s", msg)
			}
		}
		return nil, fmt.Errorf("rendezvous: conduit HTTP %d", resp.StatusCode)
	}

	rec, err := c.codec.Decode(respBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return rec, nil
}

// Challenge fetches a fresh challenge value: a provenance hash signed by
// the conduit service, which the caller folds into the next Announce.
func (c *Client) Challenge() ([32]byte, error) {
	var zero [32]byte
	built, err := c.codec.NewBuilder(time.Now().UnixNano()).AddSection("challenge", nil).Build()
	if err != nil {
		return zero, fmt.Errorf("rendezvous: build challenge request: %w", err)
	}

	rec, err := c.doConduit(built)
	if err != nil {
		return zero, err
	}

	pub, ok := rec.HeaderKey()
	if !ok || len(pub) != ed25519.PublicKeySize {
		return zero, fmt.Errorf("%w: challenge response missing header key", ErrMalformedResponse)
	}
	if !constantEqual(pub, PinnedEd25519Key[:]) {
		return zero, fmt.Errorf("%w: challenge response key is not the pinned conduit key", ErrBadSignature)
	}
	if !rec.VerifySignature(ed25519.PublicKey(PinnedEd25519Key[:])) {
		return zero, ErrBadSignature
	}

	return rec.ProvenanceHash(), nil
}

// Probe checks plain reachability of the conduit endpoint. Any HTTP
// response at all counts as reachable; only transport-level failure is
// an error.
func (c *Client) Probe() error {
	req, err := http.NewRequest(http.MethodHead, c.baseURL+"/conduit", nil)
	if err != nil {
		return fmt.Errorf("rendezvous: build probe: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rendezvous: probe: %w", err)
	}
	_ = resp.Body.Close()
	return nil
}

func constantEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
