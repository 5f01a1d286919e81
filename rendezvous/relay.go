/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package rendezvous

import (
	"fmt"
	"time"

	"github.com/nickspiker/photon/container"
)

// SendViaRelay asks the conduit to hold an already-encrypted message for
// recipient, for later pickup via FetchRelay. The message itself is
// opaque to the conduit: it's whatever the chain/transport layers
// already produced.
func (c *Client) SendViaRelay(recipient [32]byte, message []byte) error {
	built, err := c.codec.NewBuilder(time.Now().UnixNano()).
		SetHeaderKey(c.id.DevicePub).
		AddSection("relay", container.Fields{
			"recipient": recipient[:],
			"payload":   message,
		}).
		Build()
	if err != nil {
		return fmt.Errorf("rendezvous: build relay request: %w", err)
	}

	signed, err := c.signSection(built)
	if err != nil {
		return fmt.Errorf("rendezvous: sign relay request: %w", err)
	}

	_, err = c.doConduit(signed)
	if err != nil {
		return fmt.Errorf("rendezvous: send via relay: %w", err)
	}
	return nil
}

// FetchRelay pulls every pending message addressed to this device. The
// conduit returns them as a concatenation of self-delimiting records;
// FetchRelay splits it with container.EncodedLength and returns one
// slice per record.
func (c *Client) FetchRelay() ([][]byte, error) {
	built, err := c.codec.NewBuilder(time.Now().UnixNano()).
		SetHeaderKey(c.id.DevicePub).
		AddSection("fetch", nil).
		Build()
	if err != nil {
		return nil, fmt.Errorf("rendezvous: build fetch request: %w", err)
	}
	signed, err := c.signSection(built)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: sign fetch request: %w", err)
	}

	rec, err := c.doConduit(signed)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: fetch relay: %w", err)
	}

	fields, ok := rec.Section("fetched")
	if !ok {
		return nil, nil
	}
	blob, ok := fields["messages"].([]byte)
	if !ok || len(blob) == 0 {
		return nil, nil
	}

	var out [][]byte
	rest := blob
	for len(rest) > 0 {
		n, err := container.EncodedLength(rest)
		if err != nil {
			return out, fmt.Errorf("rendezvous: split fetched messages: %w", err)
		}
		out = append(out, append([]byte(nil), rest[:n]...))
		rest = rest[n:]
	}
	return out, nil
}

// signSection signs an already-built record with the device key.
// SignWith works from the built bytes alone (it recomputes the
// provenance hash over them), so a fresh builder serves.
func (c *Client) signSection(built []byte) ([]byte, error) {
	builder := c.codec.NewBuilder(0)
	return builder.SignWith(c.id.Device, built)
}
