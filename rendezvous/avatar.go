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

// ErrAvatarNotFound is returned when the conduit has no blob stored under
// the requested key.
var ErrAvatarNotFound = fmt.Errorf("rendezvous: avatar not found")

// AvatarGet fetches the avatar blob published under key, returning the
// blob and the server-assigned timestamp.
func (c *Client) AvatarGet(key [32]byte) ([]byte, time.Time, error) {
	built, err := c.codec.NewBuilder(time.Now().UnixNano()).
		AddSection("avatar_get", container.Fields{"key": key[:]}).
		Build()
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("rendezvous: build avatar_get: %w", err)
	}

	rec, err := c.doConduit(built)
	if err != nil {
		return nil, time.Time{}, err
	}

	fields, ok := rec.Section("blob_data")
	if !ok {
		return nil, time.Time{}, ErrAvatarNotFound
	}
	data, ok := fields["data"].([]byte)
	if !ok {
		return nil, time.Time{}, fmt.Errorf("%w: blob_data.data missing", ErrMalformedResponse)
	}
	var ts time.Time
	if nanos, ok := fields["timestamp"].(uint64); ok {
		ts = time.Unix(0, int64(nanos))
	}
	return data, ts, nil
}

// AvatarPut publishes an avatar blob under key, signed by this device so
// the conduit can attribute and rate-limit writes per device.
func (c *Client) AvatarPut(key [32]byte, data []byte) error {
	builder := c.codec.NewBuilder(time.Now().UnixNano()).
		SetHeaderKey(c.id.DevicePub).
		AddSection("avatar_put", container.Fields{
			"key":  key[:],
			"data": data,
		})
	built, err := builder.Build()
	if err != nil {
		return fmt.Errorf("rendezvous: build avatar_put: %w", err)
	}
	signed, err := builder.SignWith(c.id.Device, built)
	if err != nil {
		return fmt.Errorf("rendezvous: sign avatar_put: %w", err)
	}

	_, err = c.doConduit(signed)
	if err != nil {
		return fmt.Errorf("rendezvous: avatar put: %w", err)
	}
	return nil
}
