/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package rendezvous

import (
	"fmt"
	"strings"

	"golang.org/x/net/websocket"

	"github.com/nickspiker/photon/container"
	"github.com/nickspiker/photon/peerstore"
)

// PeerUpdateStream is a live connection to the conduit's peer_update push
// channel: the server pushes one container record per peer_update event
// instead of making callers poll Announce.
type PeerUpdateStream struct {
	conn *websocket.Conn
}

// OpenPeerUpdateStream dials the conduit's WebSocket push channel.
func (c *Client) OpenPeerUpdateStream() (*PeerUpdateStream, error) {
	wsURL := toWebSocketURL(c.baseURL) + "/peer_update"
	origin := c.baseURL

	config, err := websocket.NewConfig(wsURL, origin)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: build peer_update config: %w", err)
	}

	conn, err := websocket.DialConfig(config)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: dial peer_update: %w", err)
	}
	return &PeerUpdateStream{conn: conn}, nil
}

// Next blocks for the next pushed peer record.
func (s *PeerUpdateStream) Next() (peerstore.PeerRecord, error) {
	var buf []byte
	if err := websocket.Message.Receive(s.conn, &buf); err != nil {
		var zero peerstore.PeerRecord
		return zero, fmt.Errorf("rendezvous: receive peer_update: %w", err)
	}

	rec, err := container.Ref.Decode(buf)
	if err != nil {
		var zero peerstore.PeerRecord
		return zero, fmt.Errorf("rendezvous: decode peer_update: %w", err)
	}
	fields, ok := rec.Section("peer")
	if !ok {
		var zero peerstore.PeerRecord
		return zero, fmt.Errorf("%w: peer_update missing peer section", ErrMalformedResponse)
	}
	return peerRecordFromFields(fields)
}

// Close ends the push channel.
func (s *PeerUpdateStream) Close() error {
	return s.conn.Close()
}

func toWebSocketURL(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	default:
		return httpURL
	}
}
