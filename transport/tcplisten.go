/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package transport

import (
	"io"
	"net"

	"github.com/nickspiker/photon/photonlog"
)

const maxTCPMessageBytes = 8 << 20

// ServeTCP accepts connections on ln and hands each one's full body,
// read to EOF, to deliver. The TCP fallback path always writes one
// message per connection and closes, so reading to EOF recovers exactly
// one message with no extra framing.
func ServeTCP(ln net.Listener, deliver func([]byte), log *photonlog.Logger) {
	if log == nil {
		log = photonlog.Silent
	}
	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Errorf("transport: TCP accept: %v", err)
			return
		}
		go func() {
			defer func() { _ = conn.Close() }()
			body, err := io.ReadAll(io.LimitReader(conn, maxTCPMessageBytes))
			if err != nil {
				log.Errorf("transport: TCP read: %v", err)
				return
			}
			deliver(body)
		}()
	}
}
