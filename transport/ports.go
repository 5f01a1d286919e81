/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package transport

import (
	"fmt"
	"net"
)

// ConventionalPorts are tried in order before falling back to an
// ephemeral bind: primary, fallback, then a third port
// reserved for multicast-only deployments that route around the first
// two being firewalled.
var ConventionalPorts = []int{7373, 7374, 7375}

// BindUDP tries ConventionalPorts in order, then an ephemeral port.
func BindUDP() (*net.UDPConn, error) {
	for _, port := range ConventionalPorts {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
		if err == nil {
			return conn, nil
		}
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	if err != nil {
		return nil, fmt.Errorf("transport: bind UDP (including ephemeral): %w", err)
	}
	return conn, nil
}

// BindTCP mirrors BindUDP for the TCP listener the fallback path
// accepts on, using the same port convention.
func BindTCP() (*net.TCPListener, error) {
	for _, port := range ConventionalPorts {
		ln, err := net.ListenTCP("tcp", &net.TCPAddr{Port: port})
		if err == nil {
			return ln, nil
		}
	}
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{Port: 0})
	if err != nil {
		return nil, fmt.Errorf("transport: bind TCP (including ephemeral): %w", err)
	}
	return ln, nil
}
