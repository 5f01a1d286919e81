/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

//go:build linux

package identity

import "os"

// MachineFingerprint returns the contents of the installation-stable
// machine UUID file.
func MachineFingerprint() ([]byte, error) {
	b, err := os.ReadFile("/etc/machine-id")
	if err == nil && len(b) > 0 {
		return b, nil
	}
	// /var/lib/dbus/machine-id is the historical fallback location used
	// by systems without systemd's /etc/machine-id.
	return os.ReadFile("/var/lib/dbus/machine-id")
}
