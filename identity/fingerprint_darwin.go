/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

//go:build darwin

package identity

import "os/exec"

// MachineFingerprint returns the hardware-burned IOPlatformUUID, obtained
// via ioreg. The whole command output is hashed rather
// than parsed, since it's deterministic per machine and the UUID is
// embedded in it regardless of exact field order.
func MachineFingerprint() ([]byte, error) {
	out, err := exec.Command("ioreg", "-rd1", "-c", "IOPlatformExpertDevice").Output()
	if err != nil {
		return nil, err
	}
	return out, nil
}
