/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

//go:build !linux && !windows && !darwin

package identity

import "os"

// MachineFingerprint covers the remaining Unix-likes (FreeBSD, etc.) and
// mobile targets that don't embed a build-tagged oracle of their own: try
// /etc/hostid, then fall back to the hostname. Android's opaque
// installation blob is supplied by the host application through
// SetMobileFingerprint rather than discovered here, since it arrives via
// the platform's JNI bridge rather than a filesystem path.
func MachineFingerprint() ([]byte, error) {
	if len(mobileFingerprint) > 0 {
		return mobileFingerprint, nil
	}
	if b, err := os.ReadFile("/etc/hostid"); err == nil && len(b) > 0 {
		return b, nil
	}
	return os.ReadFile("/etc/hostname")
}

var mobileFingerprint []byte

// SetMobileFingerprint lets a mobile host application (which obtains its
// installation-stable identifier via its own platform APIs, not a
// filesystem oracle) supply the fingerprint bytes directly.
func SetMobileFingerprint(b []byte) {
	mobileFingerprint = append([]byte(nil), b...)
}
