/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

// Package photonlog provides the leveled logger threaded through every
// core package. The concrete backend (file, syslog, platform log bridge)
// is configuration/logging glue and lives outside this module; callers
// construct a Logger with their own Verbosef/Errorf funcs, or use Silent
// to get a logger that discards everything.
package photonlog

import (
	"fmt"
	"log"
	"os"
)

// Logger is two level-gated, printf-style funcs rather than an
// interface, so call sites never pay for formatting when a level is
// disabled.
type Logger struct {
	Verbosef func(format string, args ...any)
	Errorf   func(format string, args ...any)
}

// Silent discards all log output. Safe default for tests and for
// embedders that haven't wired a logging backend yet.
var Silent = &Logger{
	Verbosef: func(string, ...any) {},
	Errorf:   func(string, ...any) {},
}

// NewStderr returns a Logger that writes both levels to stderr,
// prefixed with tag.
func NewStderr(tag string) *Logger {
	l := log.New(os.Stderr, tag, log.LstdFlags|log.Lmicroseconds)
	return &Logger{
		Verbosef: func(format string, args ...any) { l.Output(2, fmt.Sprintf(format, args...)) },
		Errorf:   func(format string, args ...any) { l.Output(2, "ERROR: "+fmt.Sprintf(format, args...)) },
	}
}
