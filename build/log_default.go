// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

//go:build !nolog && !stdlog
// +build !nolog,!stdlog

package build

// LoggingType is a log type that writes through the daemon backend.
const LoggingType = LogTypeDefault
