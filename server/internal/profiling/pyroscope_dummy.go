// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !pyroscope

// Package profiling provides optional continuous profiling.
package profiling

import "gopkg.in/op/go-logging.v1"

// Profiler does nothing.
type Profiler struct{}

// Start does nothing, Pyroscope support was not built in.
func Start(log *logging.Logger, serverAddress, node string) (*Profiler, error) {
	log.Info("Pyroscope is disabled")
	return &Profiler{}, nil
}

// Stop does nothing.
func (*Profiler) Stop() error { return nil }
