// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

//go:build noprometheus

package instrument

import "gopkg.in/op/go-logging.v1"

// Listener does nothing.
type Listener struct{}

// StartPrometheusListener does nothing.
func StartPrometheusListener(l *logging.Logger, addr string) *Listener {
	l.Notice("Prometheus support is disabled.")
	return &Listener{}
}

// Close does nothing.
func (*Listener) Close() error { return nil }

func PacketsIncoming()      {}
func PacketsOutgoing()      {}
func PacketsForwarded()     {}
func PacketsDelivered()     {}
func PacketsDropped(string) {}
func SURBsStored(int)       {}
func SURBsUsed()            {}
func FramesCompleted()      {}
func FramesDiscarded()      {}
