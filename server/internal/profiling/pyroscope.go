// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

//go:build pyroscope

// Package profiling provides optional continuous profiling.
package profiling

import (
	"errors"
	"os"

	"github.com/grafana/pyroscope-go"
	"gopkg.in/op/go-logging.v1"
)

// Profiler is a running profiler.
type Profiler struct {
	p *pyroscope.Profiler
}

// Start starts sending profiles to the Pyroscope server at serverAddress,
// or at $PYROSCOPE_SERVER_ADDRESS if it is empty.
func Start(log *logging.Logger, serverAddress, node string) (*Profiler, error) {
	log.Info("Starting Pyroscope")

	if serverAddress == "" {
		serverAddress = os.Getenv("PYROSCOPE_SERVER_ADDRESS")
	}
	if serverAddress == "" {
		return nil, errors.New("profiling: no Pyroscope server address")
	}
	appName := os.Getenv("PYROSCOPE_APP_NAME")
	if appName == "" {
		appName = "hoprnode"
	}

	p, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: appName,
		ServerAddress:   serverAddress,
		Logger:          pyroscope.StandardLogger,
		Tags: map[string]string{
			"node": node,
		},
	})
	if err != nil {
		return nil, err
	}
	log.Infof("Pyroscope started at %s, app name: %s, node: %s", serverAddress, appName, node)
	return &Profiler{p: p}, nil
}

// Stop flushes and stops the profiler.
func (p *Profiler) Stop() error {
	return p.p.Stop()
}
