// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

// Package log provides the node's logging backend, built on go-logging.
package log

import (
	"fmt"
	"io"
	goLog "log"
	"os"
	"strings"
	"sync"

	"gopkg.in/op/go-logging.v1"
)

const logFormat = "%{time:15:04:05.000} %{level:.4s} %{module}: %{message}"

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// Backend is a log backend shared by every component of a node.  The
// underlying writer can be reopened at runtime with Rotate.
type Backend struct {
	sync.RWMutex

	backend logging.LeveledBackend
	w       io.WriteCloser

	file    string
	level   logging.Level
	disable bool
}

// Log implements logging.Backend.
func (b *Backend) Log(level logging.Level, calldepth int, record *logging.Record) error {
	b.RLock()
	defer b.RUnlock()
	return b.backend.Log(level, calldepth, record)
}

// GetLevel implements logging.Leveled.
func (b *Backend) GetLevel(module string) logging.Level {
	b.RLock()
	defer b.RUnlock()
	return b.backend.GetLevel(module)
}

// SetLevel implements logging.Leveled.
func (b *Backend) SetLevel(level logging.Level, module string) {
	b.RLock()
	defer b.RUnlock()
	b.backend.SetLevel(level, module)
}

// IsEnabledFor implements logging.Leveled.
func (b *Backend) IsEnabledFor(level logging.Level, module string) bool {
	b.RLock()
	defer b.RUnlock()
	return b.backend.IsEnabledFor(level, module)
}

// GetLogger returns a per-module logger that writes to the backend.
func (b *Backend) GetLogger(module string) *logging.Logger {
	l := logging.MustGetLogger(module)
	l.SetBackend(b)
	return l
}

// GetGoLogger returns a standard library logger for the module, logging
// every line at the given level.  This is what net/http and friends want
// for their ErrorLog.
func (b *Backend) GetGoLogger(module string, level string) *goLog.Logger {
	lvl, err := levelFromString(level)
	if err != nil {
		panic("log: GetGoLogger(): " + err.Error())
	}
	return goLog.New(&logWriter{m: b.GetLogger(module), lvl: lvl}, "", 0)
}

// Rotate reopens the log file, for use from a SIGHUP handler.
func (b *Backend) Rotate() error {
	b.Lock()
	defer b.Unlock()

	if err := b.w.Close(); err != nil {
		return err
	}
	return b.open()
}

func (b *Backend) open() error {
	switch {
	case b.disable:
		b.w = nopCloser{io.Discard}
	case b.file == "":
		b.w = nopCloser{os.Stdout}
	default:
		f, err := os.OpenFile(b.file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("log: failed to create log file: %w", err)
		}
		b.w = f
	}

	formatted := logging.NewBackendFormatter(logging.NewLogBackend(b.w, "", 0), logging.MustStringFormatter(logFormat))
	b.backend = logging.AddModuleLevel(formatted)
	b.backend.SetLevel(b.level, "")
	return nil
}

// New creates a logging backend writing to the file f, or to stdout if f
// is empty.  If disable is set all output is discarded.
func New(f string, level string, disable bool) (*Backend, error) {
	lvl, err := levelFromString(level)
	if err != nil {
		return nil, err
	}
	b := &Backend{
		file:    f,
		level:   lvl,
		disable: disable,
	}
	if err := b.open(); err != nil {
		return nil, err
	}
	return b, nil
}

// IsValidLevel returns true if l names a supported log level.
func IsValidLevel(l string) bool {
	_, err := levelFromString(l)
	return err == nil
}

func levelFromString(l string) (logging.Level, error) {
	switch strings.ToUpper(l) {
	case "ERROR":
		return logging.ERROR, nil
	case "WARNING":
		return logging.WARNING, nil
	case "NOTICE":
		return logging.NOTICE, nil
	case "INFO":
		return logging.INFO, nil
	case "DEBUG":
		return logging.DEBUG, nil
	default:
		return logging.CRITICAL, fmt.Errorf("log: invalid level: '%v'", l)
	}
}

type logWriter struct {
	m   *logging.Logger
	lvl logging.Level
}

func (w *logWriter) Write(p []byte) (int, error) {
	s := strings.TrimSpace(string(p))
	if len(s) == 0 {
		return len(p), nil
	}

	switch w.lvl {
	case logging.ERROR:
		w.m.Error(s)
	case logging.WARNING:
		w.m.Warning(s)
	case logging.NOTICE:
		w.m.Notice(s)
	case logging.INFO:
		w.m.Info(s)
	case logging.DEBUG:
		w.m.Debug(s)
	default:
		w.m.Critical(s)
	}
	return len(p), nil
}
