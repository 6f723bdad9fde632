// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

// Package server provides the HOPR node: it relays Sphinx packets for
// other nodes and carries sessions over the mixnet.
package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hopr/core/chain"
	"github.com/katzenpost/hopr/core/crypto/group"
	"github.com/katzenpost/hopr/core/log"
	"github.com/katzenpost/hopr/core/session"
	"github.com/katzenpost/hopr/core/sphinx"
	"github.com/katzenpost/hopr/core/worker"
	"github.com/katzenpost/hopr/server/config"
	"github.com/katzenpost/hopr/server/internal/codec"
	"github.com/katzenpost/hopr/server/internal/instrument"
	"github.com/katzenpost/hopr/server/internal/profiling"
	"github.com/katzenpost/hopr/server/internal/surbstore"
	"github.com/katzenpost/hopr/server/internal/tagfilter"
	"github.com/katzenpost/hopr/server/internal/transport"
)

const (
	numForwardWorkers  = 4
	forwardQueueLength = 1024
)

// ErrGenerateOnly is the error returned when the server initialization
// terminates due to the `GenerateOnly` debug config option.
var ErrGenerateOnly = errors.New("server: GenerateOnly set")

// Server is a HOPR node.
type Server struct {
	worker.Worker

	cfg *config.Config

	identity *group.Keypair

	logBackend *log.Backend
	log        *logging.Logger

	geo             *sphinx.Geometry
	mapper          *sphinx.KeyIDMap
	peers           *peerTable
	sessionCapacity int

	filter    *tagfilter.Filter
	store     *surbstore.Store
	encoder   *codec.Encoder
	decoder   *codec.Decoder
	transport *transport.Transport
	forwardCh chan *codec.IncomingForwarded
	sessions  *sessionTable

	metrics  *instrument.Listener
	profiler *profiling.Profiler

	fatalErrCh chan error
	haltedCh   chan interface{}
	haltOnce   sync.Once
}

func (s *Server) initDataDir() error {
	const dirMode = os.ModeDir | 0700
	d := s.cfg.Server.DataDir

	// Initialize the data directory, by ensuring that it exists (or can be
	// created), and that it has the appropriate permissions.
	if fi, err := os.Lstat(d); err != nil {
		// Directory doesn't exist, create one.
		if !os.IsNotExist(err) {
			return fmt.Errorf("server: failed to stat() DataDir: %v", err)
		}
		if err = os.Mkdir(d, dirMode); err != nil {
			return fmt.Errorf("server: failed to create DataDir: %v", err)
		}
	} else {
		if !fi.IsDir() {
			return fmt.Errorf("server: DataDir '%v' is not a directory", d)
		}
		if fi.Mode() != dirMode {
			return fmt.Errorf("server: DataDir '%v' has invalid permissions '%v'", d, fi.Mode())
		}
	}

	return nil
}

func (s *Server) initLogging() error {
	p := s.cfg.Logging.File
	if !s.cfg.Logging.Disable && s.cfg.Logging.File != "" {
		if !filepath.IsAbs(p) {
			p = filepath.Join(s.cfg.Server.DataDir, p)
		}
	}

	var err error
	s.logBackend, err = log.New(p, s.cfg.Logging.Level, s.cfg.Logging.Disable)
	if err == nil {
		s.log = s.logBackend.GetLogger("server")
	}
	return err
}

// initGeometry checks that the packet geometry can carry tickets and
// session messages with their SURBs.
func (s *Server) initGeometry() error {
	s.geo = s.cfg.Geometry()
	if s.geo.RelayerDataLength < chain.HashLength {
		return fmt.Errorf("server: RelayerDataLength must be at least %d bytes to carry tickets", chain.HashLength)
	}
	if n := s.cfg.Session.NumSURBs; n > codec.MaxSURBsPerPacket(s.geo) {
		return fmt.Errorf("server: %d SURBs do not fit in a packet", n)
	}
	s.sessionCapacity = min(session.MaxCapacity, codec.MaxMessageLength(s.geo, s.cfg.Session.NumSURBs))
	if s.sessionCapacity <= session.SegmentOverhead {
		return fmt.Errorf("server: packets are too small for sessions with %d SURBs", s.cfg.Session.NumSURBs)
	}
	return nil
}

// IdentityKey returns the node's packet key.
func (s *Server) IdentityKey() []byte {
	return s.identity.Public.Alpha()
}

// Addr returns the address the node listens on.
func (s *Server) Addr() string {
	return s.transport.Addr().String()
}

// Geometry returns the packet geometry.
func (s *Server) Geometry() *sphinx.Geometry {
	return s.geo
}

// UpdateChannel records a new state of a payment channel and returns what
// changed.  Relayed packets are only accepted over open channels.
func (s *Server) UpdateChannel(c *chain.ChannelEntry) []chain.ChannelChange {
	changes := s.peers.updateChannel(c)
	for _, ch := range changes {
		s.log.Noticef("Channel %v: %v", c.ID(), ch)
	}
	return changes
}

// RotateLog rotates the log file if logging to a file is enabled.
func (s *Server) RotateLog() {
	if err := s.logBackend.Rotate(); err != nil {
		s.fatalErrCh <- fmt.Errorf("failed to rotate log file, shutting down server")
	}
	s.log.Notice("Log rotated.")
}

// Shutdown cleanly shuts down a given Server instance.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

// Wait waits till the server is terminated for any reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

func (s *Server) halt() {
	s.log.Noticef("Starting graceful shutdown.")

	s.closeSessions()

	// Stop accepting and sending packets.
	if s.transport != nil {
		s.transport.Close()
	}
	s.Halt()

	if s.filter != nil {
		if err := s.filter.Close(); err != nil {
			s.log.Errorf("Failed to close the packet tag filter: %v", err)
		}
		s.filter = nil
	}
	if s.store != nil {
		s.store.Halt()
		s.store = nil
	}
	if s.metrics != nil {
		s.metrics.Close()
		s.metrics = nil
	}
	if s.profiler != nil {
		s.profiler.Stop()
		s.profiler = nil
	}
	close(s.fatalErrCh)

	s.log.Noticef("Shutdown complete.")
	close(s.haltedCh)
}

// New returns a new Server instance parameterized with the specified
// configuration.
func New(cfg *config.Config) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		sessions:   newSessionTable(),
		forwardCh:  make(chan *codec.IncomingForwarded, forwardQueueLength),
		fatalErrCh: make(chan error),
		haltedCh:   make(chan interface{}),
	}

	// Do the early initialization and bring up logging.
	if err := s.initDataDir(); err != nil {
		return nil, err
	}
	if err := s.initLogging(); err != nil {
		return nil, err
	}

	if s.cfg.Logging.Level == "DEBUG" {
		s.log.Warning("Unsafe Debug logging is enabled.")
	}
	s.log.Noticef("Node identifier is: '%v'", s.cfg.Server.Identifier)

	var err error
	if s.identity, err = LoadOrGenerateIdentity(s.cfg.IdentityKeyFile(), s.cfg.Group(), rand.Reader); err != nil {
		s.log.Errorf("Failed to initialize identity: %v", err)
		return nil, err
	}
	s.log.Noticef("Node packet key is: %x", s.IdentityKey())

	if s.cfg.Debug.GenerateOnly {
		return nil, ErrGenerateOnly
	}

	if err := s.initGeometry(); err != nil {
		s.log.Errorf("Invalid packet geometry: %v", err)
		return nil, err
	}
	s.log.Debugf("Packet geometry: %v", s.geo)

	s.mapper = sphinx.NewKeyIDMap(s.geo)
	selfID, err := s.cfg.Server.RawKeyID()
	if err != nil {
		return nil, err
	}
	if s.peers, err = newPeerTable(s.cfg, s.IdentityKey(), selfID, s.mapper); err != nil {
		s.log.Errorf("Failed to initialize peers: %v", err)
		return nil, err
	}

	// Past this point, failures need to call s.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		// Something failed in bringing the server up, past the point where
		// files are open etc, clean up the partially constructed instance.
		if !isOk {
			s.Shutdown()
		}
	}()

	// Start the fatal error watcher.
	go func() {
		err, ok := <-s.fatalErrCh
		if !ok {
			// Graceful termination.
			return
		}
		s.log.Warningf("Shutting down due to error: %v", err)
		s.Shutdown()
	}()

	if s.filter, err = tagfilter.New(s.logBackend.GetLogger("tagfilter"), s.cfg.TagDBFile(), s.cfg.Debug.BloomFilterSize); err != nil {
		s.log.Errorf("Failed to initialize the packet tag filter: %v", err)
		return nil, err
	}
	s.store = surbstore.New(s.logBackend.GetLogger("surbstore"), s.cfg.SURBStore.Config())

	tickets := &ticketProcessor{peers: s.peers, length: s.geo.RelayerDataLength}
	s.encoder = codec.NewEncoder(s.logBackend.GetLogger("encoder"), s.geo, s.identity, s.mapper, s.peers, tickets, s.store)
	s.decoder = codec.NewDecoder(s.logBackend.GetLogger("decoder"), s.geo, s.identity, s.mapper, tickets, s.store, s.filter)

	if s.cfg.Debug.MetricsAddress != "" {
		s.metrics = instrument.StartPrometheusListener(s.logBackend.GetLogger("metrics"), s.cfg.Debug.MetricsAddress)
	}
	if s.cfg.Debug.ProfilingAddress != "" {
		if s.profiler, err = profiling.Start(s.logBackend.GetLogger("profiling"), s.cfg.Debug.ProfilingAddress, s.cfg.Server.Identifier); err != nil {
			s.log.Errorf("Failed to start profiling: %v", err)
			return nil, err
		}
	}

	if s.transport, err = transport.New(s.logBackend.GetLogger("transport"), &transport.Config{
		ListenAddress: s.cfg.Server.ListenAddress,
		LocalKey:      s.IdentityKey(),
		PacketLength:  s.geo.PacketLength,
		DialTimeout:   time.Duration(s.cfg.Debug.ConnectTimeout) * time.Millisecond,
		DialAttempts:  s.cfg.Debug.DialAttempts,
	}); err != nil {
		s.log.Errorf("Failed to start the transport: %v", err)
		return nil, err
	}

	incoming := s.transport.Incoming()
	s.Go(func() { s.incomingWorker(incoming) })
	for i := 0; i < numForwardWorkers; i++ {
		s.Go(s.forwardWorker)
	}

	isOk = true
	return s, nil
}
