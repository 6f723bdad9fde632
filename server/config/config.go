// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the HOPR node configuration.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"

	"github.com/katzenpost/hopr/core/chain"
	"github.com/katzenpost/hopr/core/crypto/group"
	"github.com/katzenpost/hopr/core/session"
	"github.com/katzenpost/hopr/core/sphinx"
	"github.com/katzenpost/hopr/server/internal/surbstore"
)

const (
	defaultAddress         = "0.0.0.0:9091"
	defaultLogLevel        = "NOTICE"
	defaultGroup           = "secp256k1"
	defaultNumSURBs        = 2
	defaultBloomFilterSize = 29
	defaultConnectTimeout  = 10 * 1000 // 10 sec.
	defaultDialAttempts    = 3
	defaultTagDB           = "packet_tags.db"
	defaultIdentityKey     = "identity.private.cbor"
	maxBloomFilterSize     = 35
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Server is the node configuration.
type Server struct {
	// Identifier is the human readable identifier for the node (eg: FQDN).
	Identifier string

	// ListenAddress is the UDP address the node accepts connections on.
	ListenAddress string

	// DataDir is the absolute path to the node's state files.
	DataDir string

	// Group names the group the packet keys live in, "secp256k1" or
	// "Ed25519".
	Group string

	// ChainAddress is the on chain address of the node.
	ChainAddress string

	// KeyID is the hex encoded key identifier of the node's packet key,
	// as known to its peers.
	KeyID string
}

// RawKeyID returns the decoded key identifier.
func (sCfg *Server) RawKeyID() ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(sCfg.KeyID, "0x"))
}

func (sCfg *Server) applyDefaults() {
	if sCfg.ListenAddress == "" {
		sCfg.ListenAddress = defaultAddress
	}
	if sCfg.Group == "" {
		sCfg.Group = defaultGroup
	}
}

func (sCfg *Server) validate() error {
	if sCfg.Identifier == "" {
		return errors.New("config: Server: Identifier is not set")
	}
	if _, _, err := net.SplitHostPort(sCfg.ListenAddress); err != nil {
		return fmt.Errorf("config: Server: ListenAddress '%v' is invalid: %v", sCfg.ListenAddress, err)
	}
	if !filepath.IsAbs(sCfg.DataDir) {
		return fmt.Errorf("config: Server: DataDir '%v' is not an absolute path", sCfg.DataDir)
	}
	if group.ByName(sCfg.Group) == nil {
		return fmt.Errorf("config: Server: Group '%v' is not supported", sCfg.Group)
	}
	if _, err := chain.ParseAddress(sCfg.ChainAddress); err != nil {
		return fmt.Errorf("config: Server: ChainAddress '%v' is invalid: %v", sCfg.ChainAddress, err)
	}
	return nil
}

// Sphinx is the packet geometry configuration.  Zero values take the
// default header layout.
type Sphinx struct {
	MaxHops                int
	KeyIDLength            int
	RelayerDataLength      int
	ReceiverDataLength     int
	SURBReceiverDataLength int
	PayloadLength          int
}

func (spCfg *Sphinx) applyDefaults() {
	def := sphinx.DefaultHeaderSpec()
	if spCfg.MaxHops <= 0 {
		spCfg.MaxHops = def.MaxHops
	}
	if spCfg.KeyIDLength <= 0 {
		spCfg.KeyIDLength = def.KeyIDLength
	}
	if spCfg.RelayerDataLength <= 0 {
		spCfg.RelayerDataLength = def.RelayerDataLength
	}
	if spCfg.ReceiverDataLength <= 0 {
		spCfg.ReceiverDataLength = def.ReceiverDataLength
	}
	if spCfg.SURBReceiverDataLength <= 0 {
		spCfg.SURBReceiverDataLength = def.SURBReceiverDataLength
	}
	if spCfg.PayloadLength <= 0 {
		spCfg.PayloadLength = sphinx.DefaultPayloadLength
	}
}

func (spCfg *Sphinx) validate() error {
	if spCfg.ReceiverDataLength != surbstore.SenderIDLength {
		return fmt.Errorf("config: Sphinx: ReceiverDataLength must be %d", surbstore.SenderIDLength)
	}
	return nil
}

// HeaderSpec returns the Sphinx header layout.
func (spCfg *Sphinx) HeaderSpec() sphinx.HeaderSpec {
	return sphinx.HeaderSpec{
		MaxHops:                spCfg.MaxHops,
		KeyIDLength:            spCfg.KeyIDLength,
		RelayerDataLength:      spCfg.RelayerDataLength,
		ReceiverDataLength:     spCfg.ReceiverDataLength,
		SURBReceiverDataLength: spCfg.SURBReceiverDataLength,
	}
}

// Session is the configuration of the sessions carried over the mixnet.
// Durations are in milliseconds.
type Session struct {
	// FrameSize is the number of bytes buffered before a frame is sent.
	FrameSize int

	// FrameTimeout bounds frame reassembly and reordering.
	FrameTimeout int

	// MaxBufferedSegments is the number of outgoing segments queued before
	// writes block.
	MaxBufferedSegments int

	// Capacity bounds the incomplete and out of order frames.
	Capacity int

	// FlushImmediately sends out a frame after every write.
	FlushImmediately bool

	// Stateless disables acknowledgements and retransmissions.
	Stateless bool

	// AcknowledgementMode is one of "both", "partial" or "full".
	AcknowledgementMode session.AcknowledgementMode

	ExpectedPacketLatency   int
	BackoffBase             float64
	MaxIncomingFrameRetries int
	MaxOutgoingFrameRetries int
	AcknowledgementDelay    int
	LookbehindSegments      int

	// NumSURBs is the number of SURBs sent along with every packet to the
	// session's counterparty.
	NumSURBs int

	// NumRelays is the number of relays on forward and return paths,
	// zero sends packets directly.
	NumRelays int
}

func (seCfg *Session) applyDefaults() {
	def := session.DefaultSocketConfig()
	ack := session.DefaultAcknowledgementStateConfig()
	if seCfg.FrameSize <= 0 {
		seCfg.FrameSize = def.FrameSize
	}
	if seCfg.FrameTimeout <= 0 {
		seCfg.FrameTimeout = int(def.FrameTimeout / time.Millisecond)
	}
	if seCfg.MaxBufferedSegments < 0 {
		seCfg.MaxBufferedSegments = def.MaxBufferedSegments
	}
	if seCfg.Capacity <= 0 {
		seCfg.Capacity = def.Capacity
	}
	if seCfg.ExpectedPacketLatency <= 0 {
		seCfg.ExpectedPacketLatency = int(ack.ExpectedPacketLatency / time.Millisecond)
	}
	if seCfg.BackoffBase <= 0 {
		seCfg.BackoffBase = ack.BackoffBase
	}
	if seCfg.MaxIncomingFrameRetries <= 0 {
		seCfg.MaxIncomingFrameRetries = ack.MaxIncomingFrameRetries
	}
	if seCfg.MaxOutgoingFrameRetries <= 0 {
		seCfg.MaxOutgoingFrameRetries = ack.MaxOutgoingFrameRetries
	}
	if seCfg.AcknowledgementDelay <= 0 {
		seCfg.AcknowledgementDelay = int(ack.AcknowledgementDelay / time.Millisecond)
	}
	if seCfg.LookbehindSegments <= 0 {
		seCfg.LookbehindSegments = ack.LookbehindSegments
	}
	if seCfg.NumSURBs <= 0 {
		seCfg.NumSURBs = defaultNumSURBs
	}
}

func (seCfg *Session) validate(sp *Sphinx) error {
	if seCfg.NumRelays < 0 {
		return errors.New("config: Session: NumRelays is negative")
	}
	if seCfg.NumRelays > sp.MaxHops-1 {
		return fmt.Errorf("config: Session: NumRelays %d exceeds the %d relays a packet can take", seCfg.NumRelays, sp.MaxHops-1)
	}
	return nil
}

// SocketConfig returns the session socket configuration.
func (seCfg *Session) SocketConfig() session.SocketConfig {
	return session.SocketConfig{
		FrameSize:           seCfg.FrameSize,
		FrameTimeout:        time.Duration(seCfg.FrameTimeout) * time.Millisecond,
		MaxBufferedSegments: seCfg.MaxBufferedSegments,
		Capacity:            seCfg.Capacity,
		FlushImmediately:    seCfg.FlushImmediately,
	}
}

// AcknowledgementStateConfig returns the acknowledgement configuration.
func (seCfg *Session) AcknowledgementStateConfig() session.AcknowledgementStateConfig {
	return session.AcknowledgementStateConfig{
		Mode:                    seCfg.AcknowledgementMode,
		ExpectedPacketLatency:   time.Duration(seCfg.ExpectedPacketLatency) * time.Millisecond,
		BackoffBase:             seCfg.BackoffBase,
		MaxIncomingFrameRetries: seCfg.MaxIncomingFrameRetries,
		MaxOutgoingFrameRetries: seCfg.MaxOutgoingFrameRetries,
		AcknowledgementDelay:    time.Duration(seCfg.AcknowledgementDelay) * time.Millisecond,
		LookbehindSegments:      seCfg.LookbehindSegments,
	}
}

// SURBStore is the SURB store configuration.  Lifetimes are in seconds,
// the sweep interval in milliseconds.
type SURBStore struct {
	RingBufferCapacity     int
	DistressThreshold      int
	MaxOpenersPerPseudonym int
	MaxPseudonyms          int
	PseudonymLifetime      int
	ReplyOpenerLifetime    int
	SweepInterval          int
}

// Config returns the normalized store configuration.
func (ssCfg *SURBStore) Config() *surbstore.Config {
	c := &surbstore.Config{
		RingBufferCapacity:     ssCfg.RingBufferCapacity,
		DistressThreshold:      ssCfg.DistressThreshold,
		MaxOpenersPerPseudonym: ssCfg.MaxOpenersPerPseudonym,
		MaxPseudonyms:          ssCfg.MaxPseudonyms,
		PseudonymLifetime:      time.Duration(ssCfg.PseudonymLifetime) * time.Second,
		ReplyOpenerLifetime:    time.Duration(ssCfg.ReplyOpenerLifetime) * time.Second,
		SweepInterval:          time.Duration(ssCfg.SweepInterval) * time.Millisecond,
	}
	c.Normalize()
	return c
}

// Debug is the node debug configuration.
type Debug struct {
	// BloomFilterSize is the log2 of the packet tag filter size in bits.
	BloomFilterSize int

	// DisableTagPersistence keeps the packet tags in memory only.
	DisableTagPersistence bool

	// MetricsAddress is the address/port to bind the prometheus metrics
	// endpoint to.
	MetricsAddress string

	// ProfilingAddress is the pyroscope server to send profiles to.
	ProfilingAddress string

	// ConnectTimeout specifies the maximum time a connection can take to
	// establish in milliseconds.
	ConnectTimeout int

	// DialAttempts is the number of connection attempts per packet.
	DialAttempts int

	// GenerateOnly halts and cleans up the node right after long term
	// key generation.
	GenerateOnly bool
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.BloomFilterSize <= 0 {
		dCfg.BloomFilterSize = defaultBloomFilterSize
	}
	if dCfg.ConnectTimeout <= 0 {
		dCfg.ConnectTimeout = defaultConnectTimeout
	}
	if dCfg.DialAttempts <= 0 {
		dCfg.DialAttempts = defaultDialAttempts
	}
}

func (dCfg *Debug) validate() error {
	if dCfg.BloomFilterSize > maxBloomFilterSize {
		return fmt.Errorf("config: Debug: BloomFilterSize %d is too large", dCfg.BloomFilterSize)
	}
	if dCfg.MetricsAddress != "" {
		if _, err := netip.ParseAddrPort(dCfg.MetricsAddress); err != nil {
			return fmt.Errorf("config: Debug: MetricsAddress '%v' is invalid: %v", dCfg.MetricsAddress, err)
		}
	}
	return nil
}

// Logging is the node logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lCfg.Level = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl
	return nil
}

// Peer is a node known to this one.
type Peer struct {
	// Identifier is the human readable identifier of the peer.
	Identifier string

	// PacketKey is the hex encoded packet key of the peer.
	PacketKey string

	// KeyID is the hex encoded key identifier of the packet key.
	KeyID string

	// Address is the UDP address of the peer.
	Address string

	// ChainAddress is the on chain address of the peer.
	ChainAddress string
}

func (p *Peer) validate(g group.Group, sp *Sphinx) error {
	id, err := precis.UsernameCaseMapped.String(p.Identifier)
	if err != nil {
		return fmt.Errorf("config: Peer: Identifier '%v' is invalid: %v", p.Identifier, err)
	}
	p.Identifier = id

	key, err := p.RawPacketKey()
	if err != nil {
		return fmt.Errorf("config: Peer %v: PacketKey is invalid: %v", p.Identifier, err)
	}
	if _, err := g.ElementFromAlpha(key); err != nil {
		return fmt.Errorf("config: Peer %v: PacketKey is not a %v element: %v", p.Identifier, g.Name(), err)
	}
	keyID, err := p.RawKeyID()
	if err != nil || len(keyID) != sp.KeyIDLength {
		return fmt.Errorf("config: Peer %v: KeyID must be %d hex encoded bytes", p.Identifier, sp.KeyIDLength)
	}
	if _, _, err := net.SplitHostPort(p.Address); err != nil {
		return fmt.Errorf("config: Peer %v: Address '%v' is invalid: %v", p.Identifier, p.Address, err)
	}
	if _, err := chain.ParseAddress(p.ChainAddress); err != nil {
		return fmt.Errorf("config: Peer %v: ChainAddress '%v' is invalid: %v", p.Identifier, p.ChainAddress, err)
	}
	return nil
}

// RawPacketKey returns the decoded packet key.
func (p *Peer) RawPacketKey() ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(p.PacketKey, "0x"))
}

// RawKeyID returns the decoded key identifier.
func (p *Peer) RawKeyID() ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(p.KeyID, "0x"))
}

// Config is the top level node configuration.
type Config struct {
	Server    *Server
	Logging   *Logging
	Sphinx    *Sphinx
	Session   *Session
	SURBStore *SURBStore
	Peers     []*Peer

	Debug *Debug

	geometry *sphinx.Geometry
}

// Group returns the group of the packet keys.
func (cfg *Config) Group() group.Group {
	return group.ByName(cfg.Server.Group)
}

// Geometry returns the packet geometry.  It is only valid after
// FixupAndValidate.
func (cfg *Config) Geometry() *sphinx.Geometry {
	return cfg.geometry
}

// IdentityKeyFile returns the path of the node's packet key.
func (cfg *Config) IdentityKeyFile() string {
	return filepath.Join(cfg.Server.DataDir, defaultIdentityKey)
}

// TagDBFile returns the path of the packet tag database, or "" if tags
// are not persisted.
func (cfg *Config) TagDBFile() string {
	if cfg.Debug.DisableTagPersistence {
		return ""
	}
	return filepath.Join(cfg.Server.DataDir, defaultTagDB)
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	// The Server section is mandatory, everything else is optional.
	if cfg.Server == nil {
		return errors.New("config: No Server block was present")
	}
	if cfg.Logging == nil {
		l := defaultLogging
		cfg.Logging = &l
	}
	if cfg.Sphinx == nil {
		cfg.Sphinx = &Sphinx{}
	}
	if cfg.Session == nil {
		cfg.Session = &Session{}
	}
	if cfg.SURBStore == nil {
		cfg.SURBStore = &SURBStore{}
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}

	cfg.Server.applyDefaults()
	cfg.Sphinx.applyDefaults()
	cfg.Session.applyDefaults()
	cfg.Debug.applyDefaults()

	if err := cfg.Server.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if err := cfg.Sphinx.validate(); err != nil {
		return err
	}
	if err := cfg.Session.validate(cfg.Sphinx); err != nil {
		return err
	}
	if err := cfg.Debug.validate(); err != nil {
		return err
	}

	var err error
	cfg.Server.Identifier, err = idna.Lookup.ToASCII(cfg.Server.Identifier)
	if err != nil {
		return fmt.Errorf("config: Failed to normalize Identifier: %v", err)
	}

	g := cfg.Group()
	if cfg.geometry, err = sphinx.NewGeometry(g, cfg.Sphinx.HeaderSpec(), cfg.Sphinx.PayloadLength); err != nil {
		return fmt.Errorf("config: Sphinx: %v", err)
	}

	selfID, err := cfg.Server.RawKeyID()
	if err != nil || len(selfID) != cfg.Sphinx.KeyIDLength {
		return fmt.Errorf("config: Server: KeyID must be %d hex encoded bytes", cfg.Sphinx.KeyIDLength)
	}
	seenIDs := map[string]bool{string(selfID): true}
	seenKeys := make(map[string]bool)
	for _, p := range cfg.Peers {
		if err := p.validate(g, cfg.Sphinx); err != nil {
			return err
		}
		key, _ := p.RawPacketKey()
		id, _ := p.RawKeyID()
		if seenKeys[string(key)] || seenIDs[string(id)] {
			return fmt.Errorf("config: Peer %v: duplicate PacketKey or KeyID", p.Identifier)
		}
		seenKeys[string(key)] = true
		seenIDs[string(id)] = true
	}
	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("No nil buffer as config file")
	}

	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
