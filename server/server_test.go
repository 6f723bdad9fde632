// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package server

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/hopr/core/crypto/group"
	"github.com/katzenpost/hopr/server/config"
)

type testNodeInfo struct {
	dir          string
	addr         string
	key          []byte
	keyID        string
	chainAddress string
}

func freeAddr(t *testing.T) string {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := conn.LocalAddr().String()
	require.NoError(t, conn.Close())
	return addr
}

func testChainAddress(i int) string {
	b := make([]byte, 20)
	b[19] = byte(i + 1)
	return "0x" + hex.EncodeToString(b)
}

// testConfigs returns the configurations of n nodes that all know each
// other, with identities already generated.
func testConfigs(t *testing.T, n, numRelays int) []*config.Config {
	infos := make([]*testNodeInfo, n)
	for i := range infos {
		dir := t.TempDir()
		kp, err := GenerateIdentity(filepath.Join(dir, "identity.private.cbor"), group.Secp256k1, rand.Reader)
		require.NoError(t, err)
		infos[i] = &testNodeInfo{
			dir:          dir,
			addr:         freeAddr(t),
			key:          kp.Public.Alpha(),
			keyID:        fmt.Sprintf("%08x", i+1),
			chainAddress: testChainAddress(i),
		}
	}

	cfgs := make([]*config.Config, n)
	for i, info := range infos {
		cfg := &config.Config{
			Server: &config.Server{
				Identifier:    fmt.Sprintf("node%d.example.org", i),
				ListenAddress: info.addr,
				DataDir:       info.dir,
				ChainAddress:  info.chainAddress,
				KeyID:         info.keyID,
			},
			Logging: &config.Logging{Disable: true, Level: "DEBUG"},
			Session: &config.Session{
				FlushImmediately: true,
				Stateless:        true,
				NumRelays:        numRelays,
			},
			Debug: &config.Debug{
				BloomFilterSize:       16,
				DisableTagPersistence: true,
				ConnectTimeout:        2000,
				DialAttempts:          2,
			},
		}
		for j, peer := range infos {
			if j == i {
				continue
			}
			cfg.Peers = append(cfg.Peers, &config.Peer{
				Identifier:   fmt.Sprintf("node%d", j),
				PacketKey:    hex.EncodeToString(peer.key),
				KeyID:        peer.keyID,
				Address:      peer.addr,
				ChainAddress: peer.chainAddress,
			})
		}
		require.NoError(t, cfg.FixupAndValidate())
		require.Equal(t, filepath.Join(info.dir, "identity.private.cbor"), cfg.IdentityKeyFile())
		cfgs[i] = cfg
	}
	return cfgs
}

func startNodes(t *testing.T, cfgs []*config.Config) []*Server {
	nodes := make([]*Server, len(cfgs))
	for i, cfg := range cfgs {
		s, err := New(cfg)
		require.NoError(t, err)
		t.Cleanup(s.Shutdown)
		nodes[i] = s
	}
	return nodes
}

func TestSessionEcho(t *testing.T) {
	require := require.New(t)

	nodes := startNodes(t, testConfigs(t, 3, 1))
	alice, bob := nodes[0], nodes[1]

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	out, err := alice.Dial(ctx, bob.IdentityKey())
	require.NoError(err)
	require.Equal(bob.IdentityKey(), out.Peer)

	_, err = out.Write([]byte("hello"))
	require.NoError(err)

	in, err := bob.Accept(ctx)
	require.NoError(err)
	require.Equal(out.Pseudonym, in.Pseudonym)
	require.Nil(in.Peer)

	buf := make([]byte, 5)
	_, err = io.ReadFull(in, buf)
	require.NoError(err)
	require.Equal("hello", string(buf))

	// The reply travels back over the SURBs alice sent along.
	_, err = in.Write([]byte("world"))
	require.NoError(err)
	_, err = io.ReadFull(out, buf)
	require.NoError(err)
	require.Equal("world", string(buf))

	// More replies than the initial SURBs, the rest are refilled.
	for i := 0; i < 8; i++ {
		msg := []byte(fmt.Sprintf("reply%d", i))
		_, err = in.Write(msg)
		require.NoError(err)
		got := make([]byte, len(msg))
		_, err = io.ReadFull(out, got)
		require.NoError(err)
		require.Equal(msg, got)
	}

	out.Close()
	in.Close()
}

func TestDialUnknownPeer(t *testing.T) {
	require := require.New(t)

	nodes := startNodes(t, testConfigs(t, 2, 0))
	_, err := nodes[0].Dial(context.Background(), []byte("not a peer"))
	require.ErrorIs(err, errUnknownPeer)
}

func TestShutdown(t *testing.T) {
	require := require.New(t)

	nodes := startNodes(t, testConfigs(t, 2, 0))
	s := nodes[0]
	s.Shutdown()
	s.Wait()

	_, err := s.Accept(context.Background())
	require.ErrorIs(err, ErrHalted)
	_, err = s.Dial(context.Background(), nodes[1].IdentityKey())
	require.ErrorIs(err, ErrHalted)
}

func TestGenerateOnly(t *testing.T) {
	require := require.New(t)

	cfg := testConfigs(t, 1, 0)[0]
	cfg.Debug.GenerateOnly = true
	_, err := New(cfg)
	require.ErrorIs(err, ErrGenerateOnly)
}

func TestGeometryTooSmall(t *testing.T) {
	require := require.New(t)

	cfg := testConfigs(t, 1, 0)[0]
	cfg.Sphinx.PayloadLength = 300
	require.NoError(cfg.FixupAndValidate())
	_, err := New(cfg)
	require.Error(err)
}
