// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/katzenpost/hopr/core/crypto/group"
	"github.com/katzenpost/hopr/core/sphinx"
	"github.com/katzenpost/hopr/server"
	"github.com/katzenpost/hopr/server/config"
)

// Config holds the command line configuration
type Config struct {
	ConfigFile string
	GenOnly    bool
}

type geometryConfig struct {
	Group         string
	PayloadLength int
	MaxHops       int
}

func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "hoprnode",
		Short: "HOPR mixnet relay node",
		Long: `hoprnode relays Sphinx packets for the other nodes of a HOPR network
and carries sessions between nodes over the mixnet.

Every relayed packet carries a ticket bound to the payment channel it
travels over, packets over closed or unknown channels are dropped.
Replies travel over single use reply blocks (SURBs) that the sender
attaches to its packets.`,
		Example: `  # Start a node
  hoprnode --config /etc/hopr/node.toml

  # Generate the node identity and exit
  hoprnode -f /etc/hopr/node.toml --generate-only

  # Show the packet geometry of a secp256k1 network
  hoprnode geometry --group secp256k1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "f", "hopr.toml",
		"path to the node configuration file (TOML format)")
	cmd.Flags().BoolVarP(&cfg.GenOnly, "generate-only", "g", false,
		"generate the node identity and exit without starting the node")

	cmd.AddCommand(newGeometryCommand())
	return cmd
}

func newGeometryCommand() *cobra.Command {
	var cfg geometryConfig

	cmd := &cobra.Command{
		Use:   "geometry",
		Short: "Print the Sphinx packet geometry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			g := group.ByName(cfg.Group)
			if g == nil {
				return fmt.Errorf("invalid argument: unknown group '%v'", cfg.Group)
			}
			spec := sphinx.DefaultHeaderSpec()
			spec.MaxHops = cfg.MaxHops
			geo, err := sphinx.NewGeometry(g, spec, cfg.PayloadLength)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\n%s\n\n", geo.Display())
			return nil
		},
	}

	cmd.Flags().StringVar(&cfg.Group, "group", group.Secp256k1.Name(), "name of the group used for the packet keys")
	cmd.Flags().IntVar(&cfg.PayloadLength, "payload-length", sphinx.DefaultPayloadLength, "length of the packet payload")
	cmd.Flags().IntVar(&cfg.MaxHops, "max-hops", sphinx.DefaultHeaderSpec().MaxHops, "maximum number of hops of a path")
	return cmd
}

func main() {
	rootCmd := newRootCommand()

	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(versioninfo.Short()),
		fang.WithErrorHandler(errorHandlerWithUsage(rootCmd)),
	); err != nil {
		os.Exit(1)
	}
}

func runNode(cfg Config) error {
	// Set the umask to something "paranoid".
	syscall.Umask(0077)

	// Ensure that a sane number of OS threads is allowed.
	if os.Getenv("GOMAXPROCS") == "" {
		nProcs := runtime.GOMAXPROCS(0)
		nCPU := runtime.NumCPU()
		if nProcs < nCPU {
			runtime.GOMAXPROCS(nCPU)
		}
	}

	nodeCfg, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", cfg.ConfigFile, err)
	}
	if cfg.GenOnly {
		nodeCfg.Debug.GenerateOnly = true
	}

	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	node, err := server.New(nodeCfg)
	if err != nil {
		if errors.Is(err, server.ErrGenerateOnly) {
			return nil
		}
		return fmt.Errorf("failed to spawn node instance: %v", err)
	}
	defer node.Shutdown()

	go func() {
		<-haltCh
		node.Shutdown()
	}()

	go func() {
		for range rotateCh {
			node.RotateLog()
		}
	}()

	// Wait for the node to explode or be terminated.
	node.Wait()
	return nil
}
