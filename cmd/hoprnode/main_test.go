// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGeometryCommand(t *testing.T) {
	require := require.New(t)

	cmd := newRootCommand()
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetArgs([]string{"geometry", "--group", "ed25519"})
	require.NoError(cmd.Execute())
	require.Contains(out.String(), "PacketLength")

	cmd = newRootCommand()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"geometry", "--group", "p256"})
	require.Error(cmd.Execute())
}

func TestIsUsageError(t *testing.T) {
	require := require.New(t)

	require.True(isUsageError(errors.New("unknown flag: --bogus")))
	require.True(isUsageError(errors.New("failed to load config file 'x': no such file")))
	require.False(isUsageError(errors.New("failed to spawn node instance: boom")))
}
