// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"fmt"
	"io"
	"strings"

	"charm.land/lipgloss/v2"
	"github.com/charmbracelet/colorprofile"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
)

var usageErrors = []string{
	"flag needs an argument:",
	"unknown flag:",
	"unknown shorthand flag:",
	"unknown command",
	"invalid argument",
	"accepts",
	"arg(s), received",
	"failed to load config file",
}

// errorHandlerWithUsage prints the error, followed by the usage of cmd
// when the error is about the command line itself.
func errorHandlerWithUsage(cmd *cobra.Command) fang.ErrorHandler {
	return func(w io.Writer, styles fang.Styles, err error) {
		_, _ = fmt.Fprintln(w, styles.ErrorHeader.String())
		_, _ = fmt.Fprintln(w, styles.ErrorText.Render(err.Error()+"."))
		_, _ = fmt.Fprintln(w)

		if isUsageError(err) {
			if helpFunc := cmd.HelpFunc(); helpFunc != nil {
				_ = colorprofile.NewWriter(w, nil)
				helpFunc(cmd, []string{})
			}
			return
		}
		_, _ = fmt.Fprintln(w, lipgloss.JoinHorizontal(
			lipgloss.Left,
			styles.ErrorText.UnsetWidth().Render("Try"),
			styles.Program.Flag.Render("--help"),
			styles.ErrorText.UnsetWidth().UnsetMargins().UnsetTransform().PaddingLeft(1).Render("for usage."),
		))
		_, _ = fmt.Fprintln(w)
	}
}

func isUsageError(err error) bool {
	s := err.Error()
	for _, prefix := range usageErrors {
		if strings.Contains(s, prefix) {
			return true
		}
	}
	return false
}
