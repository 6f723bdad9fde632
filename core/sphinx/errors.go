// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package sphinx

import "errors"

var (
	// ErrInvalidInput is returned for empty paths and mismatched arguments.
	ErrInvalidInput = errors.New("sphinx: invalid input value")

	// ErrInvalidSize is returned when a field has the wrong length.
	ErrInvalidSize = errors.New("sphinx: invalid parameter size")

	// ErrTagMismatch is returned when a header fails authentication.
	ErrTagMismatch = errors.New("sphinx: header authentication failed")

	// ErrParse is returned when a serialized structure has the wrong length.
	ErrParse = errors.New("sphinx: parse error")

	// ErrPadding is returned for payloads that are too long or whose
	// padding tag is missing.
	ErrPadding = errors.New("sphinx: padding error")

	// ErrUnknownKeyID is returned when a key or key identifier has no
	// mapping.
	ErrUnknownKeyID = errors.New("sphinx: unknown key identifier")

	// ErrNoReplyOpener is returned when a reply arrives for which no
	// opener is held.
	ErrNoReplyOpener = errors.New("sphinx: no reply opener for pseudonym")
)
