/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package broker

import "errors"

var (
	// ErrInvalidState is returned when an operation is not allowed in the current session state.
	ErrInvalidState = errors.New("broker session in invalid state")
	// ErrClosed is returned when the transport has been closed.
	ErrClosed = errors.New("broker connection closed")
)

// State is the lifecycle stage of a Session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateChannelOpen
	StateConsuming
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateChannelOpen:
		return "channel-open"
	case StateConsuming:
		return "consuming"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Ready reports whether publishing and consuming are allowed.
func (s State) Ready() bool {
	return s == StateChannelOpen || s == StateConsuming
}
