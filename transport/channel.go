/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 MeshTalk Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package transport

import (
	"context"
	"errors"
)

// ChannelState is the connectivity state of a single channel adapter.
type ChannelState string

const (
	ChannelConnecting   ChannelState = "connecting"
	ChannelConnected    ChannelState = "connected"
	ChannelDisconnected ChannelState = "disconnected"
)

// ErrNotConnected is returned by Send when a channel has no usable
// connection. The manager treats it like any other send failure and moves
// on to the next-ranked channel.
var ErrNotConnected = errors.New("transport: channel not connected")

// Handler receives inbound envelopes from a channel.
type Handler func(*Envelope)

// StateHandler observes channel connectivity transitions.
type StateHandler func(ChannelState)

// Channel is one signaling transport adapter. Implementations must accept
// Send from any goroutine and must deliver inbound envelopes to the handler
// set before Start.
type Channel interface {
	// Name identifies the channel in logs ("websocket", "stream", "poll").
	Name() string

	// Start begins connecting and receiving. It returns immediately; the
	// channel keeps reconnecting in the background until ctx is cancelled
	// or Close is called.
	Start(ctx context.Context)

	// Send transmits one envelope. Returns ErrNotConnected when the channel
	// has no link to try on.
	Send(ctx context.Context, env *Envelope) error

	// State reports current connectivity.
	State() ChannelState

	// SetHandler installs the inbound envelope handler. Must be called
	// before Start.
	SetHandler(Handler)

	// SetStateHandler installs the connectivity observer. Must be called
	// before Start.
	SetStateHandler(StateHandler)

	// Close tears the channel down permanently.
	Close() error
}
