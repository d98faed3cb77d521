/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 MeshTalk Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package session

import (
	"context"
	"encoding/json"

	"github.com/meshtalk/callkit-go/peerconn"
	"github.com/meshtalk/callkit-go/transport"
)

// Signaler sends signaling messages to the remote peer. The transport
// manager satisfies it.
type Signaler interface {
	Send(ctx context.Context, msg *transport.Message) error
}

// PresenceReader answers whether a user is currently reachable. The
// presence registry satisfies it.
type PresenceReader interface {
	IsOnline(userID string) bool
}

// PeerConnState is the coarse peer connection health the session machine
// reacts to.
type PeerConnState string

const (
	PeerConnecting   PeerConnState = "connecting"
	PeerConnected    PeerConnState = "connected"
	PeerDisconnected PeerConnState = "disconnected"
	PeerFailed       PeerConnState = "failed"
	PeerClosed       PeerConnState = "closed"
)

// PeerHooks are the callbacks a Peer reports into the session machine.
type PeerHooks struct {
	// OnLocalCandidate fires per locally gathered ICE candidate, already
	// marshaled for the signaling payload.
	OnLocalCandidate func(candidate json.RawMessage)

	// OnConnectionState fires on peer connection state transitions.
	OnConnectionState func(state PeerConnState)
}

// Peer is the per-call media negotiation surface. peerconn.Coordinator
// satisfies it.
type Peer interface {
	CreateOffer(ctx context.Context) (string, error)
	CreateAnswer(ctx context.Context) (string, error)
	SetRemoteOffer(sdp string) error
	SetRemoteAnswer(sdp string) error
	AddRemoteCandidate(candidate json.RawMessage) error
	ToggleAudio() bool
	ToggleVideo() bool
	Close() error
}

// PeerFactory builds one Peer per call attempt.
type PeerFactory interface {
	NewPeer(ctx context.Context, media *peerconn.LocalMedia, hooks PeerHooks) (Peer, error)
}

// Deps are the collaborators a Manager drives. All fields are required
// except History, which may be nil when no record should be kept.
type Deps struct {
	Signaler Signaler
	Presence PresenceReader
	Media    peerconn.MediaProvider
	Peers    PeerFactory
	History  HistorySink
}
