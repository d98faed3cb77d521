/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 MeshTalk Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package peerconn owns the underlying media peer connection for one active
// call: offer/answer negotiation, ICE candidate buffering, and the local
// mute/camera controls.
package peerconn

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// Config holds the configuration for a Coordinator.
type Config struct {
	// ICEServers is the list of STUN/TURN servers to use.
	ICEServers []webrtc.ICEServer

	// Logger defaults to logrus.StandardLogger().
	Logger *logrus.Logger
}

// DefaultConfig returns a Config with a public STUN server, which is
// required for srflx candidates when running behind NAT.
func DefaultConfig() *Config {
	return &Config{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

// Callbacks are the outbound events a Coordinator emits. All fields are
// optional and must be set before negotiation starts.
type Callbacks struct {
	// OnICECandidate fires for each locally gathered candidate, already
	// marshaled for the signaling payload.
	OnICECandidate func(candidate json.RawMessage)

	// OnRemoteTrack fires when the remote peer's media arrives.
	OnRemoteTrack func(track *webrtc.TrackRemote)

	// OnConnectionStateChange fires on every peer connection state change.
	OnConnectionStateChange func(state webrtc.PeerConnectionState)
}

// senderSlot pairs an RTP sender with the track it was created from so
// toggling can detach and reattach it.
type senderSlot struct {
	sender  *webrtc.RTPSender
	track   webrtc.TrackLocal
	enabled bool
}

// Coordinator drives one webrtc.PeerConnection through the offer/answer/ICE
// exchange. One Coordinator exists per active call and is closed with it.
//
// Remote ICE candidates arriving before the remote description are buffered
// in arrival order and flushed the moment the description is set; candidates
// are never applied out of order.
type Coordinator struct {
	mu sync.Mutex

	pc    *webrtc.PeerConnection
	log   *logrus.Logger
	hooks Callbacks

	media *LocalMedia
	slots []senderSlot

	remoteSet bool
	pending   []webrtc.ICECandidateInit

	closed bool
}

// NewCoordinator builds the peer connection, attaches the local media
// tracks, and wires the event callbacks.
func NewCoordinator(config *Config, media *LocalMedia, hooks Callbacks) (*Coordinator, error) {
	if config == nil {
		config = DefaultConfig()
	}
	log := config.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	// Default codecs plus the default interceptor set (RTCP reports, NACK,
	// TWCC). Without the interceptors Pion does not process inbound SRTP
	// correctly and OnTrack may never fire.
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: config.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	c := &Coordinator{
		pc:    pc,
		log:   log,
		hooks: hooks,
		media: media,
	}

	if media != nil {
		for _, track := range media.Tracks {
			sender, err := pc.AddTrack(track)
			if err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
			}
			c.slots = append(c.slots, senderSlot{sender: sender, track: track, enabled: true})
			go drainRTCP(sender)
		}
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		raw, err := json.Marshal(init)
		if err != nil {
			log.WithError(err).Warn("failed to marshal local ICE candidate")
			return
		}
		if c.hooks.OnICECandidate != nil {
			c.hooks.OnICECandidate(raw)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.WithFields(logrus.Fields{
			"kind":  track.Kind().String(),
			"codec": track.Codec().MimeType,
		}).Debug("remote track received")
		if c.hooks.OnRemoteTrack != nil {
			c.hooks.OnRemoteTrack(track)
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.WithField("state", s.String()).Debug("peer connection state changed")
		if c.hooks.OnConnectionStateChange != nil {
			c.hooks.OnConnectionStateChange(s)
		}
	})

	return c, nil
}

// drainRTCP keeps the sender's RTCP stream flowing so the interceptors see
// receiver reports.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// CreateOffer creates an SDP offer and sets it as the local description.
// Candidates trickle out through the OnICECandidate callback.
func (c *Coordinator) CreateOffer(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return offer.SDP, nil
}

// CreateAnswer creates an SDP answer to a previously applied remote offer
// and sets it as the local description.
func (c *Coordinator) CreateAnswer(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return answer.SDP, nil
}

// SetRemoteOffer applies the remote peer's SDP offer and flushes any
// buffered ICE candidates.
func (c *Coordinator) SetRemoteOffer(sdp string) error {
	return c.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp})
}

// SetRemoteAnswer applies the remote peer's SDP answer and flushes any
// buffered ICE candidates. A duplicate answer while the signaling state is
// already stable is a logged no-op; redundant channels may deliver the same
// answer more than once.
func (c *Coordinator) SetRemoteAnswer(sdp string) error {
	c.mu.Lock()
	if c.pc.SignalingState() == webrtc.SignalingStateStable {
		c.mu.Unlock()
		c.log.Debug("ignoring duplicate SDP answer, signaling state already stable")
		return nil
	}
	c.mu.Unlock()
	return c.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

func (c *Coordinator) setRemote(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	c.remoteSet = true

	// Flush in arrival order.
	for _, cand := range c.pending {
		if err := c.pc.AddICECandidate(cand); err != nil {
			c.log.WithError(err).Warn("failed to apply buffered ICE candidate")
		}
	}
	c.pending = nil
	return nil
}

// AddRemoteCandidate applies a signaled ICE candidate. Candidates arriving
// before the remote description are buffered and flushed in order once the
// description is set.
func (c *Coordinator) AddRemoteCandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("failed to decode ICE candidate: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("coordinator is closed")
	}
	if !c.remoteSet {
		c.pending = append(c.pending, init)
		return nil
	}
	if err := c.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	return nil
}

// PendingCandidates reports how many remote candidates are buffered waiting
// for the remote description.
func (c *Coordinator) PendingCandidates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// ToggleAudio flips the local audio track on or off and returns the new
// enabled state.
func (c *Coordinator) ToggleAudio() bool {
	return c.toggleKind(webrtc.RTPCodecTypeAudio)
}

// ToggleVideo flips the local video track on or off and returns the new
// enabled state.
func (c *Coordinator) ToggleVideo() bool {
	return c.toggleKind(webrtc.RTPCodecTypeVideo)
}

// toggleKind detaches or reattaches the local track of the given kind.
// Detaching keeps the transceiver alive so no renegotiation is needed.
func (c *Coordinator) toggleKind(kind webrtc.RTPCodecType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	enabled := false
	for i := range c.slots {
		slot := &c.slots[i]
		if slot.track.Kind() != kind {
			continue
		}
		if slot.enabled {
			if err := slot.sender.ReplaceTrack(nil); err != nil {
				c.log.WithError(err).Warn("failed to detach track")
				return slot.enabled
			}
			slot.enabled = false
		} else {
			if err := slot.sender.ReplaceTrack(slot.track); err != nil {
				c.log.WithError(err).Warn("failed to reattach track")
				return slot.enabled
			}
			slot.enabled = true
		}
		enabled = slot.enabled
	}
	return enabled
}

// ConnectionState returns the current peer connection state.
func (c *Coordinator) ConnectionState() webrtc.PeerConnectionState {
	return c.pc.ConnectionState()
}

// Close shuts down the peer connection and releases the local media.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	media := c.media
	c.mu.Unlock()

	if media != nil {
		media.Release()
	}
	if err := c.pc.Close(); err != nil {
		return fmt.Errorf("failed to close peer connection: %w", err)
	}
	return nil
}
