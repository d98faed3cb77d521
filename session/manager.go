/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 MeshTalk Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meshtalk/callkit-go/peerconn"
	"github.com/meshtalk/callkit-go/transport"
)

// Config holds the tunable timings of the session state machine.
type Config struct {
	// RingTimeout bounds how long a call may stay in calling or ringing
	// before it ends with EndReasonTimeout.
	RingTimeout time.Duration

	// ICEFailureGrace is how long a failed peer connection may linger
	// before the call ends with EndReasonConnectionLost. Cancelled when
	// the connection recovers.
	ICEFailureGrace time.Duration

	// UIGraceDelay is how long an ended session stays observable before
	// the manager resets to idle.
	UIGraceDelay time.Duration

	// NotifyTimeout bounds best-effort notifications (end, reject, busy)
	// sent during teardown.
	NotifyTimeout time.Duration

	// Logger defaults to logrus.StandardLogger().
	Logger *logrus.Logger
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() *Config {
	return &Config{
		RingTimeout:     30 * time.Second,
		ICEFailureGrace: 5 * time.Second,
		UIGraceDelay:    2 * time.Second,
		NotifyTimeout:   10 * time.Second,
	}
}

// activeCall is the mutable per-call state. It exists from the first
// transition out of idle until the post-teardown reset.
type activeCall struct {
	sess  CallSession
	peer  Peer
	media *peerconn.LocalMedia

	// remoteOffer holds the inbound SDP while the call rings, before a
	// peer exists to apply it to.
	remoteOffer string

	// pendingCandidates buffers remote ICE arriving before AcceptIncoming
	// creates the peer.
	pendingCandidates []json.RawMessage

	// accepting marks the blocking accept phase. The session stays ringing
	// while media and peer setup run off the lock, so the flag is what
	// keeps a second AcceptIncoming out.
	accepting bool

	seq        int64
	ringTimer  *time.Timer
	graceTimer *time.Timer
	resetTimer *time.Timer
	ended      bool
}

// Manager is the call session state machine. All transitions happen under
// one mutex; inbound signaling is applied on the transport dispatch
// goroutine via HandleMessage, local operations on their callers'
// goroutines. At most one call is active at a time.
type Manager struct {
	selfID string
	config *Config
	log    *logrus.Logger

	signaler Signaler
	presence PresenceReader
	media    peerconn.MediaProvider
	peers    PeerFactory
	history  HistorySink

	events *emitter

	mu   sync.Mutex
	call *activeCall
}

// NewManager creates a session manager for the local user.
func NewManager(selfID string, deps Deps, config *Config) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	log := config.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		selfID:   selfID,
		config:   config,
		log:      log,
		signaler: deps.Signaler,
		presence: deps.Presence,
		media:    deps.Media,
		peers:    deps.Peers,
		history:  deps.History,
		events:   newEmitter(),
	}
}

// Subscribe registers an event handler and returns its removal function.
func (m *Manager) Subscribe(h EventHandler) func() {
	return m.events.subscribe(h)
}

// CurrentSession returns a snapshot of the current session, or nil when
// idle. An ended session remains observable for the UI grace window.
func (m *Manager) CurrentSession() *CallSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.call == nil {
		return nil
	}
	snapshot := m.call.sess
	return &snapshot
}

// StartCall initiates an outbound call. It fails fast when another call is
// active or the callee is offline; the offline check happens before any
// signaling leaves the device.
func (m *Manager) StartCall(ctx context.Context, calleeID string, callType transport.CallType) error {
	m.mu.Lock()
	if m.call != nil && m.call.sess.State.active() {
		m.mu.Unlock()
		return ErrCallInProgress
	}

	if !m.presence.IsOnline(calleeID) {
		m.mu.Unlock()
		m.log.WithField("callee", calleeID).Info("callee offline, not placing call")
		return &CallError{Reason: EndReasonOffline, Err: fmt.Errorf("user %s is offline", calleeID)}
	}

	m.cancelResetLocked()
	now := time.Now()
	call := &activeCall{
		sess: CallSession{
			CallID:      newCallID(m.selfID, calleeID, now),
			CallType:    callType,
			CallerID:    m.selfID,
			CalleeID:    calleeID,
			IsInitiator: true,
			State:       StateCalling,
			CreatedAt:   now,
		},
	}
	m.call = call
	snapshot := call.sess
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"callId":   snapshot.CallID,
		"callee":   calleeID,
		"callType": callType,
	}).Info("starting call")
	m.events.emit(Event{Key: EventStateChanged, Session: snapshot})

	media, err := m.media.Acquire(ctx, constraintsFor(callType))
	if err != nil {
		reason := EndReasonCancelled
		if errors.Is(err, peerconn.ErrPermissionDenied) {
			reason = EndReasonMediaDenied
		}
		return m.failSetup(call, reason, err, false)
	}

	peer, err := m.peers.NewPeer(ctx, media, m.hooksFor(call))
	if err != nil {
		media.Release()
		return m.failSetup(call, EndReasonCancelled, err, false)
	}

	sdp, err := peer.CreateOffer(ctx)
	if err != nil {
		media.Release()
		_ = peer.Close()
		return m.failSetup(call, EndReasonCancelled, err, false)
	}

	m.mu.Lock()
	if m.call != call || call.ended {
		// Torn down while setting up (glare loss or remote signal).
		reason := call.sess.EndReason
		m.mu.Unlock()
		media.Release()
		_ = peer.Close()
		return &CallError{Reason: reason, Err: errors.New("call ended during setup")}
	}
	call.media = media
	call.peer = peer
	msg := m.composeLocked(call, transport.MessageOffer, mustSDPPayload(sdp))
	m.mu.Unlock()

	if err := m.signaler.Send(ctx, msg); err != nil {
		return m.failSetup(call, EndReasonTransportFailed, err, false)
	}

	m.mu.Lock()
	if m.call == call && !call.ended {
		m.armRingTimerLocked(call)
	}
	m.mu.Unlock()
	return nil
}

// AcceptIncoming answers the ringing call: acquires media, applies the
// remote offer, and sends the answer. Accepting after the ring window has
// expired reports the timeout instead of silently doing nothing.
func (m *Manager) AcceptIncoming(ctx context.Context) error {
	m.mu.Lock()
	call := m.call
	if call == nil {
		m.mu.Unlock()
		return ErrNotRinging
	}
	if call.ended && call.sess.EndReason == EndReasonTimeout && !call.sess.IsInitiator {
		m.mu.Unlock()
		return &CallError{Reason: EndReasonTimeout, Err: errors.New("incoming call already timed out")}
	}
	if call.sess.State != StateRinging || call.sess.IsInitiator || call.accepting {
		m.mu.Unlock()
		return ErrNotRinging
	}
	call.accepting = true
	m.stopTimerLocked(&call.ringTimer)
	remoteOffer := call.remoteOffer
	m.mu.Unlock()

	media, err := m.media.Acquire(ctx, constraintsFor(call.sess.CallType))
	if err != nil {
		reason := EndReasonCancelled
		if errors.Is(err, peerconn.ErrPermissionDenied) {
			reason = EndReasonMediaDenied
		}
		return m.failSetup(call, reason, err, true)
	}

	peer, err := m.peers.NewPeer(ctx, media, m.hooksFor(call))
	if err != nil {
		media.Release()
		return m.failSetup(call, EndReasonCancelled, err, true)
	}

	cleanup := func() {
		media.Release()
		_ = peer.Close()
	}

	if err := peer.SetRemoteOffer(remoteOffer); err != nil {
		cleanup()
		return m.failSetup(call, EndReasonCancelled, err, true)
	}

	m.mu.Lock()
	buffered := call.pendingCandidates
	call.pendingCandidates = nil
	m.mu.Unlock()
	for _, cand := range buffered {
		if err := peer.AddRemoteCandidate(cand); err != nil {
			m.log.WithError(err).Warn("failed to apply buffered remote candidate")
		}
	}

	sdp, err := peer.CreateAnswer(ctx)
	if err != nil {
		cleanup()
		return m.failSetup(call, EndReasonCancelled, err, true)
	}

	m.mu.Lock()
	if m.call != call || call.ended {
		reason := call.sess.EndReason
		m.mu.Unlock()
		cleanup()
		return &CallError{Reason: reason, Err: errors.New("call ended during setup")}
	}
	call.media = media
	call.peer = peer
	call.sess.State = StateConnecting
	snapshot := call.sess
	msg := m.composeLocked(call, transport.MessageAnswer, mustSDPPayload(sdp))
	m.mu.Unlock()

	m.events.emit(Event{Key: EventStateChanged, Session: snapshot})

	if err := m.signaler.Send(ctx, msg); err != nil {
		return m.failSetup(call, EndReasonTransportFailed, err, true)
	}
	return nil
}

// RejectIncoming declines the ringing call. The local transition happens
// immediately; the reject notification is best effort.
func (m *Manager) RejectIncoming() error {
	m.mu.Lock()
	call := m.call
	if call == nil || call.sess.State != StateRinging || call.sess.IsInitiator {
		m.mu.Unlock()
		return ErrNotRinging
	}
	msg := m.composeLocked(call, transport.MessageReject, nil)
	ended := m.endLocked(call, EndReasonRejected)
	m.mu.Unlock()

	m.notify(msg)
	m.emitEnded(ended)
	return nil
}

// HangUp terminates the local side of an outbound or established call. The
// local transition happens immediately; the end notification is best
// effort.
func (m *Manager) HangUp() error {
	m.mu.Lock()
	call := m.call
	if call == nil {
		m.mu.Unlock()
		return ErrNoActiveCall
	}
	switch call.sess.State {
	case StateCalling, StateConnecting, StateConnected:
	default:
		m.mu.Unlock()
		return ErrNoActiveCall
	}

	reason := EndReasonCancelled
	if call.sess.State == StateConnected {
		reason = EndReasonCompleted
	}
	msg := m.composeLocked(call, transport.MessageEnd, nil)
	ended := m.endLocked(call, reason)
	m.mu.Unlock()

	m.notify(msg)
	m.emitEnded(ended)
	return nil
}

// ToggleAudio flips the local microphone and returns the new enabled state.
func (m *Manager) ToggleAudio() (bool, error) {
	return m.toggle(func(p Peer) bool { return p.ToggleAudio() })
}

// ToggleVideo flips the local camera and returns the new enabled state.
func (m *Manager) ToggleVideo() (bool, error) {
	return m.toggle(func(p Peer) bool { return p.ToggleVideo() })
}

func (m *Manager) toggle(fn func(Peer) bool) (bool, error) {
	m.mu.Lock()
	call := m.call
	var peer Peer
	if call != nil && !call.ended {
		peer = call.peer
	}
	m.mu.Unlock()
	if peer == nil {
		return false, ErrNoActiveCall
	}
	return fn(peer), nil
}

// HandleMessage applies one inbound signaling message. The transport
// manager calls it serially from the dispatch goroutine, which is what
// keeps per-call ordering.
func (m *Manager) HandleMessage(msg *transport.Message) {
	if msg.ToUserID != m.selfID {
		m.log.WithFields(logrus.Fields{
			"callId": msg.CallID,
			"to":     msg.ToUserID,
		}).Debug("dropping message addressed to another user")
		return
	}

	switch msg.Type {
	case transport.MessageOffer:
		m.handleOffer(msg)
	case transport.MessageAnswer:
		m.handleAnswer(msg)
	case transport.MessageICECandidate:
		m.handleCandidate(msg)
	case transport.MessageReject:
		m.handleTerminal(msg, EndReasonRejected)
	case transport.MessageBusy:
		m.handleTerminal(msg, EndReasonBusy)
	case transport.MessageEnd:
		m.handleRemoteEnd(msg)
	case transport.MessageUserOffline:
		m.handleTerminal(msg, EndReasonOffline)
	default:
		m.log.WithField("type", msg.Type).Debug("dropping unknown signaling message type")
	}
}

// handleOffer routes an inbound offer: fresh ring when idle, busy reply
// when occupied, deterministic tie-break on glare. The payload is checked
// up front so a malformed offer cannot cost us an active attempt.
func (m *Manager) handleOffer(msg *transport.Message) {
	var payload sdpPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.SDP == "" {
		m.log.WithError(err).WithField("callId", msg.CallID).Warn("dropping offer with bad SDP payload")
		return
	}

	m.mu.Lock()
	call := m.call
	var glareEnded Event

	if call != nil && call.sess.State.active() {
		if call.sess.CallID == msg.CallID {
			// Redelivered copy of the offer that created this session.
			m.mu.Unlock()
			return
		}

		glare := call.sess.IsInitiator &&
			call.sess.State == StateCalling &&
			call.sess.CalleeID == msg.FromUserID
		if !glare {
			m.mu.Unlock()
			m.replyBusy(msg)
			return
		}

		if outboundWinsGlare(call.sess.CallID, msg.CallID) {
			m.mu.Unlock()
			m.log.WithFields(logrus.Fields{
				"ourCallId":   call.sess.CallID,
				"theirCallId": msg.CallID,
			}).Info("glare: local attempt wins, rejecting inbound offer")
			m.replyBusy(msg)
			return
		}

		// Local attempt loses. End it quietly and let the inbound offer
		// ring; the remote side rejects our offer with busy on its own.
		m.log.WithFields(logrus.Fields{
			"ourCallId":   call.sess.CallID,
			"theirCallId": msg.CallID,
		}).Info("glare: local attempt loses, yielding to inbound offer")
		glareEnded = m.endLocked(call, EndReasonBusy)
	}

	m.cancelResetLocked()
	incoming := &activeCall{
		sess: CallSession{
			CallID:      msg.CallID,
			CallType:    msg.CallType,
			CallerID:    msg.FromUserID,
			CalleeID:    m.selfID,
			IsInitiator: false,
			State:       StateRinging,
			CreatedAt:   time.Now(),
		},
		remoteOffer: payload.SDP,
	}
	m.call = incoming
	m.armRingTimerLocked(incoming)
	snapshot := incoming.sess
	m.mu.Unlock()

	m.emitEnded(glareEnded)
	m.log.WithFields(logrus.Fields{
		"callId": snapshot.CallID,
		"caller": snapshot.CallerID,
	}).Info("incoming call")
	m.events.emit(Event{Key: EventIncoming, Session: snapshot})
	m.events.emit(Event{Key: EventStateChanged, Session: snapshot})
}

// handleAnswer moves an outbound call to connecting and hands the SDP to
// the peer.
func (m *Manager) handleAnswer(msg *transport.Message) {
	m.mu.Lock()
	call := m.call
	if call == nil || call.ended || call.sess.CallID != msg.CallID ||
		!call.sess.IsInitiator || call.sess.State != StateCalling || call.peer == nil {
		m.mu.Unlock()
		m.log.WithField("callId", msg.CallID).Debug("dropping unexpected answer")
		return
	}

	var payload sdpPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.SDP == "" {
		m.mu.Unlock()
		m.log.WithError(err).WithField("callId", msg.CallID).Warn("dropping answer with bad SDP payload")
		return
	}

	m.stopTimerLocked(&call.ringTimer)
	call.sess.State = StateConnecting
	peer := call.peer
	snapshot := call.sess
	m.mu.Unlock()

	m.events.emit(Event{Key: EventStateChanged, Session: snapshot})

	if err := peer.SetRemoteAnswer(payload.SDP); err != nil {
		m.log.WithError(err).WithField("callId", msg.CallID).Error("failed to apply remote answer")
	}
}

// handleCandidate forwards a remote ICE candidate to the peer, or buffers
// it while the call is still ringing.
func (m *Manager) handleCandidate(msg *transport.Message) {
	m.mu.Lock()
	call := m.call
	if call == nil || call.ended || call.sess.CallID != msg.CallID {
		m.mu.Unlock()
		m.log.WithField("callId", msg.CallID).Debug("dropping candidate for unknown call")
		return
	}
	peer := call.peer
	if peer == nil {
		call.pendingCandidates = append(call.pendingCandidates, msg.Payload)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := peer.AddRemoteCandidate(msg.Payload); err != nil {
		m.log.WithError(err).WithField("callId", msg.CallID).Warn("failed to apply remote candidate")
	}
}

// handleTerminal ends the matching active call with the given reason. The
// signals apply from the first outbound dial through an established call;
// a ringing callee never receives them, so that state still drops.
func (m *Manager) handleTerminal(msg *transport.Message, reason EndReason) {
	m.mu.Lock()
	call := m.call
	if call == nil || call.ended || call.sess.CallID != msg.CallID {
		m.mu.Unlock()
		m.log.WithFields(logrus.Fields{
			"callId": msg.CallID,
			"type":   msg.Type,
		}).Debug("dropping signal for unknown call")
		return
	}
	switch call.sess.State {
	case StateCalling, StateConnecting, StateConnected:
	default:
		m.mu.Unlock()
		m.log.WithFields(logrus.Fields{
			"callId": msg.CallID,
			"type":   msg.Type,
			"state":  call.sess.State,
		}).Debug("dropping terminal signal in unexpected state")
		return
	}
	ended := m.endLocked(call, reason)
	m.mu.Unlock()
	m.emitEnded(ended)
}

// handleRemoteEnd applies a remote hang-up at any active stage.
func (m *Manager) handleRemoteEnd(msg *transport.Message) {
	m.mu.Lock()
	call := m.call
	if call == nil || call.ended || call.sess.CallID != msg.CallID {
		m.mu.Unlock()
		m.log.WithField("callId", msg.CallID).Debug("dropping end for unknown call")
		return
	}
	reason := EndReasonCancelled
	if call.sess.State == StateConnected {
		reason = EndReasonCompleted
	}
	ended := m.endLocked(call, reason)
	m.mu.Unlock()
	m.emitEnded(ended)
}

// hooksFor binds peer callbacks to one call attempt. Stale callbacks from a
// replaced call are ignored by the call identity checks inside.
func (m *Manager) hooksFor(call *activeCall) PeerHooks {
	return PeerHooks{
		OnLocalCandidate: func(candidate json.RawMessage) {
			m.mu.Lock()
			if m.call != call || call.ended {
				m.mu.Unlock()
				return
			}
			msg := m.composeLocked(call, transport.MessageICECandidate, candidate)
			m.mu.Unlock()
			m.notify(msg)
		},
		OnConnectionState: func(state PeerConnState) {
			m.onPeerState(call, state)
		},
	}
}

// onPeerState reacts to peer connection health transitions.
func (m *Manager) onPeerState(call *activeCall, state PeerConnState) {
	m.mu.Lock()
	if m.call != call || call.ended {
		m.mu.Unlock()
		return
	}

	switch state {
	case PeerConnected:
		m.stopTimerLocked(&call.graceTimer)
		if call.sess.State != StateConnecting {
			m.mu.Unlock()
			return
		}
		now := time.Now()
		call.sess.State = StateConnected
		call.sess.ConnectedAt = &now
		snapshot := call.sess
		m.mu.Unlock()

		m.log.WithField("callId", snapshot.CallID).Info("call connected")
		m.events.emit(Event{Key: EventConnected, Session: snapshot})
		m.events.emit(Event{Key: EventStateChanged, Session: snapshot})

	case PeerFailed:
		if call.graceTimer != nil {
			m.mu.Unlock()
			return
		}
		m.log.WithField("callId", call.sess.CallID).Warn("peer connection failed, starting grace period")
		call.graceTimer = time.AfterFunc(m.config.ICEFailureGrace, func() {
			m.mu.Lock()
			if m.call != call || call.ended {
				m.mu.Unlock()
				return
			}
			msg := m.composeLocked(call, transport.MessageEnd, nil)
			ended := m.endLocked(call, EndReasonConnectionLost)
			m.mu.Unlock()
			m.notify(msg)
			m.emitEnded(ended)
		})
		m.mu.Unlock()

	default:
		m.mu.Unlock()
	}
}

// failSetup ends a call that broke during the blocking setup phase. When
// the remote side already knows about the attempt, a best-effort end
// notification follows the local transition.
func (m *Manager) failSetup(call *activeCall, reason EndReason, cause error, notifyRemote bool) error {
	m.mu.Lock()
	if m.call != call || call.ended {
		endedReason := call.sess.EndReason
		m.mu.Unlock()
		return &CallError{Reason: endedReason, Err: cause}
	}
	var msg *transport.Message
	if notifyRemote {
		msg = m.composeLocked(call, transport.MessageEnd, nil)
	}
	ended := m.endLocked(call, reason)
	m.mu.Unlock()

	if msg != nil {
		m.notify(msg)
	}
	m.emitEnded(ended)
	m.log.WithError(cause).WithFields(logrus.Fields{
		"callId": call.sess.CallID,
		"reason": reason,
	}).Warn("call setup failed")
	return &CallError{Reason: reason, Err: cause}
}

// armRingTimerLocked starts the unanswered-call timeout.
func (m *Manager) armRingTimerLocked(call *activeCall) {
	call.ringTimer = time.AfterFunc(m.config.RingTimeout, func() {
		m.mu.Lock()
		if m.call != call || call.ended {
			m.mu.Unlock()
			return
		}
		switch call.sess.State {
		case StateCalling, StateRinging:
		default:
			m.mu.Unlock()
			return
		}
		// Only the initiator sends the courtesy end; the callee letting
		// a ring expire leaves the caller to its own timeout.
		var msg *transport.Message
		if call.sess.IsInitiator {
			msg = m.composeLocked(call, transport.MessageEnd, nil)
		}
		ended := m.endLocked(call, EndReasonTimeout)
		m.mu.Unlock()
		if msg != nil {
			m.notify(msg)
		}
		m.emitEnded(ended)
	})
}

// endLocked is the single teardown path. It transitions the session to
// ended and schedules the idle reset. The returned ended event must be
// handed to emitEnded by the caller after releasing m.mu so history is
// recorded off the lock and subscribers observe transitions in order.
// Caller holds m.mu and has checked the call is not already ended; a
// redundant call returns a zero event that emitEnded ignores.
func (m *Manager) endLocked(call *activeCall, reason EndReason) Event {
	if call.ended {
		return Event{}
	}
	call.ended = true

	m.stopTimerLocked(&call.ringTimer)
	m.stopTimerLocked(&call.graceTimer)

	now := time.Now()
	call.sess.State = StateEnded
	call.sess.EndReason = reason
	call.sess.EndedAt = &now
	if call.sess.ConnectedAt != nil {
		call.sess.DurationSeconds = int64(now.Sub(*call.sess.ConnectedAt) / time.Second)
	}

	peer := call.peer
	media := call.media
	call.peer = nil
	call.media = nil
	snapshot := call.sess

	if m.call == call {
		call.resetTimer = time.AfterFunc(m.config.UIGraceDelay, func() {
			m.mu.Lock()
			if m.call == call {
				m.call = nil
			}
			m.mu.Unlock()
		})
	}

	// Resource release and event delivery happen off the lock.
	go func() {
		if media != nil {
			media.Release()
		}
		if peer != nil {
			if err := peer.Close(); err != nil {
				m.log.WithError(err).Debug("peer close failed during teardown")
			}
		}
	}()

	m.log.WithFields(logrus.Fields{
		"callId":   snapshot.CallID,
		"reason":   reason,
		"duration": snapshot.DurationSeconds,
	}).Info("call ended")

	return Event{Key: EventEnded, Session: snapshot, Reason: reason}
}

// emitEnded records the terminal session in history and then delivers the
// ended event. It runs off the manager lock so a slow history sink cannot
// stall session operations or signaling dispatch. History lands before the
// event so subscribers reacting to ended always find the record.
func (m *Manager) emitEnded(ev Event) {
	if ev.Key == "" {
		return
	}
	if m.history != nil {
		s := ev.Session
		summary := Summary{
			CallID:          s.CallID,
			CallType:        s.CallType,
			CallerID:        s.CallerID,
			CalleeID:        s.CalleeID,
			IsInitiator:     s.IsInitiator,
			EndReason:       ev.Reason,
			Missed:          missed(&s),
			CreatedAt:       s.CreatedAt,
			EndedAt:         *s.EndedAt,
			DurationSeconds: s.DurationSeconds,
		}
		if err := m.history.Append(summary); err != nil {
			m.log.WithError(err).Warn("failed to append call history")
		}
	}
	m.events.emit(ev)
}

// missed reports whether the terminal session counts as a missed call for
// the callee.
func missed(s *CallSession) bool {
	if s.IsInitiator || s.ConnectedAt != nil {
		return false
	}
	return s.EndReason == EndReasonTimeout || s.EndReason == EndReasonCancelled
}

// cancelResetLocked aborts a pending idle reset so a new session can take
// the slot immediately.
func (m *Manager) cancelResetLocked() {
	if m.call != nil && m.call.resetTimer != nil {
		m.call.resetTimer.Stop()
	}
}

func (m *Manager) stopTimerLocked(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// composeLocked builds an outbound message for the call with the next
// per-call sequence number. Caller holds m.mu.
func (m *Manager) composeLocked(call *activeCall, typ transport.MessageType, payload json.RawMessage) *transport.Message {
	call.seq++
	return &transport.Message{
		Type:       typ,
		CallID:     call.sess.CallID,
		FromUserID: m.selfID,
		ToUserID:   call.sess.RemoteUserID(),
		CallType:   call.sess.CallType,
		Payload:    payload,
		Timestamp:  time.Now().UnixMilli(),
		Sequence:   call.seq,
	}
}

// replyBusy answers an offer that cannot ring. No session object is
// created for it.
func (m *Manager) replyBusy(offer *transport.Message) {
	m.notify(&transport.Message{
		Type:       transport.MessageBusy,
		CallID:     offer.CallID,
		FromUserID: m.selfID,
		ToUserID:   offer.FromUserID,
		CallType:   offer.CallType,
		Timestamp:  time.Now().UnixMilli(),
		Sequence:   1,
	})
}

// notify sends a message without tying the caller to the outcome. Failures
// are logged; the remote side has its own timeouts.
func (m *Manager) notify(msg *transport.Message) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.config.NotifyTimeout)
		defer cancel()
		if err := m.signaler.Send(ctx, msg); err != nil {
			m.log.WithError(err).WithFields(logrus.Fields{
				"callId": msg.CallID,
				"type":   msg.Type,
			}).Warn("best-effort notification failed")
		}
	}()
}

// sdpPayload is the payload schema of offer and answer messages.
type sdpPayload struct {
	SDP string `json:"sdp"`
}

func mustSDPPayload(sdp string) json.RawMessage {
	raw, _ := json.Marshal(sdpPayload{SDP: sdp})
	return raw
}

// constraintsFor maps the call type to media constraints.
func constraintsFor(t transport.CallType) peerconn.Constraints {
	return peerconn.Constraints{Audio: true, Video: t == transport.CallTypeVideo}
}
