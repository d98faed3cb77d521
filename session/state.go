/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 MeshTalk Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package session implements the call session state machine: call
// initiation, incoming-call handling, glare resolution, timeouts, and
// teardown. The Manager is the only component that mutates call state.
package session

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/meshtalk/callkit-go/transport"
)

// CallState is the lifecycle state of a call session.
type CallState string

const (
	StateIdle       CallState = "idle"
	StateCalling    CallState = "calling"
	StateRinging    CallState = "ringing"
	StateConnecting CallState = "connecting"
	StateConnected  CallState = "connected"
	StateEnded      CallState = "ended"
)

// active reports whether the state counts against the single-active-call
// invariant.
func (s CallState) active() bool {
	switch s {
	case StateCalling, StateRinging, StateConnecting, StateConnected:
		return true
	default:
		return false
	}
}

// EndReason records why a session reached StateEnded.
type EndReason string

const (
	// EndReasonCompleted is a normal hang-up after the call connected.
	EndReasonCompleted EndReason = "completed"

	// EndReasonRejected means the callee explicitly declined.
	EndReasonRejected EndReason = "rejected"

	// EndReasonBusy means the remote user already had an active call.
	EndReasonBusy EndReason = "busy"

	// EndReasonTimeout means nobody answered within the ring window.
	EndReasonTimeout EndReason = "timeout"

	// EndReasonOffline means the callee was unreachable per presence.
	EndReasonOffline EndReason = "offline"

	// EndReasonMediaDenied means local media capture permission was refused.
	EndReasonMediaDenied EndReason = "media-denied"

	// EndReasonTransportFailed means every signaling channel was exhausted.
	EndReasonTransportFailed EndReason = "transport-failed"

	// EndReasonConnectionLost means the peer connection failed after the
	// call had been established.
	EndReasonConnectionLost EndReason = "connection-lost"

	// EndReasonCancelled means the call was torn down before it connected
	// without an explicit rejection.
	EndReasonCancelled EndReason = "cancelled"
)

// CallSession is the state of one call as seen by the local peer. Values
// handed to subscribers are copies; only the Manager mutates the original.
type CallSession struct {
	CallID      string             `json:"callId"`
	CallType    transport.CallType `json:"callType"`
	CallerID    string             `json:"callerId"`
	CalleeID    string             `json:"calleeId"`
	IsInitiator bool               `json:"isInitiator"`
	State       CallState          `json:"status"`
	EndReason   EndReason          `json:"endReason,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	ConnectedAt *time.Time `json:"connectedAt,omitempty"`
	EndedAt     *time.Time `json:"endedAt,omitempty"`

	DurationSeconds int64 `json:"durationSeconds"`
}

// RemoteUserID returns the other party of the session.
func (s *CallSession) RemoteUserID() string {
	if s.IsInitiator {
		return s.CalleeID
	}
	return s.CallerID
}

// Summary is the record appended to the call history sink when a session
// reaches a terminal state.
type Summary struct {
	CallID          string             `json:"callId"`
	CallType        transport.CallType `json:"callType"`
	CallerID        string             `json:"callerId"`
	CalleeID        string             `json:"calleeId"`
	IsInitiator     bool               `json:"isInitiator"`
	EndReason       EndReason          `json:"endReason"`
	Missed          bool               `json:"missed"`
	CreatedAt       time.Time          `json:"createdAt"`
	EndedAt         time.Time          `json:"endedAt"`
	DurationSeconds int64              `json:"durationSeconds"`
}

// HistorySink is the external append-only record of completed and missed
// calls.
type HistorySink interface {
	Append(summary Summary) error
}

// newCallID builds the initiator-generated call identity:
// {initiatorId}_{calleeId}_{unixMillis}.
func newCallID(initiatorID, calleeID string, at time.Time) string {
	return fmt.Sprintf("%s_%s_%d", initiatorID, calleeID, at.UnixMilli())
}

// callIDTimestamp extracts the initiator timestamp from a call ID. Returns
// false when the ID does not follow the generated format.
func callIDTimestamp(callID string) (int64, bool) {
	idx := strings.LastIndex(callID, "_")
	if idx < 0 || idx == len(callID)-1 {
		return 0, false
	}
	ts, err := strconv.ParseInt(callID[idx+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return ts, true
}

// outboundWinsGlare decides glare deterministically from the two call IDs:
// the attempt created earlier wins; identical timestamps fall back to the
// lexicographically smaller ID. Both peers evaluate the same pair, so they
// always agree on the winner.
func outboundWinsGlare(outboundCallID, inboundCallID string) bool {
	outTS, okOut := callIDTimestamp(outboundCallID)
	inTS, okIn := callIDTimestamp(inboundCallID)
	if okOut && okIn && outTS != inTS {
		return outTS < inTS
	}
	return outboundCallID < inboundCallID
}
