/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 MeshTalk Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package transport provides the signaling transport layer: a uniform
// send/receive abstraction over three interchangeable channels (persistent
// websocket, server-sent event stream, HTTP poll) with at-least-once
// delivery, duplicate suppression, and automatic channel failover.
package transport

import (
	"encoding/json"
	"fmt"
)

// MessageType identifies the kind of signaling message.
type MessageType string

const (
	MessageOffer        MessageType = "offer"
	MessageAnswer       MessageType = "answer"
	MessageICECandidate MessageType = "ice-candidate"
	MessageReject       MessageType = "reject"
	MessageEnd          MessageType = "end"
	MessageBusy         MessageType = "busy"
	MessageUserOffline  MessageType = "user-offline"
)

// CallType distinguishes audio-only from video calls.
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// Message is the wire-level signaling message. The schema is JSON and
// transport-agnostic: the same message may arrive over any channel, possibly
// more than once, so (CallID, Type, Sequence) is its identity for
// deduplication.
type Message struct {
	Type       MessageType     `json:"type"`
	CallID     string          `json:"callId"`
	FromUserID string          `json:"fromUserId"`
	ToUserID   string          `json:"toUserId"`
	CallType   CallType        `json:"callType,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  int64           `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// Key is the dedup identity of a message.
type Key struct {
	CallID   string
	Type     MessageType
	Sequence int64
}

// Key returns the dedup identity of the message.
func (m *Message) Key() Key {
	return Key{CallID: m.CallID, Type: m.Type, Sequence: m.Sequence}
}

// Validate checks that the message carries the fields every signaling
// message must have.
func (m *Message) Validate() error {
	if m.Type == "" {
		return fmt.Errorf("signaling message has no type")
	}
	if m.CallID == "" {
		return fmt.Errorf("signaling message %q has no callId", m.Type)
	}
	if m.FromUserID == "" || m.ToUserID == "" {
		return fmt.Errorf("signaling message %q for call %s has no sender/recipient", m.Type, m.CallID)
	}
	return nil
}

// PresenceEvent is a presence transition pushed by the backend over the same
// channels that carry signaling.
type PresenceEvent struct {
	UserID    string `json:"userId"`
	Online    bool   `json:"online"`
	Address   string `json:"transportAddress,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Envelope event kinds.
const (
	EnvelopeSignal   = "signal"
	EnvelopePresence = "presence"
)

// Envelope wraps everything a channel can deliver.
type Envelope struct {
	Event    string         `json:"event"`
	Signal   *Message       `json:"signal,omitempty"`
	Presence *PresenceEvent `json:"presence,omitempty"`
}
