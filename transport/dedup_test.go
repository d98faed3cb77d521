/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 MeshTalk Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package transport

import (
	"testing"
	"time"
)

func TestDedupObserve(t *testing.T) {
	cache := newDedupCache(time.Minute)
	key := Key{CallID: "a_b_1", Type: MessageOffer, Sequence: 1}

	if cache.Observe(key) {
		t.Error("First observation should not be a duplicate")
	}
	if !cache.Observe(key) {
		t.Error("Second observation should be a duplicate")
	}

	other := Key{CallID: "a_b_1", Type: MessageOffer, Sequence: 2}
	if cache.Observe(other) {
		t.Error("Different sequence should not be a duplicate")
	}
}

func TestDedupExpiry(t *testing.T) {
	now := time.Now()
	cache := newDedupCache(time.Minute)
	cache.now = func() time.Time { return now }

	key := Key{CallID: "a_b_1", Type: MessageEnd, Sequence: 5}
	if cache.Observe(key) {
		t.Error("First observation should not be a duplicate")
	}

	now = now.Add(2 * time.Minute)
	if cache.Observe(key) {
		t.Error("Observation after TTL should not be a duplicate")
	}
	if cache.Len() != 1 {
		t.Errorf("Expected expired entries swept, got %d entries", cache.Len())
	}
}

func TestMessageValidate(t *testing.T) {
	valid := &Message{
		Type:       MessageOffer,
		CallID:     "alice_bob_1700000000000",
		FromUserID: "alice",
		ToUserID:   "bob",
		Sequence:   1,
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("Expected valid message, got %v", err)
	}

	cases := []struct {
		name string
		msg  Message
	}{
		{"missing type", Message{CallID: "c", FromUserID: "a", ToUserID: "b"}},
		{"missing callId", Message{Type: MessageOffer, FromUserID: "a", ToUserID: "b"}},
		{"missing sender", Message{Type: MessageOffer, CallID: "c", ToUserID: "b"}},
		{"missing recipient", Message{Type: MessageOffer, CallID: "c", FromUserID: "a"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.msg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}
