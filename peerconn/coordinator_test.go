/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 MeshTalk Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package peerconn

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"
)

// offlineConfig avoids STUN so tests never touch the network.
func offlineConfig() *Config {
	return &Config{ICEServers: nil}
}

func acquireAudio(t *testing.T) *LocalMedia {
	t.Helper()
	media, err := StaticMediaProvider{}.Acquire(context.Background(), Constraints{Audio: true})
	if err != nil {
		t.Fatalf("Failed to acquire media: %v", err)
	}
	return media
}

func TestOfferAnswerHandshake(t *testing.T) {
	caller, err := NewCoordinator(offlineConfig(), acquireAudio(t), Callbacks{})
	if err != nil {
		t.Fatalf("Failed to create caller coordinator: %v", err)
	}
	defer caller.Close()

	callee, err := NewCoordinator(offlineConfig(), acquireAudio(t), Callbacks{})
	if err != nil {
		t.Fatalf("Failed to create callee coordinator: %v", err)
	}
	defer callee.Close()

	offer, err := caller.CreateOffer(context.Background())
	if err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}
	if !strings.Contains(offer, "m=audio") {
		t.Error("Expected offer to contain an audio section")
	}

	if err := callee.SetRemoteOffer(offer); err != nil {
		t.Fatalf("SetRemoteOffer failed: %v", err)
	}

	answer, err := callee.CreateAnswer(context.Background())
	if err != nil {
		t.Fatalf("CreateAnswer failed: %v", err)
	}

	if err := caller.SetRemoteAnswer(answer); err != nil {
		t.Fatalf("SetRemoteAnswer failed: %v", err)
	}
}

func TestDuplicateAnswerIgnored(t *testing.T) {
	caller, err := NewCoordinator(offlineConfig(), acquireAudio(t), Callbacks{})
	if err != nil {
		t.Fatalf("Failed to create caller coordinator: %v", err)
	}
	defer caller.Close()

	callee, err := NewCoordinator(offlineConfig(), acquireAudio(t), Callbacks{})
	if err != nil {
		t.Fatalf("Failed to create callee coordinator: %v", err)
	}
	defer callee.Close()

	offer, err := caller.CreateOffer(context.Background())
	if err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}
	if err := callee.SetRemoteOffer(offer); err != nil {
		t.Fatalf("SetRemoteOffer failed: %v", err)
	}
	answer, err := callee.CreateAnswer(context.Background())
	if err != nil {
		t.Fatalf("CreateAnswer failed: %v", err)
	}

	if err := caller.SetRemoteAnswer(answer); err != nil {
		t.Fatalf("First SetRemoteAnswer failed: %v", err)
	}
	// Redundant channels can deliver the same answer twice.
	if err := caller.SetRemoteAnswer(answer); err != nil {
		t.Errorf("Duplicate SetRemoteAnswer should be a no-op, got %v", err)
	}
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	caller, err := NewCoordinator(offlineConfig(), acquireAudio(t), Callbacks{})
	if err != nil {
		t.Fatalf("Failed to create caller coordinator: %v", err)
	}
	defer caller.Close()

	callee, err := NewCoordinator(offlineConfig(), acquireAudio(t), Callbacks{})
	if err != nil {
		t.Fatalf("Failed to create callee coordinator: %v", err)
	}
	defer callee.Close()

	candidate := func(port int) json.RawMessage {
		init := webrtc.ICECandidateInit{
			Candidate: fmt.Sprintf("candidate:1 1 udp 2113937151 10.0.0.1 %d typ host", port),
		}
		raw, _ := json.Marshal(init)
		return raw
	}

	if err := callee.AddRemoteCandidate(candidate(50001)); err != nil {
		t.Fatalf("AddRemoteCandidate should buffer, got %v", err)
	}
	if err := callee.AddRemoteCandidate(candidate(50002)); err != nil {
		t.Fatalf("AddRemoteCandidate should buffer, got %v", err)
	}
	if got := callee.PendingCandidates(); got != 2 {
		t.Errorf("Expected 2 buffered candidates, got %d", got)
	}

	offer, err := caller.CreateOffer(context.Background())
	if err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}
	if err := callee.SetRemoteOffer(offer); err != nil {
		t.Fatalf("SetRemoteOffer failed: %v", err)
	}

	if got := callee.PendingCandidates(); got != 0 {
		t.Errorf("Expected buffer flushed after remote description, got %d", got)
	}
}

func TestAddRemoteCandidateRejectsGarbage(t *testing.T) {
	c, err := NewCoordinator(offlineConfig(), acquireAudio(t), Callbacks{})
	if err != nil {
		t.Fatalf("Failed to create coordinator: %v", err)
	}
	defer c.Close()

	if err := c.AddRemoteCandidate(json.RawMessage(`{bad json`)); err == nil {
		t.Error("Expected error for malformed candidate payload")
	}
}

func TestToggleAudio(t *testing.T) {
	c, err := NewCoordinator(offlineConfig(), acquireAudio(t), Callbacks{})
	if err != nil {
		t.Fatalf("Failed to create coordinator: %v", err)
	}
	defer c.Close()

	if enabled := c.ToggleAudio(); enabled {
		t.Error("Expected first toggle to disable audio")
	}
	if enabled := c.ToggleAudio(); !enabled {
		t.Error("Expected second toggle to re-enable audio")
	}
}

func TestStaticMediaProvider(t *testing.T) {
	t.Run("audio only", func(t *testing.T) {
		media, err := StaticMediaProvider{}.Acquire(context.Background(), Constraints{Audio: true})
		if err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		if len(media.Tracks) != 1 {
			t.Errorf("Expected 1 track, got %d", len(media.Tracks))
		}
		media.Release()
	})

	t.Run("audio and video", func(t *testing.T) {
		media, err := StaticMediaProvider{}.Acquire(context.Background(), Constraints{Audio: true, Video: true})
		if err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		if len(media.Tracks) != 2 {
			t.Errorf("Expected 2 tracks, got %d", len(media.Tracks))
		}
	})

	t.Run("nothing requested", func(t *testing.T) {
		if _, err := (StaticMediaProvider{}).Acquire(context.Background(), Constraints{}); err == nil {
			t.Error("Expected error when no media is requested")
		}
	})
}

func TestReleaseIdempotent(t *testing.T) {
	released := 0
	media := NewLocalMedia(nil, func() { released++ })
	media.Release()
	media.Release()
	if released != 1 {
		t.Errorf("Expected release to run once, ran %d times", released)
	}
}
