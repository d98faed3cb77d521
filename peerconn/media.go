/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 MeshTalk Contributors
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package peerconn

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// ErrPermissionDenied indicates the user (or platform) refused media
// capture. It is fatal to call setup and deliberately distinct from network
// failures so callers can report a different end reason.
var ErrPermissionDenied = errors.New("peerconn: media permission denied")

// Constraints describes which kinds of media to acquire.
type Constraints struct {
	Audio bool
	Video bool
}

// LocalMedia is the handle returned by a MediaProvider: the local tracks to
// attach to a peer connection and a release function that stops capture.
type LocalMedia struct {
	Tracks []webrtc.TrackLocal

	releaseOnce sync.Once
	release     func()
}

// NewLocalMedia builds a LocalMedia handle. release may be nil.
func NewLocalMedia(tracks []webrtc.TrackLocal, release func()) *LocalMedia {
	return &LocalMedia{Tracks: tracks, release: release}
}

// Release stops capture and frees the tracks. Safe to call more than once.
func (m *LocalMedia) Release() {
	m.releaseOnce.Do(func() {
		if m.release != nil {
			m.release()
		}
	})
}

// MediaProvider acquires local capture devices. The real implementation is
// an external collaborator (platform capture APIs); StaticMediaProvider is
// the built-in headless fallback.
type MediaProvider interface {
	Acquire(ctx context.Context, constraints Constraints) (*LocalMedia, error)
}

// StaticMediaProvider synthesizes sample-fed local tracks without touching
// any capture device. Useful for headless operation and tests; the tracks
// negotiate normally but carry no frames until the caller writes samples.
type StaticMediaProvider struct{}

// Acquire implements MediaProvider.
func (StaticMediaProvider) Acquire(ctx context.Context, constraints Constraints) (*LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !constraints.Audio && !constraints.Video {
		return nil, fmt.Errorf("no media requested")
	}

	streamID := fmt.Sprintf("callkit-%s", uuid.New().String())
	var tracks []webrtc.TrackLocal

	if constraints.Audio {
		audio, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", streamID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create audio track: %w", err)
		}
		tracks = append(tracks, audio)
	}

	if constraints.Video {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", streamID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create video track: %w", err)
		}
		tracks = append(tracks, video)
	}

	return NewLocalMedia(tracks, nil), nil
}
