// Copyright 2024 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package audio

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

var (
	ErrConsentDenied = errors.New("user denied microphone access")
	// ErrDeniedEarlier is returned without prompting while a denial is stored.
	ErrDeniedEarlier = errors.New("microphone access was denied earlier")
)

// WebRTCPlatform produces local PCMU tracks. Consent stands in for the user
// prompt; a nil Consent grants access.
type WebRTCPlatform struct {
	Secure  bool
	Consent func(ctx context.Context) error
}

func (p *WebRTCPlatform) SecureContext() bool {
	return p.Secure
}

func (p *WebRTCPlatform) SupportsWebRTC() bool {
	return true
}

func (p *WebRTCPlatform) QueryPermission(ctx context.Context) (PermissionState, bool) {
	return "", false
}

func (p *WebRTCPlatform) GetUserMedia(ctx context.Context) (Stream, error) {
	if p.Consent != nil {
		if err := p.Consent(ctx); err != nil {
			return nil, err
		}
	}
	id := uuid.NewString()
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: 8000},
		"microphone",
		"softphone-"+id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audio track: %w", err)
	}
	t := &LocalTrack{track: track}
	t.enabled.Store(true)
	return &localStream{id: id, tracks: []Track{t}}, nil
}

type localStream struct {
	id     string
	tracks []Track
}

func (s *localStream) ID() string {
	return s.id
}

func (s *localStream) Tracks() []Track {
	return s.tracks
}

// LocalTrack gates RTP writes on its enabled state.
type LocalTrack struct {
	track   *webrtc.TrackLocalStaticRTP
	enabled atomic.Bool
	ended   atomic.Bool
}

func (t *LocalTrack) ID() string {
	return t.track.ID()
}

func (t *LocalTrack) Enabled() bool {
	return t.enabled.Load()
}

func (t *LocalTrack) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

func (t *LocalTrack) Live() bool {
	return !t.ended.Load()
}

// End marks the track as ended by the platform.
func (t *LocalTrack) End() {
	t.ended.Store(true)
}

// Local returns the underlying track for binding to a peer connection.
func (t *LocalTrack) Local() *webrtc.TrackLocalStaticRTP {
	return t.track
}

// WriteRTP forwards p while the track is enabled and live; otherwise it drops it.
func (t *LocalTrack) WriteRTP(p *rtp.Packet) error {
	if !t.Enabled() || !t.Live() {
		return nil
	}
	return t.track.WriteRTP(p)
}
