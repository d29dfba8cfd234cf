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

// Package audio keeps a single microphone stream warm across calls.
package audio

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/softphone/pkg/errors"
	"github.com/livekit/softphone/pkg/stats"
)

type PermissionState string

const (
	PermissionGranted PermissionState = "granted"
	PermissionDenied  PermissionState = "denied"
	PermissionPrompt  PermissionState = "prompt"
)

// PermissionKey is the durable flag key for the microphone permission.
const PermissionKey = "mic_permission"

type Track interface {
	ID() string
	Enabled() bool
	SetEnabled(enabled bool)
	// Live is false once the platform ended the track, e.g. after the
	// permission was revoked.
	Live() bool
}

type Stream interface {
	ID() string
	Tracks() []Track
}

// Platform is the host media layer.
type Platform interface {
	SecureContext() bool
	SupportsWebRTC() bool
	// GetUserMedia requests an audio-only stream. It may block until the user
	// answers a consent prompt.
	GetUserMedia(ctx context.Context) (Stream, error)
	// QueryPermission returns false when the host has no usable permission API.
	QueryPermission(ctx context.Context) (PermissionState, bool)
}

// FlagStore is durable key/value storage.
type FlagStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Manager owns the persistent stream. It never stops the stream; callers
// only toggle track enabled state.
type Manager struct {
	log      logger.Logger
	platform Platform
	flags    FlagStore
	mon      *stats.Monitor

	sf singleflight.Group

	mu     sync.Mutex
	stream Stream
}

func NewManager(log logger.Logger, platform Platform, flags FlagStore, mon *stats.Monitor) *Manager {
	if log == nil {
		log = logger.GetLogger()
	}
	if flags == nil {
		flags = NewMemoryFlags()
	}
	return &Manager{
		log:      log.WithValues("component", "audio"),
		platform: platform,
		flags:    flags,
		mon:      mon,
	}
}

func (m *Manager) SecureContext() bool {
	return m.platform.SecureContext()
}

func (m *Manager) SupportsWebRTC() bool {
	return m.platform.SupportsWebRTC()
}

func isLive(s Stream) bool {
	tracks := s.Tracks()
	if len(tracks) == 0 {
		return false
	}
	for _, t := range tracks {
		if !t.Live() {
			return false
		}
	}
	return true
}

func (m *Manager) cached() Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream != nil && isLive(m.stream) {
		return m.stream
	}
	return nil
}

// Acquire returns the persistent stream, prompting only when no live stream is
// cached. Concurrent callers share one prompt. New streams start disabled.
// A stored denial fails without prompting until Reprompt is called.
func (m *Manager) Acquire(ctx context.Context) (Stream, error) {
	if s := m.cached(); s != nil {
		m.mon.MicAcquire("cached")
		return s, nil
	}
	ch := m.sf.DoChan("microphone", func() (any, error) {
		return m.acquire(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(Stream), nil
	}
}

func (m *Manager) acquire(ctx context.Context) (Stream, error) {
	if s := m.cached(); s != nil {
		return s, nil
	}
	v, ok, err := m.flags.Get(ctx, PermissionKey)
	if err != nil {
		m.log.Warnw("cannot read microphone permission", err)
	} else if ok && PermissionState(v) == PermissionDenied {
		m.mon.MicAcquire("denied")
		m.log.Debugw("microphone denied earlier, not prompting")
		return nil, errors.PermissionDenied(ErrDeniedEarlier)
	}
	s, err := m.platform.GetUserMedia(ctx)
	if err != nil {
		m.mon.MicAcquire("denied")
		if ferr := m.flags.Set(ctx, PermissionKey, string(PermissionDenied)); ferr != nil {
			m.log.Warnw("cannot store microphone permission", ferr)
		}
		m.log.Infow("microphone access denied", "error", err)
		return nil, errors.PermissionDenied(err)
	}
	for _, t := range s.Tracks() {
		t.SetEnabled(false)
	}
	if err := m.flags.Set(ctx, PermissionKey, string(PermissionGranted)); err != nil {
		m.log.Warnw("cannot store microphone permission", err)
	}
	m.mon.MicAcquire("granted")

	m.mu.Lock()
	m.stream = s
	m.mu.Unlock()
	m.log.Infow("microphone stream acquired", "streamID", s.ID())
	return s, nil
}

// Reprompt forgets a stored denial so the next Acquire asks the user again.
func (m *Manager) Reprompt(ctx context.Context) error {
	v, ok, err := m.flags.Get(ctx, PermissionKey)
	if err != nil {
		return err
	}
	if !ok || PermissionState(v) != PermissionDenied {
		return nil
	}
	m.log.Infow("microphone prompt requested")
	return m.flags.Set(ctx, PermissionKey, string(PermissionPrompt))
}

// PermissionState prefers the durable flag, then the platform query.
func (m *Manager) PermissionState(ctx context.Context) PermissionState {
	if v, ok, err := m.flags.Get(ctx, PermissionKey); err == nil && ok {
		switch st := PermissionState(v); st {
		case PermissionGranted, PermissionDenied:
			return st
		}
	} else if err != nil {
		m.log.Warnw("cannot read microphone permission", err)
	}
	if st, ok := m.platform.QueryPermission(ctx); ok {
		return st
	}
	return PermissionPrompt
}

// SetEnabled toggles the tracks of the cached stream.
func (m *Manager) SetEnabled(enabled bool) {
	m.mu.Lock()
	s := m.stream
	m.mu.Unlock()
	if s == nil {
		return
	}
	for _, t := range s.Tracks() {
		t.SetEnabled(enabled)
	}
}

// Enabled reports whether any track of the cached stream is enabled.
func (m *Manager) Enabled() bool {
	m.mu.Lock()
	s := m.stream
	m.mu.Unlock()
	if s == nil {
		return false
	}
	for _, t := range s.Tracks() {
		if t.Enabled() {
			return true
		}
	}
	return false
}

// MemoryFlags is a FlagStore that does not survive restarts.
type MemoryFlags struct {
	mu sync.Mutex
	m  map[string]string
}

func NewMemoryFlags() *MemoryFlags {
	return &MemoryFlags{m: make(map[string]string)}
}

func (f *MemoryFlags) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.m[key]
	return v, ok, nil
}

func (f *MemoryFlags) Set(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[key] = value
	return nil
}
