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

// Package incoming normalizes calls announced over SIP and over the PBX
// management push into one call shape.
package incoming

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/softphone/pkg/call"
	"github.com/livekit/softphone/pkg/errors"
	"github.com/livekit/softphone/pkg/push"
	"github.com/livekit/softphone/pkg/sip"
)

const (
	// HeaderCallID carries the backend call id on redirected INVITEs, when the
	// PBX dialplan sets it.
	HeaderCallID = "X-Call-Id"

	DefaultWindow = 30 * time.Second

	// minNumberDigits is the shortest caller number matched by suffix.
	minNumberDigits = 6
	maxAnnounced    = 64
)

// RingingAPI claims or declines calls ringing on the PBX.
type RingingAPI interface {
	AnswerRinging(ctx context.Context, callID string) error
	RejectRinging(ctx context.Context, callID string) error
}

type announcement struct {
	call    call.Call
	number  string
	claimed bool
}

// Match is an announced call a SIP INVITE was correlated to.
type Match struct {
	Call call.Call
	// Claimed is set when the call was answered through the backend and the
	// INVITE is the resulting redirect.
	Claimed bool
}

type Handler struct {
	log logger.Logger
	api RingingAPI
	now func() time.Time

	mu sync.Mutex
	// calls holds announced calls until they end, are rejected or are
	// correlated to an INVITE.
	calls map[string]*announcement
	// announced holds the calls an INVITE may still be correlated to.
	announced *expirable.LRU[string, *announcement]
	// inflight holds ids with a backend request in progress.
	inflight map[string]struct{}
}

func NewHandler(log logger.Logger, api RingingAPI, window time.Duration) *Handler {
	if log == nil {
		log = logger.GetLogger()
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Handler{
		log:       log.WithValues("component", "incoming"),
		api:       api,
		now:       time.Now,
		calls:     make(map[string]*announcement),
		announced: expirable.NewLRU[string, *announcement](maxAnnounced, nil, window),
		inflight:  make(map[string]struct{}),
	}
}

// FromSession builds the incoming call for a direct INVITE.
func (h *Handler) FromSession(s sip.Session) call.Call {
	user, name := s.Remote()
	return call.Call{
		ID:          call.NewID(),
		Direction:   call.Incoming,
		Counterpart: user,
		CallerName:  name,
		Origin:      call.OriginSIP,
		StartTime:   h.now(),
	}
}

// Announce records a push announcement and returns its call. Repeated
// announcements of the same id return the first call.
func (h *Handler) Announce(ev push.IncomingCall) call.Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	if a, ok := h.calls[ev.CallID]; ok {
		return a.call
	}
	start := ev.StartTime.Time
	if start.IsZero() {
		start = h.now()
	}
	c := call.Call{
		ID:          ev.CallID,
		Direction:   call.Incoming,
		Counterpart: ev.CallerNumber,
		CallerName:  ev.CallerName,
		LineName:    ev.LineName,
		Origin:      call.OriginAMI,
		StartTime:   start,
	}
	a := &announcement{call: c, number: NormalizeNumber(ev.CallerNumber)}
	h.calls[ev.CallID] = a
	h.announced.Add(ev.CallID, a)
	h.log.Infow("call announced", "callID", ev.CallID, "caller", ev.CallerNumber, "line", ev.LineName)
	return c
}

func (h *Handler) begin(id string) (*announcement, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	a, ok := h.calls[id]
	if !ok {
		return nil, errors.StateConflict("call %s is no longer ringing", id)
	}
	if _, busy := h.inflight[id]; busy {
		return nil, errors.StateConflict("call %s has a request in progress", id)
	}
	h.inflight[id] = struct{}{}
	return a, nil
}

func (h *Handler) end(id string) {
	h.mu.Lock()
	delete(h.inflight, id)
	h.mu.Unlock()
}

// Answer answers c. Direct calls are accepted on s. Announced calls are
// claimed through the backend exactly once; the redirected INVITE follows.
func (h *Handler) Answer(ctx context.Context, c call.Call, s sip.Session) error {
	if c.Origin != call.OriginAMI {
		if s == nil {
			return errors.StateConflict("call %s has no session", c.ID)
		}
		return s.Accept(ctx)
	}
	a, err := h.begin(c.ID)
	if err != nil {
		return err
	}
	defer h.end(c.ID)
	if a.claimed {
		return nil
	}
	if err = h.api.AnswerRinging(ctx, c.ID); err != nil {
		h.log.Warnw("cannot claim ringing call", err, "callID", c.ID)
		return err
	}
	h.mu.Lock()
	a.claimed = true
	// The redirect window starts now, unless the INVITE was already
	// correlated while the claim was in flight.
	if h.calls[c.ID] == a {
		h.announced.Add(c.ID, a)
	}
	h.mu.Unlock()
	h.log.Infow("ringing call claimed", "callID", c.ID)
	return nil
}

// Reject declines c. Announced calls are declined through the backend only.
func (h *Handler) Reject(ctx context.Context, c call.Call, s sip.Session) error {
	if c.Origin != call.OriginAMI {
		if s == nil {
			return errors.StateConflict("call %s has no session", c.ID)
		}
		return s.Reject(ctx, 0)
	}
	if _, err := h.begin(c.ID); err != nil {
		return err
	}
	defer h.end(c.ID)
	if err := h.api.RejectRinging(ctx, c.ID); err != nil {
		h.log.Warnw("cannot reject ringing call", err, "callID", c.ID)
		return err
	}
	h.mu.Lock()
	h.forget(c.ID)
	h.mu.Unlock()
	return nil
}

// Correlate matches an INVITE to an announced call, by backend call id header
// first and by caller number otherwise. A matched announcement is consumed.
func (h *Handler) Correlate(s sip.Session) (Match, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if id := strings.TrimSpace(s.Header(HeaderCallID)); id != "" {
		if a, ok := h.announced.Peek(id); ok {
			return h.consume(id, a, "header"), true
		}
	}

	user, _ := s.Remote()
	num := NormalizeNumber(user)
	if num == "" {
		return Match{}, false
	}
	var (
		bestID string
		best   *announcement
	)
	// Keys are oldest first; prefer the newest match, and claimed calls over
	// calls still ringing.
	for _, id := range h.announced.Keys() {
		a, ok := h.announced.Peek(id)
		if !ok || !SameNumber(a.number, num) {
			continue
		}
		if best == nil || a.claimed || !best.claimed {
			bestID, best = id, a
		}
	}
	if best == nil {
		return Match{}, false
	}
	return h.consume(bestID, best, "number"), true
}

func (h *Handler) consume(id string, a *announcement, by string) Match {
	h.forget(id)
	h.log.Infow("invite correlated to announced call", "callID", id, "by", by, "claimed", a.claimed)
	return Match{Call: a.call, Claimed: a.claimed}
}

// Ended forgets an announcement. It reports whether the call was known.
func (h *Handler) Ended(id string) (call.Call, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	a, ok := h.calls[id]
	if !ok {
		return call.Call{}, false
	}
	h.forget(id)
	return a.call, true
}

func (h *Handler) forget(id string) {
	delete(h.calls, id)
	h.announced.Remove(id)
}

// Pending reports whether an INVITE may still be correlated to id.
func (h *Handler) Pending(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.announced.Contains(id)
}

// NormalizeNumber keeps digits only.
func NormalizeNumber(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SameNumber compares normalized numbers, tolerating national and
// international prefixes by matching on the shorter suffix.
func SameNumber(a, b string) bool {
	a, b = strings.TrimLeft(a, "0"), strings.TrimLeft(b, "0")
	if len(a) < minNumberDigits || len(b) < minNumberDigits {
		return a != "" && a == b
	}
	if len(a) > len(b) {
		a, b = b, a
	}
	return strings.HasSuffix(b, a)
}
