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

package incoming

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/softphone/pkg/call"
	"github.com/livekit/softphone/pkg/errors"
	"github.com/livekit/softphone/pkg/push"
	"github.com/livekit/softphone/pkg/sip"
)

type ringingAPI struct {
	mu       sync.Mutex
	answered []string
	rejected []string
	err      error
	block    chan struct{}
}

func (a *ringingAPI) AnswerRinging(ctx context.Context, id string) error {
	if a.block != nil {
		<-a.block
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.answered = append(a.answered, id)
	return nil
}

func (a *ringingAPI) RejectRinging(ctx context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.rejected = append(a.rejected, id)
	return nil
}

// inviteSession is a direct INVITE as seen by the handler.
type inviteSession struct {
	sip.Session
	user, name string
	headers    map[string]string

	accepted int
	rejected []int
}

func (s *inviteSession) Remote() (string, string)  { return s.user, s.name }
func (s *inviteSession) Header(name string) string { return s.headers[name] }

func (s *inviteSession) Accept(ctx context.Context) error {
	s.accepted++
	return nil
}

func (s *inviteSession) Reject(ctx context.Context, status int) error {
	s.rejected = append(s.rejected, status)
	return nil
}

func newTestHandler(api RingingAPI) *Handler {
	return NewHandler(logger.GetLogger(), api, 0)
}

func announce(h *Handler, id, number string) call.Call {
	return h.Announce(push.IncomingCall{CallID: id, CallerNumber: number, CallerName: "Alice", LineName: "Sales"})
}

func TestAnnounce(t *testing.T) {
	h := newTestHandler(&ringingAPI{})
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	c := h.Announce(push.IncomingCall{
		CallID:       "c1",
		CallerNumber: "0690000000",
		CallerName:   "Alice",
		LineName:     "Sales",
		StartTime:    push.Timestamp{Time: start},
	})
	require.Equal(t, call.Call{
		ID:          "c1",
		Direction:   call.Incoming,
		Counterpart: "0690000000",
		CallerName:  "Alice",
		LineName:    "Sales",
		Origin:      call.OriginAMI,
		StartTime:   start,
	}, c)
	require.True(t, h.Pending("c1"))

	again := announce(h, "c1", "0611111111")
	require.Equal(t, c, again)

	c2 := announce(h, "c2", "123456")
	require.False(t, c2.StartTime.IsZero())
}

func TestAnswerAMIPostsOnce(t *testing.T) {
	api := &ringingAPI{}
	h := newTestHandler(api)
	c := announce(h, "c1", "0690000000")

	require.NoError(t, h.Answer(t.Context(), c, nil))
	require.NoError(t, h.Answer(t.Context(), c, nil))
	require.Equal(t, []string{"c1"}, api.answered)
	require.Empty(t, api.rejected)
}

func TestAnswerAMIConcurrent(t *testing.T) {
	api := &ringingAPI{block: make(chan struct{})}
	h := newTestHandler(api)
	c := announce(h, "c1", "0690000000")

	errc := make(chan error, 1)
	go func() { errc <- h.Answer(context.Background(), c, nil) }()
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		_, ok := h.inflight["c1"]
		return ok
	}, time.Second, time.Millisecond)

	err := h.Answer(t.Context(), c, nil)
	require.Equal(t, errors.KindStateConflict, errors.KindOf(err))

	close(api.block)
	require.NoError(t, <-errc)
	require.Equal(t, []string{"c1"}, api.answered)
}

func TestAnswerAMIFailure(t *testing.T) {
	api := &ringingAPI{err: errors.Network(fmt.Errorf("503"), "answer ringing call")}
	h := newTestHandler(api)
	c := announce(h, "c1", "0690000000")

	err := h.Answer(t.Context(), c, nil)
	require.Equal(t, errors.KindNetwork, errors.KindOf(err))

	api.err = nil
	require.NoError(t, h.Answer(t.Context(), c, nil), "claim can be retried after a failure")
	require.Equal(t, []string{"c1"}, api.answered)
}

func TestAnswerUnknownAMI(t *testing.T) {
	h := newTestHandler(&ringingAPI{})
	err := h.Answer(t.Context(), call.Call{ID: "gone", Origin: call.OriginAMI}, nil)
	require.Equal(t, errors.KindStateConflict, errors.KindOf(err))
}

func TestRejectAMI(t *testing.T) {
	api := &ringingAPI{}
	h := newTestHandler(api)
	c := announce(h, "c1", "0690000000")

	require.NoError(t, h.Reject(t.Context(), c, nil))
	require.Equal(t, []string{"c1"}, api.rejected)
	require.False(t, h.Pending("c1"))

	err := h.Reject(t.Context(), c, nil)
	require.Equal(t, errors.KindStateConflict, errors.KindOf(err))
	require.Len(t, api.rejected, 1)
}

func TestSIPOriginUsesSession(t *testing.T) {
	api := &ringingAPI{}
	h := newTestHandler(api)
	s := &inviteSession{user: "1002", name: "Bob"}

	c := h.FromSession(s)
	require.Equal(t, call.OriginSIP, c.Origin)
	require.Equal(t, call.Incoming, c.Direction)
	require.Equal(t, "1002", c.Counterpart)
	require.Equal(t, "Bob", c.CallerName)
	require.NotEmpty(t, c.ID)

	require.NoError(t, h.Answer(t.Context(), c, s))
	require.Equal(t, 1, s.accepted)
	require.NoError(t, h.Reject(t.Context(), c, s))
	require.Equal(t, []int{0}, s.rejected)
	require.Empty(t, api.answered)
	require.Empty(t, api.rejected)

	err := h.Answer(t.Context(), c, nil)
	require.Equal(t, errors.KindStateConflict, errors.KindOf(err))
}

func TestCorrelateByHeader(t *testing.T) {
	h := newTestHandler(&ringingAPI{})
	c := announce(h, "c1", "0690000000")
	announce(h, "c2", "0611111111")

	s := &inviteSession{user: "anonymous", headers: map[string]string{HeaderCallID: "c1"}}
	m, ok := h.Correlate(s)
	require.True(t, ok)
	require.Equal(t, c, m.Call)
	require.False(t, m.Claimed)
	require.False(t, h.Pending("c1"))
	require.True(t, h.Pending("c2"))

	_, ok = h.Correlate(s)
	require.False(t, ok, "an announcement is consumed once")
}

func TestCorrelateByNumber(t *testing.T) {
	api := &ringingAPI{}
	h := newTestHandler(api)
	c := announce(h, "c1", "06 90 00 00 00")
	require.NoError(t, h.Answer(t.Context(), c, nil))

	m, ok := h.Correlate(&inviteSession{user: "+33690000000"})
	require.True(t, ok)
	require.Equal(t, "c1", m.Call.ID)
	require.True(t, m.Claimed)

	announce(h, "c2", "0690000000")
	_, ok = h.Correlate(&inviteSession{user: "0612345678"})
	require.False(t, ok)
	_, ok = h.Correlate(&inviteSession{user: "1002"})
	require.False(t, ok)
}

func TestCorrelatePrefersClaimed(t *testing.T) {
	h := newTestHandler(&ringingAPI{})
	first := announce(h, "c1", "0690000000")
	require.NoError(t, h.Answer(t.Context(), first, nil))
	announce(h, "c2", "0690000000")

	m, ok := h.Correlate(&inviteSession{user: "0690000000"})
	require.True(t, ok)
	require.Equal(t, "c1", m.Call.ID)
	require.True(t, h.Pending("c2"))
}

func TestCorrelateWindow(t *testing.T) {
	h := NewHandler(logger.GetLogger(), &ringingAPI{}, 50*time.Millisecond)
	announce(h, "c1", "0690000000")
	require.Eventually(t, func() bool { return !h.Pending("c1") }, 2*time.Second, 10*time.Millisecond)

	_, ok := h.Correlate(&inviteSession{user: "0690000000"})
	require.False(t, ok)
}

func TestRejectAfterWindow(t *testing.T) {
	api := &ringingAPI{}
	h := NewHandler(logger.GetLogger(), api, 50*time.Millisecond)
	c := announce(h, "c1", "0690000000")
	require.Eventually(t, func() bool { return !h.Pending("c1") }, 2*time.Second, 10*time.Millisecond)

	// The call keeps ringing on the PBX after the correlation window.
	require.NoError(t, h.Reject(t.Context(), c, nil))
	require.Equal(t, []string{"c1"}, api.rejected)

	err := h.Reject(t.Context(), c, nil)
	require.Equal(t, errors.KindStateConflict, errors.KindOf(err))
	require.Len(t, api.rejected, 1)
}

func TestAnswerAfterWindow(t *testing.T) {
	api := &ringingAPI{}
	h := NewHandler(logger.GetLogger(), api, 50*time.Millisecond)
	c := announce(h, "c1", "0690000000")
	require.Eventually(t, func() bool { return !h.Pending("c1") }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.Answer(t.Context(), c, nil))
	require.Equal(t, []string{"c1"}, api.answered)

	// The claim opens a new window for the redirected INVITE.
	m, ok := h.Correlate(&inviteSession{user: "0690000000"})
	require.True(t, ok)
	require.Equal(t, "c1", m.Call.ID)
	require.True(t, m.Claimed)
}

func TestInviteDuringClaim(t *testing.T) {
	api := &ringingAPI{block: make(chan struct{})}
	h := newTestHandler(api)
	c := announce(h, "c1", "0690000000")

	errc := make(chan error, 1)
	go func() { errc <- h.Answer(context.Background(), c, nil) }()
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		_, ok := h.inflight["c1"]
		return ok
	}, time.Second, time.Millisecond)

	// The redirect arrives before the claim reply.
	m, ok := h.Correlate(&inviteSession{user: "0690000000"})
	require.True(t, ok)
	require.Equal(t, "c1", m.Call.ID)

	close(api.block)
	require.NoError(t, <-errc)
	require.Equal(t, []string{"c1"}, api.answered)
	require.False(t, h.Pending("c1"))
	_, ok = h.Correlate(&inviteSession{user: "0690000000"})
	require.False(t, ok, "a correlated call is not announced again")
}

func TestEnded(t *testing.T) {
	h := newTestHandler(&ringingAPI{})
	c := announce(h, "c1", "0690000000")

	got, ok := h.Ended("c1")
	require.True(t, ok)
	require.Equal(t, c, got)
	_, ok = h.Ended("c1")
	require.False(t, ok)
}

func TestSameNumber(t *testing.T) {
	for _, c := range []struct {
		a, b string
		want bool
	}{
		{"0690000000", "0690000000", true},
		{"0690000000", "33690000000", true},
		{"0033690000000", "0690000000", true},
		{"0690000000", "0690000001", false},
		{"1002", "1002", true},
		{"1002", "31002", false},
		{"", "", false},
	} {
		require.Equal(t, c.want, SameNumber(c.a, c.b), "%q vs %q", c.a, c.b)
	}
	require.Equal(t, "33690000000", NormalizeNumber("+33 (690) 00-00-00"))
}
