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

package phone

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/softphone/pkg/audio"
	"github.com/livekit/softphone/pkg/call"
	"github.com/livekit/softphone/pkg/config"
	"github.com/livekit/softphone/pkg/errors"
	"github.com/livekit/softphone/pkg/events"
	"github.com/livekit/softphone/pkg/history"
	"github.com/livekit/softphone/pkg/incoming"
	"github.com/livekit/softphone/pkg/sip"
)

type testSession struct {
	id      string
	dir     call.Direction
	user    string
	headers map[string]string

	mu      sync.Mutex
	state   sip.SessionState
	handler sip.StateHandler
	accepts int
	cancels int
	byes    int
	rejects []int
	holds   []bool
	digits  []byte
}

func newTestSession(dir call.Direction, user string) *testSession {
	return &testSession{
		id:    call.NewID(),
		dir:   dir,
		user:  user,
		state: sip.SessionEstablishing,
	}
}

func (s *testSession) set(st sip.SessionState, reason error) {
	s.mu.Lock()
	if s.state == sip.SessionTerminated || s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(st, reason)
	}
}

func (s *testSession) ID() string                { return s.id }
func (s *testSession) Direction() call.Direction { return s.dir }
func (s *testSession) Remote() (string, string)  { return s.user, "" }
func (s *testSession) Header(name string) string { return s.headers[name] }

func (s *testSession) State() sip.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *testSession) OnStateChange(h sip.StateHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

func (s *testSession) Accept(ctx context.Context) error {
	s.mu.Lock()
	s.accepts++
	s.mu.Unlock()
	s.set(sip.SessionEstablished, nil)
	return nil
}

func (s *testSession) Reject(ctx context.Context, status int) error {
	s.mu.Lock()
	s.rejects = append(s.rejects, status)
	s.mu.Unlock()
	s.set(sip.SessionTerminated, nil)
	return nil
}

func (s *testSession) Bye(ctx context.Context) error {
	switch s.State() {
	case sip.SessionTerminated:
		return nil
	case sip.SessionEstablished:
	default:
		if s.dir == call.Outgoing {
			return s.Cancel(ctx)
		}
		return s.Reject(ctx, 0)
	}
	s.mu.Lock()
	s.byes++
	s.mu.Unlock()
	s.set(sip.SessionTerminated, nil)
	return nil
}

func (s *testSession) Cancel(ctx context.Context) error {
	if s.State() == sip.SessionTerminated {
		return nil
	}
	s.mu.Lock()
	s.cancels++
	s.mu.Unlock()
	s.set(sip.SessionTerminated, nil)
	return nil
}

func (s *testSession) Hold(ctx context.Context) error {
	return s.hold(true)
}

func (s *testSession) Unhold(ctx context.Context) error {
	return s.hold(false)
}

func (s *testSession) hold(v bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != sip.SessionEstablished {
		return sip.ErrNotEstablished
	}
	s.holds = append(s.holds, v)
	return nil
}

func (s *testSession) SendDTMF(ctx context.Context, digit byte) error {
	d, err := sip.NormalizeDigit(digit)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.digits = append(s.digits, d)
	return nil
}

// Remote side actions.

func (s *testSession) Answer()         { s.set(sip.SessionEstablished, nil) }
func (s *testSession) RemoteBye()      { s.set(sip.SessionTerminated, nil) }
func (s *testSession) RemoteCancel()   { s.set(sip.SessionTerminated, sip.ErrRemoteCancel) }
func (s *testSession) Refuse(code int) { s.set(sip.SessionTerminated, &sip.ErrorStatus{StatusCode: code}) }

func (s *testSession) counts() (int, int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepts, s.cancels, s.byes
}

type testAgent struct {
	mu          sync.Mutex
	onState     func(call.ConnectionState, error)
	onIncoming  func(sip.Session)
	registers   int
	registerErr error
	newErr      error
	sessions    []*testSession

	// block holds NewSession until closed.
	block chan struct{}
}

func (a *testAgent) Register(ctx context.Context, acc config.AccountConfig) error {
	a.mu.Lock()
	a.registers++
	h, err := a.onState, a.registerErr
	a.mu.Unlock()
	h(call.Connecting, nil)
	if err != nil {
		h(call.Error, err)
		return err
	}
	h(call.Connected, nil)
	h(call.Registered, nil)
	return nil
}

func (a *testAgent) Unregister(ctx context.Context) error {
	a.mu.Lock()
	h := a.onState
	a.mu.Unlock()
	h(call.Disconnected, nil)
	return nil
}

func (a *testAgent) NewSession(ctx context.Context, target string, h sip.StateHandler) (sip.Session, error) {
	a.mu.Lock()
	block := a.block
	a.mu.Unlock()
	if block != nil {
		<-block
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.newErr != nil {
		return nil, a.newErr
	}
	s := newTestSession(call.Outgoing, target)
	s.handler = h
	a.sessions = append(a.sessions, s)
	return s, nil
}

func (a *testAgent) OnIncoming(h func(sip.Session)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onIncoming = h
}

func (a *testAgent) OnState(h func(call.ConnectionState, error)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onState = h
}

func (a *testAgent) Close() error {
	return nil
}

// Ring delivers an incoming INVITE.
func (a *testAgent) Ring(user string, headers map[string]string) *testSession {
	s := newTestSession(call.Incoming, user)
	s.headers = headers
	a.mu.Lock()
	a.sessions = append(a.sessions, s)
	h := a.onIncoming
	a.mu.Unlock()
	h(s)
	return s
}

func (a *testAgent) Sessions() []*testSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*testSession(nil), a.sessions...)
}

func (a *testAgent) Last(t testing.TB) *testSession {
	sessions := a.Sessions()
	require.NotEmpty(t, sessions)
	return sessions[len(sessions)-1]
}

type testRinging struct {
	mu       sync.Mutex
	answered []string
	rejected []string
	err      error
}

func (r *testRinging) AnswerRinging(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.answered = append(r.answered, id)
	return nil
}

func (r *testRinging) RejectRinging(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.rejected = append(r.rejected, id)
	return nil
}

func (r *testRinging) calls() ([]string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.answered...), append([]string(nil), r.rejected...)
}

type eventRecorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *eventRecorder) handle(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
}

func (r *eventRecorder) all() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.evs...)
}

func eventsOf[T events.Event](r *eventRecorder) []T {
	var out []T
	for _, ev := range r.all() {
		if v, ok := ev.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func (r *eventRecorder) states() []call.State {
	var out []call.State
	for _, ev := range eventsOf[events.CallStateChanged](r) {
		out = append(out, ev.State)
	}
	return out
}

func (r *eventRecorder) errorKinds() []string {
	var out []string
	for _, ev := range eventsOf[events.Error](r) {
		out = append(out, fmt.Sprintf("%s:%s", ev.Op, errors.KindOf(ev.Err)))
	}
	return out
}

type testPhone struct {
	*Controller
	agent    *testAgent
	ringing  *testRinging
	history  *history.Store
	media    *audio.Manager
	platform *audio.WebRTCPlatform
	rec      *eventRecorder
}

var testAccount = config.AccountConfig{
	Server:    "pbx.example.com",
	Extension: "1001",
	Password:  "secret",
}

func newTestPhone(t *testing.T) *testPhone {
	t.Helper()
	log := logger.GetLogger()
	p := &testPhone{
		agent:    &testAgent{},
		ringing:  &testRinging{},
		platform: &audio.WebRTCPlatform{Secure: true},
		rec:      &eventRecorder{},
	}
	p.media = audio.NewManager(log, p.platform, nil, nil)
	p.history = history.NewStore(log, nil, nil, nil)
	p.history.SetIdentity(history.Identity{Extension: testAccount.Extension})
	bus := events.NewBus()
	bus.Subscribe(p.rec.handle)

	c, err := NewController(Params{
		Log:          log,
		Agent:        p.agent,
		Media:        p.media,
		History:      p.history,
		Incoming:     incoming.NewHandler(log, p.ringing, 0),
		Bus:          bus,
		TickInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	p.Controller = c
	return p
}

func newRegisteredPhone(t *testing.T) *testPhone {
	t.Helper()
	p := newTestPhone(t)
	require.NoError(t, p.Connect(t.Context(), testAccount))
	require.Equal(t, call.Registered, p.Connection())
	return p
}

func (p *testPhone) entries(t testing.TB) []history.Entry {
	return p.history.Entries(context.Background())
}

// answeredCall places an outgoing call and lets the remote side answer.
func (p *testPhone) answeredCall(t *testing.T, target string) *testSession {
	t.Helper()
	c, err := p.Call(t.Context(), target)
	require.NoError(t, err)
	require.NotNil(t, c)
	s := p.agent.Last(t)
	s.Answer()
	require.Equal(t, call.StateAnswered, p.State())
	return s
}
