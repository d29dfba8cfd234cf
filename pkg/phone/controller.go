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

// Package phone holds the call controller: the single-call state machine
// driving signaling, the microphone and the call history.
package phone

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/frostbyte73/core"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/softphone/pkg/audio"
	"github.com/livekit/softphone/pkg/call"
	"github.com/livekit/softphone/pkg/config"
	"github.com/livekit/softphone/pkg/errors"
	"github.com/livekit/softphone/pkg/events"
	"github.com/livekit/softphone/pkg/history"
	"github.com/livekit/softphone/pkg/incoming"
	"github.com/livekit/softphone/pkg/push"
	"github.com/livekit/softphone/pkg/sip"
	"github.com/livekit/softphone/pkg/stats"
)

const DefaultTickInterval = time.Second

// Media is the microphone owner.
type Media interface {
	SecureContext() bool
	SupportsWebRTC() bool
	Acquire(ctx context.Context) (audio.Stream, error)
	SetEnabled(enabled bool)
}

type History interface {
	Append(ctx context.Context, c call.Call, status call.Status) history.Entry
}

type Params struct {
	Log      logger.Logger
	Agent    sip.Agent
	Media    Media
	History  History
	Incoming *incoming.Handler
	Bus      *events.Bus
	Monitor  *stats.Monitor

	// TickInterval between CallTick events.
	TickInterval time.Duration
}

// active is the call occupying the single call slot.
type active struct {
	call call.Call
	sess sip.Session

	answering bool
	claimed   bool
	rejected  bool
	// hangup was requested before the outgoing session existed.
	hangup bool
	done   core.Fuse
}

type Controller struct {
	log      logger.Logger
	agent    sip.Agent
	media    Media
	history  History
	incoming *incoming.Handler
	bus      *events.Bus
	mon      *stats.Monitor
	tick     time.Duration
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	conn       call.ConnectionState
	connecting bool
	state      call.State
	cur        *active
	dialing    bool
	muted      bool
	queue      []events.Event

	emitMu sync.Mutex
}

func NewController(p Params) (*Controller, error) {
	switch {
	case p.Agent == nil:
		return nil, errors.Configuration("signaling agent is required")
	case p.Media == nil:
		return nil, errors.Configuration("media manager is required")
	case p.History == nil:
		return nil, errors.Configuration("history store is required")
	case p.Incoming == nil:
		return nil, errors.Configuration("incoming handler is required")
	}
	if p.Log == nil {
		p.Log = logger.GetLogger()
	}
	if p.Bus == nil {
		p.Bus = events.NewBus()
	}
	if p.TickInterval <= 0 {
		p.TickInterval = DefaultTickInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		log:      p.Log.WithValues("component", "phone"),
		agent:    p.Agent,
		media:    p.Media,
		history:  p.History,
		incoming: p.Incoming,
		bus:      p.Bus,
		mon:      p.Monitor,
		tick:     p.TickInterval,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
	p.Agent.OnState(c.onConnState)
	p.Agent.OnIncoming(c.onIncoming)
	return c, nil
}

func (c *Controller) Bus() *events.Bus {
	return c.bus
}

func (c *Controller) State() call.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Connection() call.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Current returns a copy of the active call.
func (c *Controller) Current() (call.Call, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return call.Call{}, false
	}
	return c.cur.call, true
}

func (c *Controller) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// Duration of the active call since it was answered.
func (c *Controller) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return 0
	}
	return c.cur.call.Duration(c.now())
}

// Connect registers with the PBX. It is a no-op while connecting or registered.
func (c *Controller) Connect(ctx context.Context, acc config.AccountConfig) error {
	if err := acc.Validate(); err != nil {
		return c.fail("connect", err)
	}
	c.mu.Lock()
	if c.connecting || c.conn == call.Connecting || c.conn == call.Registered {
		c.mu.Unlock()
		return nil
	}
	c.connecting = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.connecting = false
		c.mu.Unlock()
	}()
	// Failures are reported through the agent state callback.
	return c.agent.Register(ctx, acc)
}

// Disconnect ends the active call and unregisters.
func (c *Controller) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	busy := c.cur != nil
	c.mu.Unlock()
	if busy {
		_ = c.Hangup(ctx)
	}
	return c.agent.Unregister(ctx)
}

// Close stops background work. The agent is closed by its owner.
func (c *Controller) Close() {
	c.cancel()
}

func (c *Controller) onConnState(st call.ConnectionState, err error) {
	c.mu.Lock()
	c.conn = st
	c.enqueue(events.ConnectionChanged{State: st, Err: err})
	if st == call.Error && err != nil {
		c.enqueue(events.Error{Op: "register", Err: err})
	}
	c.mu.Unlock()
	c.flush()
}

// Call dials target. It returns nil and an error, also published as an
// events.Error, when the call cannot be started.
func (c *Controller) Call(ctx context.Context, target string) (*call.Call, error) {
	target = strings.TrimSpace(target)

	c.mu.Lock()
	var err error
	switch {
	case c.conn != call.Registered:
		err = errors.NotRegistered()
	case c.dialing:
		err = errors.StateConflict("another call is being placed")
	case c.state != call.StateIdle:
		err = errors.StateConflict("cannot call while %s", c.state)
	case target == "":
		err = errors.InvalidTarget("target is empty")
	case !c.media.SecureContext():
		err = errors.InsecureContext("microphone requires a secure context")
	case !c.media.SupportsWebRTC():
		err = errors.UnsupportedEnvironment("webrtc is not supported")
	}
	if err != nil {
		c.mu.Unlock()
		return nil, c.fail("call", err)
	}
	c.dialing = true
	c.mu.Unlock()

	// May wait for the user to answer a consent prompt.
	if _, err = c.media.Acquire(ctx); err != nil {
		c.mu.Lock()
		c.dialing = false
		c.mu.Unlock()
		return nil, c.fail("call", err)
	}
	c.media.SetEnabled(true)

	a := &active{call: call.Call{
		ID:          call.NewID(),
		Direction:   call.Outgoing,
		Counterpart: target,
		Origin:      call.OriginSIP,
		StartTime:   c.now(),
	}}
	c.mu.Lock()
	c.dialing = false
	c.muted = false
	c.cur = a
	c.setStateLocked(call.StateRingingOutgoing)
	c.mu.Unlock()
	c.mon.CallStarted(a.call)
	c.flush()

	sess, err := c.agent.NewSession(ctx, target, func(st sip.SessionState, reason error) {
		c.onSession(a, st, reason)
	})
	if err != nil {
		c.log.Warnw("cannot start outgoing call", err, "callID", a.call.ID)
		c.end(a, "", err)
		return nil, c.fail("call", err)
	}

	c.mu.Lock()
	a.sess = sess
	hangup := a.hangup
	cl := a.call
	c.mu.Unlock()
	if hangup {
		_ = sess.Cancel(ctx)
		c.log.Infow("call hung up while dialing", "callID", cl.ID, "sipCallID", sess.ID())
		return nil, errors.StateConflict("call %s was hung up while dialing", cl.ID)
	}
	c.log.Infow("calling", "callID", cl.ID, "target", target, "sipCallID", sess.ID())
	return &cl, nil
}

// Answer answers the ringing incoming call.
func (c *Controller) Answer(ctx context.Context) error {
	c.mu.Lock()
	a := c.cur
	if c.state != call.StateRingingIncoming {
		st := c.state
		c.mu.Unlock()
		return c.fail("answer", errors.StateConflict("cannot answer while %s", st))
	}
	if a.answering || a.claimed || a.rejected {
		c.mu.Unlock()
		return nil
	}
	a.answering = true
	c.mu.Unlock()

	err := c.answer(ctx, a)

	c.mu.Lock()
	a.answering = false
	c.mu.Unlock()
	if err != nil {
		return c.fail("answer", err)
	}
	return nil
}

func (c *Controller) answer(ctx context.Context, a *active) error {
	switch {
	case !c.media.SecureContext():
		return errors.InsecureContext("microphone requires a secure context")
	case !c.media.SupportsWebRTC():
		return errors.UnsupportedEnvironment("webrtc is not supported")
	}
	if _, err := c.media.Acquire(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	if c.cur != a {
		c.mu.Unlock()
		return errors.StateConflict("call %s is no longer ringing", a.call.ID)
	}
	c.muted = false
	cl, sess := a.call, a.sess
	c.mu.Unlock()
	c.media.SetEnabled(true)

	if err := c.incoming.Answer(ctx, cl, sess); err != nil {
		return err
	}
	if sess == nil {
		// The PBX redirects the call; the INVITE is accepted on arrival.
		c.mu.Lock()
		a.claimed = true
		c.mu.Unlock()
		c.log.Infow("waiting for redirected call", "callID", cl.ID)
	}
	return nil
}

// Reject declines the ringing incoming call.
func (c *Controller) Reject(ctx context.Context) error {
	c.mu.Lock()
	a := c.cur
	if c.state != call.StateRingingIncoming {
		st := c.state
		c.mu.Unlock()
		return c.fail("reject", errors.StateConflict("cannot reject while %s", st))
	}
	if a.rejected {
		c.mu.Unlock()
		return nil
	}
	a.rejected = true
	cl, sess := a.call, a.sess
	c.mu.Unlock()

	err := c.incoming.Reject(ctx, cl, sess)
	c.end(a, call.StatusRejected, nil)
	if err != nil {
		return c.fail("reject", err)
	}
	return nil
}

// Hangup ends the active call: CANCEL before the session is established, BYE
// after. A ringing incoming call is rejected. The controller is Idle afterwards
// even when signaling fails.
func (c *Controller) Hangup(ctx context.Context) error {
	c.mu.Lock()
	a, st := c.cur, c.state
	switch st {
	case call.StateIdle:
		c.mu.Unlock()
		return nil
	case call.StateRingingIncoming:
		c.mu.Unlock()
		return c.Reject(ctx)
	}
	sess := a.sess
	if sess == nil {
		a.hangup = true
	}
	c.mu.Unlock()

	var err error
	if sess != nil {
		if st == call.StateRingingOutgoing {
			err = sess.Cancel(ctx)
		} else {
			err = sess.Bye(ctx)
		}
	}
	c.end(a, "", nil)
	if err != nil {
		return c.fail("hangup", err)
	}
	return nil
}

func (c *Controller) Hold(ctx context.Context) error {
	return c.setHold(ctx, true)
}

func (c *Controller) Unhold(ctx context.Context) error {
	return c.setHold(ctx, false)
}

func (c *Controller) setHold(ctx context.Context, hold bool) error {
	op, from, to := "hold", call.StateAnswered, call.StateOnHold
	if !hold {
		op, from, to = "unhold", call.StateOnHold, call.StateAnswered
	}
	c.mu.Lock()
	if c.state != from {
		st := c.state
		c.mu.Unlock()
		return c.fail(op, errors.StateConflict("cannot %s while %s", op, st))
	}
	a := c.cur
	sess := a.sess
	c.mu.Unlock()

	var err error
	if hold {
		err = sess.Hold(ctx)
	} else {
		err = sess.Unhold(ctx)
	}
	if err != nil {
		return c.fail(op, err)
	}

	c.mu.Lock()
	if c.cur == a && c.state == from {
		c.setStateLocked(to)
	}
	c.mu.Unlock()
	c.flush()
	return nil
}

// SetMute toggles the microphone track without renegotiation.
func (c *Controller) SetMute(muted bool) error {
	c.mu.Lock()
	if c.cur == nil {
		c.mu.Unlock()
		return c.fail("mute", errors.StateConflict("no active call"))
	}
	c.muted = muted
	c.enqueue(events.MuteChanged{Muted: muted})
	c.mu.Unlock()
	c.media.SetEnabled(!muted)
	c.flush()
	return nil
}

// SendDTMF sends one digit out of band. Valid only while answered.
func (c *Controller) SendDTMF(ctx context.Context, digit byte) error {
	c.mu.Lock()
	if c.state != call.StateAnswered {
		st := c.state
		c.mu.Unlock()
		return c.fail("dtmf", errors.StateConflict("cannot send DTMF while %s", st))
	}
	sess := c.cur.sess
	c.mu.Unlock()
	if err := sess.SendDTMF(ctx, digit); err != nil {
		return c.fail("dtmf", err)
	}
	return nil
}

// HandlePush feeds a push channel event to the controller.
func (c *Controller) HandlePush(ev push.Event) {
	switch ev := ev.(type) {
	case push.IncomingCall:
		c.onAnnounced(ev)
	case push.CallEnded:
		c.onAnnouncedEnded(ev)
	}
}

func (c *Controller) busyLocked() bool {
	return c.cur != nil || c.dialing
}

func (c *Controller) onAnnounced(ev push.IncomingCall) {
	c.mu.Lock()
	busy := c.busyLocked()
	c.mu.Unlock()
	if busy {
		c.log.Infow("busy, ignoring announced call", "callID", ev.CallID)
		return
	}
	cl := c.incoming.Announce(ev)

	c.mu.Lock()
	if c.busyLocked() {
		shown := c.cur != nil && c.cur.call.ID == cl.ID
		c.mu.Unlock()
		if !shown {
			c.incoming.Ended(cl.ID)
		}
		return
	}
	c.cur = &active{call: cl}
	c.setStateLocked(call.StateRingingIncoming)
	c.enqueue(events.IncomingCall{Call: cl})
	c.mu.Unlock()
	c.mon.CallStarted(cl)
	c.flush()
}

func (c *Controller) onAnnouncedEnded(ev push.CallEnded) {
	c.mu.Lock()
	a := c.cur
	match := a != nil && a.call.ID == ev.CallID && a.sess == nil
	claimed := match && (a.claimed || a.answering)
	c.mu.Unlock()
	if claimed {
		// The ringing leg ends once the PBX redirects it to us.
		c.log.Debugw("announced call left the PBX queue after claim", "callID", ev.CallID, "status", ev.Status)
		return
	}
	c.incoming.Ended(ev.CallID)
	if match {
		c.end(a, "", nil)
	}
}

func (c *Controller) activeFor(s sip.Session) *active {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != nil && c.cur.sess == s {
		return c.cur
	}
	return nil
}

func (c *Controller) onIncoming(s sip.Session) {
	s.OnStateChange(func(st sip.SessionState, reason error) {
		c.onSession(c.activeFor(s), st, reason)
	})
	m, correlated := c.incoming.Correlate(s)

	c.mu.Lock()
	if a := c.cur; correlated && a != nil && a.call.ID == m.Call.ID && a.sess == nil {
		c.attach(a, s, m.Claimed || a.claimed || a.answering)
		return
	}
	if c.busyLocked() || c.state != call.StateIdle {
		c.mu.Unlock()
		c.log.Infow("busy, rejecting incoming call", "sipCallID", s.ID())
		_ = s.Reject(c.ctx, 486)
		return
	}
	cl := c.incoming.FromSession(s)
	if correlated {
		// Announced while it could not be shown; keep the caller metadata.
		cl.CallerName, cl.LineName = m.Call.CallerName, m.Call.LineName
	}
	a := &active{call: cl, sess: s}
	c.cur = a
	c.muted = false
	c.setStateLocked(call.StateRingingIncoming)
	c.enqueue(events.IncomingCall{Call: cl})
	c.mu.Unlock()
	c.mon.CallStarted(cl)
	c.flush()

	if s.State() == sip.SessionTerminated {
		c.end(a, "", nil)
	}
}

// attach binds the INVITE of an announced call to it. Claimed calls are
// accepted right away; others keep ringing as direct SIP calls. Called with
// c.mu held, releases it.
func (c *Controller) attach(a *active, s sip.Session, accept bool) {
	a.sess = s
	if !accept {
		a.call.Origin = call.OriginSIP
	}
	cl := a.call
	c.mu.Unlock()
	c.log.Infow("invite attached to announced call", "callID", cl.ID, "sipCallID", s.ID(), "accept", accept)

	if accept {
		direct := cl
		direct.Origin = call.OriginSIP
		if err := c.incoming.Answer(c.ctx, direct, s); err != nil {
			c.log.Warnw("cannot accept redirected call", err, "callID", cl.ID)
			_ = c.fail("answer", err)
			_ = s.Bye(c.ctx)
			c.end(a, "", err)
			return
		}
	}
	if s.State() == sip.SessionTerminated {
		c.end(a, "", nil)
	}
}

func (c *Controller) onSession(a *active, st sip.SessionState, reason error) {
	if a == nil {
		return
	}
	switch st {
	case sip.SessionEstablished:
		c.mu.Lock()
		if c.cur != a || a.call.Answered {
			c.mu.Unlock()
			return
		}
		a.call = a.call.WithAnswered(c.now())
		id := a.call.ID
		c.setStateLocked(call.StateAnswered)
		c.mu.Unlock()
		c.log.Infow("call answered", "callID", id)
		go c.ticker(a)
		c.flush()
	case sip.SessionTerminated:
		c.end(a, "", reason)
	}
}

func outcome(a *active, reason error) call.Status {
	switch {
	case a.call.Answered:
		return call.StatusCompleted
	case a.rejected:
		return call.StatusRejected
	case a.call.Direction == call.Outgoing:
		if _, refused := sip.StatusOf(reason); refused {
			return call.StatusRejected
		}
	}
	return call.StatusMissed
}

// end is the only terminal transition. Only the first call for a given
// active call has an effect; status is derived from the call when empty.
func (c *Controller) end(a *active, status call.Status, reason error) {
	c.mu.Lock()
	if a == nil || c.cur != a {
		c.mu.Unlock()
		return
	}
	if status == "" {
		status = outcome(a, reason)
	}
	ended := a.call.WithEnded(c.now())
	c.cur = nil
	c.state = call.StateIdle
	c.muted = false
	a.done.Break()
	c.enqueue(events.CallStateChanged{State: call.StateEnded, Call: ended})
	c.enqueue(events.CallEnded{Call: ended, Status: status})
	c.enqueue(events.CallStateChanged{State: call.StateIdle, Call: ended})
	c.mu.Unlock()

	c.media.SetEnabled(false)
	if ended.Origin == call.OriginAMI {
		c.incoming.Ended(ended.ID)
	}
	c.history.Append(c.ctx, ended, status)
	c.mon.CallEnded(ended, status)
	if reason != nil {
		c.log.Infow("call ended", "callID", ended.ID, "status", status, "reason", reason)
	} else {
		c.log.Infow("call ended", "callID", ended.ID, "status", status)
	}
	c.flush()
}

func (c *Controller) ticker(a *active) {
	t := time.NewTicker(c.tick)
	defer t.Stop()
	for {
		select {
		case <-a.done.Watch():
			return
		case <-c.ctx.Done():
			return
		case <-t.C:
			c.mu.Lock()
			if c.cur != a {
				c.mu.Unlock()
				return
			}
			c.enqueue(events.CallTick{CallID: a.call.ID, Duration: a.call.Duration(c.now())})
			c.mu.Unlock()
			c.flush()
		}
	}
}

func (c *Controller) setStateLocked(st call.State) {
	c.state = st
	c.enqueue(events.CallStateChanged{State: st, Call: c.cur.call})
}

func (c *Controller) enqueue(ev events.Event) {
	c.queue = append(c.queue, ev)
}

func (c *Controller) fail(op string, err error) error {
	c.mu.Lock()
	c.enqueue(events.Error{Op: op, Err: err})
	c.mu.Unlock()
	c.flush()
	return err
}

// flush publishes queued events in order, outside of c.mu. When another flush
// is running, possibly further up this goroutine from an event handler, it
// delivers the new events instead.
func (c *Controller) flush() {
	for {
		if !c.emitMu.TryLock() {
			return
		}
		for {
			c.mu.Lock()
			evs := c.queue
			c.queue = nil
			c.mu.Unlock()
			if len(evs) == 0 {
				break
			}
			for _, ev := range evs {
				c.bus.Publish(ev)
			}
		}
		c.emitMu.Unlock()

		c.mu.Lock()
		pending := len(c.queue) != 0
		c.mu.Unlock()
		if !pending {
			return
		}
	}
}
