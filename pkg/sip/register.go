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

package sip

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/livekit/sipgo/sip"

	"github.com/livekit/softphone/pkg/call"
	"github.com/livekit/softphone/pkg/config"
	siperrors "github.com/livekit/softphone/pkg/errors"
)

// refreshRatio of the granted expiry after which the binding is refreshed.
const refreshRatio = 0.8

// registration is one REGISTER binding. Call-ID and From tag stay constant
// across refreshes; CSeq increases.
type registration struct {
	acc     config.AccountConfig
	callID  string
	fromTag string
	stop    core.Fuse

	mu   sync.Mutex
	cseq uint32
}

func newRegistration(acc config.AccountConfig) *registration {
	return &registration{
		acc:     acc,
		callID:  uuid.NewString(),
		fromTag: sip.GenerateTagN(16),
	}
}

// Register binds the account at the PBX and keeps the binding refreshed.
// A failed REGISTER moves the agent to the Error state and is not retried.
func (c *Client) Register(ctx context.Context, acc config.AccountConfig) error {
	if err := acc.Validate(); err != nil {
		return err
	}
	if c.closing.IsBroken() {
		return siperrors.Signaling(ErrClosed, "cannot register")
	}
	c.mu.Lock()
	if c.state == call.Connecting || (c.state == call.Registered && c.account == acc) {
		c.mu.Unlock()
		return nil
	}
	old := c.reg
	reg := newRegistration(acc)
	c.reg = reg
	c.account = acc
	c.mu.Unlock()
	if old != nil {
		old.stop.Break()
	}

	c.setState(call.Connecting, nil)
	granted, err := c.doRegister(ctx, reg, c.conf.RegisterExpiry)
	if err != nil {
		c.mu.Lock()
		if c.reg == reg {
			c.reg = nil
		}
		c.mu.Unlock()
		reg.stop.Break()
		err = siperrors.Signaling(err, "register failed")
		c.setState(call.Error, err)
		return err
	}
	c.setState(call.Registered, nil)
	go c.refreshLoop(reg, granted)
	return nil
}

// Unregister removes the binding with Expires: 0.
func (c *Client) Unregister(ctx context.Context) error {
	c.mu.Lock()
	reg := c.reg
	c.reg = nil
	c.mu.Unlock()
	if reg == nil {
		c.setState(call.Disconnected, nil)
		return nil
	}
	reg.stop.Break()
	_, err := c.doRegister(ctx, reg, 0)
	c.setState(call.Disconnected, nil)
	if err != nil {
		return siperrors.Signaling(err, "unregister failed")
	}
	return nil
}

func (c *Client) refreshLoop(reg *registration, granted time.Duration) {
	log := c.log.WithValues("extension", reg.acc.Extension)
	for {
		t := time.NewTimer(time.Duration(float64(granted) * refreshRatio))
		select {
		case <-reg.stop.Watch():
			t.Stop()
			return
		case <-c.closing.Watch():
			t.Stop()
			return
		case <-t.C:
		}
		ctx, cancel := context.WithTimeout(c.ctx, 2*requestTimeout)
		g, err := c.doRegister(ctx, reg, c.conf.RegisterExpiry)
		cancel()
		if reg.stop.IsBroken() {
			return
		}
		if err != nil {
			log.Warnw("register refresh failed", err)
			c.mu.Lock()
			if c.reg == reg {
				c.reg = nil
			}
			c.mu.Unlock()
			reg.stop.Break()
			c.setState(call.Error, siperrors.Signaling(err, "register refresh failed"))
			return
		}
		log.Debugw("registration refreshed", "expires", g)
		granted = g
	}
}

func (c *Client) newRegister(reg *registration, expires time.Duration) *sip.Request {
	domain := reg.acc.DomainOrHost()
	recipient := sip.Uri{Scheme: "sip", Host: domain}
	setTransport(&recipient, c.transport)

	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetDestination(reg.acc.Server)

	aor := sip.Uri{Scheme: "sip", User: reg.acc.Extension, Host: domain}
	fromParams := sip.NewParams()
	fromParams.Add("tag", reg.fromTag)
	req.AppendHeader(&sip.FromHeader{DisplayName: reg.acc.DisplayName, Address: aor, Params: fromParams})
	req.AppendHeader(&sip.ToHeader{Address: aor, Params: sip.NewParams()})

	cid := sip.CallIDHeader(reg.callID)
	req.AppendHeader(&cid)
	reg.mu.Lock()
	reg.cseq++
	req.AppendHeader(&sip.CSeqHeader{SeqNo: reg.cseq, MethodName: sip.REGISTER})
	reg.mu.Unlock()

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sip.ContactHeader{Address: c.contactURI(reg.acc.Extension)})
	secs := uint32(expires / time.Second)
	exp := sip.ExpiresHeader(secs)
	req.AppendHeader(&exp)
	req.AppendHeader(sip.NewHeader("User-Agent", c.conf.UserAgent))
	req.AppendHeader(sip.NewHeader("Allow", allowMethods))
	return req
}

// doRegister runs one REGISTER transaction, answering a single digest
// challenge. It returns the expiry granted by the registrar.
func (c *Client) doRegister(ctx context.Context, reg *registration, expires time.Duration) (_ time.Duration, err error) {
	ctx, span := startSpan(ctx, "sip.Register",
		attribute.String("extension", reg.acc.Extension),
		attribute.Int64("expires", int64(expires/time.Second)),
	)
	defer func() { endSpan(span, err) }()

	var observe func() time.Duration
	if expires > 0 {
		observe = c.mon.RegisterDur()
	}
	req := c.newRegister(reg, expires)
	for attempt := 0; ; attempt++ {
		resp, err := transaction(ctx, c.sipCli, req)
		if err != nil {
			return 0, err
		}
		if expires > 0 {
			c.markConnected()
		}
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if observe != nil {
				observe()
			}
			return grantedExpiry(resp, expires), nil
		case attempt == 0:
			if _, _, ok := authChallenge(resp); ok {
				auth, err := digestAuthorize(req, resp, reg.acc.Extension, reg.acc.Password)
				if err != nil {
					return 0, err
				}
				req = retryWithAuth(req, auth)
				reg.mu.Lock()
				reg.cseq = req.CSeq().SeqNo
				reg.mu.Unlock()
				continue
			}
		}
		return 0, statusError(resp)
	}
}

// markConnected reports that the transport reached the registrar.
func (c *Client) markConnected() {
	c.mu.Lock()
	connecting := c.state == call.Connecting
	c.mu.Unlock()
	if connecting {
		c.setState(call.Connected, nil)
	}
}

func grantedExpiry(resp *sip.Response, requested time.Duration) time.Duration {
	if h := resp.GetHeader("Expires"); h != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil && n > 0 {
			if d := time.Duration(n) * time.Second; requested == 0 || d < requested {
				return d
			}
		}
	}
	return requested
}
