// Copyright 2023 LiveKit, Inc.
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

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/livekit/sipgo/sip"

	"github.com/livekit/softphone/pkg/call"
	siperrors "github.com/livekit/softphone/pkg/errors"
)

// NewSession starts an outgoing call. The INVITE is sent in the background;
// progress is reported to h.
func (c *Client) NewSession(ctx context.Context, target string, h StateHandler) (Session, error) {
	if c.closing.IsBroken() {
		return nil, siperrors.Signaling(ErrClosed, "cannot create session")
	}
	c.mu.Lock()
	acc := c.account
	registered := c.state == call.Registered
	c.mu.Unlock()
	if !registered {
		return nil, siperrors.NotRegistered()
	}
	t := ParseTarget(target, acc.DomainOrHost())
	if t.User == "" || t.Host == "" {
		return nil, siperrors.InvalidTarget("cannot dial %q", target)
	}

	id := uuid.NewString()
	dialCtx, cancel := context.WithCancel(c.ctx)
	s := &session{
		c:          c,
		log:        c.log.WithValues("sipCallID", id, "direction", call.Outgoing, "toUser", t.User),
		dir:        call.Outgoing,
		id:         id,
		sdp:        newLocalSDP(c.mediaAddr()),
		stopDial:   cancel,
		state:      SessionEstablishing,
		handler:    h,
		remoteUser: t.User,
	}
	offer, err := s.sdp.Offer(SendRecv)
	if err != nil {
		cancel()
		return nil, siperrors.Signaling(err, "cannot create offer")
	}
	invite := c.newInvite(s, t, offer)
	c.addSession(s)
	go s.dial(dialCtx, invite)
	return s, nil
}

func (c *Client) newInvite(s *session, t Target, offer []byte) *sip.Request {
	c.mu.Lock()
	acc := c.account
	c.mu.Unlock()

	req := sip.NewRequest(sip.INVITE, t.URI(c.transport))
	req.SetDestination(acc.Server)

	fromParams := sip.NewParams()
	fromParams.Add("tag", sip.GenerateTagN(16))
	req.AppendHeader(&sip.FromHeader{
		DisplayName: acc.DisplayName,
		Address:     sip.Uri{Scheme: "sip", User: acc.Extension, Host: acc.DomainOrHost()},
		Params:      fromParams,
	})
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{Scheme: "sip", User: t.User, Host: t.Host, Port: t.Port},
		Params:  sip.NewParams(),
	})
	cid := sip.CallIDHeader(s.id)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.AppendHeader(&sip.ContactHeader{Address: c.contactURI(acc.Extension)})
	req.AppendHeader(sip.NewHeader("Content-Type", ContentTypeSDP))
	req.AppendHeader(sip.NewHeader("Allow", allowMethods))
	req.AppendHeader(sip.NewHeader("User-Agent", c.conf.UserAgent))
	req.SetBody(offer)
	return req
}

func (s *session) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// dial runs the INVITE transaction, answering at most one digest challenge.
// There is no ring timeout; the call rings until either side gives up.
func (s *session) dial(ctx context.Context, req *sip.Request) {
	defer s.stopDial()
	ctx, span := startSpan(ctx, "sip.Invite", attribute.String("sipCallID", s.id))
	var err error
	defer func() { endSpan(span, err) }()

	s.c.mu.Lock()
	acc := s.c.account
	s.c.mu.Unlock()

	for attempt := 0; ; attempt++ {
		if s.isCancelled() {
			return
		}
		var resp *sip.Response
		resp, err = s.attemptInvite(ctx, req)
		if err != nil {
			if s.terminate(siperrors.Signaling(err, "INVITE failed")) {
				s.c.mon.InviteError(call.Outgoing, "transaction")
			}
			return
		}
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			s.inviteAccepted(ctx, req, resp)
			return
		case attempt == 0:
			if _, _, ok := authChallenge(resp); ok {
				auth, aerr := digestAuthorize(req, resp, acc.Extension, acc.Password)
				if aerr != nil {
					err = aerr
					s.c.mon.InviteError(call.Outgoing, "auth")
					s.terminate(siperrors.Signaling(aerr, "INVITE auth failed"))
					return
				}
				req = retryWithAuth(req, auth)
				continue
			}
		}
		err = statusError(resp)
		if s.terminate(err) {
			s.c.mon.InviteError(call.Outgoing, strconv.Itoa(int(resp.StatusCode)))
		}
		return
	}
}

func (s *session) attemptInvite(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	tx, err := s.c.sipCli.TransactionRequest(req)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()

	s.mu.Lock()
	s.invite = req
	cancelled := s.cancelled
	s.mu.Unlock()
	if cancelled {
		// Cancel raced the transaction creation.
		go s.sendCancel(context.WithoutCancel(ctx), req)
	}

	ringing := false
	return sipResponse(ctx, tx, func(r *sip.Response) {
		if !ringing && (r.StatusCode == 180 || r.StatusCode == 183) {
			ringing = true
			s.log.Infow("remote ringing", "status", r.StatusCode)
		}
	})
}

func (s *session) inviteAccepted(ctx context.Context, req *sip.Request, resp *sip.Response) {
	target := req.Recipient
	if cont := resp.Contact(); cont != nil {
		target = cont.Address
	}
	ack := sip.NewAckRequest(req, resp, nil)
	ack.Recipient = target
	ack.SetDestination(req.Destination())
	if err := s.c.sipCli.WriteRequest(ack); err != nil {
		s.log.Warnw("cannot ACK INVITE", err)
	}

	s.mu.Lock()
	s.invite, s.inviteOk = req, resp
	s.dlg = &dialog{
		local:  fromAddr(req.From()),
		remote: toAddr(resp.To()),
		target: target,
		dest:   req.Destination(),
	}
	if cseq := req.CSeq(); cseq != nil {
		s.dlg.cseq = cseq.SeqNo
	}
	if to := resp.To(); to != nil && to.DisplayName != "" {
		s.remoteName = to.DisplayName
	}
	late := s.cancelled || s.state == SessionTerminated
	s.mu.Unlock()

	if late {
		// 200 OK crossed our CANCEL; end the dialog that was just created.
		s.log.Infow("INVITE accepted after cancel, sending BYE")
		s.mu.Lock()
		bye := s.buildRequestLocked(sip.BYE, nil, "")
		s.mu.Unlock()
		if err := sendBye(context.WithoutCancel(ctx), s.c.sipCli, bye); err != nil {
			s.log.Warnw("BYE failed", err)
		}
		return
	}
	s.setState(SessionEstablished, nil)
}

// Cancel abandons a pending outgoing INVITE. It reports termination
// immediately; the CANCEL transaction completes in the background.
func (s *session) Cancel(ctx context.Context) error {
	if s.dir != call.Outgoing {
		return ErrOutgoingOnly
	}
	s.mu.Lock()
	switch s.state {
	case SessionTerminated:
		s.mu.Unlock()
		return nil
	case SessionEstablished:
		s.mu.Unlock()
		return s.Bye(ctx)
	}
	s.cancelled = true
	inv := s.invite
	s.mu.Unlock()

	s.terminate(nil)
	if inv != nil {
		// The dial loop keeps waiting for the 487 of the INVITE transaction.
		go s.sendCancel(context.WithoutCancel(ctx), inv)
	}
	return nil
}

func (s *session) sendCancel(ctx context.Context, invite *sip.Request) {
	resp, err := transaction(ctx, s.c.sipCli, newCancel(invite))
	if err != nil {
		s.log.Warnw("CANCEL failed", err)
		return
	}
	s.log.Debugw("CANCEL answered", "status", resp.StatusCode)
}
