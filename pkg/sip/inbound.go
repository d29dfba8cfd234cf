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
	"errors"

	"github.com/livekit/sipgo/sip"

	"github.com/livekit/softphone/pkg/call"
	siperrors "github.com/livekit/softphone/pkg/errors"
)

func sipErrorResponse(tx sip.ServerTransaction, req *sip.Request, code sip.StatusCode, reason string) {
	_ = tx.Respond(sip.NewResponseFromRequest(req, code, reason, nil))
}

func (c *Client) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	log := LoggerWithRequest(c.log, req)
	if to := req.To(); to != nil {
		if _, ok := getTagFrom(to.Params); ok {
			c.onReinvite(req, tx)
			return
		}
	}
	from := req.From()
	if from == nil || callID(req) == "" {
		sipErrorResponse(tx, req, sip.StatusBadRequest, "Bad Request")
		return
	}
	if c.closing.IsBroken() {
		sipErrorResponse(tx, req, statusServiceUnavailable, "Service Unavailable")
		return
	}
	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusTrying, "Trying", nil))

	c.mu.Lock()
	h := c.onIncoming
	c.mu.Unlock()
	if h == nil {
		log.Infow("rejecting inbound call, no handler")
		sipErrorResponse(tx, req, statusTemporarilyUnavailable, "Temporarily Unavailable")
		return
	}

	s := &session{
		c:          c,
		log:        log.WithValues("direction", call.Incoming),
		dir:        call.Incoming,
		id:         callID(req),
		sdp:        newLocalSDP(c.mediaAddr()),
		req:        req,
		tx:         tx,
		state:      SessionEstablishing,
		remoteUser: from.Address.User,
		remoteName: from.DisplayName,
		localTag:   sip.GenerateTagN(16),
	}
	if body := req.Body(); len(body) != 0 {
		if _, err := s.sdp.Answer(body); err != nil {
			log.Infow("rejecting inbound call, unusable offer", "error", err)
			c.mon.InviteError(call.Incoming, "sdp")
			sipErrorResponse(tx, req, statusNotAcceptableHere, "Not Acceptable Here")
			return
		}
	}
	c.addSession(s)
	if err := tx.Respond(s.response(sip.StatusRinging, "Ringing", nil)); err != nil {
		log.Warnw("cannot send ringing", err)
	}
	log.Infow("inbound call ringing")
	go s.watchInvite()
	h(s)
}

// response answers the initial INVITE within the dialog created by localTag.
func (s *session) response(code sip.StatusCode, reason string, body []byte) *sip.Response {
	res := sip.NewResponseFromRequest(s.req, code, reason, body)
	if to := res.To(); to != nil && code > 100 {
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		to.Params.Add("tag", s.localTag)
	}
	return res
}

// watchInvite ends a ringing session when the caller gives up.
func (s *session) watchInvite() {
	select {
	case <-s.final.Watch():
	case <-s.done.Watch():
	case <-s.tx.Cancels():
		s.remoteCancel()
	case <-s.tx.Done():
		if !s.claimFinal() {
			return
		}
		err := s.tx.Err()
		if err == nil {
			err = ErrRemoteCancel
		}
		s.terminate(err)
	}
}

// remoteCancel handles CANCEL of a ringing session.
func (s *session) remoteCancel() {
	if !s.claimFinal() {
		return
	}
	if err := s.tx.Respond(s.response(statusRequestTerminated, "Request Terminated", nil)); err != nil {
		s.log.Debugw("cannot send 487", "error", err)
	}
	s.terminate(ErrRemoteCancel)
}

// claimFinal returns true for the single caller allowed to send the final response.
func (s *session) claimFinal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionEstablishing || s.final.IsBroken() {
		return false
	}
	s.final.Break()
	return true
}

func (s *session) Accept(ctx context.Context) error {
	if s.dir != call.Incoming {
		return ErrIncomingOnly
	}
	if s.State() == SessionEstablished {
		return nil
	}
	var (
		answer []byte
		err    error
	)
	if offer := s.req.Body(); len(offer) != 0 {
		answer, err = s.sdp.Answer(offer)
	} else {
		answer, err = s.sdp.Offer(SendRecv)
	}
	if err != nil {
		return siperrors.Signaling(err, "cannot answer offer")
	}
	if !s.claimFinal() {
		return siperrors.Signaling(ErrSessionTerminated, "cannot accept")
	}
	res := s.response(sip.StatusOK, "OK", answer)
	res.AppendHeader(&sip.ContactHeader{Address: s.c.contactURI(s.req.Recipient.User)})
	res.AppendHeader(sip.NewHeader("Content-Type", ContentTypeSDP))
	res.AppendHeader(sip.NewHeader("Allow", allowMethods))
	if err := s.tx.Respond(res); err != nil {
		s.terminate(siperrors.Signaling(err, "cannot send 200 OK"))
		return siperrors.Signaling(err, "cannot accept")
	}

	target := s.req.From().Address
	if cont := s.req.Contact(); cont != nil {
		target = cont.Address
	}
	s.mu.Lock()
	s.dlg = &dialog{
		local:  toAddr(res.To()),
		remote: fromAddr(s.req.From()),
		target: target,
		dest:   s.req.Source(),
	}
	s.mu.Unlock()
	s.setState(SessionEstablished, nil)
	return nil
}

func (s *session) Reject(ctx context.Context, status int) error {
	if s.dir != call.Incoming {
		return ErrIncomingOnly
	}
	code, reason := statusDecline, "Decline"
	switch status {
	case 0, 603:
	case 486:
		code, reason = statusBusyHere, "Busy Here"
	default:
		code, reason = sip.StatusCode(status), ""
	}
	if !s.claimFinal() {
		if s.State() == SessionEstablished {
			return s.Bye(ctx)
		}
		return nil
	}
	err := s.tx.Respond(s.response(code, reason, nil))
	s.terminate(nil)
	if err != nil {
		return siperrors.Signaling(err, "cannot reject")
	}
	return nil
}

// onReinvite answers in-dialog INVITEs with the current media parameters.
func (c *Client) onReinvite(req *sip.Request, tx sip.ServerTransaction) {
	s := c.sessionFor(req)
	if s == nil || s.State() != SessionEstablished {
		sipErrorResponse(tx, req, statusNoSuchCall, "Call/Transaction Does Not Exist")
		return
	}
	var (
		body []byte
		err  error
	)
	if offer := req.Body(); len(offer) != 0 {
		body, err = s.sdp.Answer(offer)
		if dir, derr := SDPDirection(offer); derr == nil {
			s.log.Infow("remote changed media direction", "direction", dir)
		}
	} else {
		body, err = s.sdp.Offer(SendRecv)
	}
	if errors.Is(err, ErrNoCommonCodec) {
		sipErrorResponse(tx, req, statusNotAcceptableHere, "Not Acceptable Here")
		return
	} else if err != nil {
		sipErrorResponse(tx, req, sip.StatusBadRequest, "Bad Request")
		return
	}
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", body)
	res.AppendHeader(sip.NewHeader("Content-Type", ContentTypeSDP))
	_ = tx.Respond(res)
}

func (c *Client) onBye(req *sip.Request, tx sip.ServerTransaction) {
	s := c.sessionFor(req)
	if s == nil {
		sipErrorResponse(tx, req, statusNoSuchCall, "Call/Transaction Does Not Exist")
		return
	}
	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	s.log.Infow("remote hangup")
	s.terminate(nil)
}

func (c *Client) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	s := c.sessionFor(req)
	if s == nil || s.dir != call.Incoming {
		sipErrorResponse(tx, req, statusNoSuchCall, "Call/Transaction Does Not Exist")
		return
	}
	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
	s.remoteCancel()
}

func (c *Client) onInfo(req *sip.Request, tx sip.ServerTransaction) {
	if c.sessionFor(req) == nil {
		sipErrorResponse(tx, req, statusNoSuchCall, "Call/Transaction Does Not Exist")
		return
	}
	_ = tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
}

func (c *Client) onOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	res.AppendHeader(sip.NewHeader("Allow", allowMethods))
	_ = tx.Respond(res)
}
