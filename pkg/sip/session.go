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
	"sync"

	"github.com/frostbyte73/core"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/sipgo/sip"

	"github.com/livekit/softphone/pkg/call"
	siperrors "github.com/livekit/softphone/pkg/errors"
)

// nameAddr is a From/To value detached from a message.
type nameAddr struct {
	DisplayName string
	Address     sip.Uri
	Params      sip.HeaderParams
}

// dialog holds what is needed to send requests inside an established dialog.
type dialog struct {
	local  nameAddr
	remote nameAddr
	target sip.Uri
	dest   string
	cseq   uint32
}

type session struct {
	c   *Client
	log logger.Logger
	dir call.Direction
	id  string
	sdp *localSDP

	// outgoing: releases the dial context once the INVITE transaction ends.
	stopDial context.CancelFunc
	// incoming: the initial INVITE and its server transaction.
	req *sip.Request
	tx  sip.ServerTransaction

	done core.Fuse
	// final is broken once a final response to an incoming INVITE was sent.
	final core.Fuse

	mu         sync.Mutex
	state      SessionState
	handler    StateHandler
	remoteUser string
	remoteName string
	localTag   string
	dlg        *dialog
	held       bool

	invite    *sip.Request
	inviteOk  *sip.Response
	cancelled bool
}

func (s *session) ID() string {
	return s.id
}

func (s *session) Direction() call.Direction {
	return s.dir
}

func (s *session) Remote() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteUser, s.remoteName
}

func (s *session) Header(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var h sip.Header
	switch {
	case s.req != nil:
		h = s.req.GetHeader(name)
	case s.inviteOk != nil:
		h = s.inviteOk.GetHeader(name)
	}
	if h == nil {
		return ""
	}
	return h.Value()
}

func (s *session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) OnStateChange(h StateHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Held reports whether the last re-INVITE put the remote side on hold.
func (s *session) Held() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}

// setState reports st to the handler. Nothing is reported after termination.
func (s *session) setState(st SessionState, reason error) bool {
	s.mu.Lock()
	if s.state == SessionTerminated || s.state == st {
		s.mu.Unlock()
		return false
	}
	s.state = st
	h := s.handler
	s.mu.Unlock()

	if st == SessionTerminated {
		s.done.Break()
		s.c.removeSession(s)
	}
	if reason != nil {
		s.log.Infow("session state changed", "state", st, "reason", reason)
	} else {
		s.log.Infow("session state changed", "state", st)
	}
	if h != nil {
		h(st, reason)
	}
	return true
}

func (s *session) terminate(reason error) bool {
	return s.setState(SessionTerminated, reason)
}

// newDialogRequest builds a request inside the established dialog.
func (s *session) newDialogRequest(method sip.RequestMethod, body []byte, contentType string) (*sip.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dlg == nil || s.state != SessionEstablished {
		return nil, ErrNotEstablished
	}
	return s.buildRequestLocked(method, body, contentType), nil
}

func (s *session) buildRequestLocked(method sip.RequestMethod, body []byte, contentType string) *sip.Request {
	d := s.dlg
	req := sip.NewRequest(method, d.target)
	req.SetDestination(d.dest)
	req.AppendHeader(&sip.FromHeader{DisplayName: d.local.DisplayName, Address: d.local.Address, Params: d.local.Params})
	req.AppendHeader(&sip.ToHeader{DisplayName: d.remote.DisplayName, Address: d.remote.Address, Params: d.remote.Params})
	cid := sip.CallIDHeader(s.id)
	req.AppendHeader(&cid)
	d.cseq++
	req.AppendHeader(&sip.CSeqHeader{SeqNo: d.cseq, MethodName: method})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	if method == sip.INVITE {
		req.AppendHeader(&sip.ContactHeader{Address: s.c.contactURI(d.local.Address.User)})
	}
	req.AppendHeader(sip.NewHeader("User-Agent", s.c.conf.UserAgent))
	if body != nil {
		req.AppendHeader(sip.NewHeader("Content-Type", contentType))
		req.SetBody(body)
	}
	return req
}

// Bye ends the session in whatever way its state allows.
func (s *session) Bye(ctx context.Context) error {
	switch s.State() {
	case SessionTerminated:
		return nil
	case SessionInitial, SessionEstablishing:
		if s.dir == call.Outgoing {
			return s.Cancel(ctx)
		}
		return s.Reject(ctx, 0)
	}
	bye, err := s.newDialogRequest(sip.BYE, nil, "")
	if err != nil {
		// Terminated concurrently.
		return nil
	}
	if !s.terminate(nil) {
		return nil
	}
	if err := sendBye(ctx, s.c.sipCli, bye); err != nil {
		s.log.Warnw("BYE failed", err)
		return siperrors.Signaling(err, "bye failed")
	}
	return nil
}

func (s *session) Hold(ctx context.Context) error {
	return s.reinvite(ctx, SendOnly)
}

func (s *session) Unhold(ctx context.Context) error {
	return s.reinvite(ctx, SendRecv)
}

// reinvite renegotiates the audio direction of the dialog.
func (s *session) reinvite(ctx context.Context, dir Direction) error {
	offer, err := s.sdp.Offer(dir)
	if err != nil {
		return siperrors.Signaling(err, "cannot create offer")
	}
	req, err := s.newDialogRequest(sip.INVITE, offer, ContentTypeSDP)
	if err != nil {
		return siperrors.Signaling(err, "cannot send re-INVITE")
	}
	resp, err := transaction(ctx, s.c.sipCli, req)
	if err != nil {
		return siperrors.Signaling(err, "re-INVITE failed")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return siperrors.Signaling(statusError(resp), "re-INVITE rejected")
	}
	ack := sip.NewAckRequest(req, resp, nil)
	ack.SetDestination(req.Destination())
	if err := s.c.sipCli.WriteRequest(ack); err != nil {
		s.log.Warnw("cannot ACK re-INVITE", err)
	}
	s.mu.Lock()
	s.held = dir != SendRecv
	s.mu.Unlock()
	s.log.Infow("media direction changed", "direction", dir)
	return nil
}

// SendDTMF sends one digit with SIP INFO.
func (s *session) SendDTMF(ctx context.Context, digit byte) error {
	d, err := NormalizeDigit(digit)
	if err != nil {
		return err
	}
	req, err := s.newDialogRequest(sip.INFO, dtmfRelayBody(d), ContentTypeDTMFRelay)
	if err != nil {
		return siperrors.Signaling(err, "cannot send DTMF")
	}
	resp, err := transaction(ctx, s.c.sipCli, req)
	if err != nil {
		return siperrors.Signaling(err, "DTMF INFO failed")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return siperrors.Signaling(statusError(resp), "DTMF INFO rejected")
	}
	s.log.Debugw("sent DTMF", "digit", string(d))
	return nil
}

func fromAddr(h *sip.FromHeader) nameAddr {
	if h == nil {
		return nameAddr{}
	}
	return nameAddr{DisplayName: h.DisplayName, Address: h.Address, Params: h.Params}
}

func toAddr(h *sip.ToHeader) nameAddr {
	if h == nil {
		return nameAddr{}
	}
	return nameAddr{DisplayName: h.DisplayName, Address: h.Address, Params: h.Params}
}
