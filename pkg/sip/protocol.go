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
	"fmt"
	"time"

	"github.com/icholy/digest"

	"github.com/livekit/sipgo"
	"github.com/livekit/sipgo/sip"
)

const (
	ContentTypeSDP       = "application/sdp"
	ContentTypeDTMFRelay = "application/dtmf-relay"

	// DTMFDuration is the tone duration in milliseconds sent with INFO.
	DTMFDuration = 100

	allowMethods = "INVITE, ACK, CANCEL, BYE, INFO, OPTIONS"

	requestTimeout = 10 * time.Second
)

const (
	statusTemporarilyUnavailable sip.StatusCode = 480
	statusNoSuchCall             sip.StatusCode = 481
	statusBusyHere               sip.StatusCode = 486
	statusRequestTerminated      sip.StatusCode = 487
	statusNotAcceptableHere      sip.StatusCode = 488
	statusServiceUnavailable     sip.StatusCode = 503
	statusDecline                sip.StatusCode = 603
)

var (
	ErrInvalidDigit      = errors.New("invalid DTMF digit")
	ErrRemoteCancel      = errors.New("remote party cancelled the call")
	ErrAuthRequired      = errors.New("server required auth, but no username or password was provided")
	ErrSessionTerminated = errors.New("session terminated")
	ErrNotEstablished    = errors.New("session is not established")
	ErrIncomingOnly      = errors.New("operation is only valid for incoming sessions")
	ErrOutgoingOnly      = errors.New("operation is only valid for outgoing sessions")
)

// ErrorStatus is a final non-2xx response received from the remote side.
type ErrorStatus struct {
	StatusCode int
	Message    string
}

func (e *ErrorStatus) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("sip status: %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("sip status: %d", e.StatusCode)
}

// StatusOf returns the SIP status of a refusal carried by err.
func StatusOf(err error) (int, bool) {
	var e *ErrorStatus
	if errors.As(err, &e) {
		return e.StatusCode, true
	}
	return 0, false
}

func statusError(resp *sip.Response) *ErrorStatus {
	err := &ErrorStatus{StatusCode: int(resp.StatusCode), Message: resp.Reason}
	if h := resp.GetHeader("Reason"); h != nil {
		err.Message = h.Value()
	}
	return err
}

// SIPClient is the part of sipgo.Client used for signaling.
type SIPClient interface {
	TransactionRequest(req *sip.Request, options ...sipgo.ClientRequestOption) (sip.ClientTransaction, error)
	WriteRequest(req *sip.Request, options ...sipgo.ClientRequestOption) error
	Close() error
}

type GetSipClientFunc func(ua *sipgo.UserAgent, options ...sipgo.ClientOption) (SIPClient, error)

func DefaultGetSipClientFunc(ua *sipgo.UserAgent, options ...sipgo.ClientOption) (SIPClient, error) {
	return sipgo.NewClient(ua, options...)
}

// sipResponse waits for the final response, reporting provisional ones to onProvisional.
func sipResponse(ctx context.Context, tx sip.ClientTransaction, onProvisional func(*sip.Response)) (*sip.Response, error) {
	cnt := 0
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tx.Done():
			if err := tx.Err(); err != nil {
				return nil, fmt.Errorf("transaction failed to complete (%d intermediate responses): %w", cnt, err)
			}
			return nil, fmt.Errorf("transaction failed to complete (%d intermediate responses)", cnt)
		case res, ok := <-tx.Responses():
			if !ok {
				return nil, fmt.Errorf("transaction closed (%d intermediate responses)", cnt)
			}
			if res.StatusCode < 200 {
				cnt++
				if onProvisional != nil {
					onProvisional(res)
				}
				continue
			}
			return res, nil
		}
	}
}

// transaction sends req and waits for its final response.
func transaction(ctx context.Context, cli SIPClient, req *sip.Request) (*sip.Response, error) {
	tx, err := cli.TransactionRequest(req)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	return sipResponse(ctx, tx, nil)
}

// authChallenge returns the request header name to answer a 401/407 challenge with.
func authChallenge(resp *sip.Response) (challengeHdr, authHdr string, ok bool) {
	switch resp.StatusCode {
	case sip.StatusUnauthorized:
		return "WWW-Authenticate", "Authorization", true
	case sip.StatusProxyAuthRequired:
		return "Proxy-Authenticate", "Proxy-Authorization", true
	}
	return "", "", false
}

// digestAuthorize computes credentials for req answering the challenge in resp.
// It returns the header to add to the retried request.
func digestAuthorize(req *sip.Request, resp *sip.Response, user, pass string) (sip.Header, error) {
	challengeHdr, authHdr, ok := authChallenge(resp)
	if !ok {
		return nil, fmt.Errorf("unexpected auth status %d", resp.StatusCode)
	}
	if user == "" || pass == "" {
		return nil, ErrAuthRequired
	}
	h := resp.GetHeader(challengeHdr)
	if h == nil {
		return nil, fmt.Errorf("no %s header on %d response", challengeHdr, resp.StatusCode)
	}
	challenge, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return nil, err
	}
	cred, err := digest.Digest(challenge, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: user,
		Password: pass,
	})
	if err != nil {
		return nil, err
	}
	return sip.NewHeader(authHdr, cred.String()), nil
}

// retryWithAuth clones req with a fresh CSeq and the computed credentials.
func retryWithAuth(req *sip.Request, auth sip.Header) *sip.Request {
	next := req.Clone()
	next.RemoveHeader("Authorization")
	next.RemoveHeader("Proxy-Authorization")
	next.RemoveHeader("Via")
	if cseq := next.CSeq(); cseq != nil {
		cseq.SeqNo++
	}
	next.AppendHeader(auth)
	return next
}

func sendBye(ctx context.Context, cli SIPClient, bye *sip.Request) error {
	r, err := transaction(ctx, cli, bye)
	if err != nil {
		return err
	}
	if r.StatusCode >= 300 && r.StatusCode != statusNoSuchCall {
		return statusError(r)
	}
	return nil
}

// newCancel builds a CANCEL matching a pending INVITE.
func newCancel(invite *sip.Request) *sip.Request {
	req := sip.NewRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("Via", invite, req)
	sip.CopyHeaders("From", invite, req)
	sip.CopyHeaders("To", invite, req)
	sip.CopyHeaders("Call-ID", invite, req)
	sip.CopyHeaders("Route", invite, req)
	if cseq := invite.CSeq(); cseq != nil {
		req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)
	req.SetDestination(invite.Destination())
	return req
}

var charToDigit = map[byte]byte{
	'0': '0', '1': '1', '2': '2', '3': '3', '4': '4',
	'5': '5', '6': '6', '7': '7', '8': '8', '9': '9',
	'*': '*', '#': '#',
	'a': 'A', 'b': 'B', 'c': 'C', 'd': 'D',
	'A': 'A', 'B': 'B', 'C': 'C', 'D': 'D',
}

// NormalizeDigit validates a DTMF digit and returns its canonical form.
func NormalizeDigit(d byte) (byte, error) {
	v, ok := charToDigit[d]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDigit, d)
	}
	return v, nil
}

// dtmfRelayBody is the application/dtmf-relay payload of a single digit.
func dtmfRelayBody(d byte) []byte {
	return fmt.Appendf(nil, "Signal=%c\r\nDuration=%d", d, DTMFDuration)
}
