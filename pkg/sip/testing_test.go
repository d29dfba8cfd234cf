// Copyright 2025 LiveKit, Inc.
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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/sipgo"
	"github.com/livekit/sipgo/sip"

	"github.com/livekit/softphone/pkg/call"
	"github.com/livekit/softphone/pkg/config"
)

const (
	testRemoteTag = "remote-tag"
	testWait      = 2 * time.Second
)

type testSIPClientTransaction struct {
	responses chan *sip.Response
	done      chan struct{}
	once      sync.Once
}

func newTestSIPClientTransaction() *testSIPClientTransaction {
	return &testSIPClientTransaction{
		responses: make(chan *sip.Response, 8),
		done:      make(chan struct{}),
	}
}

func (t *testSIPClientTransaction) Terminate() {
	t.once.Do(func() { close(t.done) })
}

func (t *testSIPClientTransaction) Done() <-chan struct{} {
	return t.done
}

func (t *testSIPClientTransaction) Err() error {
	return nil
}

func (t *testSIPClientTransaction) Responses() <-chan *sip.Response {
	return t.responses
}

func (t *testSIPClientTransaction) Cancel() error {
	return nil
}

func (t *testSIPClientTransaction) SendResponse(resp *sip.Response) {
	select {
	case t.responses <- resp:
	case <-t.done:
	}
}

// testSIPClient answers requests in place of the PBX without touching the network.
// Requests without a handler entry get 200 OK.
type testSIPClient struct {
	mu       sync.Mutex
	handlers map[sip.RequestMethod]func(req *sip.Request, tx *testSIPClientTransaction)
	sent     []*sip.Request
	written  []*sip.Request
	invites  map[string]*testSIPClientTransaction
}

func newTestSIPClient() *testSIPClient {
	return &testSIPClient{
		handlers: make(map[sip.RequestMethod]func(req *sip.Request, tx *testSIPClientTransaction)),
		invites:  make(map[string]*testSIPClientTransaction),
	}
}

func (w *testSIPClient) Handle(method sip.RequestMethod, h func(req *sip.Request, tx *testSIPClientTransaction)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[method] = h
}

func (w *testSIPClient) TransactionRequest(req *sip.Request, options ...sipgo.ClientRequestOption) (sip.ClientTransaction, error) {
	if len(options) > 0 {
		panic("options not supported for testSIPClient")
	}
	addVia(req)
	tx := newTestSIPClientTransaction()
	w.mu.Lock()
	w.sent = append(w.sent, req)
	if req.Method == sip.INVITE {
		w.invites[callID(req)] = tx
	}
	h := w.handlers[req.Method]
	w.mu.Unlock()
	if h == nil {
		tx.SendResponse(testResponse(req, sip.StatusOK, nil))
	} else {
		h(req, tx)
	}
	return tx, nil
}

// addVia stamps a Via on requests that have none, as sipgo does on send.
func addVia(req *sip.Request) {
	if req.Via() != nil {
		return
	}
	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       req.Transport(),
		Host:            "127.0.0.1",
		Port:            5060,
		Params:          sip.NewParams(),
	}
	via.Params.Add("branch", sip.GenerateBranchN(16))
	req.PrependHeader(via)
}

func (w *testSIPClient) WriteRequest(req *sip.Request, options ...sipgo.ClientRequestOption) error {
	if len(options) > 0 {
		panic("options not supported for testSIPClient")
	}
	addVia(req)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.written = append(w.written, req)
	return nil
}

func (w *testSIPClient) Close() error {
	return nil
}

// Sent returns transaction requests with the given method, in order.
func (w *testSIPClient) Sent(method sip.RequestMethod) []*sip.Request {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []*sip.Request
	for _, r := range w.sent {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

func (w *testSIPClient) Written(method sip.RequestMethod) []*sip.Request {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []*sip.Request
	for _, r := range w.written {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

// Invite returns the transaction of the INVITE with the given Call-ID.
func (w *testSIPClient) Invite(id string) *testSIPClientTransaction {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.invites[id]
}

// testResponse builds a response as the remote UA would, with its own To tag.
func testResponse(req *sip.Request, code sip.StatusCode, body []byte) *sip.Response {
	res := sip.NewResponseFromRequest(req, code, "", body)
	if to := res.To(); to != nil && code > 100 {
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		if _, ok := to.Params.Get("tag"); !ok {
			to.Params.Add("tag", testRemoteTag)
		}
	}
	return res
}

// testAnswer is a 200 OK to an INVITE carrying an SDP answer.
func testAnswer(t testing.TB, req *sip.Request) *sip.Response {
	remote := newLocalSDP(MediaAddr{IP: "10.0.0.2", Port: 4000})
	body, err := remote.Answer(req.Body())
	require.NoError(t, err)
	res := testResponse(req, sip.StatusOK, body)
	res.AppendHeader(&sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: "1002", Host: "10.0.0.2", Port: 5060}})
	res.AppendHeader(sip.NewHeader("Content-Type", ContentTypeSDP))
	return res
}

// newTestInDialogRequest is a request from the remote side of dialog id.
func newTestInDialogRequest(method sip.RequestMethod, id string) *sip.Request {
	req := sip.NewRequest(method, sip.Uri{Scheme: "sip", User: "1001", Host: "127.0.0.1"})
	fromParams := sip.NewParams()
	fromParams.Add("tag", testRemoteTag)
	req.AppendHeader(&sip.FromHeader{Address: sip.Uri{Scheme: "sip", User: "1002", Host: "pbx.example.com"}, Params: fromParams})
	toParams := sip.NewParams()
	toParams.Add("tag", "local-tag")
	req.AppendHeader(&sip.ToHeader{Address: sip.Uri{Scheme: "sip", User: "1001", Host: "pbx.example.com"}, Params: toParams})
	cid := sip.CallIDHeader(id)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 10, MethodName: method})
	return req
}

type testServerTransaction struct {
	mu        sync.Mutex
	responses []*sip.Response
	acks      chan *sip.Request
	cancels   chan *sip.Request
	done      chan struct{}
}

func newTestServerTransaction() *testServerTransaction {
	return &testServerTransaction{
		acks:    make(chan *sip.Request, 1),
		cancels: make(chan *sip.Request, 1),
		done:    make(chan struct{}),
	}
}

func (t *testServerTransaction) Respond(r *sip.Response) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.responses = append(t.responses, r)
	return nil
}

func (t *testServerTransaction) Responses() []*sip.Response {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*sip.Response(nil), t.responses...)
}

func (t *testServerTransaction) Codes() []sip.StatusCode {
	var codes []sip.StatusCode
	for _, r := range t.Responses() {
		codes = append(codes, r.StatusCode)
	}
	return codes
}

func (t *testServerTransaction) Acks() <-chan *sip.Request {
	return t.acks
}

func (t *testServerTransaction) Cancels() <-chan *sip.Request {
	return t.cancels
}

func (t *testServerTransaction) Done() <-chan struct{} {
	return t.done
}

func (t *testServerTransaction) Err() error {
	return nil
}

func (t *testServerTransaction) Terminate() {}

type stateRecorder struct {
	mu      sync.Mutex
	states  []SessionState
	reasons []error
}

func (r *stateRecorder) Handle(st SessionState, reason error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, st)
	r.reasons = append(r.reasons, reason)
}

func (r *stateRecorder) States() []SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SessionState(nil), r.states...)
}

// Last returns the last reported state and its reason.
func (r *stateRecorder) Last() (SessionState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return SessionInitial, nil
	}
	return r.states[len(r.states)-1], r.reasons[len(r.reasons)-1]
}

func (r *stateRecorder) WaitFor(t testing.TB, st SessionState) error {
	var reason error
	require.Eventually(t, func() bool {
		var got SessionState
		got, reason = r.Last()
		return got == st
	}, testWait, 10*time.Millisecond, "expected state %v", st)
	return reason
}

type connRecorder struct {
	mu     sync.Mutex
	states []call.ConnectionState
	errs   []error
}

func (r *connRecorder) Handle(st call.ConnectionState, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, st)
	r.errs = append(r.errs, err)
}

func (r *connRecorder) States() []call.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call.ConnectionState(nil), r.states...)
}

var testAccount = config.AccountConfig{
	Server:      "pbx.example.com:5060",
	Domain:      "pbx.example.com",
	Extension:   "1001",
	Password:    "secret",
	DisplayName: "Desk 1001",
}

func newTestClient(t testing.TB) (*Client, *testSIPClient) {
	c := NewClient(config.SIPConfig{
		Transport:      "udp",
		RegisterExpiry: time.Minute,
		UserAgent:      "softphone-test",
		MediaIP:        "127.0.0.1",
		MediaPort:      10000,
	}, logger.GetLogger(), nil, nil)
	cli := newTestSIPClient()
	c.sipCli = cli
	t.Cleanup(func() {
		_ = c.Close()
	})
	return c, cli
}

// newRegisteredClient returns a client that completed REGISTER.
func newRegisteredClient(t testing.TB) (*Client, *testSIPClient) {
	c, cli := newTestClient(t)
	require.NoError(t, c.Register(t.Context(), testAccount))
	require.Equal(t, call.Registered, c.ConnectionState())
	return c, cli
}
