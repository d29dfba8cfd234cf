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

	"github.com/livekit/softphone/pkg/call"
	"github.com/livekit/softphone/pkg/config"
)

// StateHandler receives session state changes. For SessionTerminated, reason
// is nil on a normal hangup, ErrRemoteCancel when the caller gave up, or an
// *ErrorStatus when the remote side refused the call.
type StateHandler func(st SessionState, reason error)

// Session is one INVITE dialog, outgoing or incoming.
type Session interface {
	// ID is the SIP Call-ID.
	ID() string
	Direction() call.Direction
	// Remote returns the counterpart user part and display name.
	Remote() (user, displayName string)
	// Header returns a header of the initial INVITE for incoming sessions, or
	// of the final response for outgoing ones.
	Header(name string) string
	State() SessionState

	// Accept answers an incoming session.
	Accept(ctx context.Context) error
	// Reject declines an incoming session. Zero status sends 603 Decline.
	Reject(ctx context.Context, status int) error
	// Bye ends the session: BYE when established, otherwise CANCEL or reject.
	Bye(ctx context.Context) error
	// Cancel abandons an outgoing session before it is established.
	Cancel(ctx context.Context) error

	Hold(ctx context.Context) error
	Unhold(ctx context.Context) error
	SendDTMF(ctx context.Context, digit byte) error

	OnStateChange(h StateHandler)
}

// Agent registers with the PBX and creates sessions.
type Agent interface {
	Register(ctx context.Context, acc config.AccountConfig) error
	Unregister(ctx context.Context) error
	// NewSession sends an INVITE to target. h is installed before the first
	// state change is reported.
	NewSession(ctx context.Context, target string, h StateHandler) (Session, error)
	OnIncoming(h func(Session))
	OnState(h func(call.ConnectionState, error))
	Close() error
}

var _ Agent = (*Client)(nil)
var _ Session = (*session)(nil)
