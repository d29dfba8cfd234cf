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

// Package call holds the value types shared by the call-control components.
package call

import (
	"time"

	"github.com/google/uuid"
)

// ConnectionState of the signaling agent towards the PBX.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Registered
	Error
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Registered:
		return "registered"
	case Error:
		return "error"
	}
	return "unknown"
}

// State of the single call slot owned by the controller.
type State int

const (
	StateIdle State = iota
	StateRingingOutgoing
	StateRingingIncoming
	StateAnswered
	StateOnHold
	// StateEnded is transient and only observed in events.
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRingingOutgoing:
		return "ringing-outgoing"
	case StateRingingIncoming:
		return "ringing-incoming"
	case StateAnswered:
		return "answered"
	case StateOnHold:
		return "on-hold"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

// Origin tells how an incoming call was first observed.
type Origin string

const (
	OriginSIP Origin = "sip"
	OriginAMI Origin = "ami"
)

// Call is replaced as a whole on every transition; holders of a copy never
// observe later mutations.
type Call struct {
	ID          string
	Direction   Direction
	Counterpart string
	CallerName  string
	LineName    string
	Origin      Origin

	StartTime  time.Time
	AnswerTime time.Time // set iff Answered
	EndTime    time.Time // set only after a terminal transition
	Answered   bool
}

func NewID() string {
	return uuid.NewString()
}

// WithAnswered returns a copy marked as answered at t.
func (c Call) WithAnswered(t time.Time) Call {
	c.Answered = true
	c.AnswerTime = t
	return c
}

// WithEnded returns a copy marked as ended at t.
func (c Call) WithEnded(t time.Time) Call {
	c.EndTime = t
	return c
}

// Duration since the call was answered. Zero for unanswered calls. For ended
// calls the end time is used instead of now.
func (c Call) Duration(now time.Time) time.Duration {
	if !c.Answered {
		return 0
	}
	end := now
	if !c.EndTime.IsZero() {
		end = c.EndTime
	}
	if end.Before(c.AnswerTime) {
		return 0
	}
	return end.Sub(c.AnswerTime)
}

// Status is the outcome recorded in the call history. Completed is the local
// name of the server's "answered".
type Status string

const (
	StatusCompleted Status = "completed"
	StatusMissed    Status = "missed"
	StatusRejected  Status = "rejected"
)
