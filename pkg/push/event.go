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

// Package push consumes the backend push channel announcing calls that ring
// on the PBX before any SIP session exists.
package push

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

const (
	TypeIncomingCall = "incoming_call"
	TypeCallEnded    = "call_ended"
)

// Event is IncomingCall or CallEnded.
type Event interface {
	pushEvent()
}

type IncomingCall struct {
	CallID       string    `json:"callId"`
	CallerNumber string    `json:"callerNumber"`
	CallerName   string    `json:"callerName,omitempty"`
	LineName     string    `json:"lineName,omitempty"`
	Extension    string    `json:"extension,omitempty"`
	StartTime    Timestamp `json:"startTime,omitempty"`
}

type CallEnded struct {
	CallID string `json:"callId"`
	Status string `json:"status,omitempty"`
}

func (IncomingCall) pushEvent() {}
func (CallEnded) pushEvent()    {}

// Timestamp accepts RFC 3339 strings and Unix milliseconds.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0, bytes.Equal(data, []byte("null")):
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		v, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return err
		}
		t.Time = v
		return nil
	}
	ms, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %s: %w", data, err)
	}
	t.Time = time.UnixMilli(ms)
	return nil
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode parses one push message. Payload fields may be inline or under "data".
// Unknown types return a nil event and no error.
func Decode(msg []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, err
	}
	payload := msg
	if len(env.Data) != 0 && !bytes.Equal(env.Data, []byte("null")) {
		payload = env.Data
	}
	switch env.Type {
	case TypeIncomingCall:
		var ev IncomingCall
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		if ev.CallID == "" {
			return nil, fmt.Errorf("%s without callId", env.Type)
		}
		return ev, nil
	case TypeCallEnded:
		var ev CallEnded
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		if ev.CallID == "" {
			return nil, fmt.Errorf("%s without callId", env.Type)
		}
		return ev, nil
	}
	return nil, nil
}
