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

package history

import (
	"time"

	"github.com/livekit/softphone/pkg/api"
	"github.com/livekit/softphone/pkg/call"
)

const Source = "pwa"

// Server status vocabulary.
const (
	serverAnswered = "answered"
	serverMissed   = "missed"
	serverRejected = "rejected"
)

// Entry is a history record in local vocabulary.
type Entry struct {
	ID                 string
	Direction          call.Direction
	CallerNumber       string
	CalledNumber       string
	CallerName         string
	StartTime          time.Time
	AnswerTime         time.Time // zero if never answered
	EndTime            time.Time
	Duration           time.Duration
	AnsweredByUserID   string
	AnsweredByUsername string
	Status             call.Status
	Source             string
	Seen               bool
}

// Identity of the local user, used to fill the non-counterpart side of entries.
type Identity struct {
	Extension string
	UserID    string
	Username  string
}

func ToServerStatus(s call.Status) string {
	switch s {
	case call.StatusCompleted:
		return serverAnswered
	case call.StatusRejected:
		return serverRejected
	}
	return serverMissed
}

func FromServerStatus(s string) call.Status {
	switch s {
	case serverAnswered, string(call.StatusCompleted):
		return call.StatusCompleted
	case serverRejected:
		return call.StatusRejected
	}
	return call.StatusMissed
}

// NewEntry projects a terminated call. The end time defaults to now.
func NewEntry(c call.Call, status call.Status, id Identity, now time.Time) Entry {
	end := c.EndTime
	if end.IsZero() {
		end = now
	}
	start := c.StartTime
	if start.IsZero() {
		start = end
	}
	e := Entry{
		ID:         c.ID,
		Direction:  c.Direction,
		CallerName: c.CallerName,
		StartTime:  start,
		EndTime:    end,
		Status:     status,
		Source:     Source,
	}
	if c.Answered {
		e.AnswerTime = c.AnswerTime
		e.Duration = c.WithEnded(end).Duration(end).Truncate(time.Second)
	}
	switch c.Direction {
	case call.Outgoing:
		e.CallerNumber = id.Extension
		e.CalledNumber = c.Counterpart
		e.CallerName = ""
	default:
		e.CallerNumber = c.Counterpart
		e.CalledNumber = id.Extension
		if c.Answered {
			e.AnsweredByUserID = id.UserID
			e.AnsweredByUsername = id.Username
		}
	}
	return e
}

func (e Entry) Record() api.CallRecord {
	r := api.CallRecord{
		ID:                 e.ID,
		Direction:          string(e.Direction),
		CallerNumber:       e.CallerNumber,
		CalledNumber:       e.CalledNumber,
		CallerName:         e.CallerName,
		StartTime:          e.StartTime,
		EndTime:            e.EndTime,
		Duration:           int(e.Duration / time.Second),
		AnsweredByUserID:   e.AnsweredByUserID,
		AnsweredByUsername: e.AnsweredByUsername,
		Status:             ToServerStatus(e.Status),
		Source:             e.Source,
		Seen:               e.Seen,
	}
	if !e.AnswerTime.IsZero() {
		t := e.AnswerTime
		r.AnswerTime = &t
	}
	return r
}

func FromRecord(r api.CallRecord) Entry {
	e := Entry{
		ID:                 r.ID,
		Direction:          call.Direction(r.Direction),
		CallerNumber:       r.CallerNumber,
		CalledNumber:       r.CalledNumber,
		CallerName:         r.CallerName,
		StartTime:          r.StartTime,
		EndTime:            r.EndTime,
		Duration:           time.Duration(r.Duration) * time.Second,
		AnsweredByUserID:   r.AnsweredByUserID,
		AnsweredByUsername: r.AnsweredByUsername,
		Status:             FromServerStatus(r.Status),
		Source:             r.Source,
		Seen:               r.Seen,
	}
	if r.AnswerTime != nil {
		e.AnswerTime = *r.AnswerTime
	}
	return e
}

// countsAsMissed is the local filter used when the server count is unavailable.
func (e Entry) countsAsMissed() bool {
	return e.Status == call.StatusMissed && !e.Seen && e.Direction == call.Incoming
}
