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

package events

import (
	"sync"
	"time"

	"github.com/livekit/softphone/pkg/call"
)

// Event is the closed set of notifications published by the controller.
type Event interface {
	event()
}

type ConnectionChanged struct {
	State call.ConnectionState
	Err   error
}

type CallStateChanged struct {
	State call.State
	Call  call.Call
}

type IncomingCall struct {
	Call call.Call
}

type CallEnded struct {
	Call   call.Call
	Status call.Status
}

type CallTick struct {
	CallID   string
	Duration time.Duration
}

type MuteChanged struct {
	Muted bool
}

type Error struct {
	Op  string
	Err error
}

func (ConnectionChanged) event() {}
func (CallStateChanged) event()  {}
func (IncomingCall) event()      {}
func (CallEnded) event()         {}
func (CallTick) event()          {}
func (MuteChanged) event()       {}
func (Error) event()             {}

type Handler func(Event)

// Bus delivers events synchronously, in publish order, on the publisher's
// goroutine. Publishers must not hold locks that handlers may need.
type Bus struct {
	mu   sync.RWMutex
	next uint64
	subs map[uint64]Handler
	// order keeps delivery in subscription order.
	order []uint64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]Handler)}
}

// Subscribe registers h for every event. The returned func removes it.
func (b *Bus) Subscribe(h Handler) func() {
	if h == nil {
		return func() {}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.subs[id] = h
	b.order = append(b.order, id)
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; !ok {
			return
		}
		delete(b.subs, id)
		for i, v := range b.order {
			if v == id {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	}
}

func (b *Bus) Publish(ev Event) {
	if b == nil || ev == nil {
		return
	}
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.order))
	for _, id := range b.order {
		handlers = append(handlers, b.subs[id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

// On subscribes fn to events of type T only.
func On[T Event](b *Bus, fn func(T)) func() {
	return b.Subscribe(func(ev Event) {
		if v, ok := ev.(T); ok {
			fn(v)
		}
	})
}
