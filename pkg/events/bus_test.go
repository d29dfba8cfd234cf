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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/livekit/softphone/pkg/call"
)

func TestBusOrderAndFilter(t *testing.T) {
	b := NewBus()

	var all []Event
	b.Subscribe(func(ev Event) { all = append(all, ev) })

	var states []call.State
	On(b, func(ev CallStateChanged) { states = append(states, ev.State) })

	b.Publish(CallStateChanged{State: call.StateRingingOutgoing})
	b.Publish(MuteChanged{Muted: true})
	b.Publish(CallStateChanged{State: call.StateAnswered})

	require.Len(t, all, 3)
	require.IsType(t, MuteChanged{}, all[1])
	require.Equal(t, []call.State{call.StateRingingOutgoing, call.StateAnswered}, states)
}

func TestBusUnsubscribe(t *testing.T) {
	b := NewBus()
	n := 0
	cancel := b.Subscribe(func(Event) { n++ })
	b.Publish(MuteChanged{})
	cancel()
	cancel()
	b.Publish(MuteChanged{})
	require.Equal(t, 1, n)
}

func TestBusHandlerMaySubscribe(t *testing.T) {
	b := NewBus()
	late := 0
	b.Subscribe(func(Event) {
		b.Subscribe(func(Event) { late++ })
	})
	b.Publish(MuteChanged{})
	require.Zero(t, late)
	b.Publish(MuteChanged{})
	require.Equal(t, 1, late)
}
