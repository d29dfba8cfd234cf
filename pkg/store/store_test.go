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

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/softphone/pkg/call"
	"github.com/livekit/softphone/pkg/history"
)

func openTestStore(t *testing.T) (*Store, string) {
	path := filepath.Join(t.TempDir(), "data", "softphone.db")
	s, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestFlagsPersist(t *testing.T) {
	ctx := context.Background()
	s, path := openTestStore(t)

	_, ok, err := s.Flags().Get(ctx, "mic_permission")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Flags().Set(ctx, "mic_permission", "granted"))
	require.NoError(t, s.Flags().Set(ctx, "mic_permission", "denied"))
	require.NoError(t, s.Close())

	s2, err := Open(ctx, path)
	require.NoError(t, err)
	defer s2.Close()
	v, ok, err := s2.Flags().Get(ctx, "mic_permission")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "denied", v)
}

func TestHistoryLog(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)
	h := s.History()

	t0 := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	answered := history.Entry{
		ID: "a", Direction: call.Outgoing, CallerNumber: "1001", CalledNumber: "0690123456",
		StartTime: t0, AnswerTime: t0.Add(time.Second), EndTime: t0.Add(time.Minute),
		Duration: 59 * time.Second, Status: call.StatusCompleted, Source: history.Source,
	}
	missed := history.Entry{
		ID: "b", Direction: call.Incoming, CallerNumber: "0690000000", CalledNumber: "1001",
		StartTime: t0, EndTime: t0.Add(20 * time.Second), Status: call.StatusMissed, Source: history.Source,
	}
	require.NoError(t, h.Append(ctx, answered))
	require.NoError(t, h.Append(ctx, missed))
	dup := answered
	dup.Status = call.StatusRejected
	require.NoError(t, h.Append(ctx, dup))

	list, err := h.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, answered, list[0])
	require.Equal(t, missed, list[1])
	require.True(t, list[1].AnswerTime.IsZero())

	require.NoError(t, h.MarkAllSeen(ctx))
	list, err = h.List(ctx)
	require.NoError(t, err)
	require.True(t, list[0].Seen)
	require.True(t, list[1].Seen)
}
