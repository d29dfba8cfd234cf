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
	"context"
	"sort"
	"sync"
	"time"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/softphone/pkg/api"
	"github.com/livekit/softphone/pkg/call"
	"github.com/livekit/softphone/pkg/stats"
)

const markSeenTimeout = 10 * time.Second

// API is the subset of the backend client used by the store.
type API interface {
	Authenticated() bool
	PostCall(ctx context.Context, rec api.CallRecord) error
	ListCalls(ctx context.Context, limit int) ([]api.CallRecord, error)
	MissedCount(ctx context.Context) (int, error)
	MarkAllSeen(ctx context.Context) error
}

// Log is the local append-only tier.
type Log interface {
	Append(ctx context.Context, e Entry) error
	List(ctx context.Context) ([]Entry, error)
	MarkAllSeen(ctx context.Context) error
}

// Store merges the local log with the last server view. Server entries win on
// equal ids; the server view is replaced wholesale by Sync.
type Store struct {
	log   logger.Logger
	api   API
	local Log
	mon   *stats.Monitor
	now   func() time.Time

	mu       sync.Mutex
	identity Identity
	server   map[string]Entry

	bg sync.WaitGroup
}

func NewStore(log logger.Logger, client API, local Log, mon *stats.Monitor) *Store {
	if log == nil {
		log = logger.GetLogger()
	}
	if local == nil {
		local = NewMemoryLog()
	}
	return &Store{
		log:    log.WithValues("component", "history"),
		api:    client,
		local:  local,
		mon:    mon,
		now:    time.Now,
		server: make(map[string]Entry),
	}
}

func (s *Store) SetIdentity(id Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = id
}

func (s *Store) authenticated() bool {
	return s.api != nil && s.api.Authenticated()
}

// Append records a terminated call locally and submits it once. Submission
// failures are logged and left for the next Sync; a 409 means the server
// already has the record.
func (s *Store) Append(ctx context.Context, c call.Call, status call.Status) Entry {
	s.mu.Lock()
	e := NewEntry(c, status, s.identity, s.now())
	s.mu.Unlock()

	log := s.log.WithValues("callID", e.ID, "status", e.Status)
	if err := s.local.Append(ctx, e); err != nil {
		log.Warnw("cannot append to local history", err)
	}
	if !s.authenticated() {
		log.Debugw("not authenticated, keeping history entry locally")
		s.mon.HistorySubmission("skipped")
		return e
	}
	err := s.api.PostCall(ctx, e.Record())
	switch {
	case err == nil:
		s.mon.HistorySubmission("ok")
	case api.IsConflict(err):
		log.Debugw("history entry already recorded")
		s.mon.HistorySubmission("conflict")
	default:
		log.Warnw("cannot submit history entry", err)
		s.mon.HistorySubmission("error")
	}
	return e
}

// Sync replaces the server view with the most recent limit entries.
func (s *Store) Sync(ctx context.Context, limit int) error {
	if !s.authenticated() {
		return nil
	}
	recs, err := s.api.ListCalls(ctx, limit)
	if err != nil {
		s.log.Warnw("cannot sync call history", err)
		return err
	}
	view := make(map[string]Entry, len(recs))
	for _, r := range recs {
		view[r.ID] = FromRecord(r)
	}
	s.mu.Lock()
	s.server = view
	s.mu.Unlock()
	return nil
}

// Entries returns the merged view, newest first.
func (s *Store) Entries(ctx context.Context) []Entry {
	local, err := s.local.List(ctx)
	if err != nil {
		s.log.Warnw("cannot list local history", err)
	}
	s.mu.Lock()
	out := make([]Entry, 0, len(s.server)+len(local))
	for _, e := range s.server {
		out = append(out, e)
	}
	for _, e := range local {
		if _, ok := s.server[e.ID]; !ok {
			out = append(out, e)
		}
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out
}

// MissedCount prefers the server count and falls back to the local view.
func (s *Store) MissedCount(ctx context.Context) int {
	if s.authenticated() {
		n, err := s.api.MissedCount(ctx)
		if err == nil {
			return n
		}
		s.log.Debugw("using local missed call count", "error", err)
	}
	n := 0
	for _, e := range s.Entries(ctx) {
		if e.countsAsMissed() {
			n++
		}
	}
	return n
}

// MarkAllSeen updates local state immediately and notifies the server in the
// background. Server failures are only logged.
func (s *Store) MarkAllSeen(ctx context.Context) {
	if err := s.local.MarkAllSeen(ctx); err != nil {
		s.log.Warnw("cannot mark local history seen", err)
	}
	s.mu.Lock()
	for id, e := range s.server {
		e.Seen = true
		s.server[id] = e
	}
	s.mu.Unlock()

	if !s.authenticated() {
		return
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), markSeenTimeout)
		defer cancel()
		if err := s.api.MarkAllSeen(ctx); err != nil {
			s.log.Warnw("cannot mark missed calls seen on server", err)
		}
	}()
}

// Wait blocks until background server updates finish.
func (s *Store) Wait() {
	s.bg.Wait()
}
