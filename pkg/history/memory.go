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
	"sync"
)

// MemoryLog is a Log kept in process memory.
type MemoryLog struct {
	mu      sync.Mutex
	entries []Entry
	index   map[string]int
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{index: make(map[string]int)}
}

// Append ignores entries whose id was already logged.
func (m *MemoryLog) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.index[e.ID]; ok {
		return nil
	}
	m.index[e.ID] = len(m.entries)
	m.entries = append(m.entries, e)
	return nil
}

func (m *MemoryLog) List(_ context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out, nil
}

func (m *MemoryLog) MarkAllSeen(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.entries {
		m.entries[i].Seen = true
	}
	return nil
}
