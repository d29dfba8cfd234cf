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

// Package store is the durable client storage of the softphone, kept in a
// single SQLite file.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/livekit/softphone/pkg/call"
	"github.com/livekit/softphone/pkg/history"
)

const schema = `
CREATE TABLE IF NOT EXISTS flags (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS call_log (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	id              TEXT NOT NULL UNIQUE,
	direction       TEXT NOT NULL,
	caller_number   TEXT NOT NULL,
	called_number   TEXT NOT NULL,
	caller_name     TEXT NOT NULL,
	start_time      TEXT NOT NULL,
	answer_time     TEXT,
	end_time        TEXT NOT NULL,
	duration_ms     INTEGER NOT NULL,
	answered_by_id  TEXT NOT NULL,
	answered_by     TEXT NOT NULL,
	status          TEXT NOT NULL,
	source          TEXT NOT NULL,
	seen            INTEGER NOT NULL DEFAULT 0
);
`

type Store struct {
	db *sql.DB
}

// Open creates the database file and its parent directory when missing.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = db.Close()
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Flags returns the key/value flag table.
func (s *Store) Flags() *Flags {
	return &Flags{db: s.db}
}

// History returns the local call log.
func (s *Store) History() *HistoryLog {
	return &HistoryLog{db: s.db}
}

type Flags struct {
	db *sql.DB
}

func (f *Flags) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := f.db.QueryRowContext(ctx, `SELECT value FROM flags WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	} else if err != nil {
		return "", false, fmt.Errorf("get flag %q: %w", key, err)
	}
	return v, true, nil
}

func (f *Flags) Set(ctx context.Context, key, value string) error {
	_, err := f.db.ExecContext(ctx, `
INSERT INTO flags(key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at
`, key, value, ts(time.Now()))
	if err != nil {
		return fmt.Errorf("set flag %q: %w", key, err)
	}
	return nil
}

type HistoryLog struct {
	db *sql.DB
}

var _ history.Log = (*HistoryLog)(nil)

// Append keeps the first record for an id.
func (h *HistoryLog) Append(ctx context.Context, e history.Entry) error {
	var answer any
	if !e.AnswerTime.IsZero() {
		answer = ts(e.AnswerTime)
	}
	_, err := h.db.ExecContext(ctx, `
INSERT INTO call_log(id, direction, caller_number, called_number, caller_name, start_time, answer_time, end_time,
	duration_ms, answered_by_id, answered_by, status, source, seen)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING
`, e.ID, string(e.Direction), e.CallerNumber, e.CalledNumber, e.CallerName, ts(e.StartTime), answer, ts(e.EndTime),
		e.Duration.Milliseconds(), e.AnsweredByUserID, e.AnsweredByUsername, string(e.Status), e.Source, boolToInt(e.Seen))
	if err != nil {
		return fmt.Errorf("append call log: %w", err)
	}
	return nil
}

func (h *HistoryLog) List(ctx context.Context) ([]history.Entry, error) {
	rows, err := h.db.QueryContext(ctx, `
SELECT id, direction, caller_number, called_number, caller_name, start_time, answer_time, end_time,
	duration_ms, answered_by_id, answered_by, status, source, seen
FROM call_log ORDER BY seq
`)
	if err != nil {
		return nil, fmt.Errorf("list call log: %w", err)
	}
	defer rows.Close()

	var out []history.Entry
	for rows.Next() {
		var (
			e           history.Entry
			dir, status string
			start, end  string
			answer      sql.NullString
			durMs       int64
			seen        int
		)
		if err := rows.Scan(&e.ID, &dir, &e.CallerNumber, &e.CalledNumber, &e.CallerName, &start, &answer, &end,
			&durMs, &e.AnsweredByUserID, &e.AnsweredByUsername, &status, &e.Source, &seen); err != nil {
			return nil, fmt.Errorf("scan call log: %w", err)
		}
		e.Direction = call.Direction(dir)
		e.Status = call.Status(status)
		e.Duration = time.Duration(durMs) * time.Millisecond
		e.Seen = seen != 0
		if e.StartTime, err = parseTS(start); err != nil {
			return nil, err
		}
		if e.EndTime, err = parseTS(end); err != nil {
			return nil, err
		}
		if answer.Valid {
			if e.AnswerTime, err = parseTS(answer.String); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (h *HistoryLog) MarkAllSeen(ctx context.Context) error {
	if _, err := h.db.ExecContext(ctx, `UPDATE call_log SET seen = 1 WHERE seen = 0`); err != nil {
		return fmt.Errorf("mark call log seen: %w", err)
	}
	return nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
