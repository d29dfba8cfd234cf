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

// Package api is the bearer-authenticated client of the backend REST API.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/softphone/pkg/config"
	siperrors "github.com/livekit/softphone/pkg/errors"
	"github.com/livekit/softphone/pkg/stats"
)

// CallRecord is the wire shape of a call history entry.
type CallRecord struct {
	ID                 string     `json:"id"`
	Direction          string     `json:"direction"`
	CallerNumber       string     `json:"callerNumber"`
	CalledNumber       string     `json:"calledNumber"`
	CallerName         string     `json:"callerName,omitempty"`
	StartTime          time.Time  `json:"startTime"`
	AnswerTime         *time.Time `json:"answerTime,omitempty"`
	EndTime            time.Time  `json:"endTime"`
	Duration           int        `json:"duration"`
	AnsweredByUserID   string     `json:"answeredByUserId,omitempty"`
	AnsweredByUsername string     `json:"answeredByUsername,omitempty"`
	Status             string     `json:"status"`
	Source             string     `json:"source"`
	Seen               bool       `json:"seen,omitempty"`
}

// APIError is a non-2xx response from the backend.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
}

func statusOf(err error) int {
	var e *APIError
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}

// IsConflict reports a 409 response, which the backend uses for already stored records.
func IsConflict(err error) bool {
	return statusOf(err) == http.StatusConflict
}

func IsUnauthorized(err error) bool {
	code := statusOf(err)
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

type Client struct {
	log     logger.Logger
	mon     *stats.Monitor
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(conf config.APIConfig, log logger.Logger, mon *stats.Monitor) *Client {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Client{
		log:     log.WithValues("component", "api"),
		mon:     mon,
		baseURL: strings.TrimRight(conf.BaseURL, "/"),
		token:   conf.Token,
		http:    &http.Client{Timeout: conf.Timeout},
	}
}

// Authenticated reports whether requests carry a bearer token.
func (c *Client) Authenticated() bool {
	return c != nil && c.baseURL != "" && c.token != ""
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return siperrors.Network(errors.Wrap(err, "cannot encode request"), "%s", op)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return siperrors.Network(errors.Wrap(err, "cannot create request"), "%s", op)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.mon.APIRequest(op, "error")
		return siperrors.Network(errors.Wrapf(err, "%s %s", method, path), "%s", op)
	}
	defer resp.Body.Close()
	c.mon.APIRequest(op, strconv.Itoa(resp.StatusCode))

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return siperrors.Network(errors.Wrap(err, "cannot read response"), "%s", op)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Op: op, StatusCode: resp.StatusCode}
		var msg struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		if json.Unmarshal(data, &msg) == nil {
			apiErr.Message = msg.Message
			if apiErr.Message == "" {
				apiErr.Message = msg.Error
			}
		}
		return siperrors.Network(apiErr, "%s", op)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return siperrors.Network(errors.Wrap(err, "cannot decode response"), "%s", op)
	}
	return nil
}

// AnswerRinging asks the backend to redirect a ringing PBX call to this client's extension.
func (c *Client) AnswerRinging(ctx context.Context, callID string) error {
	return c.do(ctx, "answer_ringing", http.MethodPost, "/api/calls/ringing/"+url.PathEscape(callID)+"/answer", nil, nil)
}

// RejectRinging declines a ringing PBX call.
func (c *Client) RejectRinging(ctx context.Context, callID string) error {
	return c.do(ctx, "reject_ringing", http.MethodPost, "/api/calls/ringing/"+url.PathEscape(callID)+"/reject", nil, nil)
}

// PostCall stores a history record. The record id is the idempotency key.
func (c *Client) PostCall(ctx context.Context, rec CallRecord) error {
	return c.do(ctx, "post_call", http.MethodPost, "/api/calls", rec, nil)
}

func (c *Client) ListCalls(ctx context.Context, limit int) ([]CallRecord, error) {
	var raw json.RawMessage
	if err := c.do(ctx, "list_calls", http.MethodGet, "/api/calls?limit="+strconv.Itoa(limit), nil, &raw); err != nil {
		return nil, err
	}
	return decodeCallList(raw)
}

// decodeCallList accepts a bare array or an object wrapping it in "calls" or "data".
func decodeCallList(raw json.RawMessage) ([]CallRecord, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	var out []CallRecord
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, siperrors.Network(errors.Wrap(err, "cannot decode call list"), "list_calls")
		}
		return out, nil
	}
	var wrapped struct {
		Calls []CallRecord `json:"calls"`
		Data  []CallRecord `json:"data"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, siperrors.Network(errors.Wrap(err, "cannot decode call list"), "list_calls")
	}
	if wrapped.Calls != nil {
		return wrapped.Calls, nil
	}
	return wrapped.Data, nil
}

func (c *Client) MissedCount(ctx context.Context) (int, error) {
	var resp struct {
		Count int `json:"count"`
	}
	if err := c.do(ctx, "missed_count", http.MethodGet, "/api/calls/missed/count", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

func (c *Client) MarkAllSeen(ctx context.Context) error {
	return c.do(ctx, "mark_all_seen", http.MethodPut, "/api/calls/mark-all-seen", nil, nil)
}
