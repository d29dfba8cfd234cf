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

package push

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/softphone/pkg/config"
	siperrors "github.com/livekit/softphone/pkg/errors"
)

const handshakeTimeout = 10 * time.Second

var ErrNotConfigured = errors.New("push url is not configured")

// Client reads push events from one websocket connection. It does not
// reconnect; Done is closed when the connection ends and the owner decides.
type Client struct {
	url     string
	token   string
	log     logger.Logger
	handler func(Event)
	dialer  websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	done   chan struct{}
	closed core.Fuse
}

func NewClient(conf config.APIConfig, log logger.Logger, handler func(Event)) *Client {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Client{
		url:     conf.PushURL,
		token:   conf.Token,
		log:     log.WithValues("component", "push"),
		handler: handler,
		dialer:  websocket.Dialer{HandshakeTimeout: handshakeTimeout},
	}
}

// Enabled reports whether a push URL is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.url != ""
}

// Connect dials the push channel and starts delivering events.
func (c *Client) Connect(ctx context.Context) error {
	if !c.Enabled() {
		return ErrNotConfigured
	}
	if c.closed.IsBroken() {
		return siperrors.Network(errors.New("push client closed"), "cannot connect")
	}
	headers := http.Header{}
	if c.token != "" {
		headers.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.url, headers)
	if err != nil {
		if resp != nil {
			err = errors.Wrapf(err, "status %d", resp.StatusCode)
		}
		return siperrors.Network(err, "cannot connect push channel")
	}

	done := make(chan struct{})
	c.mu.Lock()
	old := c.conn
	c.conn, c.done = conn, done
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	c.log.Infow("push channel connected", "url", c.url)
	go c.listen(conn, done)
	return nil
}

// Done is closed when the current connection stops reading.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

func (c *Client) listen(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if c.closed.IsBroken() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debugw("push channel closed")
			} else {
				c.log.Warnw("push channel failed", err)
			}
			return
		}
		ev, err := Decode(msg)
		if err != nil {
			c.log.Warnw("cannot decode push message", err)
			continue
		}
		if ev == nil {
			continue
		}
		if c.handler != nil {
			c.handler(ev)
		}
	}
}

func (c *Client) Close() error {
	if c.closed.IsBroken() {
		return nil
	}
	c.closed.Break()
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"),
		time.Now().Add(time.Second))
	return conn.Close()
}
