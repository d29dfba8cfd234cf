// Copyright 2023 LiveKit, Inc.
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

package sip

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/google/uuid"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/sipgo"
	"github.com/livekit/sipgo/sip"

	"github.com/livekit/softphone/pkg/call"
	"github.com/livekit/softphone/pkg/config"
	"github.com/livekit/softphone/pkg/stats"
)

var ErrClosed = errors.New("signaling agent closed")

type Client struct {
	conf         config.SIPConfig
	log          logger.Logger
	mon          *stats.Monitor
	getSipClient GetSipClientFunc
	transport    Transport

	ua      *sipgo.UserAgent
	ownUA   bool
	sipCli  SIPClient
	sipSrv  *sipgo.Server
	host    string
	ctx     context.Context
	cancel  context.CancelFunc
	closing core.Fuse

	mu         sync.Mutex
	account    config.AccountConfig
	state      call.ConnectionState
	reg        *registration
	sessions   map[string]*session
	onIncoming func(Session)
	onState    func(call.ConnectionState, error)
}

func NewClient(conf config.SIPConfig, log logger.Logger, mon *stats.Monitor, getSipClient GetSipClientFunc) *Client {
	if log == nil {
		log = logger.GetLogger()
	}
	if getSipClient == nil {
		getSipClient = DefaultGetSipClientFunc
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conf:         conf,
		log:          log.WithValues("component", "sip"),
		mon:          mon,
		getSipClient: getSipClient,
		transport:    TransportFrom(conf.Transport),
		host:         contactHost(conf.ListenAddr),
		ctx:          ctx,
		cancel:       cancel,
		sessions:     make(map[string]*session),
	}
	return c
}

// contactHost picks the host announced in Via and Contact. Connection-oriented
// clients without a listener use a placeholder, the PBX routes by connection.
func contactHost(listen string) string {
	if host, _, err := net.SplitHostPort(listen); err == nil && host != "" && host != "0.0.0.0" && host != "::" {
		return host
	}
	return strings.ReplaceAll(uuid.NewString()[:13], "-", "") + ".invalid"
}

func (c *Client) Start(agent *sipgo.UserAgent) error {
	var err error
	if agent == nil {
		opts := []sipgo.UserAgentOption{
			sipgo.WithUserAgent(c.conf.UserAgent),
			sipgo.WithUserAgentLogger(slog.New(logger.ToSlogHandler(c.log))),
		}
		if c.conf.Secure() {
			tlsConf, err := NewTLSConfig(c.conf.TLS, c.log)
			if err != nil {
				return err
			}
			opts = append(opts, sipgo.WithUserAgenTLSConfig(tlsConf))
		}
		agent, err = sipgo.NewUA(opts...)
		if err != nil {
			return err
		}
		c.ownUA = true
	}
	c.ua = agent

	c.sipCli, err = c.getSipClient(agent, sipgo.WithClientHostname(c.host))
	if err != nil {
		return err
	}

	// Requests from the PBX arrive on the connections dialed by the client,
	// so a server is attached to the same agent even without a listener.
	c.sipSrv, err = sipgo.NewServer(agent)
	if err != nil {
		return err
	}
	c.sipSrv.OnInvite(withoutLog(c.onInvite))
	c.sipSrv.OnBye(withoutLog(c.onBye))
	c.sipSrv.OnCancel(withoutLog(c.onCancel))
	c.sipSrv.OnInfo(withoutLog(c.onInfo))
	c.sipSrv.OnOptions(withoutLog(c.onOptions))
	// Ignore ACKs
	c.sipSrv.OnAck(func(log *slog.Logger, req *sip.Request, tx sip.ServerTransaction) {})

	if addr := c.conf.ListenAddr; addr != "" {
		network := "udp"
		if c.transport == TransportTCP {
			network = "tcp"
		}
		go func() {
			if err := c.sipSrv.ListenAndServe(c.ctx, network, addr); err != nil && !c.closing.IsBroken() {
				c.log.Errorw("sip listener failed", err, "addr", addr, "network", network)
			}
		}()
	}
	c.log.Infow("sip client started", "transport", c.transport, "host", c.host)
	return nil
}

func (c *Client) OnIncoming(h func(Session)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onIncoming = h
}

func (c *Client) OnState(h func(call.ConnectionState, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = h
}

// ConnectionState returns the last reported registration state.
func (c *Client) ConnectionState() call.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(st call.ConnectionState, err error) {
	c.mu.Lock()
	if c.state == st && err == nil {
		c.mu.Unlock()
		return
	}
	c.state = st
	h := c.onState
	c.mu.Unlock()

	c.mon.ConnectionState(st)
	if err != nil {
		c.log.Warnw("connection state changed", err, "state", st)
	} else {
		c.log.Infow("connection state changed", "state", st)
	}
	if h != nil {
		h(st, err)
	}
}

func (c *Client) addSession(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[s.id] = s
}

func (c *Client) removeSession(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[s.id] == s {
		delete(c.sessions, s.id)
	}
}

func (c *Client) sessionFor(req *sip.Request) *session {
	id := callID(req)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[id]
}

func (c *Client) contactURI(user string) sip.Uri {
	u := sip.Uri{Scheme: "sip", User: user, Host: c.host}
	setTransport(&u, c.transport)
	return u
}

func (c *Client) mediaAddr() MediaAddr {
	return MediaAddr{IP: c.conf.MediaIP, Port: c.conf.MediaPort}
}

// Close ends all sessions and releases the transport. It does not unregister.
func (c *Client) Close() error {
	if c.closing.IsBroken() {
		return nil
	}
	c.closing.Break()

	c.mu.Lock()
	sessions := slices.Collect(maps.Values(c.sessions))
	reg := c.reg
	c.reg = nil
	c.mu.Unlock()

	if reg != nil {
		reg.stop.Break()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, s := range sessions {
		if err := s.Bye(ctx); err != nil {
			s.log.Debugw("cannot end session on close", "error", err)
		}
	}
	c.cancel()

	var err error
	if c.sipCli != nil {
		err = c.sipCli.Close()
	}
	if c.ownUA && c.ua != nil {
		err = errors.Join(err, c.ua.Close())
	}
	c.setState(call.Disconnected, nil)
	return err
}

// withoutLog adapts a handler to sipgo.RequestHandler, which also passes a logger.
func withoutLog(h func(req *sip.Request, tx sip.ServerTransaction)) sipgo.RequestHandler {
	return func(_ *slog.Logger, req *sip.Request, tx sip.ServerTransaction) { h(req, tx) }
}
