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

package sip

import (
	"net"
	"strconv"
	"strings"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/sipgo/sip"
)

// SessionState is the normalized state of an INVITE dialog.
type SessionState int

const (
	SessionInitial SessionState = iota
	SessionEstablishing
	SessionEstablished
	SessionTerminated
)

func (s SessionState) String() string {
	switch s {
	case SessionInitial:
		return "initial"
	case SessionEstablishing:
		return "establishing"
	case SessionEstablished:
		return "established"
	case SessionTerminated:
		return "terminated"
	}
	return "unknown"
}

type Transport string

const (
	TransportUDP Transport = "udp"
	TransportTCP Transport = "tcp"
	TransportTLS Transport = "tls"
	TransportWS  Transport = "ws"
	TransportWSS Transport = "wss"
)

func TransportFrom(s string) Transport {
	switch t := Transport(strings.ToLower(s)); t {
	case TransportUDP, TransportTCP, TransportTLS, TransportWS, TransportWSS:
		return t
	}
	return TransportWSS
}

// Target is a dial target, either a bare number or a full SIP URI.
type Target struct {
	User string
	Host string
	Port int
}

// ParseTarget accepts "1002", "sip:1002@pbx.example.com" or "1002@pbx.example.com:5060".
// The host falls back to domain.
func ParseTarget(s, domain string) Target {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "sips:")
	s = strings.TrimPrefix(s, "sip:")
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	t := Target{User: s, Host: domain}
	if i := strings.LastIndexByte(s, '@'); i >= 0 {
		t.User, t.Host = s[:i], s[i+1:]
	}
	if host, port, err := net.SplitHostPort(t.Host); err == nil {
		t.Host = host
		t.Port, _ = strconv.Atoi(port)
	}
	return t
}

func (t Target) URI(tr Transport) sip.Uri {
	u := sip.Uri{Scheme: "sip", User: t.User, Host: t.Host, Port: t.Port}
	setTransport(&u, tr)
	return u
}

func setTransport(u *sip.Uri, tr Transport) {
	if tr == "" || tr == TransportUDP {
		return
	}
	if u.UriParams == nil {
		u.UriParams = sip.NewParams()
	}
	u.UriParams.Add("transport", string(tr))
}

func getTagFrom(params sip.HeaderParams) (string, bool) {
	if params == nil {
		return "", false
	}
	tag, ok := params.Get("tag")
	if !ok || tag == "" {
		return "", false
	}
	return tag, true
}

func callID(m interface{ CallID() *sip.CallIDHeader }) string {
	if cid := m.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}

// LoggerWithRequest attaches dialog identifiers of req to log.
func LoggerWithRequest(log logger.Logger, req *sip.Request) logger.Logger {
	if cid := callID(req); cid != "" {
		log = log.WithValues("sipCallID", cid)
	}
	if from := req.From(); from != nil {
		log = log.WithValues("fromUser", from.Address.User)
		if tag, ok := getTagFrom(from.Params); ok {
			log = log.WithValues("fromTag", tag)
		}
	}
	if to := req.To(); to != nil {
		log = log.WithValues("toUser", to.Address.User)
	}
	return log
}
