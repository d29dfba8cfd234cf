// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"
	"github.com/livekit/protocol/utils/guid"

	"github.com/livekit/softphone/pkg/errors"
)

const (
	DefaultTransport         = "wss"
	DefaultRegisterExpiry    = 600 * time.Second
	DefaultCorrelationWindow = 30 * time.Second
	DefaultHistoryLimit      = 50
	DefaultAPITimeout        = 10 * time.Second
	DefaultUserAgent         = "LiveKit Softphone"
	DefaultMediaIP           = "127.0.0.1"
	DefaultMediaPort         = 10000
)

// AccountConfig is the input of a connect request.
type AccountConfig struct {
	Server      string `yaml:"server"`    // required, host[:port] of the PBX signaling endpoint
	Domain      string `yaml:"domain"`    // defaults to the server host
	Extension   string `yaml:"extension"` // required
	Password    string `yaml:"password"`  // env SOFTPHONE_PASSWORD
	DisplayName string `yaml:"display_name"`
}

// Validate checks the fields required to register.
func (a AccountConfig) Validate() error {
	if strings.TrimSpace(a.Server) == "" {
		return errors.Configuration("server is required")
	}
	if strings.TrimSpace(a.Extension) == "" {
		return errors.Configuration("extension is required")
	}
	return nil
}

// DomainOrHost returns the SIP domain, falling back to the server host.
func (a AccountConfig) DomainOrHost() string {
	if a.Domain != "" {
		return a.Domain
	}
	host := a.Server
	if i := strings.LastIndexByte(host, ':'); i > 0 && !strings.HasSuffix(host, "]") {
		host = host[:i]
	}
	return host
}

type SIPConfig struct {
	Transport      string        `yaml:"transport"`       // wss (default), ws, tls, tcp, udp
	ListenAddr     string        `yaml:"listen_addr"`     // only used for udp/tcp to receive requests
	RegisterExpiry time.Duration `yaml:"register_expiry"` // REGISTER Expires
	UserAgent      string        `yaml:"user_agent"`
	MediaIP        string        `yaml:"media_ip"`   // address announced in SDP
	MediaPort      int           `yaml:"media_port"` // RTP port announced in SDP
	TLS            TLSConfig     `yaml:"tls"`
}

// TLSConfig applies to the tls and wss transports.
type TLSConfig struct {
	CAFile       string   `yaml:"ca_file"` // extra roots for PBXs with private certificates
	MinVersion   string   `yaml:"min_version"`
	CipherSuites []string `yaml:"cipher_suites"`
}

// Secure reports whether signaling runs over an encrypted transport.
func (c SIPConfig) Secure() bool {
	switch strings.ToLower(c.Transport) {
	case "wss", "tls":
		return true
	}
	return false
}

type APIConfig struct {
	BaseURL string        `yaml:"base_url"` // backend REST root, e.g. https://pbx.example.com
	Token   string        `yaml:"token"`    // bearer token (env SOFTPHONE_API_TOKEN)
	PushURL string        `yaml:"push_url"` // websocket push channel, optional
	Timeout time.Duration `yaml:"timeout"`
}

type IncomingConfig struct {
	// CorrelationWindow bounds how long an AMI announcement can be matched
	// to a SIP INVITE by caller number.
	CorrelationWindow time.Duration `yaml:"correlation_window"`
}

type HistoryConfig struct {
	SyncLimit int    `yaml:"sync_limit"`
	UserID    string `yaml:"user_id"`
	Username  string `yaml:"username"`
}

type AudioConfig struct {
	// Deny makes the local platform refuse microphone access, for headless runs.
	Deny bool `yaml:"deny"`
}

type Config struct {
	Account  AccountConfig  `yaml:"account"`
	SIP      SIPConfig      `yaml:"sip"`
	API      APIConfig      `yaml:"api"`
	Incoming IncomingConfig `yaml:"incoming"`
	History  HistoryConfig  `yaml:"history"`
	Audio    AudioConfig    `yaml:"audio"`

	DataDir        string `yaml:"data_dir"` // durable client storage, defaults to ~/.softphone
	PrometheusPort int    `yaml:"prometheus_port"`

	Logging logger.Config `yaml:"logging"`

	// internal
	ServiceName string `yaml:"-"`
	NodeID      string `yaml:"-"` // Do not provide, will be overwritten
}

func NewConfig(confString string) (*Config, error) {
	conf := &Config{
		ServiceName: "softphone",
	}
	if confString != "" {
		if err := yaml.Unmarshal([]byte(confString), conf); err != nil {
			return nil, errors.ErrCouldNotParseConfig(err)
		}
	}
	if v := os.Getenv("SOFTPHONE_PASSWORD"); v != "" {
		conf.Account.Password = v
	}
	if v := os.Getenv("SOFTPHONE_API_TOKEN"); v != "" {
		conf.API.Token = v
	}
	conf.applyDefaults()

	switch strings.ToLower(conf.SIP.Transport) {
	case "wss", "ws", "tls", "tcp", "udp":
	default:
		return nil, errors.Configuration("unsupported sip transport %q", conf.SIP.Transport)
	}
	return conf, nil
}

func (conf *Config) applyDefaults() {
	if conf.SIP.Transport == "" {
		conf.SIP.Transport = DefaultTransport
	}
	if conf.SIP.RegisterExpiry <= 0 {
		conf.SIP.RegisterExpiry = DefaultRegisterExpiry
	}
	if conf.SIP.UserAgent == "" {
		conf.SIP.UserAgent = DefaultUserAgent
	}
	if conf.SIP.MediaIP == "" {
		conf.SIP.MediaIP = DefaultMediaIP
	}
	if conf.SIP.MediaPort <= 0 {
		conf.SIP.MediaPort = DefaultMediaPort
	}
	if conf.API.Timeout <= 0 {
		conf.API.Timeout = DefaultAPITimeout
	}
	if conf.Incoming.CorrelationWindow <= 0 {
		conf.Incoming.CorrelationWindow = DefaultCorrelationWindow
	}
	if conf.History.SyncLimit <= 0 {
		conf.History.SyncLimit = DefaultHistoryLimit
	}
	if conf.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			conf.DataDir = filepath.Join(home, ".softphone")
		}
	}
}

func (conf *Config) Init() error {
	conf.NodeID = guid.New("SP_")

	if err := conf.InitLogger(); err != nil {
		return err
	}

	return nil
}

func (c *Config) InitLogger(values ...interface{}) error {
	zl, err := logger.NewZapLogger(&c.Logging)
	if err != nil {
		return err
	}

	values = append(c.GetLoggerValues(), values...)
	l := zl.WithValues(values...)
	logger.SetLogger(l, c.ServiceName)

	return nil
}

// To use with zap logger
func (c *Config) GetLoggerValues() []interface{} {
	return []interface{}{"nodeID", c.NodeID, "extension", c.Account.Extension}
}
