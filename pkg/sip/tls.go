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
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/softphone/pkg/config"
)

// NewTLSConfig builds the client TLS settings for tls and wss transports.
func NewTLSConfig(conf config.TLSConfig, log logger.Logger) (*tls.Config, error) {
	c := &tls.Config{MinVersion: tls.VersionTLS12}
	if conf.CAFile != "" {
		pem, err := os.ReadFile(conf.CAFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", conf.CAFile)
		}
		c.RootCAs = pool
	}
	if conf.MinVersion != "" {
		v, err := ParseTLSVersion(conf.MinVersion)
		if err != nil {
			return nil, err
		}
		c.MinVersion = v
	}
	if len(conf.CipherSuites) > 0 {
		suites, err := ParseCipherSuites(conf.CipherSuites, log)
		if err != nil {
			return nil, err
		}
		c.CipherSuites = suites
	}
	ConfigureTLS(c)
	return c, nil
}

func ConfigureTLS(c *tls.Config) {
	// We can't use default cert verification, because SIP headers usually specify IP address instead of a hostname.
	// At least, we could validate certificate chain using VerifyPeerCertificate and ignore the server name for now.
	//
	// Code from crypto/tls.Conn.verifyServerCertificate.
	c.InsecureSkipVerify = true
	c.VerifyPeerCertificate = func(certificates [][]byte, verifiedChains [][]*x509.Certificate) error {
		if len(certificates) == 0 {
			return errors.New("no certificate from server")
		}
		certs := make([]*x509.Certificate, len(certificates))
		for i, asn1Data := range certificates {
			cert, err := x509.ParseCertificate(asn1Data)
			if err != nil {
				return errors.New("failed to parse certificate from server: " + err.Error())
			}
			certs[i] = cert
		}
		opts := x509.VerifyOptions{
			Roots:         c.RootCAs,
			Intermediates: x509.NewCertPool(),
		}
		for _, cert := range certs[1:] {
			opts.Intermediates.AddCert(cert)
		}
		_, err := certs[0].Verify(opts)
		return err
	}
}

// ParseTLSVersion accepts "1.2" or "TLS 1.2". Empty means the library default.
func ParseTLSVersion(s string) (uint16, error) {
	switch strings.TrimPrefix(s, "TLS ") {
	case "":
		return 0, nil
	case "1.0":
		return tls.VersionTLS10, nil
	case "1.1":
		return tls.VersionTLS11, nil
	case "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	}
	return 0, fmt.Errorf("unknown TLS version: %s", s)
}

// ParseCipherSuites maps suite names to IDs. Insecure suites are allowed with a warning.
func ParseCipherSuites(names []string, log logger.Logger) ([]uint16, error) {
	byName := make(map[string]*tls.CipherSuite)
	for _, s := range tls.CipherSuites() {
		byName[s.Name] = s
	}
	insecure := make(map[string]*tls.CipherSuite)
	for _, s := range tls.InsecureCipherSuites() {
		insecure[s.Name] = s
	}
	out := make([]uint16, 0, len(names))
	for _, name := range names {
		if s, ok := byName[name]; ok {
			out = append(out, s.ID)
		} else if s, ok := insecure[name]; ok {
			log.Warnw("using insecure cipher suite", nil, "suite", name)
			out = append(out, s.ID)
		} else {
			return nil, fmt.Errorf("unknown cipher suite: %s", name)
		}
	}
	return out, nil
}
