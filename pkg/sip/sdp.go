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
	"errors"
	"math/rand/v2"
	"slices"

	"github.com/pion/sdp/v3"
)

// Direction of the local audio stream.
type Direction string

const (
	SendRecv Direction = "sendrecv"
	SendOnly Direction = "sendonly"
	RecvOnly Direction = "recvonly"
	Inactive Direction = "inactive"
)

const (
	payloadPCMU      = "0"
	payloadTelephone = "101"
)

var ErrNoCommonCodec = errors.New("no common audio codec")

// MediaAddr is the address announced in SDP.
type MediaAddr struct {
	IP   string
	Port int
}

func sdpMediaDesc(addr MediaAddr, dir Direction) []*sdp.MediaDescription {
	return []*sdp.MediaDescription{
		{
			MediaName: sdp.MediaName{
				Media:   "audio",
				Port:    sdp.RangedPort{Value: addr.Port},
				Protos:  []string{"RTP", "AVP"},
				Formats: []string{payloadPCMU, payloadTelephone},
			},
			Attributes: []sdp.Attribute{
				{Key: "rtpmap", Value: "0 PCMU/8000"},
				{Key: "rtpmap", Value: "101 telephone-event/8000"},
				{Key: "fmtp", Value: "101 0-16"},
				{Key: "ptime", Value: "20"},
				sdp.NewPropertyAttribute(string(dir)),
			},
		},
	}
}

func sdpSession(addr MediaAddr, id, version uint64, dir Direction) *sdp.SessionDescription {
	return &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      id,
			SessionVersion: version,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: addr.IP,
		},
		SessionName: "LiveKit Softphone",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: addr.IP},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: sdpMediaDesc(addr, dir),
	}
}

// localSDP tracks the SDP version of one dialog; every new offer bumps it.
type localSDP struct {
	addr    MediaAddr
	id      uint64
	version uint64
}

func newLocalSDP(addr MediaAddr) *localSDP {
	id := rand.Uint64N(1 << 62)
	return &localSDP{addr: addr, id: id, version: id}
}

func (l *localSDP) Offer(dir Direction) ([]byte, error) {
	l.version++
	return sdpSession(l.addr, l.id, l.version, dir).Marshal()
}

// Answer checks that offer carries PCMU audio and answers it.
func (l *localSDP) Answer(offer []byte) ([]byte, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(offer); err != nil {
		return nil, err
	}
	ok := false
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "audio" && slices.Contains(m.MediaName.Formats, payloadPCMU) {
			ok = true
			break
		}
	}
	if !ok {
		return nil, ErrNoCommonCodec
	}
	dir := SendRecv
	switch offerDirection(&desc) {
	case SendOnly:
		dir = RecvOnly
	case RecvOnly:
		dir = SendOnly
	case Inactive:
		dir = Inactive
	}
	l.version++
	return sdpSession(l.addr, l.id, l.version, dir).Marshal()
}

// offerDirection returns the direction attribute of the first audio stream.
func offerDirection(desc *sdp.SessionDescription) Direction {
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media != "audio" {
			continue
		}
		for _, d := range []Direction{SendOnly, RecvOnly, Inactive, SendRecv} {
			if _, ok := m.Attribute(string(d)); ok {
				return d
			}
		}
	}
	return SendRecv
}

// SDPDirection parses body and returns the audio direction.
func SDPDirection(body []byte) (Direction, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return "", err
	}
	return offerDirection(&desc), nil
}
