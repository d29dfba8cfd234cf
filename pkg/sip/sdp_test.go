// Copyright 2025 LiveKit, Inc.
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
	"testing"

	"github.com/pion/sdp/v3"
	"github.com/stretchr/testify/require"
)

func TestLocalSDPOffer(t *testing.T) {
	l := newLocalSDP(MediaAddr{IP: "192.168.1.10", Port: 12000})
	first, err := l.Offer(SendRecv)
	require.NoError(t, err)

	var desc sdp.SessionDescription
	require.NoError(t, desc.Unmarshal(first))
	require.Equal(t, "192.168.1.10", desc.ConnectionInformation.Address.Address)
	require.Len(t, desc.MediaDescriptions, 1)
	m := desc.MediaDescriptions[0]
	require.Equal(t, "audio", m.MediaName.Media)
	require.Equal(t, 12000, m.MediaName.Port.Value)
	require.Equal(t, []string{"0", "101"}, m.MediaName.Formats)
	v1 := desc.Origin.SessionVersion

	second, err := l.Offer(SendOnly)
	require.NoError(t, err)
	require.NoError(t, desc.Unmarshal(second))
	require.Greater(t, desc.Origin.SessionVersion, v1, "every offer bumps the version")

	dir, err := SDPDirection(second)
	require.NoError(t, err)
	require.Equal(t, SendOnly, dir)
}

func TestLocalSDPAnswer(t *testing.T) {
	remote := newLocalSDP(MediaAddr{IP: "10.0.0.2", Port: 4000})
	local := newLocalSDP(MediaAddr{IP: "10.0.0.1", Port: 5000})

	for _, c := range []struct {
		offer Direction
		want  Direction
	}{
		{SendRecv, SendRecv},
		{SendOnly, RecvOnly},
		{RecvOnly, SendOnly},
		{Inactive, Inactive},
	} {
		t.Run(string(c.offer), func(t *testing.T) {
			offer, err := remote.Offer(c.offer)
			require.NoError(t, err)
			answer, err := local.Answer(offer)
			require.NoError(t, err)
			dir, err := SDPDirection(answer)
			require.NoError(t, err)
			require.Equal(t, c.want, dir)
		})
	}

	_, err := local.Answer([]byte(pcmaOnlyOffer))
	require.ErrorIs(t, err, ErrNoCommonCodec)

	_, err = local.Answer([]byte("not sdp"))
	require.Error(t, err)
}
