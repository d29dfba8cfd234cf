package sip

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/livekit/sipgo/sip"
)

func TestParseTarget(t *testing.T) {
	for _, c := range []struct {
		in   string
		want Target
	}{
		{in: "1002", want: Target{User: "1002", Host: "pbx.example.com"}},
		{in: " 1002 ", want: Target{User: "1002", Host: "pbx.example.com"}},
		{in: "sip:1002@other.example.com", want: Target{User: "1002", Host: "other.example.com"}},
		{in: "sips:1002@other.example.com:5061", want: Target{User: "1002", Host: "other.example.com", Port: 5061}},
		{in: "1002@10.0.0.1:5070;transport=tcp", want: Target{User: "1002", Host: "10.0.0.1", Port: 5070}},
		{in: "+15551234567", want: Target{User: "+15551234567", Host: "pbx.example.com"}},
	} {
		t.Run(c.in, func(t *testing.T) {
			require.Equal(t, c.want, ParseTarget(c.in, "pbx.example.com"))
		})
	}
}

func TestTargetURI(t *testing.T) {
	u := Target{User: "1002", Host: "pbx.example.com"}.URI(TransportWSS)
	tr, ok := u.UriParams.Get("transport")
	require.True(t, ok)
	require.Equal(t, "wss", tr)

	u = Target{User: "1002", Host: "pbx.example.com"}.URI(TransportUDP)
	if u.UriParams != nil {
		_, ok = u.UriParams.Get("transport")
		require.False(t, ok)
	}
}

func TestTransportFrom(t *testing.T) {
	require.Equal(t, TransportWSS, TransportFrom(""))
	require.Equal(t, TransportTCP, TransportFrom("TCP"))
	require.Equal(t, TransportWSS, TransportFrom("sctp"))
}

func TestNormalizeDigit(t *testing.T) {
	for _, d := range []byte("0123456789*#ABCD") {
		got, err := NormalizeDigit(d)
		require.NoError(t, err)
		require.Equal(t, d, got)
	}
	got, err := NormalizeDigit('c')
	require.NoError(t, err)
	require.Equal(t, byte('C'), got)

	for _, d := range []byte("xE ,") {
		_, err := NormalizeDigit(d)
		require.ErrorIs(t, err, ErrInvalidDigit)
	}
}

func TestDTMFRelayBody(t *testing.T) {
	require.Equal(t, "Signal=#\r\nDuration=100", string(dtmfRelayBody('#')))
}

func TestStatusError(t *testing.T) {
	req := sip.NewRequest(sip.INVITE, sip.Uri{Scheme: "sip", User: "1002", Host: "pbx.example.com"})
	res := sip.NewResponseFromRequest(req, statusBusyHere, "Busy Here", nil)
	err := statusError(res)
	require.Equal(t, 486, err.StatusCode)
	require.Equal(t, "sip status: 486: Busy Here", err.Error())

	res.AppendHeader(sip.NewHeader("Reason", `Q.850;cause=17;text="User busy"`))
	require.Contains(t, statusError(res).Message, "cause=17")

	code, ok := StatusOf(fmt.Errorf("invite failed: %w", err))
	require.True(t, ok)
	require.Equal(t, 486, code)
	_, ok = StatusOf(ErrRemoteCancel)
	require.False(t, ok)
}

func TestNewCancel(t *testing.T) {
	c, _ := newRegisteredClient(t)
	s := &session{id: "cancel-test"}
	inv := c.newInvite(s, ParseTarget("1002", "pbx.example.com"), []byte("v=0\r\n"))

	cancel := newCancel(inv)
	require.Equal(t, sip.CANCEL, cancel.Method)
	require.Equal(t, inv.Recipient.String(), cancel.Recipient.String())
	require.Equal(t, "cancel-test", callID(cancel))
	require.Equal(t, inv.CSeq().SeqNo, cancel.CSeq().SeqNo)
	require.Equal(t, sip.CANCEL, cancel.CSeq().MethodName)
	require.Equal(t, inv.From().Value(), cancel.From().Value())
	require.Equal(t, inv.Destination(), cancel.Destination())
	require.Empty(t, cancel.Body())
}

func TestRetryWithAuth(t *testing.T) {
	c, _ := newRegisteredClient(t)
	s := &session{id: "auth-test"}
	inv := c.newInvite(s, ParseTarget("1002", "pbx.example.com"), []byte("v=0\r\n"))

	res := sip.NewResponseFromRequest(inv, sip.StatusUnauthorized, "Unauthorized", nil)
	res.AppendHeader(sip.NewHeader("WWW-Authenticate", `Digest realm="pbx.example.com", nonce="n", qop="auth"`))
	auth, err := digestAuthorize(inv, res, "1001", "secret")
	require.NoError(t, err)
	require.Equal(t, "Authorization", auth.Name())

	next := retryWithAuth(inv, auth)
	require.Equal(t, uint32(1), inv.CSeq().SeqNo, "original request is untouched")
	require.Equal(t, uint32(2), next.CSeq().SeqNo)
	require.Equal(t, callID(inv), callID(next))
	h := next.GetHeader("Authorization")
	require.NotNil(t, h)
	require.True(t, strings.Contains(h.Value(), `realm="pbx.example.com"`))

	_, err = digestAuthorize(inv, res, "1001", "")
	require.ErrorIs(t, err, ErrAuthRequired)
}

func TestContactHost(t *testing.T) {
	require.Equal(t, "192.168.1.10", contactHost("192.168.1.10:5060"))
	h := contactHost("")
	require.True(t, strings.HasSuffix(h, ".invalid"))
	require.Equal(t, h, strings.ToLower(h))
	require.True(t, strings.HasSuffix(contactHost("0.0.0.0:5060"), ".invalid"))
}
