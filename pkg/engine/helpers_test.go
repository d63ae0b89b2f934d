package engine

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arzzra/sipwebrtc_gateway/pkg/events"
	"github.com/arzzra/sipwebrtc_gateway/pkg/sipmsg"
)

// parseSent re-parses a datagram the fake transport captured, so tests can
// build a peer response with FromRequest without the engine exposing its
// transactions' private request field.
func parseSent(t *testing.T, raw string) *sipmsg.Request {
	t.Helper()
	msg, err := sipmsg.ParseMessage([]byte(raw))
	require.NoError(t, err)
	req, ok := msg.(*sipmsg.Request)
	require.True(t, ok, "expected a request, got a response")
	return req
}

// buildIncomingInvite constructs an INVITE as a SIP peer would send it to
// the gateway, addressed to requestURI.
func buildIncomingInvite(t *testing.T, callID, requestURI string) *sipmsg.Request {
	t.Helper()
	uri, err := sipmsg.ParseURI(requestURI)
	require.NoError(t, err)
	from, err := sipmsg.ParseURI("sip:caller@10.0.0.1")
	require.NoError(t, err)

	return sipmsg.BuildRequest("INVITE", uri).
		Via("UDP", "10.0.0.1", 5060, sipmsg.NewBranch()).
		From(from, "caller-tag").
		To(uri, "").
		CallID(callID).
		CSeq(1, "INVITE").
		Body("application/sdp", []byte(testAudioSDP)).
		Build()
}

// buildAckFor builds the ACK a SIP peer sends for the 200 OK the gateway
// just answered invite with, reusing invite's top Via branch as RFC 3261
// requires for an ACK to a 2xx.
func buildAckFor(t *testing.T, invite *sipmsg.Request) *sipmsg.Request {
	t.Helper()
	return sipmsg.BuildRequest("ACK", invite.RequestURI).
		Via("UDP", "10.0.0.1", 5060, invite.Branch()).
		From(mustURI(t, invite.Headers().Get("From")), "caller-tag").
		To(mustURI(t, invite.Headers().Get("To")), "gw-tag").
		CallID(invite.CallID()).
		CSeq(1, "ACK").
		Build()
}

// buildByeFor builds a BYE from the same peer that sent invite, ending the
// dialog invite established.
func buildByeFor(t *testing.T, invite *sipmsg.Request) *sipmsg.Request {
	t.Helper()
	return sipmsg.BuildRequest("BYE", invite.RequestURI).
		Via("UDP", "10.0.0.1", 5060, sipmsg.NewBranch()).
		From(mustURI(t, invite.Headers().Get("From")), "caller-tag").
		To(mustURI(t, invite.Headers().Get("To")), "gw-tag").
		CallID(invite.CallID()).
		CSeq(2, "BYE").
		Build()
}

// buildInfoFor builds a DTMF-carrying INFO from the same peer.
func buildInfoFor(t *testing.T, invite *sipmsg.Request, digit string) *sipmsg.Request {
	t.Helper()
	return buildInfoWithDuration(t, invite, digit, 160)
}

func buildInfoWithDuration(t *testing.T, invite *sipmsg.Request, digit string, duration int) *sipmsg.Request {
	t.Helper()
	return sipmsg.BuildRequest("INFO", invite.RequestURI).
		Via("UDP", "10.0.0.1", 5060, sipmsg.NewBranch()).
		From(mustURI(t, invite.Headers().Get("From")), "caller-tag").
		To(mustURI(t, invite.Headers().Get("To")), "gw-tag").
		CallID(invite.CallID()).
		CSeq(2, "INFO").
		Body("application/dtmf-relay", []byte(fmt.Sprintf("Signal=%s\r\nDuration=%d\r\n", digit, duration))).
		Build()
}

func mustURI(t *testing.T, headerValue string) *sipmsg.URI {
	t.Helper()
	u := parseNameAddr(headerValue)
	require.NotEmpty(t, u.Host)
	return u
}

// drainUntil reads from sub until it sees an event of kind, failing the
// test if none arrives within timeout.
func drainUntil(t *testing.T, sub <-chan events.Event, kind events.Kind, timeout time.Duration) events.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-sub:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %v", kind)
		}
	}
}
