package sipmsg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawInvite() []byte {
	return []byte("INVITE sip:bob@10.0.0.2 SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP 1.2.3.4:5060;branch=z9hG4bKabc\r\n" +
		"From: <sip:alice@gw.example>;tag=111\r\n" +
		"To: <sip:bob@10.0.0.2>\r\n" +
		"Call-ID: abcdef@gw.example\r\n" +
		"CSeq: 1 INVITE\r\n" +
		"Contact: <sip:alice@gw.example>\r\n" +
		"Content-Type: application/sdp\r\n" +
		"Content-Length: 4\r\n" +
		"\r\n" +
		"v=0\n")
}

func TestParseRequest(t *testing.T) {
	msg, err := ParseMessage(rawInvite())
	require.NoError(t, err)
	require.True(t, msg.IsRequest())
	req := msg.(*Request)
	assert.Equal(t, "INVITE", req.Method)
	assert.Equal(t, "10.0.0.2", req.RequestURI.Host)
	assert.Equal(t, "abcdef@gw.example", req.CallID())
	seq, method := req.CSeq()
	assert.Equal(t, 1, seq)
	assert.Equal(t, "INVITE", method)
	assert.Equal(t, "z9hG4bKabc", req.Branch())
	assert.Equal(t, []byte("v=0\n"), req.Body())
}

func TestParseResponse(t *testing.T) {
	raw := []byte("SIP/2.0 180 Ringing\r\n" +
		"Via: SIP/2.0/UDP 1.2.3.4:5060;branch=z9hG4bKabc\r\n" +
		"From: <sip:alice@gw.example>;tag=111\r\n" +
		"To: <sip:bob@10.0.0.2>;tag=222\r\n" +
		"Call-ID: abcdef@gw.example\r\n" +
		"CSeq: 1 INVITE\r\n" +
		"Content-Length: 0\r\n\r\n")
	msg, err := ParseMessage(raw)
	require.NoError(t, err)
	resp := msg.(*Response)
	assert.Equal(t, 180, resp.StatusCode)
	assert.Equal(t, "Ringing", resp.ReasonPhrase)
}

// P6: compact header forms parse to the same header names as long forms.
func TestCompactFormsEquivalence(t *testing.T) {
	long := []byte("INVITE sip:bob@10.0.0.2 SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP 1.2.3.4:5060;branch=z9hG4bKabc\r\n" +
		"From: <sip:alice@gw.example>;tag=111\r\n" +
		"To: <sip:bob@10.0.0.2>\r\n" +
		"Call-ID: abcdef@gw.example\r\n" +
		"CSeq: 1 INVITE\r\n" +
		"Content-Length: 0\r\n\r\n")
	compact := []byte("INVITE sip:bob@10.0.0.2 SIP/2.0\r\n" +
		"v: SIP/2.0/UDP 1.2.3.4:5060;branch=z9hG4bKabc\r\n" +
		"f: <sip:alice@gw.example>;tag=111\r\n" +
		"t: <sip:bob@10.0.0.2>\r\n" +
		"i: abcdef@gw.example\r\n" +
		"CSeq: 1 INVITE\r\n" +
		"l: 0\r\n\r\n")

	m1, err := ParseMessage(long)
	require.NoError(t, err)
	m2, err := ParseMessage(compact)
	require.NoError(t, err)

	r1, r2 := m1.(*Request), m2.(*Request)
	assert.Equal(t, r1.CallID(), r2.CallID())
	assert.Equal(t, r1.Headers().Get("From"), r2.Headers().Get("From"))
	assert.Equal(t, r1.Headers().Get("To"), r2.Headers().Get("To"))
	assert.Equal(t, r1.Headers().GetAll("Via"), r2.Headers().GetAll("Via"))
}

func TestFoldedContinuationLine(t *testing.T) {
	raw := []byte("OPTIONS sip:bob@10.0.0.2 SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP 1.2.3.4:5060\r\n" +
		"From: <sip:alice@gw.example>;tag=1\r\n" +
		"To: <sip:bob@10.0.0.2>\r\n" +
		"Call-ID: id1@gw\r\n" +
		"CSeq: 1 OPTIONS\r\n" +
		"Subject: this is\r\n a folded value\r\n" +
		"Content-Length: 0\r\n\r\n")
	msg, err := ParseMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, "this is a folded value", msg.Headers().Get("Subject"))
}

func TestParseErrors(t *testing.T) {
	_, err := ParseMessage(nil)
	assert.ErrorIs(t, err, ErrEmptyDatagram)

	_, err = ParseMessage([]byte("garbage no boundary"))
	assert.ErrorIs(t, err, ErrNoHeaderBoundary)

	_, err = ParseMessage([]byte("GARBAGE LINE\r\n\r\n"))
	assert.ErrorIs(t, err, ErrMalformedStartLine)
}

// R1: parse(serialize(m)) round-trips for a well-formed message.
func TestRoundTrip(t *testing.T) {
	req := BuildRequest("INVITE", mustURI(t, "sip:bob@10.0.0.2")).
		Via("UDP", "1.2.3.4", 5060, "z9hG4bKabc").
		From(mustURI(t, "sip:alice@gw.example"), "111").
		To(mustURI(t, "sip:bob@10.0.0.2"), "").
		CallID("abcdef@gw.example").
		CSeq(1, "INVITE").
		Contact(mustURI(t, "sip:alice@gw.example")).
		Body("application/sdp", []byte("v=0\r\n")).
		Build()

	serialized := req.String()
	msg, err := ParseMessage([]byte(serialized))
	require.NoError(t, err)
	got := msg.(*Request)

	assert.Equal(t, req.Method, got.Method)
	assert.Equal(t, req.CallID(), got.CallID())
	assert.Equal(t, req.Body(), got.Body())
	assert.Equal(t, req.Headers().Get("From"), got.Headers().Get("From"))
}

func mustURI(t *testing.T, s string) *URI {
	u, err := ParseURI(s)
	require.NoError(t, err)
	return u
}
