package siptransaction

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sipwebrtc_gateway/pkg/sipmsg"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeTransport) Send(data []byte, addr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, string(data))
	return nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testInvite(branch string) *sipmsg.Request {
	uri, _ := sipmsg.ParseURI("sip:bob@10.0.0.2")
	from, _ := sipmsg.ParseURI("sip:alice@gw.example")
	return sipmsg.BuildRequest("INVITE", uri).
		Via("UDP", "1.2.3.4", 5060, branch).
		From(from, "111").
		To(uri, "").
		CallID("call1@gw").
		CSeq(1, "INVITE").
		Body("application/sdp", []byte("v=0\r\n")).
		Build()
}

func TestInviteClientTransactionRetransmitsUntilResponse(t *testing.T) {
	tr := &fakeTransport{}
	req := testInvite("z9hG4bK1")
	key, err := NewKey(req, true)
	require.NoError(t, err)

	timers := DefaultTimers()
	timers.TimerA = 20 * time.Millisecond
	timers.TimerB = 500 * time.Millisecond

	ict := NewInviteClientTransaction(key, req, tr, "1.2.3.4:5060", timers, nil, nil, nil)

	require.Eventually(t, func() bool { return tr.count() >= 3 }, 300*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, StateCalling, ict.State())
}

func TestInviteClientTransactionTerminatesOn2xx(t *testing.T) {
	tr := &fakeTransport{}
	req := testInvite("z9hG4bK2")
	key, _ := NewKey(req, true)
	timers := DefaultTimers()

	var got *sipmsg.Response
	ict := NewInviteClientTransaction(key, req, tr, "1.2.3.4:5060", timers, func(r *sipmsg.Response) { got = r }, nil, nil)

	resp := sipmsg.BuildResponse(200, "OK").FromRequest(req).ToTag("222").Build()
	ict.HandleResponse(resp, timers)

	assert.Equal(t, StateTerminated, ict.State())
	assert.Equal(t, 200, got.StatusCode)
}

func TestInviteClientTransactionSendsAckForNon2xx(t *testing.T) {
	tr := &fakeTransport{}
	req := testInvite("z9hG4bK3")
	key, _ := NewKey(req, true)
	timers := DefaultTimers()
	timers.TimerD = 20 * time.Millisecond

	ict := NewInviteClientTransaction(key, req, tr, "1.2.3.4:5060", timers, nil, nil, nil)
	resp := sipmsg.BuildResponse(486, "Busy Here").FromRequest(req).ToTag("222").Build()
	ict.HandleResponse(resp, timers)

	assert.Equal(t, StateCompleted, ict.State())
	found := false
	for _, s := range tr.sent {
		if strings.HasPrefix(s, "ACK ") {
			found = true
		}
	}
	assert.True(t, found, "expected an ACK to have been sent for the 486")

	require.Eventually(t, func() bool { return ict.State() == StateTerminated }, 200*time.Millisecond, 10*time.Millisecond)
}

func TestInviteServerTransactionReplaysFinalForRetransmittedInvite(t *testing.T) {
	tr := &fakeTransport{}
	req := testInvite("z9hG4bK4")
	key, _ := NewKey(req, false)
	timers := DefaultTimers()

	ist := NewInviteServerTransaction(key, req, tr, "1.2.3.4:5060", timers, nil, nil)
	resp := sipmsg.BuildResponse(486, "Busy Here").FromRequest(req).ToTag("s1").Build()
	require.NoError(t, ist.SendResponse(resp, timers))
	assert.Equal(t, StateCompleted, ist.State())

	before := tr.count()
	ist.HandleRequest(req) // simulate the peer retransmitting the INVITE
	assert.Equal(t, before+1, tr.count(), "duplicate INVITE must replay the stored final response")
}

func TestInviteServerTransactionACKLifecycle(t *testing.T) {
	tr := &fakeTransport{}
	req := testInvite("z9hG4bK5")
	key, _ := NewKey(req, false)
	timers := DefaultTimers()
	timers.TimerI = 20 * time.Millisecond

	ist := NewInviteServerTransaction(key, req, tr, "1.2.3.4:5060", timers, nil, nil)
	resp := sipmsg.BuildResponse(486, "Busy Here").FromRequest(req).ToTag("s1").Build()
	require.NoError(t, ist.SendResponse(resp, timers))

	ist.HandleACK(timers)
	assert.Equal(t, StateConfirmed, ist.State())

	require.Eventually(t, func() bool { return ist.State() == StateTerminated }, 200*time.Millisecond, 10*time.Millisecond)
}

func TestInviteServerTransactionRetransmits2xxUntilACK(t *testing.T) {
	tr := &fakeTransport{}
	req := testInvite("z9hG4bK7")
	key, _ := NewKey(req, false)
	timers := DefaultTimers()
	timers.TimerG = 10 * time.Millisecond
	timers.T2 = 40 * time.Millisecond
	timers.TimerH = 500 * time.Millisecond

	ist := NewInviteServerTransaction(key, req, tr, "1.2.3.4:5060", timers, nil, nil)
	resp := sipmsg.BuildResponse(200, "OK").FromRequest(req).ToTag("s1").Build()
	require.NoError(t, ist.SendResponse(resp, timers))
	assert.Equal(t, StateCompleted, ist.State())

	before := tr.count()
	require.Eventually(t, func() bool { return tr.count() >= before+2 }, 300*time.Millisecond, 5*time.Millisecond,
		"a 200 OK must be retransmitted until the ACK arrives")

	ist.HandleACK(timers)
	assert.Equal(t, StateConfirmed, ist.State())
}

func TestInviteServerTransactionTimerHFiresAckTimeoutAfterCappedRetransmits(t *testing.T) {
	tr := &fakeTransport{}
	req := testInvite("z9hG4bK8")
	key, _ := NewKey(req, false)
	timers := DefaultTimers()
	timers.TimerG = 5 * time.Millisecond
	timers.T2 = 10 * time.Millisecond
	timers.TimerH = 120 * time.Millisecond

	var reason string
	var mu sync.Mutex
	ist := NewInviteServerTransaction(key, req, tr, "1.2.3.4:5060", timers, func(r string) {
		mu.Lock()
		reason = r
		mu.Unlock()
	}, nil)

	resp := sipmsg.BuildResponse(200, "OK").FromRequest(req).ToTag("s1").Build()
	require.NoError(t, ist.SendResponse(resp, timers))

	require.Eventually(t, func() bool { return ist.State() == StateTerminated }, 500*time.Millisecond, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "ack-timeout", reason)
	assert.LessOrEqual(t, tr.count(), 1+maxFinalRetransmits, "retransmissions must stop at the spec's cap")
}

func TestStoreCleanupIsIdempotent(t *testing.T) {
	store := NewStore()
	defer store.Close()

	tr := &fakeTransport{}
	req := testInvite("z9hG4bK6")
	key, _ := NewKey(req, true)
	ict := NewInviteClientTransaction(key, req, tr, "1.2.3.4:5060", DefaultTimers(), nil, nil, nil)
	store.Add(ict)
	assert.Equal(t, 1, store.Count())

	resp := sipmsg.BuildResponse(200, "OK").FromRequest(req).ToTag("t").Build()
	ict.HandleResponse(resp, DefaultTimers())

	assert.Equal(t, 1, store.Cleanup())
	assert.Equal(t, 0, store.Cleanup())
	assert.Equal(t, 0, store.Count())
}
