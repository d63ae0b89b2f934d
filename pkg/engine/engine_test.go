package engine

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/sipwebrtc_gateway/internal/metrics"
	"github.com/arzzra/sipwebrtc_gateway/pkg/dialogstore"
	"github.com/arzzra/sipwebrtc_gateway/pkg/events"
	"github.com/arzzra/sipwebrtc_gateway/pkg/relayclient"
	"github.com/arzzra/sipwebrtc_gateway/pkg/sipmsg"
	"github.com/arzzra/sipwebrtc_gateway/pkg/siptransaction"
	"github.com/arzzra/sipwebrtc_gateway/pkg/siptransport"
)

const testAudioSDP = "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=audio 10000 RTP/AVP 0\r\na=rtpmap:0 PCMU/8000\r\n"

// fakeTransport is an in-memory siptransport.Transport that records every
// outbound send in sent; tests feed the peer's side back in themselves via
// handleDatagram, so they can drive a full request/response cycle
// without binding real UDP sockets.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []string
	onMsg   func(data []byte, from net.Addr)
	localIP string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{localIP: "10.0.0.9"}
}

func (f *fakeTransport) Send(data []byte, addr string) error {
	f.mu.Lock()
	f.sent = append(f.sent, string(data))
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) OnMessage(h siptransport.MessageHandler) { f.onMsg = h }
func (f *fakeTransport) OnError(siptransport.ErrorHandler)       {}
func (f *fakeTransport) Listen(addr string) error                     { return nil }
func (f *fakeTransport) LocalAddr() net.Addr                          { return fakeAddr(f.localIP) }
func (f *fakeTransport) Close() error                                 { return nil }

func (f *fakeTransport) lastSent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeAddr string

func (a fakeAddr) Network() string { return "udp" }
func (a fakeAddr) String() string  { return string(a) }

// newTestRelayServer echoes back whatever SDP it was handed, satisfying
// the offer/answer/update RPC shapes relayclient.Client expects without
// a real media-relay daemon.
func newTestRelayServer(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Op     string `json:"op"`
			CallID string `json:"call_id"`
			SDP    string `json:"sdp"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		sdp := req.SDP
		if sdp == "" {
			sdp = testAudioSDP
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"result": "ok", "sdp": sdp})
	}))
}

func newTestEngine(t *testing.T, transport *fakeTransport, relayURL string) *Engine {
	log := logrus.NewEntry(logrus.New())
	txStore := siptransaction.NewStore()
	t.Cleanup(txStore.Close)
	dialogs := dialogstore.NewStore(10)
	relay := relayclient.New(relayURL, log)
	bus := events.NewBus()
	m := metrics.New("test_"+t.Name(), "engine")

	cfg := Config{PublicIP: transport.localIP, SIPServerAddr: "10.0.0.1:5060", SIPDomain: "sip.example.com", LocalSIPPort: 5060}
	return New(cfg, transport, txStore, dialogs, relay, bus, m, log)
}

type capturingHandler struct {
	mu      sync.Mutex
	calls   []string
	offers  map[string][]byte
}

func (h *capturingHandler) OnIncomingCall(callID, peer string, offerSDP []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, callID)
	if h.offers == nil {
		h.offers = make(map[string][]byte)
	}
	h.offers[callID] = offerSDP
}

func TestPlaceOutboundCallSendsInviteAndHandles200(t *testing.T) {
	relaySrv := newTestRelayServer(t)
	defer relaySrv.Close()

	transport := newFakeTransport()
	e := newTestEngine(t, transport, relaySrv.URL)

	sub := e.Events(8)

	callID, err := e.PlaceOutboundCall(context.Background(), "alice", []byte(testAudioSDP), "sip:bob@10.0.0.1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return transport.count() >= 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, transport.lastSent(), "INVITE sip:bob@10.0.0.1")

	cs, ok := e.getCall(callID)
	require.True(t, ok)
	require.NotNil(t, cs.clientInviteTx)

	sentInvite := parseSent(t, transport.lastSent())

	ringing := sipmsg.BuildResponse(180, "Ringing").FromRequest(sentInvite).ToTag("remote-tag").Build()
	e.handleDatagram([]byte(ringing.String()), fakeAddr("10.0.0.1:5060"))

	require.Eventually(t, func() bool { return cs.dialog.State() == dialogstore.StateRinging }, time.Second, 5*time.Millisecond)

	ok200 := sipmsg.BuildResponse(200, "OK").FromRequest(sentInvite).ToTag("remote-tag").Body("application/sdp", []byte(testAudioSDP)).Build()
	e.handleDatagram([]byte(ok200.String()), fakeAddr("10.0.0.1:5060"))

	require.Eventually(t, func() bool { return cs.dialog.State() == dialogstore.StateEstablished }, time.Second, 5*time.Millisecond)
	assert.Contains(t, transport.lastSent(), "ACK sip:bob@10.0.0.1")

	drainUntil(t, sub, events.KindDialogEstablished, time.Second)
}

func TestHandleIncomingInviteOffersToBrowserAndAnswers(t *testing.T) {
	relaySrv := newTestRelayServer(t)
	defer relaySrv.Close()

	transport := newFakeTransport()
	e := newTestEngine(t, transport, relaySrv.URL)

	handler := &capturingHandler{}
	e.SetIncomingCallHandler(handler)

	invite := buildIncomingInvite(t, "call-in-1@peer", "sip:reception@sip.example.com")
	e.handleDatagram([]byte(invite.String()), fakeAddr("10.0.0.1:5060"))

	require.Eventually(t, func() bool { return transport.count() >= 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, transport.lastSent(), "SIP/2.0 100 Trying")

	require.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.calls) == 1
	}, time.Second, 5*time.Millisecond)

	err := e.AnswerInboundCall(context.Background(), "call-in-1@peer", []byte(testAudioSDP))
	require.NoError(t, err)
	assert.Contains(t, transport.lastSent(), "SIP/2.0 200 OK")

	ack := buildAckFor(t, invite)
	e.handleDatagram([]byte(ack.String()), fakeAddr("10.0.0.1:5060"))

	cs, ok := e.getCall("call-in-1@peer")
	require.True(t, ok)
	require.Eventually(t, func() bool { return cs.dialog.State() == dialogstore.StateEstablished }, time.Second, 5*time.Millisecond)
}

func TestHandleIncomingByeTerminatesDialog(t *testing.T) {
	relaySrv := newTestRelayServer(t)
	defer relaySrv.Close()

	transport := newFakeTransport()
	e := newTestEngine(t, transport, relaySrv.URL)
	handler := &capturingHandler{}
	e.SetIncomingCallHandler(handler)

	invite := buildIncomingInvite(t, "call-bye-1@peer", "sip:reception@sip.example.com")
	e.handleDatagram([]byte(invite.String()), fakeAddr("10.0.0.1:5060"))
	require.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.calls) == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, e.AnswerInboundCall(context.Background(), "call-bye-1@peer", []byte(testAudioSDP)))

	bye := buildByeFor(t, invite)
	e.handleDatagram([]byte(bye.String()), fakeAddr("10.0.0.1:5060"))

	assert.Contains(t, transport.lastSent(), "SIP/2.0 200 OK")
	_, ok := e.getCall("call-bye-1@peer")
	assert.False(t, ok, "call state should be retired after BYE")
}

func TestHandleIncomingInfoPublishesDTMF(t *testing.T) {
	relaySrv := newTestRelayServer(t)
	defer relaySrv.Close()

	transport := newFakeTransport()
	e := newTestEngine(t, transport, relaySrv.URL)
	handler := &capturingHandler{}
	e.SetIncomingCallHandler(handler)
	sub := e.Events(8)

	invite := buildIncomingInvite(t, "call-dtmf-1@peer", "sip:reception@sip.example.com")
	e.handleDatagram([]byte(invite.String()), fakeAddr("10.0.0.1:5060"))
	require.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.calls) == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, e.AnswerInboundCall(context.Background(), "call-dtmf-1@peer", []byte(testAudioSDP)))

	info := buildInfoFor(t, invite, "5")
	e.handleDatagram([]byte(info.String()), fakeAddr("10.0.0.1:5060"))

	ev := drainUntil(t, sub, events.KindDTMFDigit, time.Second)
	assert.Equal(t, "5", ev.Digit)
	assert.Equal(t, 160, ev.Duration)
}

func TestHandleIncomingInfoCarriesExplicitDuration(t *testing.T) {
	relaySrv := newTestRelayServer(t)
	defer relaySrv.Close()

	transport := newFakeTransport()
	e := newTestEngine(t, transport, relaySrv.URL)
	handler := &capturingHandler{}
	e.SetIncomingCallHandler(handler)
	sub := e.Events(8)

	invite := buildIncomingInvite(t, "call-dtmf-2@peer", "sip:reception@sip.example.com")
	e.handleDatagram([]byte(invite.String()), fakeAddr("10.0.0.1:5060"))
	require.Eventually(t, func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.calls) == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, e.AnswerInboundCall(context.Background(), "call-dtmf-2@peer", []byte(testAudioSDP)))

	info := buildInfoWithDuration(t, invite, "7", 200)
	e.handleDatagram([]byte(info.String()), fakeAddr("10.0.0.1:5060"))

	ev := drainUntil(t, sub, events.KindDTMFDigit, time.Second)
	assert.Equal(t, "7", ev.Digit)
	assert.Equal(t, 200, ev.Duration)
}
