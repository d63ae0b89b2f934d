package siptransaction

import (
	"strconv"
	"time"

	"github.com/arzzra/sipwebrtc_gateway/pkg/sipmsg"
)

// InviteClientTransaction is the ICT of RFC 3261 §17.1.1, grounded on the
// teacher's client.InviteTransaction (pkg/sip/transaction/client/invite.go):
// Calling retransmits on Timer A until a response or Timer B fires;
// non-2xx finals move to Completed and own ACK generation/retransmission
// until Timer D; 2xx finals terminate the transaction immediately and
// leave ACK generation to the engine (pkg/engine's sendAckFor2xx), which
// sends that ACK without a body.
type InviteClientTransaction struct {
	base

	request    *sipmsg.Request
	destAddr   string
	currentA   time.Duration
	final      *sipmsg.Response

	onResponse ResponseHandler

	// OnRetransmit, if set, fires each time Timer A resends the INVITE —
	// purely an observability hook (spec's "invites_retried" metric) with
	// no effect on the FSM. Safe to leave nil.
	OnRetransmit func()
}

// NewInviteClientTransaction builds and starts an ICT: it sends req to
// destAddr immediately and arms Timer A/B.
func NewInviteClientTransaction(key Key, req *sipmsg.Request, transport Transport, destAddr string, timers Timers, onResponse ResponseHandler, onTimeout TimeoutHandler, onErr ErrorHandler) *InviteClientTransaction {
	t := &InviteClientTransaction{
		base: base{
			key:            key,
			state:          StateCalling,
			transport:      transport,
			timers:         NewTimerManager(),
			onTimeout:      onTimeout,
			onTransportErr: onErr,
		},
		request:    req,
		destAddr:   destAddr,
		currentA:   timers.TimerA,
		onResponse: onResponse,
	}
	t.start(timers)
	return t
}

func (t *InviteClientTransaction) start(timers Timers) {
	if err := t.send([]byte(t.request.String()), t.destAddr); err != nil {
		t.terminate()
		return
	}
	if timers.TimerA > 0 {
		t.timers.Start("A", timers.TimerA, func() { t.onTimerA(timers) })
	}
	t.timers.Start("B", timers.TimerB, t.onTimerB)
}

func (t *InviteClientTransaction) onTimerA(timers Timers) {
	if t.State() != StateCalling {
		return
	}
	if err := t.send([]byte(t.request.String()), t.destAddr); err != nil {
		t.terminate()
		return
	}
	if t.OnRetransmit != nil {
		t.OnRetransmit()
	}
	t.currentA = nextRetransmit(t.currentA, timers.T2)
	t.timers.Reset("A", t.currentA, func() { t.onTimerA(timers) })
}

func (t *InviteClientTransaction) onTimerB() {
	switch t.State() {
	case StateCalling, StateProceeding:
		if t.onTimeout != nil {
			t.onTimeout("Timer B")
		}
		t.terminate()
	}
}

// HandleResponse feeds an incoming response for this branch into the FSM.
func (t *InviteClientTransaction) HandleResponse(resp *sipmsg.Response, timers Timers) {
	switch t.State() {
	case StateCalling:
		t.handleInCalling(resp, timers)
	case StateProceeding:
		t.handleInProceeding(resp, timers)
	case StateCompleted:
		t.handleInCompleted(resp)
	}
}

func (t *InviteClientTransaction) handleInCalling(resp *sipmsg.Response, timers Timers) {
	switch {
	case resp.StatusCode < 200:
		t.setState(StateProceeding)
		t.timers.Stop("A")
		t.notify(resp)
	case resp.StatusCode < 300:
		t.notify(resp)
		t.terminate()
	default:
		t.completeNon2xx(resp, timers)
	}
}

func (t *InviteClientTransaction) handleInProceeding(resp *sipmsg.Response, timers Timers) {
	switch {
	case resp.StatusCode < 200:
		t.notify(resp)
	case resp.StatusCode < 300:
		t.notify(resp)
		t.terminate()
	default:
		t.completeNon2xx(resp, timers)
	}
}

func (t *InviteClientTransaction) handleInCompleted(resp *sipmsg.Response) {
	if resp.StatusCode >= 300 {
		_ = t.sendAck(resp)
	}
}

func (t *InviteClientTransaction) completeNon2xx(resp *sipmsg.Response, timers Timers) {
	t.setState(StateCompleted)
	t.final = resp
	t.timers.Stop("A")
	t.timers.Stop("B")
	_ = t.sendAck(resp)
	t.notify(resp)
	t.timers.Start("D", timers.TimerD, t.onTimerD)
}

func (t *InviteClientTransaction) onTimerD() {
	if t.State() == StateCompleted {
		t.terminate()
	}
}

func (t *InviteClientTransaction) notify(resp *sipmsg.Response) {
	if t.onResponse != nil {
		t.onResponse(resp)
	}
}

// sendAck builds and sends the ACK RFC 3261 §17.1.1.3 requires the
// transaction itself generate for non-2xx finals (2xx ACKs are sent by
// the engine, not by the transaction).
func (t *InviteClientTransaction) sendAck(resp *sipmsg.Response) error {
	ack := sipmsg.NewRequest("ACK", t.request.RequestURI)
	h := ack.Headers()
	for _, v := range t.request.Headers().GetAll("Via") {
		h.Add("Via", v)
		break // only the top Via is reused for the ACK
	}
	h.Set("From", t.request.Headers().Get("From"))
	h.Set("To", resp.Headers().Get("To"))
	h.Set("Call-ID", t.request.Headers().Get("Call-ID"))
	seq, _ := t.request.CSeq()
	h.Set("CSeq", strconv.Itoa(seq)+" ACK")
	h.Set("Max-Forwards", t.request.Headers().Get("Max-Forwards"))
	for _, r := range t.request.Headers().GetAll("Route") {
		h.Add("Route", r)
	}
	h.Set("Content-Length", "0")
	return t.send([]byte(ack.String()), t.destAddr)
}
