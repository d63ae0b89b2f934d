package siptransaction

import (
	"time"

	"github.com/arzzra/sipwebrtc_gateway/pkg/sipmsg"
)

// NonInviteClientTransaction is the NICT of RFC 3261 §17.1.2 — used here
// for outgoing BYE and INFO — grounded on the teacher's
// client.NonInviteTransaction (pkg/sip/transaction/client/non_invite.go).
// Unlike the ICT it never generates an ACK; Timer E/F replace A/B and
// Timer K replaces D.
type NonInviteClientTransaction struct {
	base

	request  *sipmsg.Request
	destAddr string
	currentE time.Duration
	final    *sipmsg.Response

	onResponse ResponseHandler
}

func NewNonInviteClientTransaction(key Key, req *sipmsg.Request, transport Transport, destAddr string, timers Timers, onResponse ResponseHandler, onTimeout TimeoutHandler, onErr ErrorHandler) *NonInviteClientTransaction {
	t := &NonInviteClientTransaction{
		base: base{
			key:            key,
			state:          StateTrying,
			transport:      transport,
			timers:         NewTimerManager(),
			onTimeout:      onTimeout,
			onTransportErr: onErr,
		},
		request:    req,
		destAddr:   destAddr,
		currentE:   timers.T1,
		onResponse: onResponse,
	}
	t.start(timers)
	return t
}

func (t *NonInviteClientTransaction) start(timers Timers) {
	if err := t.send([]byte(t.request.String()), t.destAddr); err != nil {
		t.terminate()
		return
	}
	if timers.TimerE > 0 {
		t.timers.Start("E", timers.TimerE, func() { t.onTimerE(timers) })
	}
	t.timers.Start("F", timers.TimerF, t.onTimerF)
}

func (t *NonInviteClientTransaction) onTimerE(timers Timers) {
	state := t.State()
	if state != StateTrying && state != StateProceeding {
		return
	}
	if err := t.send([]byte(t.request.String()), t.destAddr); err != nil {
		t.terminate()
		return
	}
	t.currentE = nextRetransmit(t.currentE, timers.T2)
	t.timers.Reset("E", t.currentE, func() { t.onTimerE(timers) })
}

func (t *NonInviteClientTransaction) onTimerF() {
	switch t.State() {
	case StateTrying, StateProceeding:
		if t.onTimeout != nil {
			t.onTimeout("Timer F")
		}
		t.terminate()
	}
}

func (t *NonInviteClientTransaction) HandleResponse(resp *sipmsg.Response, timers Timers) {
	switch t.State() {
	case StateTrying, StateProceeding:
		t.handleActive(resp, timers)
	case StateCompleted:
		// absorb retransmitted finals silently
	}
}

func (t *NonInviteClientTransaction) handleActive(resp *sipmsg.Response, timers Timers) {
	if resp.StatusCode < 200 {
		t.setState(StateProceeding)
		if t.onResponse != nil {
			t.onResponse(resp)
		}
		return
	}
	t.setState(StateCompleted)
	t.final = resp
	t.timers.Stop("E")
	t.timers.Stop("F")
	if t.onResponse != nil {
		t.onResponse(resp)
	}
	t.timers.Start("K", timers.TimerK, t.onTimerK)
}

func (t *NonInviteClientTransaction) onTimerK() {
	if t.State() == StateCompleted {
		t.terminate()
	}
}
