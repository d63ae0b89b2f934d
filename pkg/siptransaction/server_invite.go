package siptransaction

import (
	"fmt"
	"time"

	"github.com/arzzra/sipwebrtc_gateway/pkg/sipmsg"
)

// InviteServerTransaction is the IST of RFC 3261 §17.2.1, grounded on the
// teacher's server.InviteTransaction (pkg/sip/transaction/server/invite.go).
// It starts in Proceeding (the 100 Trying a UAS auto-fires is the caller's
// job, not the transaction's), retransmits its final response (2xx
// included) on Timer G until
// ACK arrives or Timer H fires, then idles in Confirmed for Timer I to
// absorb late ACK retransmissions before terminating.
// maxFinalRetransmits is spec §4.C's 2xx retransmit cap: after this many
// retransmissions Timer-G stops rescheduling and Timer-H alone governs the
// remaining wait for the ACK.
const maxFinalRetransmits = 7

type InviteServerTransaction struct {
	base

	request     *sipmsg.Request
	replyTo     string
	currentG    time.Duration
	retransmits int
	final       *sipmsg.Response
}

func NewInviteServerTransaction(key Key, req *sipmsg.Request, transport Transport, replyTo string, timers Timers, onTimeout TimeoutHandler, onErr ErrorHandler) *InviteServerTransaction {
	return &InviteServerTransaction{
		base: base{
			key:            key,
			state:          StateProceeding,
			transport:      transport,
			timers:         NewTimerManager(),
			onTimeout:      onTimeout,
			onTransportErr: onErr,
		},
		request:  req,
		replyTo:  replyTo,
		currentG: timers.TimerG,
	}
}

// HandleRequest absorbs a retransmitted INVITE. Once a final response has
// been sent it replays that final response; while still Proceeding it
// sends nothing, so a provisional response such as 180 is not replayed.
func (t *InviteServerTransaction) HandleRequest(req *sipmsg.Request) {
	if t.State() == StateProceeding {
		return // no final response yet; nothing to replay
	}
	if t.final != nil {
		_ = t.send([]byte(t.final.String()), t.replyTo)
	}
}

// SendResponse is how the engine answers the INVITE. resp.StatusCode
// selects the FSM branch.
func (t *InviteServerTransaction) SendResponse(resp *sipmsg.Response, timers Timers) error {
	switch t.State() {
	case StateProceeding:
		return t.sendInProceeding(resp, timers)
	case StateCompleted:
		return t.sendInCompleted(resp)
	default:
		return fmt.Errorf("siptransaction: cannot send response in state %s", t.State())
	}
}

// sendInProceeding sends resp and, for any final response (2xx included
// per spec §4.C's "reliability of 2xx" — this engine has no separate TU to
// own that retransmission, so the server transaction keeps it), arms the
// retransmit timer G and the ACK-wait timer H.
func (t *InviteServerTransaction) sendInProceeding(resp *sipmsg.Response, timers Timers) error {
	if err := t.send([]byte(resp.String()), t.replyTo); err != nil {
		return err
	}
	if resp.StatusCode < 200 {
		return nil
	}
	t.setState(StateCompleted)
	t.final = resp
	t.retransmits = 0
	t.currentG = timers.TimerG
	t.timers.Start("G", timers.TimerG, func() { t.onTimerG(timers) })
	t.timers.Start("H", timers.TimerH, t.onTimerH)
	return nil
}

func (t *InviteServerTransaction) sendInCompleted(resp *sipmsg.Response) error {
	if t.final != nil && resp.StatusCode == t.final.StatusCode {
		return t.send([]byte(resp.String()), t.replyTo)
	}
	return fmt.Errorf("siptransaction: cannot change final response in Completed state")
}

func (t *InviteServerTransaction) onTimerG(timers Timers) {
	if t.State() != StateCompleted || t.final == nil {
		return
	}
	if err := t.send([]byte(t.final.String()), t.replyTo); err != nil {
		return
	}
	t.retransmits++
	if t.retransmits >= maxFinalRetransmits {
		// Retransmit cap reached; Timer-H alone governs what's left of the
		// ACK wait.
		return
	}
	t.currentG = nextRetransmit(t.currentG, timers.T2)
	t.timers.Reset("G", t.currentG, func() { t.onTimerG(timers) })
}

func (t *InviteServerTransaction) onTimerH() {
	if t.State() == StateCompleted {
		if t.onTimeout != nil {
			t.onTimeout("ack-timeout")
		}
		t.terminate()
	}
}

// HandleACK advances Completed -> Confirmed -> (Timer I) -> Terminated.
// ACKs arriving once already Confirmed are absorbed without effect.
func (t *InviteServerTransaction) HandleACK(timers Timers) {
	switch t.State() {
	case StateCompleted:
		t.setState(StateConfirmed)
		t.timers.Stop("G")
		t.timers.Stop("H")
		if timers.TimerI > 0 {
			t.timers.Start("I", timers.TimerI, t.onTimerI)
		} else {
			t.terminate()
		}
	case StateConfirmed:
	}
}

func (t *InviteServerTransaction) onTimerI() {
	if t.State() == StateConfirmed {
		t.terminate()
	}
}
