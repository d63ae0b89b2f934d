package siptransaction

import (
	"fmt"

	"github.com/arzzra/sipwebrtc_gateway/pkg/sipmsg"
)

// NonInviteServerTransaction is the NIST of RFC 3261 §17.2.2 (pkg/engine
// does not construct one; it answers incoming OPTIONS/BYE/INFO
// directly), grounded on the teacher's
// server.NonInviteTransaction (pkg/sip/transaction/server/non_invite.go).
// Completed idles on Timer J purely to absorb request retransmissions by
// replaying the stored final response; there is no ACK and no Timer G/H/I.
type NonInviteServerTransaction struct {
	base

	request *sipmsg.Request
	replyTo string
	final   *sipmsg.Response
}

func NewNonInviteServerTransaction(key Key, req *sipmsg.Request, transport Transport, replyTo string, onErr ErrorHandler) *NonInviteServerTransaction {
	return &NonInviteServerTransaction{
		base: base{
			key:            key,
			state:          StateTrying,
			transport:      transport,
			timers:         NewTimerManager(),
			onTransportErr: onErr,
		},
		request: req,
		replyTo: replyTo,
	}
}

func (t *NonInviteServerTransaction) HandleRequest(req *sipmsg.Request) {
	if t.State() == StateCompleted && t.final != nil {
		_ = t.send([]byte(t.final.String()), t.replyTo)
	}
}

func (t *NonInviteServerTransaction) SendResponse(resp *sipmsg.Response, timers Timers) error {
	switch t.State() {
	case StateTrying, StateProceeding:
		if err := t.send([]byte(resp.String()), t.replyTo); err != nil {
			return err
		}
		if resp.StatusCode < 200 {
			t.setState(StateProceeding)
			return nil
		}
		t.setState(StateCompleted)
		t.final = resp
		t.timers.Start("J", timers.TimerJ, t.onTimerJ)
		return nil
	case StateCompleted:
		if t.final != nil && resp.StatusCode == t.final.StatusCode {
			return t.send([]byte(resp.String()), t.replyTo)
		}
		return fmt.Errorf("siptransaction: cannot change final response in Completed state")
	default:
		return fmt.Errorf("siptransaction: cannot send response in state %s", t.State())
	}
}

func (t *NonInviteServerTransaction) onTimerJ() {
	if t.State() == StateCompleted {
		t.terminate()
	}
}
