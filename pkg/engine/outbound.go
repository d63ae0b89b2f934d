package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/arzzra/sipwebrtc_gateway/pkg/dialogstore"
	"github.com/arzzra/sipwebrtc_gateway/pkg/events"
	"github.com/arzzra/sipwebrtc_gateway/pkg/relayclient"
	"github.com/arzzra/sipwebrtc_gateway/pkg/sipmsg"
	"github.com/arzzra/sipwebrtc_gateway/pkg/siptransaction"
)

// PlaceOutboundCall is the browser-calls-SIP-peer half of spec §4.F: the
// relay gets the browser's offer first, so the INVITE the SIP peer sees
// already carries the relay's own offer SDP rather than the browser's.
func (e *Engine) PlaceOutboundCall(ctx context.Context, browserPeer string, browserOfferSDP []byte, calledURI string) (string, error) {
	callID := sipmsg.NewCallID(e.cfg.PublicIP)

	start := time.Now()
	sipOffer, err := e.relay.Offer(ctx, callID, relayclient.ProfileOutboundOffer, browserOfferSDP)
	if e.metrics != nil {
		e.metrics.ObserveRelayRPC("offer", start, err)
	}
	if err != nil {
		return "", fmt.Errorf("engine: relay offer for outbound call: %w", err)
	}

	toURI, err := sipmsg.ParseURI(calledURI)
	if err != nil {
		return "", fmt.Errorf("engine: bad destination uri: %w", err)
	}
	fromURI, err := sipmsg.ParseURI(fmt.Sprintf("sip:gateway@%s", e.cfg.PublicIP))
	if err != nil {
		return "", fmt.Errorf("engine: bad gateway uri: %w", err)
	}

	localTag := sipmsg.NewTag()
	branch := sipmsg.NewBranch()
	req := sipmsg.BuildRequest("INVITE", toURI).
		Via("UDP", e.cfg.PublicIP, e.cfg.LocalSIPPort, branch).
		From(fromURI, localTag).
		To(toURI, "").
		CallID(callID).
		CSeq(1, "INVITE").
		Contact(fromURI).
		Body("application/sdp", sipOffer).
		Build()

	dlg := dialogstore.NewDialog(callID, dialogstore.DirectionOutbound, browserPeer, req, nil)
	dlg.LocalTag = localTag
	dlg.LocalSeq = 1
	if err := e.dialogs.Add(dlg); err != nil {
		go e.deleteRelaySession(callID)
		return "", err
	}

	key, err := siptransaction.NewKey(req, true)
	if err != nil {
		go e.deleteRelaySession(callID)
		return "", err
	}

	tx := siptransaction.NewInviteClientTransaction(key, req, e.transport, e.cfg.SIPServerAddr, siptransaction.DefaultTimers(),
		func(resp *sipmsg.Response) { e.onOutboundInviteResponse(callID, resp) },
		func(reason string) { e.onInviteClientTimeout(callID, reason) },
		nil,
	)
	tx.OnRetransmit = func() {
		if e.metrics != nil {
			e.metrics.InvitesRetried.Inc()
		}
		e.publish(events.Event{Kind: events.KindInviteRetried, CallID: callID})
	}
	e.txStore.Add(tx)
	e.setCall(callID, &callState{dialog: dlg, clientInviteTx: tx, peerAddr: e.cfg.SIPServerAddr, browserPeer: browserPeer})

	if e.metrics != nil {
		e.metrics.DialogsTotal.Inc()
		e.metrics.DialogsActive.Inc()
	}

	return callID, nil
}

func (e *Engine) onOutboundInviteResponse(callID string, resp *sipmsg.Response) {
	cs, ok := e.getCall(callID)
	if !ok {
		return
	}
	cs.dialog.RemoteTag = tagOf(resp.Headers().Get("To"))

	switch {
	case resp.StatusCode < 200:
		if resp.StatusCode == 180 || resp.StatusCode == 183 {
			if cs.dialog.CanFire(dialogstore.EventRinging) {
				_ = cs.dialog.Fire(dialogstore.EventRinging)
				e.publish(events.Event{Kind: events.KindDialogRinging, CallID: callID})
			}
		}
	case resp.StatusCode < 300:
		e.completeOutboundAnswer(callID, cs, resp)
	default:
		_ = cs.dialog.Fire(dialogstore.EventTerminate)
		e.finishCall(callID, fmt.Sprintf("sip %d", resp.StatusCode))
		go e.deleteRelaySession(callID)
	}
}

// completeOutboundAnswer hands the SIP peer's answer to the relay, sends
// the 2xx ACK RFC 3261 requires the dialog layer (not the transaction) to
// generate, and advances the dialog through Answered to Established —
// ACK generation for a 2xx carries no body since offer/answer already
// completed across the INVITE/200 exchange.
func (e *Engine) completeOutboundAnswer(callID string, cs *callState, resp *sipmsg.Response) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	browserAnswer, err := e.relay.Answer(ctx, callID, relayclient.ProfileOutboundAnswer, resp.Body())
	if e.metrics != nil {
		e.metrics.ObserveRelayRPC("answer", start, err)
	}
	if err != nil {
		e.publish(events.Event{Kind: events.KindRelayError, CallID: callID, Err: err})
	}

	e.sendAckFor2xx(cs, resp)

	if err := cs.dialog.Fire(dialogstore.EventAnswer); err != nil {
		e.log.WithError(err).WithField("call_id", callID).Warn("dialog rejected answer transition")
	}
	e.publish(events.Event{Kind: events.KindDialogAnswered, CallID: callID, SDP: browserAnswer})

	cs.dialog.MarkAckReceived()
	if err := cs.dialog.Fire(dialogstore.EventAckReceived); err != nil {
		e.log.WithError(err).WithField("call_id", callID).Warn("dialog rejected ack_received transition")
	}
	e.publish(events.Event{Kind: events.KindDialogEstablished, CallID: callID})
}

// sendAckFor2xx builds the ACK the ICT does not generate for 2xx finals.
func (e *Engine) sendAckFor2xx(cs *callState, resp *sipmsg.Response) {
	origin := cs.dialog.OriginRequest
	ack := sipmsg.NewRequest("ACK", origin.RequestURI)
	h := ack.Headers()
	for _, v := range origin.Headers().GetAll("Via") {
		h.Add("Via", v)
		break
	}
	h.Set("From", origin.Headers().Get("From"))
	h.Set("To", resp.Headers().Get("To"))
	h.Set("Call-ID", origin.Headers().Get("Call-ID"))
	seq, _ := origin.CSeq()
	h.Set("CSeq", fmt.Sprintf("%d ACK", seq))
	h.Set("Max-Forwards", origin.Headers().Get("Max-Forwards"))
	h.Set("Content-Length", "0")
	_ = e.transport.Send([]byte(ack.String()), cs.peerAddr)
}

func (e *Engine) onInviteClientTimeout(callID, reason string) {
	e.log.WithField("call_id", callID).WithField("reason", reason).Warn("outbound invite transaction timed out")
	cs, ok := e.getCall(callID)
	if ok {
		_ = cs.dialog.Fire(dialogstore.EventTerminate)
	}
	e.finishCall(callID, reason)
	go e.deleteRelaySession(callID)
}

func (e *Engine) deleteRelaySession(callID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.relay.Delete(ctx, callID); err != nil {
		e.log.WithError(err).WithField("call_id", callID).Debug("relay delete on cleanup failed")
	}
}
