package engine

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/arzzra/sipwebrtc_gateway/pkg/dialogstore"
	"github.com/arzzra/sipwebrtc_gateway/pkg/events"
	"github.com/arzzra/sipwebrtc_gateway/pkg/relayclient"
	"github.com/arzzra/sipwebrtc_gateway/pkg/sipmsg"
	"github.com/arzzra/sipwebrtc_gateway/pkg/siptransaction"
)

// handleIncomingInvite is the SIP-peer-calls-browser-peer half of spec
// §4.F. A brand new INVITE spins up a dialog and a server transaction,
// acks with 100 Trying, then asks the relay for a browser-facing offer
// off the request goroutine so the UDP read loop never blocks on the
// relay RPC. A retransmitted INVITE (spec property P4) is handed to the
// existing server transaction, which replays its stored final itself.
func (e *Engine) handleIncomingInvite(req *sipmsg.Request, from net.Addr) {
	callID := req.CallID()
	if callID == "" {
		e.replyDirect(req, from, 400, "Bad Request")
		return
	}

	if cs, ok := e.getCall(callID); ok {
		key, err := siptransaction.NewKey(req, false)
		if err == nil && cs.serverInviteTx != nil && key.Branch == cs.serverInviteTx.Key().Branch {
			cs.serverInviteTx.HandleRequest(req)
			return
		}
		e.handleReInvite(cs, req, from)
		return
	}

	peer, err := calledPeerName(req.RequestURI)
	if err != nil {
		e.replyDirect(req, from, 404, "Not Found")
		return
	}

	handler := e.incomingCallHandler()
	if handler == nil {
		e.replyDirect(req, from, 503, "Service Unavailable")
		return
	}

	dlg := dialogstore.NewDialog(callID, dialogstore.DirectionInbound, peer, req, from)
	dlg.RemoteTag = tagOf(req.Headers().Get("From"))
	if err := e.dialogs.Add(dlg); err != nil {
		e.replyDirect(req, from, 503, "Service Unavailable")
		return
	}

	key, err := siptransaction.NewKey(req, false)
	if err != nil {
		e.replyDirect(req, from, 400, "Bad Request")
		return
	}

	tx := siptransaction.NewInviteServerTransaction(key, req, e.transport, from.String(), siptransaction.DefaultTimers(),
		func(reason string) { e.onInviteServerTimeout(callID, reason) }, nil)
	e.txStore.Add(tx)
	e.setCall(callID, &callState{dialog: dlg, serverInviteTx: tx, peerAddr: from.String(), browserPeer: peer})

	trying := sipmsg.BuildResponse(100, "Trying").FromRequest(req).Build()
	_ = tx.SendResponse(trying, siptransaction.DefaultTimers())

	if e.metrics != nil {
		e.metrics.DialogsTotal.Inc()
		e.metrics.DialogsActive.Inc()
	}

	go e.offerToBrowser(callID, req.Body(), handler, peer)
}

func (e *Engine) offerToBrowser(callID string, sipOfferSDP []byte, handler IncomingCallHandler, peer string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	browserOffer, err := e.relay.Offer(ctx, callID, relayclient.ProfileInboundOffer, sipOfferSDP)
	if e.metrics != nil {
		e.metrics.ObserveRelayRPC("offer", start, err)
	}
	if err != nil {
		e.log.WithError(err).WithField("call_id", callID).Warn("relay offer failed for inbound call")
		e.publish(events.Event{Kind: events.KindRelayError, CallID: callID, Err: err})
		e.failInboundCall(callID, 500, "Server Internal Error")
		return
	}
	handler.OnIncomingCall(callID, peer, browserOffer)
}

// RingInboundCall sends 180 Ringing on a still-proceeding inbound INVITE
// and advances the dialog to Ringing.
func (e *Engine) RingInboundCall(callID string) error {
	cs, ok := e.getCall(callID)
	if !ok || cs.serverInviteTx == nil {
		return fmt.Errorf("engine: no inbound call %s", callID)
	}
	ringing := sipmsg.BuildResponse(180, "Ringing").FromRequest(cs.dialog.OriginRequest).ToTag(cs.dialog.LocalTag).Build()
	if err := cs.serverInviteTx.SendResponse(ringing, siptransaction.DefaultTimers()); err != nil {
		return err
	}
	if cs.dialog.CanFire(dialogstore.EventRinging) {
		_ = cs.dialog.Fire(dialogstore.EventRinging)
		e.publish(events.Event{Kind: events.KindDialogRinging, CallID: callID})
	}
	return nil
}

// AnswerInboundCall hands the browser peer's answer SDP to the relay and
// sends the resulting 200 OK toward the SIP peer, completing offer/answer
// on the wire before the SIP side's ACK even arrives.
func (e *Engine) AnswerInboundCall(ctx context.Context, callID string, browserAnswerSDP []byte) error {
	cs, ok := e.getCall(callID)
	if !ok || cs.serverInviteTx == nil {
		return fmt.Errorf("engine: no inbound call %s", callID)
	}

	if cs.dialog.LocalTag == "" {
		cs.dialog.LocalTag = sipmsg.NewTag()
	}

	start := time.Now()
	sipAnswer, err := e.relay.Answer(ctx, callID, relayclient.ProfileInboundAnswerMinimal, browserAnswerSDP)
	if e.metrics != nil {
		e.metrics.ObserveRelayRPC("answer", start, err)
	}
	if err != nil {
		e.publish(events.Event{Kind: events.KindRelayError, CallID: callID, Err: err})
		return err
	}

	ok200 := sipmsg.BuildResponse(200, "OK").
		FromRequest(cs.dialog.OriginRequest).
		ToTag(cs.dialog.LocalTag).
		Body("application/sdp", sipAnswer).
		Build()
	addStandardHeaders(ok200, e.cfg)
	if err := cs.serverInviteTx.SendResponse(ok200, siptransaction.DefaultTimers()); err != nil {
		return err
	}

	if err := cs.dialog.Fire(dialogstore.EventAnswer); err != nil {
		e.log.WithError(err).WithField("call_id", callID).Warn("dialog rejected answer transition")
	}
	cs.dialog.ArmRetransmit(siptransaction.DefaultTimers().TimerG)
	e.publish(events.Event{Kind: events.KindDialogAnswered, CallID: callID})
	return nil
}

// RejectInboundCall declines an inbound call with a final non-2xx status
// and releases its relay session.
func (e *Engine) RejectInboundCall(callID string, status int, reason string) error {
	cs, ok := e.getCall(callID)
	if !ok || cs.serverInviteTx == nil {
		return fmt.Errorf("engine: no inbound call %s", callID)
	}
	resp := sipmsg.BuildResponse(status, reason).FromRequest(cs.dialog.OriginRequest).ToTag(cs.dialog.LocalTag).Build()
	if err := cs.serverInviteTx.SendResponse(resp, siptransaction.DefaultTimers()); err != nil {
		return err
	}
	_ = cs.dialog.Fire(dialogstore.EventTerminate)
	e.finishCall(callID, "rejected")
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.relay.Delete(ctx, callID)
	}()
	return nil
}

func (e *Engine) failInboundCall(callID string, status int, reason string) {
	cs, ok := e.getCall(callID)
	if !ok || cs.serverInviteTx == nil {
		return
	}
	resp := sipmsg.BuildResponse(status, reason).FromRequest(cs.dialog.OriginRequest).Build()
	_ = cs.serverInviteTx.SendResponse(resp, siptransaction.DefaultTimers())
	_ = cs.dialog.Fire(dialogstore.EventTerminate)
	e.finishCall(callID, reason)
}

func (e *Engine) onInviteServerTimeout(callID, reason string) {
	e.log.WithField("call_id", callID).WithField("reason", reason).Warn("inbound invite transaction timed out")
	cs, ok := e.getCall(callID)
	if ok {
		cs.dialog.CancelRetransmit()
		_ = cs.dialog.Fire(dialogstore.EventTerminate)
	}
	e.finishCall(callID, reason)
}

// finishCall retires callID's bookkeeping and records the dialog's final
// metrics; safe to call more than once for the same callID.
func (e *Engine) finishCall(callID, reason string) {
	cs, ok := e.getCall(callID)
	if !ok {
		return
	}
	e.removeCall(callID)
	e.dialogs.Remove(callID)
	if e.metrics != nil {
		e.metrics.DialogsActive.Dec()
		e.metrics.DialogDuration.Observe(time.Since(cs.dialog.CreatedAt).Seconds())
	}
	e.publish(events.Event{Kind: events.KindDialogTerminated, CallID: callID, Reason: reason})
}

// calledPeerName extracts the browser peer name an inbound INVITE targets
// from its Request-URI user part (sip:<peer>@domain).
func calledPeerName(uri *sipmsg.URI) (string, error) {
	if uri == nil || uri.User == "" {
		return "", fmt.Errorf("engine: request-uri has no user part to route on")
	}
	return uri.User, nil
}

// tagOf extracts the ;tag= parameter from a From/To header value, or ""
// if absent.
func tagOf(header string) string {
	const marker = ";tag="
	idx := strings.Index(header, marker)
	if idx < 0 {
		return ""
	}
	rest := header[idx+len(marker):]
	if semi := strings.Index(rest, ";"); semi >= 0 {
		return rest[:semi]
	}
	return rest
}
