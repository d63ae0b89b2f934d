package engine

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/arzzra/sipwebrtc_gateway/pkg/dialogstore"
	"github.com/arzzra/sipwebrtc_gateway/pkg/events"
	"github.com/arzzra/sipwebrtc_gateway/pkg/relayclient"
	"github.com/arzzra/sipwebrtc_gateway/pkg/sipmsg"
	"github.com/arzzra/sipwebrtc_gateway/pkg/siptransaction"
)

// mirrorProfile picks the re-INVITE directive row spec §4.E says to mirror:
// whichever direction's offer profile this dialog started as.
func mirrorProfile(dir dialogstore.Direction) relayclient.Profile {
	if dir == dialogstore.DirectionOutbound {
		return relayclient.ProfileOutboundOffer
	}
	return relayclient.ProfileInboundOffer
}

// handleReInvite answers a mid-dialog INVITE (hold, codec renegotiation)
// on an existing call. Per the gateway's resolution of re-INVITE handling
// (a new media offer on top of an already-running relay session binds to
// the relay's update verb rather than a second offer/answer round), the
// relay session itself is never torn down and recreated.
func (e *Engine) handleReInvite(cs *callState, req *sipmsg.Request, from net.Addr) {
	key, err := siptransaction.NewKey(req, false)
	if err != nil {
		e.replyDirect(req, from, 400, "Bad Request")
		return
	}
	tx := siptransaction.NewInviteServerTransaction(key, req, e.transport, from.String(), siptransaction.DefaultTimers(), nil, nil)
	e.txStore.Add(tx)
	cs.serverInviteTx = tx

	trying := sipmsg.BuildResponse(100, "Trying").FromRequest(req).Build()
	_ = tx.SendResponse(trying, siptransaction.DefaultTimers())

	go e.applyReInvite(cs, tx, req)
}

func (e *Engine) applyReInvite(cs *callState, tx *siptransaction.InviteServerTransaction, req *sipmsg.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	updatedSDP, err := e.relay.Update(ctx, cs.dialog.CallID, mirrorProfile(cs.dialog.Direction), req.Body())
	if e.metrics != nil {
		e.metrics.ObserveRelayRPC("update", start, err)
	}
	if err != nil {
		e.publish(events.Event{Kind: events.KindRelayError, CallID: cs.dialog.CallID, Err: err})
		failed := sipmsg.BuildResponse(500, "Server Internal Error").FromRequest(req).ToTag(cs.dialog.LocalTag).Build()
		_ = tx.SendResponse(failed, siptransaction.DefaultTimers())
		return
	}

	resp := sipmsg.BuildResponse(200, "OK").
		FromRequest(req).
		ToTag(cs.dialog.LocalTag).
		Body("application/sdp", updatedSDP).
		Build()
	addStandardHeaders(resp, e.cfg)
	_ = tx.SendResponse(resp, siptransaction.DefaultTimers())

	if e.metrics != nil {
		e.metrics.ReInvites.Inc()
	}
	e.publish(events.Event{Kind: events.KindReInvite, CallID: cs.dialog.CallID, SDP: updatedSDP})
}

// UpdateCall renegotiates an established call's media (hold, resume,
// codec change) from the gateway's own side — the browser peer submits a
// new offer and the relay session is updated in place.
func (e *Engine) UpdateCall(ctx context.Context, callID string, newOfferSDP []byte) error {
	cs, ok := e.getCall(callID)
	if !ok {
		return fmt.Errorf("engine: no call %s", callID)
	}

	start := time.Now()
	_, err := e.relay.Update(ctx, callID, mirrorProfile(cs.dialog.Direction), newOfferSDP)
	if e.metrics != nil {
		e.metrics.ObserveRelayRPC("update", start, err)
	}
	if err != nil {
		e.publish(events.Event{Kind: events.KindRelayError, CallID: callID, Err: err})
		return err
	}

	if e.metrics != nil {
		e.metrics.ReInvites.Inc()
	}
	e.publish(events.Event{Kind: events.KindReInvite, CallID: callID})
	return nil
}
