package engine

import (
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/arzzra/sipwebrtc_gateway/pkg/dialogstore"
	"github.com/arzzra/sipwebrtc_gateway/pkg/events"
	"github.com/arzzra/sipwebrtc_gateway/pkg/sipmsg"
	"github.com/arzzra/sipwebrtc_gateway/pkg/siptransaction"
)

// handleIncomingAck completes the INVITE server transaction's Completed
// ->Confirmed (non-2xx) or otherwise just tells the dialog the peer saw
// the 200 OK. sipwebrtc_gateway never waits on the ACK to start relaying
// media — the relay session is already live once the 200 OK went out.
func (e *Engine) handleIncomingAck(req *sipmsg.Request) {
	callID := req.CallID()
	cs, ok := e.getCall(callID)
	if !ok {
		return
	}
	if cs.serverInviteTx != nil {
		cs.serverInviteTx.HandleACK(siptransaction.DefaultTimers())
	}
	cs.dialog.CancelRetransmit()
	cs.dialog.MarkAckReceived()
	if cs.dialog.CanFire(dialogstore.EventAckReceived) {
		_ = cs.dialog.Fire(dialogstore.EventAckReceived)
		e.publish(events.Event{Kind: events.KindDialogEstablished, CallID: callID})
	}
}

// handleIncomingBye tears down a call the remote peer hung up, replying
// 200 immediately and releasing the relay session asynchronously so the
// UDP read loop never blocks on the RPC.
func (e *Engine) handleIncomingBye(req *sipmsg.Request, from net.Addr) {
	callID := req.CallID()
	cs, ok := e.getCall(callID)
	if !ok {
		e.replyDirect(req, from, 481, "Call/Transaction Does Not Exist")
		return
	}

	resp := sipmsg.BuildResponse(200, "OK").FromRequest(req).Build()
	_ = e.transport.Send([]byte(resp.String()), from.String())

	if cs.dialog.CanFire(dialogstore.EventHangup) {
		_ = cs.dialog.Fire(dialogstore.EventHangup)
	}
	_ = cs.dialog.Fire(dialogstore.EventTerminate)
	e.finishCall(callID, "bye")
	go e.deleteRelaySession(callID)
}

// handleIncomingCancel races a CANCEL against an in-progress inbound
// INVITE: the CANCEL itself gets 200, and if the INVITE server
// transaction is still Proceeding it is finalized with 487.
func (e *Engine) handleIncomingCancel(req *sipmsg.Request, from net.Addr) {
	callID := req.CallID()
	cs, ok := e.getCall(callID)
	if !ok || cs.serverInviteTx == nil {
		e.replyDirect(req, from, 481, "Call/Transaction Does Not Exist")
		return
	}

	okResp := sipmsg.BuildResponse(200, "OK").FromRequest(req).Build()
	_ = e.transport.Send([]byte(okResp.String()), from.String())

	if cs.serverInviteTx.State() != siptransaction.StateProceeding {
		return // already answered; CANCEL lost the race, a BYE will follow
	}
	terminated := sipmsg.BuildResponse(487, "Request Terminated").FromRequest(cs.dialog.OriginRequest).ToTag(cs.dialog.LocalTag).Build()
	_ = cs.serverInviteTx.SendResponse(terminated, siptransaction.DefaultTimers())
	_ = cs.dialog.Fire(dialogstore.EventTerminate)
	e.finishCall(callID, "cancel")
	go e.deleteRelaySession(callID)
}

// handleIncomingInfo parses an application/dtmf-relay INFO body (spec
// §4.F DTMF relay) and publishes the digit as an event; the hub forwards
// it to the browser peer. Anything that doesn't parse as a DTMF signal
// still gets a 200 — INFO bodies the gateway doesn't understand are not
// a protocol error.
func (e *Engine) handleIncomingInfo(req *sipmsg.Request, from net.Addr) {
	callID := req.CallID()
	resp := sipmsg.BuildResponse(200, "OK").FromRequest(req).Build()
	_ = e.transport.Send([]byte(resp.String()), from.String())

	digit, duration := parseDTMFSignal(req.Body())
	if digit == "" {
		return
	}
	if e.metrics != nil {
		e.metrics.DTMFDigitsReceived.Inc()
	}
	e.publish(events.Event{Kind: events.KindDTMFDigit, CallID: callID, Digit: digit, Duration: duration})
}

// defaultDTMFDuration is the duration (in milliseconds, the unit of the
// body's Duration= field) assumed for an application/dtmf-relay body that omits Duration=.
const defaultDTMFDuration = 160

// parseDTMFSignal extracts the Signal= and Duration= values from an
// application/dtmf-relay body ("Signal=5\r\nDuration=160"), grounded on the
// wire format RFC 2833's INFO-based sibling uses. Returns digit == "" if the
// body isn't that shape; duration defaults to defaultDTMFDuration when
// Duration= is absent or unparseable.
func parseDTMFSignal(body []byte) (digit string, duration int) {
	duration = defaultDTMFDuration
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if after, ok := cutPrefix(line, "Signal="); ok {
			digit = strings.TrimSpace(after)
			continue
		}
		if after, ok := cutPrefix(line, "Duration="); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(after)); err == nil {
				duration = n
			}
		}
	}
	return digit, duration
}

func cutPrefix(s, prefix string) (string, bool) {
	if !strings.HasPrefix(s, prefix) {
		return s, false
	}
	return s[len(prefix):], true
}

// HangupCall ends an active call from the gateway's own side: a BYE once
// established, a CANCEL if the INVITE never got a final response yet.
func (e *Engine) HangupCall(ctx context.Context, callID string) error {
	cs, ok := e.getCall(callID)
	if !ok {
		return nil // already gone; hanging up twice is not an error
	}

	switch cs.dialog.State() {
	case dialogstore.StateEstablished, dialogstore.StateAnswered:
		e.sendBye(cs)
	case dialogstore.StateCalling, dialogstore.StateRinging:
		e.sendCancel(cs)
	}

	_ = cs.dialog.Fire(dialogstore.EventHangup)
	_ = cs.dialog.Fire(dialogstore.EventTerminate)
	e.finishCall(callID, "local hangup")
	go e.deleteRelaySession(callID)
	return nil
}

func (e *Engine) sendBye(cs *callState) {
	local, remote := localRemoteURIs(cs)
	cs.dialog.LocalSeq++
	branch := sipmsg.NewBranch()
	bye := sipmsg.BuildRequest(sipMethodBYE, remote).
		Via("UDP", e.cfg.PublicIP, e.cfg.LocalSIPPort, branch).
		From(local, cs.dialog.LocalTag).
		To(remote, cs.dialog.RemoteTag).
		CallID(cs.dialog.CallID).
		CSeq(cs.dialog.LocalSeq, sipMethodBYE).
		Build()

	key, err := siptransaction.NewKey(bye, true)
	if err != nil {
		return
	}
	tx := siptransaction.NewNonInviteClientTransaction(key, bye, e.transport, cs.peerAddr, siptransaction.DefaultTimers(), nil, nil, nil)
	e.txStore.Add(tx)
}

func (e *Engine) sendCancel(cs *callState) {
	if cs.clientInviteTx == nil {
		return
	}
	origin := cs.dialog.OriginRequest
	local, remote := localRemoteURIs(cs)
	cancelReq := sipmsg.BuildRequest("CANCEL", origin.RequestURI).
		Via("UDP", e.cfg.PublicIP, e.cfg.LocalSIPPort, origin.Branch()).
		From(local, cs.dialog.LocalTag).
		To(remote, "").
		CallID(cs.dialog.CallID).
		CSeq(1, "CANCEL").
		Build()
	_ = e.transport.Send([]byte(cancelReq.String()), cs.peerAddr)
}

// localRemoteURIs returns the dialog's own address-of-record and its
// peer's, in the right order for whichever side originated the call —
// the original INVITE's From/To swap meaning depending on direction.
func localRemoteURIs(cs *callState) (local, remote *sipmsg.URI) {
	origin := cs.dialog.OriginRequest
	if cs.dialog.Direction == dialogstore.DirectionOutbound {
		return parseNameAddr(origin.Headers().Get("From")), parseNameAddr(origin.Headers().Get("To"))
	}
	return parseNameAddr(origin.Headers().Get("To")), parseNameAddr(origin.Headers().Get("From"))
}

// parseNameAddr strips a leading "<name-addr>;tag=..." wrapper and parses
// the URI inside; call sites here always pass a header value this engine
// itself produced, so a parse failure can only mean a logic bug upstream
// and falls back to an empty URI rather than panicking mid-call-teardown.
func parseNameAddr(headerValue string) *sipmsg.URI {
	v := headerValue
	if semi := strings.Index(v, ";"); semi >= 0 {
		v = v[:semi]
	}
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "<")
	v = strings.TrimSuffix(v, ">")
	u, err := sipmsg.ParseURI(v)
	if err != nil {
		return &sipmsg.URI{Scheme: "sip"}
	}
	return u
}

const sipMethodBYE = "BYE"

// SendDTMF relays a single DTMF digit toward the SIP peer via INFO, per
// spec §4.F's browser-to-telephony DTMF path.
func (e *Engine) SendDTMF(ctx context.Context, callID, digit string) error {
	cs, ok := e.getCall(callID)
	if !ok {
		return nil
	}
	local, remote := localRemoteURIs(cs)
	cs.dialog.LocalSeq++
	branch := sipmsg.NewBranch()
	body := []byte("Signal=" + digit + "\r\nDuration=160\r\n")
	info := sipmsg.BuildRequest("INFO", remote).
		Via("UDP", e.cfg.PublicIP, e.cfg.LocalSIPPort, branch).
		From(local, cs.dialog.LocalTag).
		To(remote, cs.dialog.RemoteTag).
		CallID(cs.dialog.CallID).
		CSeq(cs.dialog.LocalSeq, "INFO").
		Body("application/dtmf-relay", body).
		Build()

	key, err := siptransaction.NewKey(info, true)
	if err != nil {
		return err
	}
	tx := siptransaction.NewNonInviteClientTransaction(key, info, e.transport, cs.peerAddr, siptransaction.DefaultTimers(), nil, nil, nil)
	e.txStore.Add(tx)
	return nil
}
