package hub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/gorilla/websocket"
)

const (
	maxFrameBytes  = 64 * 1024
	pingInterval   = 30 * time.Second
	pongWait       = maxMissedPongs*pingInterval + 10*time.Second
	writeWait      = 5 * time.Second
	maxMissedPongs = 2
)

var errFrameTooLarge = errors.New("hub: frame exceeds size limit")

// peer is one browser's WebSocket connection. name is empty until the
// connection's first "register" frame succeeds.
type peer struct {
	hub  *Hub
	conn *websocket.Conn
	id   string // pre-registration identity, used only for logging
	name string

	outbox chan outboundMessage
	done   chan struct{}

	missedPongs int
}

func newPeer(conn *websocket.Conn, id string, h *Hub) *peer {
	return &peer{
		hub:    h,
		conn:   conn,
		id:     id,
		outbox: make(chan outboundMessage, 32),
		done:   make(chan struct{}),
	}
}

// readPump is the connection's only reader; it owns registration and all
// inbound message dispatch, and tears the connection down on any
// protocol violation or read error. Grounded on the upgrade/NextReader/
// size-cap loop of wilsonzlin-aero's internal/signaling/ws_server.go,
// generalized from that file's single-offer handshake to this hub's
// open-ended message routing.
func (p *peer) readPump() {
	defer p.shutdown()

	p.conn.SetReadLimit(maxFrameBytes + 1)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.missedPongs = 0
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, r, err := p.conn.NextReader()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			p.closeWith(websocket.CloseUnsupportedData, "expected text frame")
			return
		}

		raw, err := readLimited(r, maxFrameBytes)
		if err != nil {
			if errors.Is(err, errFrameTooLarge) {
				p.closeWith(websocket.CloseMessageTooBig, "frame too large")
			}
			return
		}

		var in inboundMessage
		if err := json.Unmarshal(raw, &in); err != nil {
			p.sendDirect(errorMessage("malformed message"))
			continue
		}
		p.dispatch(in)
	}
}

func readLimited(r io.Reader, max int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errFrameTooLarge
	}
	return b, nil
}

func (p *peer) dispatch(in inboundMessage) {
	if p.name == "" {
		p.handleRegister(in)
		return
	}

	switch in.Type {
	case "register":
		p.sendDirect(errorMessage("already registered"))
	case "call-request":
		p.handleCallRequest(in)
	case "call-response":
		p.handleCallResponse(in)
	case "offer":
		p.forwardOrError(in.To, outboundMessage{Type: "offer", From: p.name, To: in.To, SDP: flattenSDP(in.SDP)})
	case "answer":
		p.handleAnswer(in)
	case "ice-candidate":
		p.forwardOrError(in.To, outboundMessage{Type: "ice-candidate", From: p.name, To: in.To, Data: string(in.Data)})
	case "hangup", "hang-up":
		p.handleHangup(in)
	case "reject":
		p.handleCallResponse(inboundMessage{To: in.To, CallID: in.CallID, Accepted: boolPtr(false), Reason: in.Reason})
	default:
		p.sendDirect(errorMessage("unknown message type"))
	}
}

func (p *peer) handleRegister(in inboundMessage) {
	if in.Type != "register" {
		p.sendDirect(errorMessage("registration required"))
		p.closeWith(websocket.ClosePolicyViolation, "registration required")
		return
	}
	if !usernameRE.MatchString(in.Username) {
		p.sendDirect(errorMessage("invalid username"))
		return
	}
	p.name = in.Username
	if !p.hub.addPeer(p) {
		p.name = ""
		p.sendDirect(errorMessage("username already taken"))
		return
	}

	p.sendDirect(outboundMessage{Type: "registered", Username: in.Username, Users: p.hub.peerNames(in.Username)})
	p.hub.broadcast(outboundMessage{Type: "user-joined", Username: in.Username}, in.Username)
}

func (p *peer) handleCallRequest(in inboundMessage) {
	if in.To == "" {
		p.sendDirect(errorMessage("call-request requires to"))
		return
	}
	if _, ok := p.hub.findPeer(in.To); ok {
		p.hub.sendTo(in.To, outboundMessage{Type: "call-request", From: p.name, SDP: flattenSDP(in.SDP)})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	callID, err := p.hub.engine.PlaceOutboundCall(ctx, p.name, []byte(flattenSDP(in.SDP)), in.To)
	if err != nil {
		p.sendDirect(outboundMessage{Type: "call-failed", Reason: err.Error()})
		return
	}
	p.hub.trackCall(callID, p.name, "outbound")
	p.sendDirect(outboundMessage{Type: "call-request-ack", CallID: callID, To: in.To})
}

// handleCallResponse covers both the browser<->browser relay of
// call-response{to,accepted} and a browser's decline of a telephony-
// originated call: when call-id names a call this peer owns that the
// engine is still waiting on, a false accepted rejects it there instead
// of being forwarded.
func (p *peer) handleCallResponse(in inboundMessage) {
	if in.CallID != "" {
		if owner, ok := p.hub.callOwner(in.CallID); ok && owner == p.name {
			if in.Accepted == nil || !*in.Accepted {
				_ = p.hub.engine.RejectInboundCall(in.CallID, 603, "Decline")
				return
			}
		}
	}
	accepted := in.Accepted != nil && *in.Accepted
	p.forwardOrError(in.To, outboundMessage{Type: "call-response", From: p.name, To: in.To, CallID: in.CallID, Accepted: accepted, Reason: in.Reason})
}

// handleAnswer implements spec §9's routing rule: an answer with no
// explicit "to" on a pending inbound engine call is this peer's answer
// to that call, not a browser-to-browser relay.
func (p *peer) handleAnswer(in inboundMessage) {
	if in.To == "" && in.CallID != "" {
		if owner, ok := p.hub.callOwner(in.CallID); ok && owner == p.name {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := p.hub.engine.AnswerInboundCall(ctx, in.CallID, []byte(flattenSDP(in.SDP))); err != nil {
				p.sendDirect(errorMessage(err.Error()))
			}
			return
		}
	}
	p.forwardOrError(in.To, outboundMessage{Type: "answer", From: p.name, To: in.To, SDP: flattenSDP(in.SDP)})
}

func (p *peer) handleHangup(in inboundMessage) {
	callID := in.CallID
	if callID == "" {
		p.sendDirect(errorMessage("hangup requires call-id"))
		return
	}
	if owner, ok := p.hub.callOwner(callID); ok && owner == p.name {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = p.hub.engine.HangupCall(ctx, callID)
		return
	}
	p.forwardOrError(in.To, outboundMessage{Type: "hangup", From: p.name, To: in.To, CallID: callID, Reason: in.Reason})
}

func (p *peer) forwardOrError(to string, msg outboundMessage) {
	if to == "" {
		p.sendDirect(errorMessage("message requires to"))
		return
	}
	if _, ok := p.hub.findPeer(to); !ok {
		p.sendDirect(outboundMessage{Type: "error", Message: "peer not found: " + to})
		return
	}
	p.hub.sendTo(to, msg)
}

// send enqueues a message for the write pump; a full queue means the
// peer isn't draining fast enough and the connection is already on its
// way out, so the message is dropped rather than blocking the caller.
func (p *peer) send(msg outboundMessage) {
	select {
	case p.outbox <- msg:
	default:
	}
}

func (p *peer) sendDirect(msg outboundMessage) { p.send(msg) }

// writePump is the connection's only writer: every outbound frame and
// every ping passes through this goroutine, since gorilla/websocket
// forbids concurrent writers on one connection.
func (p *peer) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case msg := <-p.outbox:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			p.missedPongs++
			if p.missedPongs > maxMissedPongs {
				p.closeWith(websocket.CloseGoingAway, "heartbeat timeout")
				return
			}
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (p *peer) closeWith(code int, reason string) {
	_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}

func (p *peer) shutdown() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	_ = p.conn.Close()
	if p.name != "" {
		p.hub.removePeer(p)
	}
}

func boolPtr(b bool) *bool { return &b }
