// Package hub is the browser-signaling registry of spec §4.G: one
// WebSocket connection per browser peer, message routing between peers
// and into the engine for telephony-bound calls, and forwarding of engine
// events back out to whichever peer owns each call. Grounded on the
// gorilla/websocket read/write-pump shape of pack repo wilsonzlin-aero's
// internal/signaling/ws_server.go; the teacher has no browser-facing
// surface of its own to ground this on.
package hub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/sipwebrtc_gateway/pkg/engine"
	"github.com/arzzra/sipwebrtc_gateway/pkg/events"
)

// callRecord is the hub's own bookkeeping for an engine-managed dialog:
// which browser peer owns it and whether it has reached the established
// state yet, so disconnect cleanup and terminated-event forwarding can
// each choose the right outcome (reject-before-answer vs hangup, call-
// failed vs call-ended).
type callRecord struct {
	owner       string
	direction   string // "inbound" or "outbound"
	established bool
}

// controller is the subset of *engine.Engine the hub drives; narrowed to
// an interface so hub tests can fake it without a live UDP transport.
type controller interface {
	PlaceOutboundCall(ctx context.Context, browserPeer string, browserOfferSDP []byte, calledURI string) (string, error)
	AnswerInboundCall(ctx context.Context, callID string, browserAnswerSDP []byte) error
	RejectInboundCall(callID string, status int, reason string) error
	HangupCall(ctx context.Context, callID string) error
	SendDTMF(ctx context.Context, callID, digit string) error
	UpdateCall(ctx context.Context, callID string, newOfferSDP []byte) error
	RingInboundCall(callID string) error
	SetIncomingCallHandler(h engine.IncomingCallHandler)
	Events(buffer int) <-chan events.Event
}

// Hub is the registry of connected browser peers plus the engine-call
// index spec §4.G's "activeCalls" names.
type Hub struct {
	log    *logrus.Entry
	engine controller

	mu    sync.RWMutex
	peers map[string]*peer // by registered username

	callsMu sync.Mutex
	calls   map[string]*callRecord // by engine call-id

	upgrader websocket.Upgrader
}

// New wires a Hub over an already-constructed engine.
func New(e controller, log *logrus.Entry) *Hub {
	if log == nil {
		log = logrus.WithField("component", "hub")
	}
	h := &Hub{
		log:    log,
		engine: e,
		peers:  make(map[string]*peer),
		calls:  make(map[string]*callRecord),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	e.SetIncomingCallHandler(h)
	go h.forwardEngineEvents()
	return h
}

// ServeHTTP upgrades the connection and runs the peer's read/write pumps
// until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	p := newPeer(conn, uuid.NewString(), h)
	go p.writePump()
	p.readPump()
}

// PeerCount and CallCount back the /health payload spec §6 names.
func (h *Hub) PeerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

func (h *Hub) CallCount() int {
	h.callsMu.Lock()
	defer h.callsMu.Unlock()
	return len(h.calls)
}

func (h *Hub) addPeer(p *peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.peers[p.name]; exists {
		return false
	}
	h.peers[p.name] = p
	return true
}

func (h *Hub) removePeer(p *peer) {
	h.mu.Lock()
	if current, ok := h.peers[p.name]; ok && current == p {
		delete(h.peers, p.name)
	}
	h.mu.Unlock()
	h.onPeerGone(p.name)
}

func (h *Hub) peerNames(excluding string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.peers))
	for name := range h.peers {
		if name != excluding {
			names = append(names, name)
		}
	}
	return names
}

func (h *Hub) findPeer(name string) (*peer, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.peers[name]
	return p, ok
}

func (h *Hub) broadcast(msg outboundMessage, excluding string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for name, p := range h.peers {
		if name == excluding {
			continue
		}
		p.send(msg)
	}
}

func (h *Hub) sendTo(name string, msg outboundMessage) {
	if p, ok := h.findPeer(name); ok {
		p.send(msg)
	}
}

func (h *Hub) trackCall(callID, owner, direction string) {
	h.callsMu.Lock()
	h.calls[callID] = &callRecord{owner: owner, direction: direction}
	h.callsMu.Unlock()
}

func (h *Hub) callOwner(callID string) (string, bool) {
	h.callsMu.Lock()
	defer h.callsMu.Unlock()
	rec, ok := h.calls[callID]
	if !ok {
		return "", false
	}
	return rec.owner, true
}

func (h *Hub) markEstablished(callID string) {
	h.callsMu.Lock()
	if rec, ok := h.calls[callID]; ok {
		rec.established = true
	}
	h.callsMu.Unlock()
}

func (h *Hub) untrackCall(callID string) *callRecord {
	h.callsMu.Lock()
	defer h.callsMu.Unlock()
	rec := h.calls[callID]
	delete(h.calls, callID)
	return rec
}

// OnIncomingCall implements engine.IncomingCallHandler: it delivers
// incoming-call to the target browser peer, or asks the engine to reject
// with 480 if that peer is unreachable (spec §4.G).
func (h *Hub) OnIncomingCall(callID, peerName string, offerSDP []byte) {
	h.trackCall(callID, peerName, "inbound")
	if _, ok := h.findPeer(peerName); !ok {
		h.untrackCall(callID)
		_ = h.engine.RejectInboundCall(callID, 480, "Temporarily Unavailable")
		return
	}
	h.sendTo(peerName, outboundMessage{Type: "incoming-call", From: "telephony", CallID: callID, SDP: string(offerSDP)})
	_ = h.engine.RingInboundCall(callID)
}

// onPeerGone hangs up or rejects every dialog the departing peer owned
// and removes it from the active-call index, then tells everyone else.
func (h *Hub) onPeerGone(name string) {
	h.callsMu.Lock()
	var owned []string
	for callID, rec := range h.calls {
		if rec.owner == name {
			owned = append(owned, callID)
		}
	}
	h.callsMu.Unlock()

	for _, callID := range owned {
		h.endOwnedCall(callID, "peer disconnected")
	}

	h.broadcast(outboundMessage{Type: "user-left", Username: name}, name)
}

// endOwnedCall is the single path that retires a call this hub is
// tracking: an undecided inbound call gets a proper 603, anything else
// gets a normal hangup. Safe to call more than once for the same callID.
func (h *Hub) endOwnedCall(callID, reason string) {
	rec := h.untrackCall(callID)
	if rec == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if rec.direction == "inbound" && !rec.established {
		_ = h.engine.RejectInboundCall(callID, 603, "Decline")
		return
	}
	_ = h.engine.HangupCall(ctx, callID)
	_ = reason
}

// forwardEngineEvents is the hub's half of spec §4.H: it subscribes to the
// engine's event stream once and translates each event into the Hub-
// >Client frame spec §4.G names, delivered to whichever peer owns that
// call-id.
func (h *Hub) forwardEngineEvents() {
	for ev := range h.engine.Events(64) {
		h.handleEngineEvent(ev)
	}
}

func (h *Hub) handleEngineEvent(ev events.Event) {
	owner, ok := h.callOwner(ev.CallID)
	if !ok {
		return
	}

	switch ev.Kind {
	case events.KindDialogRinging:
		h.sendTo(owner, outboundMessage{Type: "call-ringing", CallID: ev.CallID})
	case events.KindDialogAnswered:
		if len(ev.SDP) == 0 {
			return // inbound leg answered its own browser request; nothing new to tell it
		}
		h.sendTo(owner, outboundMessage{Type: "call-answered", CallID: ev.CallID, SDP: string(ev.SDP)})
	case events.KindDialogEstablished:
		h.markEstablished(ev.CallID)
	case events.KindDialogTerminated:
		rec := h.untrackCall(ev.CallID)
		msgType := "call-ended"
		if rec == nil || !rec.established {
			msgType = "call-failed"
		}
		h.sendTo(owner, outboundMessage{Type: msgType, CallID: ev.CallID, Reason: ev.Reason})
	case events.KindDTMFDigit:
		h.sendTo(owner, outboundMessage{Type: "dtmf", CallID: ev.CallID, Digit: ev.Digit, Duration: ev.Duration})
	case events.KindReInvite:
		if len(ev.SDP) == 0 {
			return
		}
		h.sendTo(owner, outboundMessage{Type: "media-renegotiation", CallID: ev.CallID, SDP: string(ev.SDP)})
	case events.KindRelayError:
		h.log.WithError(ev.Err).WithField("call_id", ev.CallID).Warn("relay error")
	case events.KindInviteRetried:
		// observability only; nothing a browser peer needs to see.
	}
}
