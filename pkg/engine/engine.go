// Package engine is the call-control core of spec §4.F: it owns the
// outgoing- and incoming-call state machines, drives the media-relay RPCs
// around each leg's offer/answer, and bridges a browser-signaling peer to
// a SIP/UDP telephony peer. Grounded on the teacher's pkg/dialog package
// (the piece of the teacher that plays this same "own the call, drive
// transactions and media negotiation" role), but built directly over
// pkg/siptransaction and pkg/dialogstore instead of sipgo, per the
// hand-built-stack requirement.
package engine

import (
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/sipwebrtc_gateway/internal/metrics"
	"github.com/arzzra/sipwebrtc_gateway/pkg/dialogstore"
	"github.com/arzzra/sipwebrtc_gateway/pkg/events"
	"github.com/arzzra/sipwebrtc_gateway/pkg/relayclient"
	"github.com/arzzra/sipwebrtc_gateway/pkg/sipmsg"
	"github.com/arzzra/sipwebrtc_gateway/pkg/siptransaction"
	"github.com/arzzra/sipwebrtc_gateway/pkg/siptransport"
)

// IncomingCallHandler is how the engine hands a freshly arrived INVITE's
// browser-facing offer up to whatever owns browser signaling (pkg/hub),
// without the engine importing the hub package directly.
type IncomingCallHandler interface {
	// OnIncomingCall is invoked once the relay has produced a browser-facing
	// offer for a newly arrived INVITE. peer is the destination browser
	// peer name the gateway should route the call to.
	OnIncomingCall(callID, peer string, offerSDP []byte)
}

// Config bundles the engine's deployment-specific addressing, drawn from
// spec §6's environment variables.
type Config struct {
	PublicIP      string
	SIPServerAddr string // host:port of the telephony peer every outbound INVITE targets
	SIPDomain     string
	LocalSIPPort  int
}

// Engine is the gateway's call-control core.
type Engine struct {
	cfg Config
	log *logrus.Entry

	transport siptransport.Transport
	txStore   *siptransaction.Store
	dialogs   *dialogstore.Store
	relay     *relayclient.Client
	bus       *events.Bus
	metrics   *metrics.Metrics

	mu       sync.Mutex
	notifier IncomingCallHandler

	callsMu sync.RWMutex
	calls   map[string]*callState
}

// New wires an Engine over already-constructed components.
func New(cfg Config, transport siptransport.Transport, txStore *siptransaction.Store, dialogs *dialogstore.Store, relay *relayclient.Client, bus *events.Bus, m *metrics.Metrics, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.WithField("component", "engine")
	}
	e := &Engine{cfg: cfg, transport: transport, txStore: txStore, dialogs: dialogs, relay: relay, bus: bus, metrics: m, log: log, calls: make(map[string]*callState)}
	transport.OnMessage(e.handleDatagram)
	return e
}

// SetIncomingCallHandler registers the receiver of newly arrived calls.
// pkg/hub calls this once at startup.
func (e *Engine) SetIncomingCallHandler(h IncomingCallHandler) {
	e.mu.Lock()
	e.notifier = h
	e.mu.Unlock()
}

func (e *Engine) incomingCallHandler() IncomingCallHandler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.notifier
}

// Events returns a new subscription to the engine's event stream (spec
// §4.H); buffer is the subscriber channel's capacity.
func (e *Engine) Events(buffer int) <-chan events.Event {
	return e.bus.Subscribe(buffer)
}

func (e *Engine) publish(ev events.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

func (e *Engine) handleDatagram(data []byte, from net.Addr) {
	msg, err := sipmsg.ParseMessage(data)
	if err != nil {
		e.log.WithError(err).WithField("from", from.String()).Warn("dropping malformed datagram")
		return
	}
	if msg.IsRequest() {
		e.handleRequest(msg.(*sipmsg.Request), from)
		return
	}
	e.handleResponse(msg.(*sipmsg.Response))
}

func (e *Engine) handleResponse(resp *sipmsg.Response) {
	key, err := siptransaction.MatchingKey(resp)
	if err != nil {
		e.log.WithError(err).Warn("dropping response with no matchable transaction key")
		return
	}
	tx, ok := e.txStore.Get(key)
	if !ok {
		e.log.WithField("key", key.String()).Debug("dropping response with no matching transaction")
		return
	}
	ct, ok := tx.(siptransaction.ClientTransaction)
	if !ok {
		return
	}
	ct.HandleResponse(resp, siptransaction.DefaultTimers())
}

func (e *Engine) handleRequest(req *sipmsg.Request, from net.Addr) {
	fixupReceivedRport(req, from)

	switch req.Method {
	case "INVITE":
		e.handleIncomingInvite(req, from)
	case "ACK":
		e.handleIncomingAck(req)
	case "BYE":
		e.handleIncomingBye(req, from)
	case "CANCEL":
		e.handleIncomingCancel(req, from)
	case "INFO":
		e.handleIncomingInfo(req, from)
	case "OPTIONS":
		e.handleIncomingOptions(req, from)
	default:
		e.replyDirect(req, from, 501, "")
	}
}

// fixupReceivedRport rewrites the top Via's received/rport per RFC 3581
// (spec property R3: idempotent NAT fixup — calling this twice on the
// same Via yields the same result). Grounded on the teacher's NAT
// handling intent in pkg/dialog, adapted since the teacher relies on
// sipgo for Via parsing.
func fixupReceivedRport(req *sipmsg.Request, from net.Addr) {
	h := req.Headers()
	vias := h.GetAll("Via")
	if len(vias) == 0 {
		return
	}
	v, err := sipmsg.ParseVia(vias[0])
	if err != nil {
		return
	}
	host, port, err := net.SplitHostPort(from.String())
	if err != nil {
		return
	}
	if v.Host != host {
		v.SetParam("received", host)
	} else {
		v.RemoveParam("received")
	}
	if v.HasParam("rport") {
		v.SetParam("rport", port)
	}
	// GetAll returns the header set's live backing slice, so mutating it in
	// place updates the request without a Set/Add round trip.
	vias[0] = v.String()
}

func (e *Engine) replyDirect(req *sipmsg.Request, from net.Addr, status int, reason string) {
	resp := sipmsg.BuildResponse(status, reason).FromRequest(req).Build()
	_ = e.transport.Send([]byte(resp.String()), from.String())
}

func (e *Engine) handleIncomingOptions(req *sipmsg.Request, from net.Addr) {
	resp := sipmsg.BuildResponse(200, "OK").FromRequest(req).Build()
	addStandardHeaders(resp, e.cfg)
	_ = e.transport.Send([]byte(resp.String()), from.String())
}

// addStandardHeaders sets Allow, Supported and (when PublicIP is set)
// Contact. The engine applies it only to the 200 OKs it sends for OPTIONS,
// INVITE and re-INVITE; its other responses go out without these headers.
// The gateway never inserts Record-Route since it never stays in the signaling path
// as a proxy (it is always an endpoint of one leg or the other).
func addStandardHeaders(resp *sipmsg.Response, cfg Config) {
	h := resp.Headers()
	h.Set("Allow", "INVITE, ACK, BYE, CANCEL, OPTIONS, INFO")
	h.Set("Supported", "timer")
	if cfg.PublicIP != "" {
		contact, err := sipmsg.ParseURI(fmt.Sprintf("sip:gateway@%s:%d", cfg.PublicIP, cfg.LocalSIPPort))
		if err == nil {
			h.Set("Contact", fmt.Sprintf("<%s>", contact.String()))
		}
	}
}
