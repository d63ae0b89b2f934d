package engine

import (
	"github.com/arzzra/sipwebrtc_gateway/pkg/dialogstore"
	"github.com/arzzra/sipwebrtc_gateway/pkg/siptransaction"
)

// callState is the engine's per-call bookkeeping, keyed by Call-ID: the
// dialog record plus whichever INVITE transaction owns the leg (exactly
// one of clientInviteTx/serverInviteTx is set, depending on direction).
type callState struct {
	dialog *dialogstore.Dialog

	clientInviteTx *siptransaction.InviteClientTransaction
	serverInviteTx *siptransaction.InviteServerTransaction

	peerAddr    string // SIP-side host:port this leg talks to
	browserPeer string // browser-side peer name this leg is bridged to
}

func (e *Engine) getCall(callID string) (*callState, bool) {
	e.callsMu.RLock()
	defer e.callsMu.RUnlock()
	cs, ok := e.calls[callID]
	return cs, ok
}

func (e *Engine) setCall(callID string, cs *callState) {
	e.callsMu.Lock()
	e.calls[callID] = cs
	e.callsMu.Unlock()
}

func (e *Engine) removeCall(callID string) {
	e.callsMu.Lock()
	delete(e.calls, callID)
	e.callsMu.Unlock()
}
