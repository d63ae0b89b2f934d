// Package dialogstore holds the per-call Dialog records of spec §3/§4.D:
// one FSM-backed struct per active call leg, plus a bounded concurrent
// Store keyed by Call-ID. Grounded on the teacher's
// pkg/dialog/enhanced_dialog_three_fsm.go, which drives its dialog-level
// state machine with looplab/fsm; we keep that one FSM and drop its sibling
// transaction/timer FSMs, since pkg/siptransaction already owns that state.
package dialogstore

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/arzzra/sipwebrtc_gateway/pkg/sipmsg"
	"github.com/arzzra/sipwebrtc_gateway/pkg/siptransaction"
)

// Direction says which peer originated the call this dialog represents.
type Direction int

const (
	DirectionOutbound Direction = iota // browser peer called out to the SIP side
	DirectionInbound                   // SIP peer called in to a browser peer
)

func (d Direction) String() string {
	if d == DirectionOutbound {
		return "outbound"
	}
	return "inbound"
}

// State names mirror spec §3's dialog state list exactly.
const (
	StateCalling      = "calling"
	StateRinging      = "ringing"
	StateAnswered     = "answered"
	StateEstablished  = "established"
	StateTerminating  = "terminating"
	StateTerminated   = "terminated"
)

// Event names the dialog FSM accepts.
const (
	EventRinging     = "ringing"
	EventAnswer      = "answer"
	EventAckReceived = "ack_received"
	EventHangup      = "hangup"
	EventTerminate   = "terminate"
)

// Dialog is one active call leg's signaling state, carrying every field
// spec §3's data model names for it.
type Dialog struct {
	mu sync.Mutex

	CallID           string
	Direction        Direction
	PeerIdentity     string // browser peer name, or the telephony AOR
	LocalTag         string
	RemoteTag        string
	LocalSeq         int
	RemoteSeq        int
	TargetURI        *sipmsg.URI
	OriginRequest    *sipmsg.Request
	OriginTransport  net.Addr
	TransactionKey   siptransaction.Key
	AckReceived      bool
	CreatedAt        time.Time

	// RetransmitCount and RetransmitInterval are spec §3's "retransmit
	// state: a counter and an interval". The 2xx retransmissions themselves
	// are sent by pkg/siptransaction's Timer G; the engine calls only
	// ArmRetransmit and CancelRetransmit, never NoteRetransmit, so
	// RetransmitCount stays 0 while they go out. Per invariant I5 they are
	// only meaningful while State() == StateAnswered.
	RetransmitCount    int
	RetransmitInterval time.Duration

	fsm *fsm.FSM
}

// NewDialog builds a dialog in the calling state for either direction.
// originRequest is the initiating INVITE (outbound: what we sent;
// inbound: what we received).
func NewDialog(callID string, dir Direction, peer string, originRequest *sipmsg.Request, from net.Addr) *Dialog {
	d := &Dialog{
		CallID:          callID,
		Direction:       dir,
		PeerIdentity:    peer,
		OriginRequest:   originRequest,
		OriginTransport: from,
		CreatedAt:       time.Now(),
	}
	d.fsm = fsm.NewFSM(
		StateCalling,
		fsm.Events{
			{Name: EventRinging, Src: []string{StateCalling}, Dst: StateRinging},
			{Name: EventAnswer, Src: []string{StateCalling, StateRinging}, Dst: StateAnswered},
			{Name: EventAckReceived, Src: []string{StateAnswered}, Dst: StateEstablished},
			{Name: EventHangup, Src: []string{StateCalling, StateRinging, StateAnswered, StateEstablished}, Dst: StateTerminating},
			{Name: EventTerminate, Src: []string{StateCalling, StateRinging, StateAnswered, StateEstablished, StateTerminating}, Dst: StateTerminated},
		},
		fsm.Callbacks{},
	)
	return d
}

// State returns the dialog's current state name.
func (d *Dialog) State() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fsm.Current()
}

// Fire drives the dialog FSM. It passes context.Background() to
// looplab/fsm, since dialogs don't carry their own cancellation.
func (d *Dialog) Fire(event string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fsm.Event(context.Background(), event); err != nil {
		return fmt.Errorf("dialogstore: %s on dialog %s: %w", event, d.CallID, err)
	}
	return nil
}

// CanFire reports whether event is legal from the current state, without
// changing it — used by the engine to decide whether a message is a
// protocol violation worth logging versus ordinary retransmission noise.
func (d *Dialog) CanFire(event string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fsm.Can(event)
}

func (d *Dialog) IsTerminated() bool {
	return d.State() == StateTerminated
}

func (d *Dialog) MarkAckReceived() {
	d.mu.Lock()
	d.AckReceived = true
	d.mu.Unlock()
}

// ArmRetransmit records that a 2xx retransmit schedule starting at interval
// is now running against this dialog, per invariant I5 (retransmit state
// exists only while answered).
func (d *Dialog) ArmRetransmit(interval time.Duration) {
	d.mu.Lock()
	d.RetransmitCount = 0
	d.RetransmitInterval = interval
	d.mu.Unlock()
}

// NoteRetransmit records one more 2xx retransmission having gone out, and
// the backed-off interval it was sent at.
func (d *Dialog) NoteRetransmit(interval time.Duration) {
	d.mu.Lock()
	d.RetransmitCount++
	d.RetransmitInterval = interval
	d.mu.Unlock()
}

// CancelRetransmit clears the retransmit bookkeeping, per invariant I4
// ("every timer attached to a dialog is cancelled before the dialog is
// removed") and spec step 10 ("on ACK: cancel retransmit and Timer-H").
func (d *Dialog) CancelRetransmit() {
	d.mu.Lock()
	d.RetransmitCount = 0
	d.RetransmitInterval = 0
	d.mu.Unlock()
}
