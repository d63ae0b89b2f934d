package dialogstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialogHappyPathOutbound(t *testing.T) {
	d := NewDialog("call1@gw", DirectionOutbound, "alice", nil, nil)
	assert.Equal(t, StateCalling, d.State())

	require.NoError(t, d.Fire(EventRinging))
	assert.Equal(t, StateRinging, d.State())

	require.NoError(t, d.Fire(EventAnswer))
	assert.Equal(t, StateAnswered, d.State())

	require.NoError(t, d.Fire(EventAckReceived))
	assert.Equal(t, StateEstablished, d.State())

	require.NoError(t, d.Fire(EventHangup))
	assert.Equal(t, StateTerminating, d.State())

	require.NoError(t, d.Fire(EventTerminate))
	assert.True(t, d.IsTerminated())
}

func TestDialogRejectsIllegalTransition(t *testing.T) {
	d := NewDialog("call2@gw", DirectionInbound, "bob", nil, nil)
	assert.False(t, d.CanFire(EventAckReceived))
	assert.Error(t, d.Fire(EventAckReceived))
	assert.Equal(t, StateCalling, d.State())
}

func TestDialogRetransmitBookkeeping(t *testing.T) {
	d := NewDialog("call3@gw", DirectionInbound, "bob", nil, nil)

	d.ArmRetransmit(500 * time.Millisecond)
	assert.Equal(t, 0, d.RetransmitCount)
	assert.Equal(t, 500*time.Millisecond, d.RetransmitInterval)

	d.NoteRetransmit(time.Second)
	d.NoteRetransmit(2 * time.Second)
	assert.Equal(t, 2, d.RetransmitCount)
	assert.Equal(t, 2*time.Second, d.RetransmitInterval)

	d.CancelRetransmit()
	assert.Equal(t, 0, d.RetransmitCount)
	assert.Equal(t, time.Duration(0), d.RetransmitInterval)
}

func TestStoreCapacityAndCleanup(t *testing.T) {
	store := NewStore(1)

	d1 := NewDialog("call-a", DirectionOutbound, "alice", nil, nil)
	require.NoError(t, store.Add(d1))

	d2 := NewDialog("call-b", DirectionOutbound, "bob", nil, nil)
	assert.ErrorIs(t, store.Add(d2), ErrCapacityExceeded)

	require.NoError(t, d1.Fire(EventTerminate))
	assert.Equal(t, 1, store.Cleanup())
	assert.Equal(t, 0, store.Cleanup())
	assert.Equal(t, 0, store.Count())

	require.NoError(t, store.Add(d2))
	assert.Equal(t, 1, store.Count())
}
