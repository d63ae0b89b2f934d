package siptransport

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUDPTransportSendReceive(t *testing.T) {
	t1 := NewUDPTransport(nil)
	require.NoError(t, t1.Listen("127.0.0.1:0"))
	defer t1.Close()

	t2 := NewUDPTransport(nil)
	require.NoError(t, t2.Listen("127.0.0.1:0"))
	defer t2.Close()

	received := make(chan []byte, 1)
	t2.OnMessage(func(data []byte, from net.Addr) {
		received <- data
	})

	msg := []byte("INVITE sip:bob@example.com SIP/2.0\r\n\r\n")
	require.NoError(t, t1.Send(msg, t2.LocalAddr().String()))

	select {
	case got := <-received:
		assert.Equal(t, msg, got)
	case <-time.After(time.Second):
		t.Fatal("message not received within timeout")
	}

	assert.EqualValues(t, 1, t1.Stats().DatagramsSent)
	assert.EqualValues(t, 1, t2.Stats().DatagramsRecvd)
}

func TestUDPTransportConcurrentSends(t *testing.T) {
	receiver := NewUDPTransport(nil)
	require.NoError(t, receiver.Listen("127.0.0.1:0"))
	defer receiver.Close()

	var mu sync.Mutex
	count := 0
	receiver.OnMessage(func(data []byte, from net.Addr) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	sender := NewUDPTransport(nil)
	require.NoError(t, sender.Listen("127.0.0.1:0"))
	defer sender.Close()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sender.Send([]byte("OPTIONS sip:bob@example.com SIP/2.0\r\n\r\n"), receiver.LocalAddr().String())
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == n
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUDPTransportSendAfterClose(t *testing.T) {
	tr := NewUDPTransport(nil)
	require.NoError(t, tr.Listen("127.0.0.1:0"))
	require.NoError(t, tr.Close())

	err := tr.Send([]byte("x"), "127.0.0.1:5060")
	assert.Error(t, err)
}
