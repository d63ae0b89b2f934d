package siptransport

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// maxDatagramSize is the largest UDP payload the read loop will accept in
// one Recv, matching the codec's message-size ceiling (spec §4.A).
const maxDatagramSize = 65536

// UDPTransport is a best-effort UDP socket transport, grounded on the
// teacher's pkg/sip/transport/udp.go: a bound *net.UDPConn, a read loop
// dispatching to a single handler, and atomic send/receive counters.
type UDPTransport struct {
	log *logrus.Entry

	conn      *net.UDPConn
	localAddr *net.UDPAddr
	closed    atomic.Bool
	wg        sync.WaitGroup

	onMessage MessageHandler
	onError   ErrorHandler

	bytesSent, bytesReceived   atomic.Uint64
	datagramsSent, datagramsRx atomic.Uint64
}

// NewUDPTransport returns an unbound UDP transport; call Listen to bind.
func NewUDPTransport(log *logrus.Entry) *UDPTransport {
	if log == nil {
		log = logrus.WithField("component", "siptransport")
	}
	return &UDPTransport{log: log}
}

func (t *UDPTransport) Listen(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return &Error{Op: "resolve", Err: err}
	}

	conn, err := listenReusable(udpAddr)
	if err != nil {
		return &Error{Op: "listen", Err: err}
	}

	t.conn = conn
	t.localAddr = conn.LocalAddr().(*net.UDPAddr)
	t.closed.Store(false)

	t.wg.Add(1)
	go t.readLoop()

	t.log.WithField("addr", t.localAddr.String()).Info("listening for SIP datagrams")
	return nil
}

func (t *UDPTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := t.conn.Close()
	t.wg.Wait()
	return err
}

// Send is best-effort: spec §4.B says "outbound sends are best-effort with
// error logging"; callers that need ordering serialize above this layer.
func (t *UDPTransport) Send(data []byte, addr string) error {
	if t.closed.Load() {
		return &Error{Op: "send", Err: net.ErrClosed}
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return &Error{Op: "resolve", Err: err}
	}
	n, err := t.conn.WriteToUDP(data, udpAddr)
	if err != nil {
		t.log.WithError(err).WithField("addr", addr).Warn("udp send failed")
		return &Error{Op: "send", Err: err}
	}
	t.bytesSent.Add(uint64(n))
	t.datagramsSent.Add(1)
	return nil
}

func (t *UDPTransport) OnMessage(h MessageHandler) { t.onMessage = h }
func (t *UDPTransport) OnError(h ErrorHandler)     { t.onError = h }

func (t *UDPTransport) LocalAddr() net.Addr {
	if t.localAddr != nil {
		return t.localAddr
	}
	return nil
}

// Stats exposes the atomic send/receive counters. The /health payload
// does not include them.
type Stats struct {
	BytesSent, BytesReceived       uint64
	DatagramsSent, DatagramsRecvd uint64
}

func (t *UDPTransport) Stats() Stats {
	return Stats{
		BytesSent:      t.bytesSent.Load(),
		BytesReceived:  t.bytesReceived.Load(),
		DatagramsSent:  t.datagramsSent.Load(),
		DatagramsRecvd: t.datagramsRx.Load(),
	}
}

func (t *UDPTransport) readLoop() {
	defer t.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for !t.closed.Load() {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if t.closed.Load() {
				return
			}
			if t.onError != nil {
				t.onError(err)
			}
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		t.bytesReceived.Add(uint64(n))
		t.datagramsRx.Add(1)

		if t.onMessage != nil {
			t.onMessage(data, addr)
		}
	}
}
