// Package siptransport owns the UDP socket that carries SIP datagrams to
// and from the telephony peer (spec §4.B).
package siptransport

import (
	"fmt"
	"net"
)

// MessageHandler is invoked once per received datagram with the raw bytes
// and the address it arrived from. Parsing happens above this package
// (in the engine), keeping the transport codec-agnostic like the teacher's
// pkg/sip/transport.Transport does.
type MessageHandler func(data []byte, from net.Addr)

// ErrorHandler is invoked for read/send errors that aren't simply "socket closed".
type ErrorHandler func(err error)

// Transport is the minimal surface the transaction layer and engine need
// from the UDP socket, mirroring the teacher's transport.Transport
// interface (pkg/sip/transport/interface.go) trimmed to UDP-only (spec
// Non-goals: "No TCP/TLS transport for the telephony leg").
type Transport interface {
	Listen(addr string) error
	Send(data []byte, addr string) error
	OnMessage(MessageHandler)
	OnError(ErrorHandler)
	LocalAddr() net.Addr
	Close() error
}

// Error wraps a transport-layer failure with the operation that produced it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("siptransport: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }
