package siptransport

import (
	"context"
	"net"
	"syscall"
)

// listenReusable binds the signaling UDP socket through a net.ListenConfig
// whose Control hook sets the platform's reuse-address option, so the
// gateway can restart into TIME_WAIT-free rebinding without racing a
// lingering previous process. Grounded on the teacher's per-platform
// setSockOptReusePort functions (pkg/rtp/transport_socket_{linux,darwin,
// windows}.go), trimmed to just the reuse option — the voice-QoS/DSCP
// tuning those files also carry belongs to the media plane, which this
// gateway never touches (spec §1 Non-goals: no in-process transcoding).
func listenReusable(addr *net.UDPAddr) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: controlReuseAddr}
	pc, err := lc.ListenPacket(context.Background(), "udp", addr.String())
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}

func controlReuseAddrFD(fd uintptr) error {
	return setSockOptReuse(int(fd))
}

func controlReuseAddr(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = controlReuseAddrFD(fd)
	})
	if err != nil {
		return err
	}
	return sockErr
}
