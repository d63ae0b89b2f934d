//go:build linux

package siptransport

import "golang.org/x/sys/unix"

// setSockOptReuse enables SO_REUSEADDR and SO_REUSEPORT, grounded on the
// teacher's setSockOptReusePort (pkg/rtp/transport_socket_linux.go).
func setSockOptReuse(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return err
	}
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
}
