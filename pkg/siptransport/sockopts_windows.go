//go:build windows

package siptransport

import "golang.org/x/sys/windows"

// setSockOptReuse enables SO_REUSEADDR, grounded on the teacher's
// setSockOptReusePort (pkg/rtp/transport_socket_windows.go). Windows has
// no SO_REUSEPORT equivalent; SO_REUSEADDR alone is what the teacher's
// Windows variant sets too.
func setSockOptReuse(fd int) error {
	return windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
}
