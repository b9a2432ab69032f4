//go:build unix

package core

import "golang.org/x/sys/unix"

// discoverySockopts lets the socket send broadcasts and lets several nodes
// on one host share the discovery port.
func discoverySockopts(fd uintptr) error {
	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
		return err
	}
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}
