//go:build windows

package transport

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// reuseAddrControl sets SO_REUSEADDR on the listen socket so a node can
// rebind its port quickly after a restart.
func reuseAddrControl(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = windows.SetsockoptInt(windows.Handle(fd), windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
