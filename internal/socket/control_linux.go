//go:build linux

package socket

import (
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// synCountControl returns a net.Dialer Control hook that sets TCP_SYNCNT to
// retries on the new socket before it connects. Three retries gives up on
// an unreachable peer in seconds instead of the kernel's two minutes, at
// the cost of tolerating less SYN loss. Failing to set the option is
// logged and does not stop the connect.
func synCountControl(retries int, l *zap.SugaredLogger) func(network, address string, c syscall.RawConn) error {
	return func(_, address string, c syscall.RawConn) error {
		if retries <= 0 {
			return nil
		}

		var err error
		controlErr := c.Control(func(fd uintptr) {
			err = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_SYNCNT, retries)
		})
		if controlErr != nil {
			err = controlErr
		}
		if err != nil {
			l.Warnf("Unable to set TCP_SYNCNT=%d for %s: %v", retries, address, err)
		}
		return nil
	}
}
