//go:build !linux

package socket

import (
	"syscall"

	"go.uber.org/zap"
)

// synCountControl is a no-op outside Linux: TCP_SYNCNT does not exist
// there. Use Config.ConnectTimeout to bound connects instead.
func synCountControl(_ int, _ *zap.SugaredLogger) func(network, address string, c syscall.RawConn) error {
	return nil
}
