//go:build !unix

package irq

import (
	tcpip "github.com/qxcheng/softnet/protocol"
)

func raise(Number) error {
	return tcpip.ErrNotSupported
}
