//go:build unix

package irq

import (
	"golang.org/x/sys/unix"
)

func raise(n Number) error {
	return unix.Kill(unix.Getpid(), unix.Signal(n))
}
