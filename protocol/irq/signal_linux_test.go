//go:build linux

package irq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignalBackendDeliversRealtimeSignal(t *testing.T) {
	r := &recorder{}
	c, err := New(DefaultConfig(), r)
	require.NoError(t, err)
	require.NoError(t, c.Register(DefaultMin, "net0"))
	require.NoError(t, c.Run())
	defer c.Shutdown()

	require.NoError(t, c.Raise(DefaultMin))
	require.Eventually(t, func() bool {
		isrs, _ := r.snapshot()
		return len(isrs) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
