package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qxcheng/softnet/pkg/config"
	"github.com/qxcheng/softnet/protocol/header"
	"github.com/qxcheng/softnet/protocol/irq"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.IRQ.Backend = irq.BackendChannel
	cfg.Devices = []string{config.DeviceDummy, config.DeviceLoopback}
	cfg.Transmit.Device = 1
	cfg.Transmit.Interval = 10 * time.Millisecond
	cfg.ARP.LocalAddresses = []string{"10.0.0.1"}
	cfg.ARP.Static = []config.StaticEntry{{Address: "10.0.0.254", LinkAddress: "02:00:00:00:00:fe"}}
	return cfg
}

func TestDecodeHex(t *testing.T) {
	b, err := decodeHex("45 00:00\n14")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x45, 0x00, 0x00, 0x14}, b)

	_, err = decodeHex("4")
	assert.Error(t, err)
}

func TestPrintPacket(t *testing.T) {
	b, err := decodeHex("45000014 00014000 40060000 c0a80101 c0a80102")
	require.NoError(t, err)
	pkt, err := header.ParseIPv4(b)
	require.NoError(t, err)

	var buf bytes.Buffer
	printPacket(&buf, pkt)
	out := buf.String()
	assert.Contains(t, out, "protocol:    6 (tcp)")
	assert.Contains(t, out, "src:         192.168.1.1")
	assert.Contains(t, out, "dst:         192.168.1.2")
	assert.Contains(t, out, "df=true mf=false offset=0")
	assert.Contains(t, out, "payload:     0 bytes")
}

func TestParseCmd(t *testing.T) {
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"parse", "--json", "45000014000140004006", "0000c0a80101c0a80102"})
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		jsonOutput = false
	})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, buf.String(), `"src": "192.168.1.1"`)
	assert.Contains(t, buf.String(), `"ttl": 64`)
}

func TestNewNode(t *testing.T) {
	cfg := testConfig()
	n, err := newNode(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.stack.Shutdown() })

	require.NotNil(t, n.ip)
	require.NotNil(t, n.arp)
	assert.Len(t, n.stack.NICs(), 2)
	assert.True(t, n.arp.IsLocalAddress("\x0a\x00\x00\x01"))
	_, ok := n.arp.Cache().Lookup("\x0a\x00\x00\xfe")
	assert.True(t, ok)

	require.NoError(t, n.stack.Run())
	proto, v, err := n.packet(cfg.Transmit)
	require.NoError(t, err)
	require.NoError(t, n.stack.Transmit(1, proto, v))

	require.Eventually(t, func() bool {
		return n.stack.Stats().IP.PacketsDelivered.Value() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestNewNodeBadIRQRange(t *testing.T) {
	cfg := testConfig()
	cfg.IRQ.Min = 40
	_, err := newNode(cfg)
	assert.Error(t, err)
}

func TestRun(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.NoError(t, run(ctx, testConfig()))
}
