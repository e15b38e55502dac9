package stack_test

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qxcheng/softnet/pkg/buffer"
	tcpip "github.com/qxcheng/softnet/protocol"
	"github.com/qxcheng/softnet/protocol/header"
	"github.com/qxcheng/softnet/protocol/irq"
	"github.com/qxcheng/softnet/protocol/link/dummy"
	"github.com/qxcheng/softnet/protocol/link/loopback"
	"github.com/qxcheng/softnet/protocol/network/ipv4"
	"github.com/qxcheng/softnet/protocol/stack"
)

const testProtocol tcpip.NetworkProtocolNumber = 0x88b5

func TestMain(m *testing.M) {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	log.SetOutput(os.Stdout)
	log.SetLevel(log.InfoLevel)

	os.Exit(m.Run())
}

type packet struct {
	dev     string
	payload string
}

// recorder 记录收到的包的网络层协议
type recorder struct {
	number tcpip.NetworkProtocolNumber
	err    error

	mu  sync.Mutex
	got []packet
}

func (r *recorder) Number() tcpip.NetworkProtocolNumber { return r.number }

func (r *recorder) HandlePacket(rt *stack.Route, v buffer.View) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, packet{dev: rt.DeviceName(), payload: string(v)})
	return r.err
}

func (r *recorder) packets() []packet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]packet(nil), r.got...)
}

func channelIRQ() irq.Config {
	cfg := irq.DefaultConfig()
	cfg.Backend = irq.BackendChannel
	return cfg
}

// newStack 不启动中断监听，测试中手动调用 ISR/SoftISR
func newStack(t *testing.T, protocols ...stack.NetworkProtocol) *stack.Stack {
	s, err := stack.New(stack.Options{
		IRQ:              channelIRQ(),
		NetworkProtocols: []string{ipv4.ProtocolName},
		Protocols:        protocols,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func queueLen(t *testing.T, nic *stack.NIC) int {
	q, ok := nic.LinkEndpoint().(interface{ Len() int })
	require.True(t, ok)
	return q.Len()
}

func TestRegisterDevice(t *testing.T) {
	s := newStack(t)

	n0, err := s.RegisterDevice(dummy.New())
	require.NoError(t, err)
	n1, err := s.RegisterDevice(loopback.New(loopback.Options{}))
	require.NoError(t, err)

	assert.Equal(t, tcpip.NICID(0), n0.ID())
	assert.Equal(t, "net0", n0.Name())
	assert.Equal(t, stack.DeviceTypeDummy, n0.LinkEndpoint().Type())
	assert.Equal(t, tcpip.NICID(1), n1.ID())
	assert.Equal(t, "net1", n1.Name())
	assert.Equal(t, "loopback", n1.LinkEndpoint().Type().String())
	assert.NotZero(t, n1.Flags()&stack.FlagLoopback)

	for _, n := range s.NICs() {
		assert.False(t, n.IsUp())
		assert.Equal(t, "down", n.State())
	}
	assert.True(t, s.IRQ().Registered(dummy.IRQ))
	assert.True(t, s.IRQ().Registered(loopback.IRQ))

	got, ok := s.NIC(1)
	require.True(t, ok)
	assert.Same(t, n1, got)
	_, ok = s.NIC(2)
	assert.False(t, ok)
	_, ok = s.NIC(-1)
	assert.False(t, ok)
}

func TestRegisterDeviceOutOfRange(t *testing.T) {
	cfg := channelIRQ()
	cfg.Min = 40
	s, err := stack.New(stack.Options{IRQ: cfg})
	require.NoError(t, err)

	_, err = s.RegisterDevice(dummy.New())
	require.Error(t, err)
	assert.True(t, errors.Is(err, tcpip.ErrIRQOutOfRange))
	assert.Empty(t, s.NICs())
}

func TestNewUnknownProtocol(t *testing.T) {
	_, err := stack.New(stack.Options{IRQ: channelIRQ(), NetworkProtocols: []string{"ipx"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, tcpip.ErrUnknownProtocol))
}

func TestRunShutdown(t *testing.T) {
	s := newStack(t)
	_, err := s.RegisterDevice(dummy.New())
	require.NoError(t, err)
	_, err = s.RegisterDevice(loopback.New(loopback.Options{}))
	require.NoError(t, err)

	require.NoError(t, s.Run())
	for _, n := range s.NICs() {
		assert.True(t, n.IsUp())
	}

	// 已经打开的设备全部报错，状态不变
	err = s.Run()
	require.Error(t, err)
	assert.True(t, errors.Is(err, tcpip.ErrAlreadyOpened))
	assert.Contains(t, err.Error(), "net0")
	assert.Contains(t, err.Error(), "net1")
	for _, n := range s.NICs() {
		assert.True(t, n.IsUp())
	}

	require.NoError(t, s.Shutdown())
	for _, n := range s.NICs() {
		assert.False(t, n.IsUp())
	}

	err = s.Shutdown()
	require.Error(t, err)
	assert.True(t, errors.Is(err, tcpip.ErrNotOpened))
}

func TestTransmit(t *testing.T) {
	s := newStack(t)
	n, err := s.RegisterDevice(dummy.New())
	require.NoError(t, err)

	err = s.Transmit(0, header.IPv4ProtocolNumber, []byte{1, 2, 3})
	require.Error(t, err)
	assert.True(t, errors.Is(err, tcpip.ErrNotOpened))
	assert.Equal(t, uint64(1), n.Stats().OutgoingPacketErrors.Value())

	require.NoError(t, s.Run())
	require.NoError(t, s.Transmit(0, header.IPv4ProtocolNumber, []byte{1, 2, 3}))
	require.NoError(t, s.Transmit(0, header.IPv4ProtocolNumber, make([]byte, dummy.MTU)))

	err = s.Transmit(0, header.IPv4ProtocolNumber, make([]byte, dummy.MTU+1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, tcpip.ErrMessageTooLong))

	assert.Equal(t, uint64(2), n.Stats().PacketsSent.Value())
	assert.Equal(t, uint64(3+dummy.MTU), n.Stats().BytesSent.Value())
	assert.Equal(t, uint64(2), n.Stats().OutgoingPacketErrors.Value())

	// 不存在的网卡什么也不做
	assert.NoError(t, s.Transmit(5, header.IPv4ProtocolNumber, []byte{1}))
	assert.NoError(t, s.Transmit(-1, header.IPv4ProtocolNumber, []byte{1}))
}

func TestISR(t *testing.T) {
	s := newStack(t)
	d, err := s.RegisterDevice(dummy.New())
	require.NoError(t, err)

	err = s.ISR(dummy.IRQ)
	require.Error(t, err)
	assert.True(t, errors.Is(err, tcpip.ErrNotOpened))

	require.NoError(t, s.Run())
	require.NoError(t, s.Transmit(d.ID(), header.IPv4ProtocolNumber, []byte{1}))
	require.NoError(t, s.ISR(dummy.IRQ))
	assert.Equal(t, uint64(1), d.Stats().Interrupts.Value())

	// 没有绑定设备的中断号被忽略
	assert.NoError(t, s.ISR(50))
}

func TestSharedIRQLine(t *testing.T) {
	rec := &recorder{number: testProtocol}
	s := newStack(t, rec)
	require.NoError(t, s.RegisterProtocol(testProtocol))
	for i := 0; i < 2; i++ {
		_, err := s.RegisterDevice(loopback.New(loopback.Options{}))
		require.NoError(t, err)
	}
	require.NoError(t, s.Run())

	require.NoError(t, s.Transmit(0, testProtocol, []byte("a")))
	require.NoError(t, s.Transmit(1, testProtocol, []byte("b")))
	require.NoError(t, s.ISR(loopback.IRQ))
	require.NoError(t, s.SoftISR())

	assert.Equal(t, []packet{{"net0", "a"}, {"net1", "b"}}, rec.packets())
}

func TestLoopbackDispatch(t *testing.T) {
	s := newStack(t)
	require.NoError(t, s.RegisterProtocol(ipv4.ProtocolNumber))
	n, err := s.RegisterDevice(loopback.New(loopback.Options{}))
	require.NoError(t, err)
	require.NoError(t, s.Run())

	ip := ipv4.NewProtocol()
	v, err := ip.BuildPacket(&ipv4.Packet{
		Protocol: header.UDPProtocolNumber,
		SrcAddr:  "\x7f\x00\x00\x01",
		DstAddr:  "\x7f\x00\x00\x01",
		Payload:  []byte("hello"),
	})
	require.NoError(t, err)

	require.NoError(t, s.Transmit(n.ID(), ipv4.ProtocolNumber, v))
	assert.Equal(t, 1, queueLen(t, n))
	assert.Equal(t, 0, s.QueueLen(ipv4.ProtocolNumber))

	require.NoError(t, s.ISR(loopback.IRQ))
	assert.Equal(t, 0, queueLen(t, n))
	assert.Equal(t, 1, s.QueueLen(ipv4.ProtocolNumber))

	require.NoError(t, s.SoftISR())
	assert.Equal(t, 0, s.QueueLen(ipv4.ProtocolNumber))
	assert.Equal(t, uint64(1), s.Stats().IP.PacketsReceived.Value())
	assert.Equal(t, uint64(1), s.Stats().IP.PacketsDelivered.Value())
	assert.Equal(t, uint64(1), s.Stats().SoftIRQs.Value())
}

func TestDispatchFIFO(t *testing.T) {
	rec := &recorder{number: testProtocol}
	s := newStack(t, rec)
	require.NoError(t, s.RegisterProtocol(testProtocol))
	_, err := s.RegisterDevice(loopback.New(loopback.Options{}))
	require.NoError(t, err)
	require.NoError(t, s.Run())

	var want []packet
	for i := 0; i < 5; i++ {
		p := fmt.Sprintf("pkt-%d", i)
		want = append(want, packet{dev: "net0", payload: p})
		require.NoError(t, s.Transmit(0, testProtocol, []byte(p)))
	}
	require.NoError(t, s.ISR(loopback.IRQ))
	assert.Equal(t, 5, s.QueueLen(testProtocol))
	require.NoError(t, s.SoftISR())
	assert.Equal(t, want, rec.packets())
}

func TestInputCopiesPayload(t *testing.T) {
	rec := &recorder{number: testProtocol}
	s := newStack(t, rec)
	require.NoError(t, s.RegisterProtocol(testProtocol))

	b := []byte("abc")
	require.NoError(t, s.Input(nil, testProtocol, b))
	b[0] = 'x'
	require.NoError(t, s.SoftISR())
	assert.Equal(t, []packet{{"", "abc"}}, rec.packets())
}

func TestUnregisteredProtocolDropped(t *testing.T) {
	s := newStack(t)
	n, err := s.RegisterDevice(loopback.New(loopback.Options{}))
	require.NoError(t, err)
	require.NoError(t, s.Run())

	require.NoError(t, s.Transmit(n.ID(), testProtocol, []byte("x")))
	require.NoError(t, s.ISR(loopback.IRQ))
	assert.Equal(t, 0, s.QueueLen(testProtocol))
	assert.Equal(t, uint64(1), s.Stats().UnknownProtocolRcvdPackets.Value())
}

func TestProtocolWithoutHandler(t *testing.T) {
	s := newStack(t)
	require.NoError(t, s.RegisterProtocol(testProtocol))
	require.NoError(t, s.Input(nil, testProtocol, []byte("x")))
	assert.Equal(t, 1, s.QueueLen(testProtocol))

	require.NoError(t, s.SoftISR())
	assert.Equal(t, 0, s.QueueLen(testProtocol))
	assert.Equal(t, uint64(1), s.Stats().UnknownProtocolRcvdPackets.Value())
}

func TestRegisterProtocolDuplicate(t *testing.T) {
	s := newStack(t)
	require.NoError(t, s.RegisterProtocol(ipv4.ProtocolNumber))
	err := s.RegisterProtocol(ipv4.ProtocolNumber)
	require.Error(t, err)
	assert.True(t, errors.Is(err, tcpip.ErrDuplicateProtocol))
}

func TestSoftISRAggregatesErrors(t *testing.T) {
	rec := &recorder{number: testProtocol, err: tcpip.ErrMalformedPacket}
	s := newStack(t, rec)
	require.NoError(t, s.RegisterProtocol(ipv4.ProtocolNumber))
	require.NoError(t, s.RegisterProtocol(testProtocol))

	require.NoError(t, s.Input(nil, ipv4.ProtocolNumber, []byte{0x45, 0x00}))
	require.NoError(t, s.Input(nil, testProtocol, []byte("a")))
	require.NoError(t, s.Input(nil, testProtocol, []byte("b")))

	err := s.SoftISR()
	require.Error(t, err)
	assert.True(t, errors.Is(err, tcpip.ErrTruncatedHeader))
	assert.True(t, errors.Is(err, tcpip.ErrMalformedPacket))
	assert.Len(t, rec.packets(), 2)
	assert.Equal(t, uint64(3), s.Stats().MalformedRcvdPackets.Value())
	assert.Equal(t, 0, s.QueueLen(testProtocol))
}

func TestConcurrentTransmit(t *testing.T) {
	rec := &recorder{number: testProtocol}
	s := newStack(t, rec)
	require.NoError(t, s.RegisterProtocol(testProtocol))
	for i := 0; i < 2; i++ {
		_, err := s.RegisterDevice(loopback.New(loopback.Options{}))
		require.NoError(t, err)
	}
	require.NoError(t, s.Run())

	const workers, each = 8, 4
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				id := tcpip.NICID(w % 2)
				assert.NoError(t, s.Transmit(id, testProtocol, []byte(fmt.Sprintf("%d-%d", w, i))))
			}
		}(w)
	}
	wg.Wait()

	for _, n := range s.NICs() {
		assert.Equal(t, workers*each/2, queueLen(t, n))
	}
	require.NoError(t, s.ISR(loopback.IRQ))
	require.NoError(t, s.SoftISR())
	assert.Len(t, rec.packets(), workers*each)
}

func TestLoopbackTransmitWithoutDrain(t *testing.T) {
	s := newStack(t)
	n, err := s.RegisterDevice(loopback.New(loopback.Options{}))
	require.NoError(t, err)
	require.NoError(t, s.Run())

	for i := 0; i < 20; i++ {
		require.NoError(t, s.Transmit(n.ID(), header.IPv4ProtocolNumber, []byte{byte(i)}))
	}
	assert.Equal(t, 20, queueLen(t, n))
	assert.Equal(t, uint64(20), n.Stats().PacketsSent.Value())
	assert.Equal(t, uint64(0), s.Stats().DroppedPackets.Value())
}

func TestLoopbackQueueFullDropped(t *testing.T) {
	s := newStack(t)
	n, err := s.RegisterDevice(loopback.New(loopback.Options{QueueLimit: 1}))
	require.NoError(t, err)
	require.NoError(t, s.Run())

	require.NoError(t, s.Transmit(n.ID(), header.IPv4ProtocolNumber, []byte{1}))
	err = s.Transmit(n.ID(), header.IPv4ProtocolNumber, []byte{2})
	require.Error(t, err)
	assert.True(t, errors.Is(err, tcpip.ErrNoBufferSpace))
	assert.Equal(t, 1, strings.Count(err.Error(), "dev="+n.Name()))

	assert.Equal(t, uint64(1), s.Stats().DroppedPackets.Value())
	assert.Equal(t, uint64(1), n.Stats().OutgoingPacketErrors.Value())
	assert.Equal(t, 1, queueLen(t, n))
}

func TestListenerEndToEnd(t *testing.T) {
	rec := &recorder{number: testProtocol}
	s := newStack(t, rec)
	require.NoError(t, s.Init())
	require.NoError(t, s.RegisterProtocol(testProtocol))
	_, err := s.RegisterDevice(loopback.New(loopback.Options{}))
	require.NoError(t, err)
	require.NoError(t, s.Run())

	require.NoError(t, s.Transmit(0, testProtocol, []byte("ping")))
	require.Eventually(t, func() bool {
		return len(rec.packets()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []packet{{"net0", "ping"}}, rec.packets())

	require.NoError(t, s.Shutdown())
	err = s.IRQ().Raise(loopback.IRQ)
	assert.True(t, errors.Is(err, irq.ErrClosed))
}
