package stack

import (
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/qxcheng/softnet/pkg/buffer"
	tcpip "github.com/qxcheng/softnet/protocol"
)

const (
	FlagUp       uint16 = 0x0001
	FlagLoopback uint16 = 0x0010
)

// NIC 代表一个注册到协议栈的网卡，包装一个链路层端点
type NIC struct {
	stack  *Stack
	id     tcpip.NICID  // 注册顺序分配的索引
	name   string       // net<id>
	linkEP LinkEndpoint // 链路层端点

	mu    sync.RWMutex
	flags uint16

	stats tcpip.NICStats
}

var _ NetworkDispatcher = (*NIC)(nil)

func newNIC(stack *Stack, id tcpip.NICID, name string, ep LinkEndpoint) *NIC {
	n := &NIC{
		stack:  stack,
		id:     id,
		name:   name,
		linkEP: ep,
		stats:  tcpip.NICStats{}.FillIn(),
	}
	if ep.Type() == DeviceTypeLoopback {
		n.flags |= FlagLoopback
	}
	return n
}

func (n *NIC) ID() tcpip.NICID {
	return n.id
}

func (n *NIC) Name() string {
	return n.name
}

func (n *NIC) LinkEndpoint() LinkEndpoint {
	return n.linkEP
}

func (n *NIC) Stats() tcpip.NICStats {
	return n.stats
}

// Flags 返回当前标志位
func (n *NIC) Flags() uint16 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.flags
}

func (n *NIC) IsUp() bool {
	return n.Flags()&FlagUp != 0
}

// State 返回 "up" 或 "down"
func (n *NIC) State() string {
	if n.IsUp() {
		return "up"
	}
	return "down"
}

func (n *NIC) logger() *log.Entry {
	return log.WithFields(log.Fields{"dev": n.name, "type": n.linkEP.Type()})
}

// open 打开网卡，已经打开时报错且状态不变
func (n *NIC) open() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.flags&FlagUp != 0 {
		n.logger().Error("already opened")
		return errors.Wrapf(tcpip.ErrAlreadyOpened, "dev=%s", n.name)
	}
	if err := n.linkEP.Open(); err != nil {
		return errors.Wrapf(err, "open dev=%s", n.name)
	}
	n.flags |= FlagUp
	n.logger().WithField("state", "up").Info("device opened")
	return nil
}

// close 关闭网卡，未打开时报错且状态不变
func (n *NIC) close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.flags&FlagUp == 0 {
		n.logger().Error("not opened")
		return errors.Wrapf(tcpip.ErrNotOpened, "dev=%s", n.name)
	}
	if err := n.linkEP.Close(); err != nil {
		return errors.Wrapf(err, "close dev=%s", n.name)
	}
	n.flags &^= FlagUp
	n.logger().WithField("state", "down").Info("device closed")
	return nil
}

// writePacket 发送数据。同一网卡上的发送互斥执行
func (n *NIC) writePacket(protocol tcpip.NetworkProtocolNumber, payload buffer.View) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.flags&FlagUp == 0 {
		n.stats.OutgoingPacketErrors.Increment()
		n.logger().Error("not opened")
		return errors.Wrapf(tcpip.ErrNotOpened, "dev=%s", n.name)
	}
	if mtu := n.linkEP.MTU(); uint64(len(payload)) > uint64(mtu) {
		n.stats.OutgoingPacketErrors.Increment()
		n.logger().WithFields(log.Fields{"mtu": mtu, "len": len(payload)}).Error("too long")
		return errors.Wrapf(tcpip.ErrMessageTooLong, "dev=%s, mtu=%d, len=%d", n.name, mtu, len(payload))
	}

	n.logger().WithFields(log.Fields{"proto": protocol, "len": len(payload)}).Debug("transmit")
	if err := n.linkEP.WritePacket(protocol, payload); err != nil {
		n.stats.OutgoingPacketErrors.Increment()
		if errors.Is(err, tcpip.ErrNoBufferSpace) {
			n.stack.stats.DroppedPackets.Increment()
		}
		return errors.Wrapf(err, "dev=%s", n.name)
	}
	n.stats.PacketsSent.Increment()
	n.stats.BytesSent.IncrementBy(uint64(len(payload)))
	return nil
}

// handleInterrupt 调用设备的中断服务程序
func (n *NIC) handleInterrupt() error {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.flags&FlagUp == 0 {
		n.logger().Error("interrupt on closed device")
		return errors.Wrapf(tcpip.ErrNotOpened, "dev=%s", n.name)
	}
	n.stats.Interrupts.Increment()
	n.logger().WithField("irq", n.linkEP.IRQ()).Debug("isr")
	return errors.Wrapf(n.linkEP.HandleInterrupt(), "dev=%s", n.name)
}

// DeliverNetworkPacket implements NetworkDispatcher.
func (n *NIC) DeliverNetworkPacket(protocol tcpip.NetworkProtocolNumber, v buffer.View) error {
	return n.stack.Input(n, protocol, v)
}
