package stack

import (
	"fmt"
	"sync"

	"github.com/qxcheng/softnet/pkg/buffer"
	tcpip "github.com/qxcheng/softnet/protocol"
	"github.com/qxcheng/softnet/protocol/irq"
)

// 网络层 //////////////////////////////////////////////////////////////////////

// NetworkProtocol 由（想成为网络栈一部分的）网络层协议实现 (ipv4, arp)
type NetworkProtocol interface {
	// Number 返回网络层协议号
	Number() tcpip.NetworkProtocolNumber

	// HandlePacket 在软中断中被调用
	HandlePacket(r *Route, v buffer.View) error
}

// NetworkDispatcher 将链路层收到的包交给协议栈，由网卡实现
type NetworkDispatcher interface {
	// Name 网卡名
	Name() string

	// DeliverNetworkPacket 将包放入对应协议的队列并触发软中断
	DeliverNetworkPacket(protocol tcpip.NetworkProtocolNumber, v buffer.View) error
}

// 链路层 //////////////////////////////////////////////////////////////////////

// DeviceType 设备类型
type DeviceType int

const (
	DeviceTypeDummy DeviceType = iota
	DeviceTypeLoopback
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeDummy:
		return "dummy"
	case DeviceTypeLoopback:
		return "loopback"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// LinkEndpoint 是由虚拟设备（dummy, loopback）实现的接口。
// 状态检查（是否up、是否超过MTU）由NIC统一完成，实现者只负责数据的搬运。
type LinkEndpoint interface {
	// Type 设备类型
	Type() DeviceType

	// MTU 是此端点一次能发送的最大字节数
	MTU() uint32

	// IRQ 设备绑定的中断号
	IRQ() irq.Number

	// Open 和 Close 在网卡 up/down 时调用
	Open() error
	Close() error

	// Attach 在注册时调用一次，dispatcher 用于上交收到的包，raiser 用于触发中断
	Attach(dispatcher NetworkDispatcher, raiser irq.Raiser)

	// WritePacket 发送数据
	WritePacket(protocol tcpip.NetworkProtocolNumber, payload buffer.View) error

	// HandleInterrupt 中断服务程序，在中断监听goroutine上运行
	HandleInterrupt() error
}

// NetworkProtocolFactory provides methods to be used by the stack to
// instantiate network protocols.
type NetworkProtocolFactory func() NetworkProtocol

var (
	networkProtocolsMu sync.RWMutex
	// 网络层协议的注册存储结构
	networkProtocols = make(map[string]NetworkProtocolFactory)
)

// RegisterNetworkProtocolFactory 注册一个网络层协议工厂，一般在协议包的 init 中调用
func RegisterNetworkProtocolFactory(name string, p NetworkProtocolFactory) {
	networkProtocolsMu.Lock()
	defer networkProtocolsMu.Unlock()
	networkProtocols[name] = p
}

func findNetworkProtocolFactory(name string) (NetworkProtocolFactory, bool) {
	networkProtocolsMu.RLock()
	defer networkProtocolsMu.RUnlock()
	f, ok := networkProtocols[name]
	return f, ok
}
