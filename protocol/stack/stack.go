package stack

import (
	"fmt"
	"runtime"
	"sync"
	"weak"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/qxcheng/softnet/pkg/buffer"
	tcpip "github.com/qxcheng/softnet/protocol"
	"github.com/qxcheng/softnet/protocol/irq"
)

type Options struct {
	// IRQ 中断子系统的配置，零值使用 irq.DefaultConfig
	IRQ irq.Config

	// NetworkProtocols 通过已注册的工厂按名字创建的网络层协议，如 "ipv4", "arp"
	NetworkProtocols []string

	// Protocols 由调用者构造好的网络层协议实例，会覆盖同协议号的工厂实例
	Protocols []NetworkProtocol

	// Clock is an optional clock source.
	//
	// If no Clock is specified, the clock source will be time.Now.
	Clock tcpip.Clock

	// Stats are optional statistic counters.
	Stats tcpip.Stats
}

// Stack 一个协议栈：设备注册表、中断绑定以及网络层协议的分发队列
type Stack struct {
	irq *irq.Controller

	mu   sync.RWMutex
	nics []*NIC // 下标即网卡ID，只增不减

	irqMu  sync.RWMutex
	irqMap map[irq.Number][]tcpip.NICID

	protoMu          sync.RWMutex
	queues           []*protocolQueue // 按注册顺序
	networkProtocols map[tcpip.NetworkProtocolNumber]NetworkProtocol

	stats tcpip.Stats

	// clock is used to generate user-visible times.
	clock tcpip.Clock
}

// stackHandler 中断控制器只持有协议栈的弱引用
type stackHandler struct {
	p weak.Pointer[Stack]
}

func (h stackHandler) ISR(n irq.Number) error {
	s := h.p.Value()
	if s == nil {
		return nil
	}
	return s.ISR(n)
}

func (h stackHandler) SoftISR() error {
	s := h.p.Value()
	if s == nil {
		return nil
	}
	return s.SoftISR()
}

// New 新建一个协议栈对象
func New(opts Options) (*Stack, error) {
	clock := opts.Clock
	if clock == nil {
		clock = &tcpip.StdClock{}
	}
	cfg := opts.IRQ
	if cfg == (irq.Config{}) {
		cfg = irq.DefaultConfig()
	}

	s := &Stack{
		irqMap:           make(map[irq.Number][]tcpip.NICID),
		networkProtocols: make(map[tcpip.NetworkProtocolNumber]NetworkProtocol),
		stats:            opts.Stats.FillIn(),
		clock:            clock,
	}

	// 添加指定的网络层协议
	for _, name := range opts.NetworkProtocols {
		f, ok := findNetworkProtocolFactory(name)
		if !ok {
			return nil, errors.Wrapf(tcpip.ErrUnknownProtocol, "name=%s", name)
		}
		p := f()
		s.networkProtocols[p.Number()] = p
	}
	for _, p := range opts.Protocols {
		s.networkProtocols[p.Number()] = p
	}

	c, err := irq.New(cfg, stackHandler{p: weak.Make(s)})
	if err != nil {
		return nil, err
	}
	s.irq = c
	// 协议栈被回收时停止监听goroutine
	runtime.AddCleanup(s, func(c *irq.Controller) { _ = c.Shutdown() }, c)

	return s, nil
}

// Init 启动中断监听
func (s *Stack) Init() error {
	log.Info("initialize...")
	if err := s.irq.Run(); err != nil {
		return errors.Wrap(err, "irq run")
	}
	log.Info("initialized")
	return nil
}

// Run 打开所有网卡。每个网卡都会尝试一次，失败汇总返回，不回滚
func (s *Stack) Run() error {
	var result *multierror.Error
	log.Debug("open all devices...")
	for _, n := range s.NICs() {
		if err := n.open(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	log.Debug("running...")
	return result.ErrorOrNil()
}

// Shutdown 关闭所有网卡并停止中断监听
func (s *Stack) Shutdown() error {
	var result *multierror.Error
	log.Debug("close all devices...")
	for _, n := range s.NICs() {
		if err := n.close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := s.irq.Shutdown(); err != nil {
		result = multierror.Append(result, err)
	}
	log.Debug("shutting down")
	return result.ErrorOrNil()
}

// NowNanoseconds implements tcpip.Clock.NowNanoseconds.
func (s *Stack) NowNanoseconds() int64 {
	return s.clock.NowNanoseconds()
}

func (s *Stack) Clock() tcpip.Clock {
	return s.clock
}

func (s *Stack) Stats() tcpip.Stats {
	return s.stats
}

// IRQ 返回中断控制器，可用于手动触发中断
func (s *Stack) IRQ() *irq.Controller {
	return s.irq
}

// NetworkProtocolInstance 返回协议号对应的网络层协议实例，没有则返回nil
func (s *Stack) NetworkProtocolInstance(num tcpip.NetworkProtocolNumber) NetworkProtocol {
	s.protoMu.RLock()
	defer s.protoMu.RUnlock()
	if p, ok := s.networkProtocols[num]; ok {
		return p
	}
	return nil
}

// 网卡管理相关 //////////////////////////////////////////////////////////////////////////

// RegisterDevice 注册一个设备，分配下一个网卡ID和名字 net<id>，绑定设备中断
func (s *Stack) RegisterDevice(ep LinkEndpoint) (*NIC, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := tcpip.NICID(len(s.nics))
	name := fmt.Sprintf("net%d", id)
	if err := s.irq.Register(ep.IRQ(), name); err != nil {
		return nil, errors.Wrapf(err, "register dev=%s", name)
	}

	n := newNIC(s, id, name, ep)
	s.nics = append(s.nics, n)

	s.irqMu.Lock()
	s.irqMap[ep.IRQ()] = append(s.irqMap[ep.IRQ()], id)
	s.irqMu.Unlock()

	ep.Attach(n, s.irq)
	log.WithFields(log.Fields{"dev": name, "type": ep.Type(), "irq": ep.IRQ()}).Info("registered")
	return n, nil
}

// NIC 根据网卡ID返回网卡
func (s *Stack) NIC(id tcpip.NICID) (*NIC, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id < 0 || int(id) >= len(s.nics) {
		return nil, false
	}
	return s.nics[id], true
}

// NICs 按注册顺序返回所有网卡
func (s *Stack) NICs() []*NIC {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*NIC(nil), s.nics...)
}

// Transmit 通过指定网卡发送数据，网卡ID不存在时什么也不做
func (s *Stack) Transmit(id tcpip.NICID, protocol tcpip.NetworkProtocolNumber, payload buffer.View) error {
	n, ok := s.NIC(id)
	if !ok {
		log.WithField("nic", id).Debug("transmit on unknown device ignored")
		return nil
	}
	return n.writePacket(protocol, payload)
}

// ISR 硬中断的上半部：调用所有绑定在该中断号上的设备的中断服务程序
func (s *Stack) ISR(n irq.Number) error {
	s.irqMu.RLock()
	ids := append([]tcpip.NICID(nil), s.irqMap[n]...)
	s.irqMu.RUnlock()

	var result *multierror.Error
	for _, id := range ids {
		nic, ok := s.NIC(id)
		if !ok {
			continue
		}
		if err := nic.handleInterrupt(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
