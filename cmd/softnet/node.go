package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/qxcheng/softnet/pkg/config"
	tcpip "github.com/qxcheng/softnet/protocol"
	"github.com/qxcheng/softnet/protocol/header"
	"github.com/qxcheng/softnet/protocol/link/dummy"
	"github.com/qxcheng/softnet/protocol/link/loopback"
	"github.com/qxcheng/softnet/protocol/network/arp"
	"github.com/qxcheng/softnet/protocol/network/ipv4"
	"github.com/qxcheng/softnet/protocol/stack"
)

// node 按配置组装好的协议栈
type node struct {
	stack *stack.Stack
	ip    *ipv4.Protocol
	arp   *arp.Protocol
}

func newARP(cfg config.ARP) (*arp.Protocol, error) {
	p := arp.NewProtocol(arp.CacheOptions{Timeout: cfg.Timeout})
	for _, s := range cfg.LocalAddresses {
		addr, err := config.ParseIPv4(s)
		if err != nil {
			return nil, err
		}
		if err := p.AddLocalAddress(addr); err != nil {
			return nil, err
		}
	}
	for _, e := range cfg.Static {
		addr, err := config.ParseIPv4(e.Address)
		if err != nil {
			return nil, err
		}
		hw, err := config.ParseMAC(e.LinkAddress)
		if err != nil {
			return nil, err
		}
		if err := p.Cache().InsertStatic(hw, addr); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// newNode 构造协议栈，启动中断监听，注册设备和协议，设备保持关闭
func newNode(cfg *config.Config) (*node, error) {
	n := &node{}
	var protocols []stack.NetworkProtocol
	for _, name := range cfg.Protocols {
		switch name {
		case config.ProtocolIPv4:
			n.ip = ipv4.NewProtocol()
			protocols = append(protocols, n.ip)
		case config.ProtocolARP:
			p, err := newARP(cfg.ARP)
			if err != nil {
				return nil, err
			}
			n.arp = p
			protocols = append(protocols, p)
		default:
			return nil, errors.Errorf("unknown protocol %q", name)
		}
	}

	s, err := stack.New(stack.Options{IRQ: cfg.IRQ, Protocols: protocols})
	if err != nil {
		return nil, err
	}
	n.stack = s
	if err := s.Init(); err != nil {
		return nil, err
	}

	if err := n.register(cfg, protocols); err != nil {
		_ = s.IRQ().Shutdown()
		return nil, err
	}
	return n, nil
}

func (n *node) register(cfg *config.Config, protocols []stack.NetworkProtocol) error {
	for _, d := range cfg.Devices {
		var ep stack.LinkEndpoint
		switch d {
		case config.DeviceDummy:
			ep = dummy.New()
		case config.DeviceLoopback:
			ep = loopback.New(cfg.Loopback)
		default:
			return errors.Errorf("unknown device %q", d)
		}
		if _, err := n.stack.RegisterDevice(ep); err != nil {
			return err
		}
	}
	for _, p := range protocols {
		if err := n.stack.RegisterProtocol(p.Number()); err != nil {
			return err
		}
	}
	return nil
}

// packet 构造周期性发送的ip报文
func (n *node) packet(t config.Transmit) (tcpip.NetworkProtocolNumber, []byte, error) {
	src, err := config.ParseIPv4(t.Src)
	if err != nil {
		return 0, nil, err
	}
	dst, err := config.ParseIPv4(t.Dst)
	if err != nil {
		return 0, nil, err
	}
	b := n.ip
	if b == nil {
		b = ipv4.NewProtocol()
	}
	v, err := b.BuildPacket(&ipv4.Packet{
		Protocol: header.UDPProtocolNumber,
		SrcAddr:  src,
		DstAddr:  dst,
		Payload:  []byte(t.Payload),
	})
	return ipv4.ProtocolNumber, v, err
}

// transmitLoop 每隔 interval 发送一次，直到 ctx 结束。发送失败只记录日志
func (n *node) transmitLoop(ctx context.Context, t config.Transmit) error {
	if t.Interval <= 0 {
		<-ctx.Done()
		return nil
	}
	proto, v, err := n.packet(t)
	if err != nil {
		return err
	}

	id := tcpip.NICID(t.Device)
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		if err := n.stack.Transmit(id, proto, v); err != nil {
			log.WithField("nic", id).WithError(err).Warn("transmit failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
