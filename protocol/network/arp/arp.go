// Package arp 实现 RFC 826 的接收处理：根据收到的请求和响应维护 ip-mac 缓存。
//
// 不发送请求，也不回复请求，Incomplete 状态的条目不会由本包产生。
package arp

import (
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/qxcheng/softnet/pkg/buffer"
	tcpip "github.com/qxcheng/softnet/protocol"
	"github.com/qxcheng/softnet/protocol/header"
	"github.com/qxcheng/softnet/protocol/stack"
)

const (
	ProtocolName   = "arp"
	ProtocolNumber = header.ARPProtocolNumber
)

func init() {
	stack.RegisterNetworkProtocolFactory(ProtocolName, func() stack.NetworkProtocol {
		return NewProtocol(CacheOptions{})
	})
}

// Protocol 实现了 stack.NetworkProtocol
type Protocol struct {
	cache *Cache

	mu    sync.RWMutex
	local map[tcpip.Address]struct{}
}

var _ stack.NetworkProtocol = (*Protocol)(nil)

func NewProtocol(opts CacheOptions) *Protocol {
	return &Protocol{
		cache: NewCache(opts),
		local: make(map[tcpip.Address]struct{}),
	}
}

func (p *Protocol) Number() tcpip.NetworkProtocolNumber { return ProtocolNumber }

func (p *Protocol) Cache() *Cache {
	return p.cache
}

// AddLocalAddress 添加一个本机地址，目标为本机地址的报文会新建缓存条目
func (p *Protocol) AddLocalAddress(addr tcpip.Address) error {
	if len(addr) != header.IPv4AddressSize {
		return errors.Wrapf(tcpip.ErrBadAddress, "address length %d", len(addr))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local[addr] = struct{}{}
	return nil
}

func (p *Protocol) IsLocalAddress(addr tcpip.Address) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.local[addr]
	return ok
}

// HandlePacket arp数据包的处理，请求和响应都按 RFC 826 的 merge 规则更新缓存
func (p *Protocol) HandlePacket(r *stack.Route, v buffer.View) error {
	stats := r.Stats().ARP
	h := header.ARP(v)
	if !h.IsValid() {
		log.WithFields(log.Fields{"dev": r.DeviceName(), "len": len(v)}).Warn("invalid arp packet")
		return errors.Wrapf(tcpip.ErrMalformedPacket, "arp len=%d", len(v))
	}

	switch h.Op() {
	case header.ARPRequest:
		stats.RequestsReceived.Increment()
	case header.ARPReply:
		stats.RepliesReceived.Increment()
	}

	spa := tcpip.Address(h.ProtocolAddressSender())
	sha := tcpip.LinkAddress(h.HardwareAddressSender())
	tpa := tcpip.Address(h.ProtocolAddressTarget())
	fields := log.Fields{"dev": r.DeviceName(), "op": h.Op(), "spa": spa, "sha": sha, "tpa": tpa}

	merged, err := p.cache.Update(sha, spa)
	if err != nil {
		return err
	}
	if !merged && p.IsLocalAddress(tpa) {
		if err := p.cache.Insert(sha, spa); err != nil {
			return err
		}
		merged = true
	}
	if merged {
		stats.CacheMerges.Increment()
	}
	log.WithFields(fields).WithField("merged", merged).Debug("arp input")
	return nil
}
