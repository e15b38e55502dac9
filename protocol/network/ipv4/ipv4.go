package ipv4

import (
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/qxcheng/softnet/pkg/buffer"
	tcpip "github.com/qxcheng/softnet/protocol"
	"github.com/qxcheng/softnet/protocol/header"
	"github.com/qxcheng/softnet/protocol/stack"
)

const (
	ProtocolName   = "ipv4"                    // 协议名
	ProtocolNumber = header.IPv4ProtocolNumber // 协议号
	maxTotalSize   = 0xffff                    // ipv4头中16位的TotalLength字段能编码的最大尺寸
	DefaultTTL     = 255
)

// 在网络层协议中注册ipv4协议
func init() {
	stack.RegisterNetworkProtocolFactory(ProtocolName, func() stack.NetworkProtocol {
		return NewProtocol()
	})
}

// Protocol 实现了 stack.NetworkProtocol，解析收到的ip报文后丢弃
type Protocol struct {
	id atomic.Uint32
}

var _ stack.NetworkProtocol = (*Protocol)(nil)

func NewProtocol() *Protocol {
	return &Protocol{}
}

func (p *Protocol) Number() tcpip.NetworkProtocolNumber {
	return ProtocolNumber
}

// HandlePacket 收到ip包的处理，由软中断调用
func (p *Protocol) HandlePacket(r *stack.Route, v buffer.View) error {
	stats := r.Stats().IP
	stats.PacketsReceived.Increment()

	pkt, err := header.ParseIPv4(v)
	if err != nil {
		log.WithFields(log.Fields{"dev": r.DeviceName(), "len": len(v)}).WithError(err).Debug("ip input")
		return err
	}
	stats.PacketsDelivered.Increment()

	log.WithFields(log.Fields{
		"dev":      r.DeviceName(),
		"version":  pkt.Version,
		"ihl":      pkt.IHL,
		"protocol": pkt.Protocol,
		"src":      pkt.SrcAddr,
		"dst":      pkt.DstAddr,
		"len":      pkt.TotalLength,
		"ttl":      pkt.TTL,
	}).Debug("recv ipv4 packet")
	return nil
}

// Packet 要组装的ip报文
type Packet struct {
	Protocol tcpip.TransportProtocolNumber
	TTL      uint8 // 0 使用 DefaultTTL
	TOS      uint8
	SrcAddr  tcpip.Address
	DstAddr  tcpip.Address
	Payload  []byte
}

// BuildPacket 给数据加上ip头，头部校验和已计算
func (p *Protocol) BuildPacket(pkt *Packet) (buffer.View, error) {
	if len(pkt.SrcAddr) != header.IPv4AddressSize || len(pkt.DstAddr) != header.IPv4AddressSize {
		return nil, errors.Wrapf(tcpip.ErrBadAddress, "src=%d bytes, dst=%d bytes", len(pkt.SrcAddr), len(pkt.DstAddr))
	}
	length := header.IPv4MinimumSize + len(pkt.Payload)
	if length > maxTotalSize {
		return nil, errors.Wrapf(tcpip.ErrMessageTooLong, "len=%d", length)
	}
	ttl := pkt.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}

	hdr := buffer.NewPrependable(length)
	copy(hdr.Prepend(len(pkt.Payload)), pkt.Payload)
	ip := header.IPv4(hdr.Prepend(header.IPv4MinimumSize))
	id := uint32(0)
	// Packets of 68 bytes or less are required by RFC 791 to not be
	// fragmented, so we only assign ids to larger packets.
	if length > header.IPv4MaximumHeaderSize+8 {
		id = p.id.Add(1)
	}
	// ip首部编码
	ip.Encode(&header.IPv4Fields{
		IHL:         header.IPv4MinimumSize,
		TOS:         pkt.TOS,
		TotalLength: uint16(length),
		ID:          uint16(id),
		TTL:         ttl,
		Protocol:    uint8(pkt.Protocol),
		SrcAddr:     pkt.SrcAddr,
		DstAddr:     pkt.DstAddr,
	})
	ip.SetChecksum(^ip.CalculateChecksum())

	return hdr.View(), nil
}
