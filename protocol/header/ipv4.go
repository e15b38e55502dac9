package header

import (
	"encoding/binary"

	"github.com/pkg/errors"

	tcpip "github.com/qxcheng/softnet/protocol"
)

const (
	versIHL  = 0
	tos      = 1
	totalLen = 2
	id       = 4
	flagsFO  = 6
	ttl      = 8
	protocol = 9
	checksum = 10
	srcAddr  = 12
	dstAddr  = 16
)

const (
	IPv4MinimumSize                                   = 20     // ipv4包的最小尺寸
	IPv4MaximumHeaderSize                             = 60     // ipv4头的最大长度，用4个二进制位(1111=15)、单位4字节表示头长度
	IPv4AddressSize                                   = 4      // ipv4地址的长度（字节）
	IPv4ProtocolNumber    tcpip.NetworkProtocolNumber = 0x0800 // ipv4网络层协议号
	IPv4Version                                       = 4      // ipv4协议的版本

	ipv4MinimumIHL         = IPv4MinimumSize / 4
	ipv4FragmentOffsetMask = 0x1fff
)

// 上层协议号，只识别这三种
const (
	ICMPv4ProtocolNumber tcpip.TransportProtocolNumber = 1
	TCPProtocolNumber    tcpip.TransportProtocolNumber = 6
	UDPProtocolNumber    tcpip.TransportProtocolNumber = 17
)

// Flags that may be set in an IPv4 packet.
const (
	IPv4FlagMoreFragments = 1 << iota
	IPv4FlagDontFragment
)

// ToS 中各标志位的位置
const (
	tosDelay       = 1 << 4
	tosThroughput  = 1 << 3
	tosReliability = 1 << 2
)

// IPv4Fields 表示IPv4头部信息的结构体，用于编码
type IPv4Fields struct {
	IHL            uint8         // 头部长度（字节）
	TOS            uint8         // 服务区分的表示
	TotalLength    uint16        // 数据报文总长
	ID             uint16        // 标识符
	Flags          uint8         // 标签
	FragmentOffset uint16        // 分片偏移，单位8字节
	TTL            uint8         // 存活时间
	Protocol       uint8         // 表示的传输层协议
	Checksum       uint16        // 首部校验和
	SrcAddr        tcpip.Address // 源IP地址
	DstAddr        tcpip.Address // 目的IP地址
	Options        []byte
}

// IPv4Packet 是解析后的ip包，头部字段加上负载
type IPv4Packet struct {
	Version     uint8
	IHL         uint8 // 32位字的个数
	Precedence  uint8
	Delay       bool
	Throughput  bool
	Reliability bool

	TotalLength    uint16
	ID             uint16
	DontFragment   bool
	MoreFragments  bool
	FragmentOffset uint16

	TTL      uint8
	Protocol tcpip.TransportProtocolNumber
	Checksum uint16
	SrcAddr  tcpip.Address
	DstAddr  tcpip.Address
	Options  []byte

	Payload []byte
}

// DataOffset 负载在原始字节中的起始位置
func (p *IPv4Packet) DataOffset() int {
	return int(p.IHL) * 4
}

// IPv4 表示ipv4头
type IPv4 []byte

// IPVersion 返回ip版本
func IPVersion(b []byte) int {
	if len(b) < versIHL+1 {
		return -1
	}
	return int(b[versIHL] >> 4)
}

// ParseIPv4 decodes b into a header and a payload view. Both Options and
// Payload are copies, b is not retained. The header checksum is reported
// as-is and never verified.
func ParseIPv4(b []byte) (*IPv4Packet, error) {
	switch v := IPVersion(b); v {
	case -1:
		return nil, errors.Wrap(tcpip.ErrTruncatedHeader, "empty packet")
	case IPv4Version:
	case IPv6Version:
		return nil, errors.Wrapf(tcpip.ErrUnsupportedVersion, "version=%d", v)
	default:
		return nil, errors.Wrapf(tcpip.ErrInvalidVersion, "version=%d", v)
	}
	if len(b) < IPv4MinimumSize {
		return nil, errors.Wrapf(tcpip.ErrTruncatedHeader, "len=%d", len(b))
	}

	h := IPv4(b)
	ihl := b[versIHL] & 0xf
	if ihl < ipv4MinimumIHL {
		return nil, errors.Wrapf(tcpip.ErrInvalidHeaderLength, "ihl=%d", ihl)
	}
	hlen := int(h.HeaderLength())
	if hlen > len(b) {
		return nil, errors.Wrapf(tcpip.ErrTruncatedHeader, "ihl=%d, len=%d", ihl, len(b))
	}

	proto := h.TransportProtocol()
	switch proto {
	case ICMPv4ProtocolNumber, TCPProtocolNumber, UDPProtocolNumber:
	default:
		return nil, errors.Wrapf(tcpip.ErrInvalidProtocol, "protocol=%d", proto)
	}

	t, _ := h.TOS()
	flags := h.Flags()
	return &IPv4Packet{
		Version:        IPv4Version,
		IHL:            ihl,
		Precedence:     t >> 5,
		Delay:          t&tosDelay != 0,
		Throughput:     t&tosThroughput != 0,
		Reliability:    t&tosReliability != 0,
		TotalLength:    h.TotalLength(),
		ID:             h.ID(),
		DontFragment:   flags&IPv4FlagDontFragment != 0,
		MoreFragments:  flags&IPv4FlagMoreFragments != 0,
		FragmentOffset: h.FragmentOffset(),
		TTL:            h.TTL(),
		Protocol:       proto,
		Checksum:       h.Checksum(),
		SrcAddr:        h.SourceAddress(),
		DstAddr:        h.DestinationAddress(),
		Options:        append([]byte(nil), b[IPv4MinimumSize:hlen]...),
		Payload:        append([]byte(nil), b[hlen:]...),
	}, nil
}

// EncodeTOS 组装服务类型字节
func EncodeTOS(precedence uint8, delay, throughput, reliability bool) uint8 {
	v := precedence << 5
	if delay {
		v |= tosDelay
	}
	if throughput {
		v |= tosThroughput
	}
	if reliability {
		v |= tosReliability
	}
	return v
}

// HeaderLength 返回头长度（单位字节）
func (b IPv4) HeaderLength() uint8 {
	return (b[versIHL] & 0xf) * 4
}

// TOS 返回服务类型
func (b IPv4) TOS() (uint8, uint32) {
	return b[tos], 0
}

// TotalLength 包的总长度
func (b IPv4) TotalLength() uint16 {
	return binary.BigEndian.Uint16(b[totalLen:])
}

// ID 返回标识符Identifier
func (b IPv4) ID() uint16 {
	return binary.BigEndian.Uint16(b[id:])
}

// Flags 返回标志位
func (b IPv4) Flags() uint8 {
	return uint8(binary.BigEndian.Uint16(b[flagsFO:]) >> 13)
}

// FragmentOffset 返回13位的分片偏移（单位8字节）
func (b IPv4) FragmentOffset() uint16 {
	return binary.BigEndian.Uint16(b[flagsFO:]) & ipv4FragmentOffsetMask
}

// TTL 返回TTL
func (b IPv4) TTL() uint8 {
	return b[ttl]
}

// Protocol 返回上层协议
func (b IPv4) Protocol() uint8 {
	return b[protocol]
}

// Checksum 头部的校验和
func (b IPv4) Checksum() uint16 {
	return binary.BigEndian.Uint16(b[checksum:])
}

// SourceAddress 源地址
func (b IPv4) SourceAddress() tcpip.Address {
	return tcpip.Address(b[srcAddr : srcAddr+IPv4AddressSize])
}

// DestinationAddress 目的地址
func (b IPv4) DestinationAddress() tcpip.Address {
	return tcpip.Address(b[dstAddr : dstAddr+IPv4AddressSize])
}

// TransportProtocol 返回传输层协议号
func (b IPv4) TransportProtocol() tcpip.TransportProtocolNumber {
	return tcpip.TransportProtocolNumber(b.Protocol())
}

func (b IPv4) SetTOS(v uint8, _ uint32) {
	b[tos] = v
}

func (b IPv4) SetTotalLength(totalLength uint16) {
	binary.BigEndian.PutUint16(b[totalLen:], totalLength)
}

// CalculateChecksum 计算ip头的检验和
func (b IPv4) CalculateChecksum() uint16 {
	return Checksum(b[:b.HeaderLength()], 0)
}

func (b IPv4) SetChecksum(v uint16) {
	binary.BigEndian.PutUint16(b[checksum:], v)
}

func (b IPv4) SetFlagsFragmentOffset(flags uint8, offset uint16) {
	v := (uint16(flags) << 13) | (offset & ipv4FragmentOffsetMask)
	binary.BigEndian.PutUint16(b[flagsFO:], v)
}

func (b IPv4) SetSourceAddress(addr tcpip.Address) {
	copy(b[srcAddr:srcAddr+IPv4AddressSize], addr)
}

func (b IPv4) SetDestinationAddress(addr tcpip.Address) {
	copy(b[dstAddr:dstAddr+IPv4AddressSize], addr)
}

// Encode 组装ip头，b 至少要有 i.IHL 字节
func (b IPv4) Encode(i *IPv4Fields) {
	b[versIHL] = (IPv4Version << 4) | ((i.IHL / 4) & 0xf)
	b[tos] = i.TOS
	b.SetTotalLength(i.TotalLength)
	binary.BigEndian.PutUint16(b[id:], i.ID)
	b.SetFlagsFragmentOffset(i.Flags, i.FragmentOffset)
	b[ttl] = i.TTL
	b[protocol] = i.Protocol
	b.SetChecksum(i.Checksum)
	b.SetSourceAddress(i.SrcAddr)
	b.SetDestinationAddress(i.DstAddr)
	if int(i.IHL) > IPv4MinimumSize {
		copy(b[IPv4MinimumSize:i.IHL], i.Options)
	}
}
