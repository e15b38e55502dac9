package header

import (
	"encoding/binary"

	tcpip "github.com/qxcheng/softnet/protocol"
)

const (
	ARPProtocolNumber tcpip.NetworkProtocolNumber = 0x0806 // arp协议号

	// ARPSize is the size of an IPv4-over-Ethernet ARP packet.
	ARPSize = 2 + 2 + 1 + 1 + 2 + 2*EthernetAddressSize + 2*IPv4AddressSize

	ARPHardwareEthernet = 0x0001
)

// ARPOp arp操作码
type ARPOp uint16

// RFC 826 定义的操作码
const (
	ARPRequest ARPOp = 1
	ARPReply   ARPOp = 2
)

// ARP 表示一个以太网上的ipv4 arp报文
type ARP []byte

func (a ARP) hardwareAddressSpace() uint16 { return binary.BigEndian.Uint16(a[0:]) }
func (a ARP) protocolAddressSpace() uint16 { return binary.BigEndian.Uint16(a[2:]) }
func (a ARP) hardwareAddressSize() int     { return int(a[4]) }
func (a ARP) protocolAddressSize() int     { return int(a[5]) }

// Op 返回操作码
func (a ARP) Op() ARPOp { return ARPOp(binary.BigEndian.Uint16(a[6:])) }

// SetOp 设置操作码
func (a ARP) SetOp(op ARPOp) {
	binary.BigEndian.PutUint16(a[6:], uint16(op))
}

// SetIPv4OverEthernet 设置为以太网上的ipv4
func (a ARP) SetIPv4OverEthernet() {
	binary.BigEndian.PutUint16(a[0:], ARPHardwareEthernet)
	binary.BigEndian.PutUint16(a[2:], uint16(IPv4ProtocolNumber))
	a[4] = EthernetAddressSize
	a[5] = IPv4AddressSize
}

// HardwareAddressSender 发送方的mac地址
func (a ARP) HardwareAddressSender() []byte {
	const s = 8
	return a[s : s+EthernetAddressSize]
}

// ProtocolAddressSender 发送方的ip地址
func (a ARP) ProtocolAddressSender() []byte {
	const s = 8 + EthernetAddressSize
	return a[s : s+IPv4AddressSize]
}

// HardwareAddressTarget 目标的mac地址
func (a ARP) HardwareAddressTarget() []byte {
	const s = 8 + EthernetAddressSize + IPv4AddressSize
	return a[s : s+EthernetAddressSize]
}

// ProtocolAddressTarget 目标的ip地址
func (a ARP) ProtocolAddressTarget() []byte {
	const s = 8 + 2*EthernetAddressSize + IPv4AddressSize
	return a[s : s+IPv4AddressSize]
}

// IsValid reports whether a is a well formed IPv4-over-Ethernet packet
// with a known opcode.
func (a ARP) IsValid() bool {
	if len(a) < ARPSize {
		return false
	}
	if a.hardwareAddressSpace() != ARPHardwareEthernet ||
		a.protocolAddressSpace() != uint16(IPv4ProtocolNumber) ||
		a.hardwareAddressSize() != EthernetAddressSize ||
		a.protocolAddressSize() != IPv4AddressSize {
		return false
	}
	op := a.Op()
	return op == ARPRequest || op == ARPReply
}
