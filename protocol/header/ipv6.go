package header

import (
	tcpip "github.com/qxcheng/softnet/protocol"
)

const (
	// IPv6ProtocolNumber is IPv6's network protocol number.
	IPv6ProtocolNumber tcpip.NetworkProtocolNumber = 0x86dd

	// IPv6Version is the version of the ipv6 protocol. Packets carrying it
	// are recognised and rejected by ParseIPv4.
	IPv6Version = 6
)
