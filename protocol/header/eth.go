package header

// EthernetAddressSize以太网地址的长度，arp报文中的硬件地址也使用这个长度
const EthernetAddressSize = 6
