package stack

import (
	tcpip "github.com/qxcheng/softnet/protocol"
)

// Route 一个收到的包的上下文，交给网络层协议处理
type Route struct {
	stack *Stack

	// NIC 收到该包的网卡，包由 Input 直接注入时可能为nil
	NIC *NIC
}

func (r *Route) Stack() *Stack {
	return r.stack
}

// Stats 协议栈的统计
func (r *Route) Stats() tcpip.Stats {
	return r.stack.Stats()
}

// DeviceName 网卡名，没有网卡时为空
func (r *Route) DeviceName() string {
	if r.NIC == nil {
		return ""
	}
	return r.NIC.Name()
}
