// Package dummy 提供一个丢弃所有发送数据的虚拟设备，每次发送都会触发一次中断
package dummy

import (
	log "github.com/sirupsen/logrus"

	"github.com/qxcheng/softnet/pkg/buffer"
	tcpip "github.com/qxcheng/softnet/protocol"
	"github.com/qxcheng/softnet/protocol/irq"
	"github.com/qxcheng/softnet/protocol/stack"
)

const (
	MTU = 0xffff                         // 最大报文长度
	IRQ = irq.Number(irq.DefaultMin + 1) // 36
)

type endpoint struct {
	dispatcher stack.NetworkDispatcher
	raiser     irq.Raiser
}

var _ stack.LinkEndpoint = (*endpoint)(nil)

// New 新建一个 dummy 设备
func New() stack.LinkEndpoint {
	return &endpoint{}
}

func (*endpoint) Type() stack.DeviceType { return stack.DeviceTypeDummy }
func (*endpoint) MTU() uint32            { return MTU }
func (*endpoint) IRQ() irq.Number        { return IRQ }
func (*endpoint) Open() error            { return nil }
func (*endpoint) Close() error           { return nil }

func (e *endpoint) Attach(dispatcher stack.NetworkDispatcher, raiser irq.Raiser) {
	e.dispatcher = dispatcher
	e.raiser = raiser
}

// WritePacket 丢弃数据并触发中断
func (e *endpoint) WritePacket(protocol tcpip.NetworkProtocolNumber, payload buffer.View) error {
	log.WithFields(log.Fields{"dev": e.name(), "proto": protocol, "len": len(payload)}).Debug("dummy transmit, dropped")
	return e.raiser.Raise(IRQ)
}

func (e *endpoint) HandleInterrupt() error {
	log.WithFields(log.Fields{"dev": e.name(), "irq": IRQ}).Debug("dummy isr")
	return nil
}

func (e *endpoint) name() string {
	if e.dispatcher == nil {
		return ""
	}
	return e.dispatcher.Name()
}
