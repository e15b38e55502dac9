// Package loopback 提供一个回环设备：发送的数据进入设备队列，
// 在中断服务程序中按先进先出的顺序交还给协议栈。
package loopback

import (
	"sync"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/qxcheng/softnet/pkg/buffer"
	"github.com/qxcheng/softnet/pkg/ilist"
	tcpip "github.com/qxcheng/softnet/protocol"
	"github.com/qxcheng/softnet/protocol/irq"
	"github.com/qxcheng/softnet/protocol/stack"
)

const (
	MTU = 0xffff
	IRQ = irq.Number(irq.DefaultMin + 2) // 37
)

type Options struct {
	// QueueLimit 设备队列的最大长度，零值表示不限制
	QueueLimit int `yaml:"queue_limit"`
}

type queueEntry struct {
	ilist.Entry
	protocol tcpip.NetworkProtocolNumber
	payload  buffer.View
	queued   bool
}

type endpoint struct {
	dispatcher stack.NetworkDispatcher
	raiser     irq.Raiser
	limit      int

	mu    sync.Mutex
	queue ilist.List
	size  int
}

var _ stack.LinkEndpoint = (*endpoint)(nil)

// New 新建一个 loopback 设备
func New(opts Options) stack.LinkEndpoint {
	return &endpoint{limit: opts.QueueLimit}
}

func (*endpoint) Type() stack.DeviceType { return stack.DeviceTypeLoopback }
func (*endpoint) MTU() uint32            { return MTU }
func (*endpoint) IRQ() irq.Number        { return IRQ }
func (*endpoint) Open() error            { return nil }
func (*endpoint) Close() error           { return nil }

func (e *endpoint) Attach(dispatcher stack.NetworkDispatcher, raiser irq.Raiser) {
	e.dispatcher = dispatcher
	e.raiser = raiser
}

// Len 队列中的包数
func (e *endpoint) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.size
}

// WritePacket 拷贝数据放入队列并触发中断。设置了队列上限且已满时返回 ErrNoBufferSpace。
// 中断触发失败时，尚未被取走的数据会从队列中移除。
func (e *endpoint) WritePacket(protocol tcpip.NetworkProtocolNumber, payload buffer.View) error {
	e.mu.Lock()
	if e.limit > 0 && e.size >= e.limit {
		e.mu.Unlock()
		log.WithFields(log.Fields{"dev": e.dispatcher.Name(), "limit": e.limit}).Warn("queue is full")
		return tcpip.ErrNoBufferSpace
	}
	entry := &queueEntry{protocol: protocol, payload: buffer.NewViewFromBytes(payload), queued: true}
	e.queue.PushBack(entry)
	e.size++
	num := e.size
	e.mu.Unlock()

	log.WithFields(log.Fields{"dev": e.dispatcher.Name(), "proto": protocol, "len": len(payload), "num": num}).Debug("queue pushed")
	if err := e.raiser.Raise(IRQ); err != nil {
		if e.unqueue(entry) {
			return err
		}
		// 已经被中断服务程序取走
		log.WithField("dev", e.dispatcher.Name()).WithError(err).Debug("raise failed after delivery")
	}
	return nil
}

// unqueue 如果 entry 仍在队列中则移除它
func (e *endpoint) unqueue(entry *queueEntry) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !entry.queued {
		return false
	}
	e.queue.Remove(entry)
	entry.queued = false
	e.size--
	return true
}

func (e *endpoint) pop() *queueEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	el := e.queue.Front()
	if el == nil {
		return nil
	}
	e.queue.Remove(el)
	e.size--
	entry := el.(*queueEntry)
	entry.queued = false
	return entry
}

// HandleInterrupt 清空队列，逐个交给协议栈
func (e *endpoint) HandleInterrupt() error {
	var result *multierror.Error
	for {
		entry := e.pop()
		if entry == nil {
			break
		}
		log.WithFields(log.Fields{"dev": e.dispatcher.Name(), "proto": entry.protocol, "len": len(entry.payload)}).Debug("queue popped")
		if err := e.dispatcher.DeliverNetworkPacket(entry.protocol, entry.payload); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
