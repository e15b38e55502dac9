package stack

import (
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/qxcheng/softnet/pkg/buffer"
	"github.com/qxcheng/softnet/pkg/ilist"
	tcpip "github.com/qxcheng/softnet/protocol"
)

// packetEntry 协议队列中的一项
type packetEntry struct {
	ilist.Entry
	nic     *NIC
	payload buffer.View
}

// protocolQueue 一个网络层协议的接收队列，先进先出
type protocolQueue struct {
	number tcpip.NetworkProtocolNumber

	mu   sync.Mutex
	list ilist.List
	size int
}

func (q *protocolQueue) push(e *packetEntry) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.list.PushBack(e)
	q.size++
	return q.size
}

func (q *protocolQueue) pop() *packetEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.list.Front()
	if e == nil {
		return nil
	}
	q.list.Remove(e)
	q.size--
	return e.(*packetEntry)
}

func (q *protocolQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// RegisterProtocol 为协议号注册一个空的接收队列，重复注册返回 ErrDuplicateProtocol
func (s *Stack) RegisterProtocol(number tcpip.NetworkProtocolNumber) error {
	s.protoMu.Lock()
	defer s.protoMu.Unlock()

	for _, q := range s.queues {
		if q.number == number {
			log.WithField("proto", number).Error("already registered")
			return errors.Wrapf(tcpip.ErrDuplicateProtocol, "type=0x%04x", uint32(number))
		}
	}
	s.queues = append(s.queues, &protocolQueue{number: number})
	log.WithField("proto", number).Info("registered")
	return nil
}

func (s *Stack) findQueue(number tcpip.NetworkProtocolNumber) *protocolQueue {
	s.protoMu.RLock()
	defer s.protoMu.RUnlock()
	for _, q := range s.queues {
		if q.number == number {
			return q
		}
	}
	return nil
}

// QueueLen 返回协议队列中待处理的包数，未注册的协议返回0
func (s *Stack) QueueLen(number tcpip.NetworkProtocolNumber) int {
	q := s.findQueue(number)
	if q == nil {
		return 0
	}
	return q.len()
}

// Input 硬中断上半部把收到的包放入对应协议的队列并触发软中断。
// 未注册的协议直接丢弃。
func (s *Stack) Input(nic *NIC, protocol tcpip.NetworkProtocolNumber, v buffer.View) error {
	fields := log.Fields{"proto": protocol, "len": len(v)}
	if nic != nil {
		fields["dev"] = nic.Name()
	}

	q := s.findQueue(protocol)
	if q == nil {
		s.stats.UnknownProtocolRcvdPackets.Increment()
		log.WithFields(fields).Debug("unsupported protocol, dropped")
		return nil
	}

	num := q.push(&packetEntry{nic: nic, payload: buffer.NewViewFromBytes(v)})
	fields["num"] = num
	log.WithFields(fields).Debug("queue pushed")

	if err := s.irq.Raise(s.irq.Config().SoftIRQ); err != nil {
		return errors.Wrap(err, "raise softirq")
	}
	return nil
}

// SoftISR 软中断：按注册顺序清空每个协议队列，交给对应的协议处理
func (s *Stack) SoftISR() error {
	s.stats.SoftIRQs.Increment()

	s.protoMu.RLock()
	queues := append([]*protocolQueue(nil), s.queues...)
	s.protoMu.RUnlock()

	var result *multierror.Error
	for _, q := range queues {
		for {
			e := q.pop()
			if e == nil {
				break
			}
			if err := s.deliver(q.number, e); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	return result.ErrorOrNil()
}

func (s *Stack) deliver(number tcpip.NetworkProtocolNumber, e *packetEntry) error {
	fields := log.Fields{"proto": number, "len": len(e.payload)}
	if e.nic != nil {
		fields["dev"] = e.nic.Name()
	}
	log.WithFields(fields).Debug("queue popped")

	p := s.NetworkProtocolInstance(number)
	if p == nil {
		s.stats.UnknownProtocolRcvdPackets.Increment()
		log.WithFields(fields).Warn("unknown protocol")
		return nil
	}
	if err := p.HandlePacket(&Route{stack: s, NIC: e.nic}, e.payload); err != nil {
		s.stats.MalformedRcvdPackets.Increment()
		log.WithFields(fields).WithError(err).Debug("handle packet")
		return errors.Wrapf(err, "proto=0x%04x", uint32(number))
	}
	return nil
}
