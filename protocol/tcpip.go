package tcpip

import (
	"fmt"
	"reflect"
	"strings"
	"sync/atomic"
	"time"
)

// Error 自定义错误相关 ///////////////

type Error struct {
	msg string
}

func (e *Error) String() string {
	return e.msg
}

// Error implements error so that sentinel values can be wrapped and
// matched with errors.Is.
func (e *Error) Error() string {
	return e.msg
}

var (
	ErrUnknownProtocol     = &Error{msg: "unknown protocol"}
	ErrDuplicateProtocol   = &Error{msg: "duplicate protocol"}
	ErrAlreadyOpened       = &Error{msg: "already opened"}
	ErrNotOpened           = &Error{msg: "not opened"}
	ErrNotSupported        = &Error{msg: "operation not supported"}
	ErrBadAddress          = &Error{msg: "bad address"}
	ErrMessageTooLong      = &Error{msg: "message too long"}
	ErrNoBufferSpace       = &Error{msg: "no buffer space available"}
	ErrInvalidVersion      = &Error{msg: "invalid ip version"}
	ErrUnsupportedVersion  = &Error{msg: "unsupported ip version"}
	ErrInvalidProtocol     = &Error{msg: "invalid ip protocol"}
	ErrInvalidHeaderLength = &Error{msg: "invalid header length"}
	ErrTruncatedHeader     = &Error{msg: "truncated header"}
	ErrMalformedPacket     = &Error{msg: "malformed packet"}
	ErrIRQOutOfRange       = &Error{msg: "irq out of range"}
	ErrAlreadyRunning      = &Error{msg: "already running"}
)

// 工具相关 ////////////////////////////////////////////////////////////

// A Clock provides the current time.
type Clock interface {
	// NowNanoseconds returns the current real time as a number of
	// nanoseconds since the Unix epoch.
	NowNanoseconds() int64

	// NowMonotonic returns a monotonic time value.
	NowMonotonic() int64
}

// StdClock implements Clock with the time package.
type StdClock struct{}

var _ Clock = (*StdClock)(nil)

var monoStart = time.Now()

// NowNanoseconds implements Clock.NowNanoseconds.
func (*StdClock) NowNanoseconds() int64 {
	return time.Now().UnixNano()
}

// NowMonotonic implements Clock.NowMonotonic.
func (*StdClock) NowMonotonic() int64 {
	return int64(time.Since(monoStart))
}

// 链路层 //////////////////////////////////////////////////////////////

type LinkAddress string
type NICID int32 // 网卡在注册表中的索引

// String formats a 6 byte hardware address as aa:bb:cc:dd:ee:ff.
func (a LinkAddress) String() string {
	if len(a) == 0 {
		return ""
	}
	var b strings.Builder
	for i := 0; i < len(a); i++ {
		if i > 0 {
			b.WriteByte(':')
		}
		fmt.Fprintf(&b, "%02x", a[i])
	}
	return b.String()
}

// 网络层 /////////////////////////////////////////////////////////////

type NetworkProtocolNumber uint32 // 网络层协议号，即以太网类型

type TransportProtocolNumber uint32 // 传输层协议号

type Address string // 网络层地址

// String implements the fmt.Stringer interface.
func (a Address) String() string {
	switch len(a) {
	case 4:
		return fmt.Sprintf("%d.%d.%d.%d", int(a[0]), int(a[1]), int(a[2]), int(a[3]))
	default:
		return fmt.Sprintf("%x", []byte(a))
	}
}

// 统计相关 //////////////////////////////////////////////////////////////////////

type StatCounter struct {
	count uint64
}

func (s *StatCounter) Increment() {
	s.IncrementBy(1)
}

func (s *StatCounter) IncrementBy(v uint64) {
	atomic.AddUint64(&s.count, v)
}

func (s *StatCounter) Value() uint64 {
	return atomic.LoadUint64(&s.count)
}

// NICStats 单个网卡的统计
type NICStats struct {
	// PacketsSent is the number of frames accepted by WritePacket.
	PacketsSent *StatCounter

	// BytesSent is the payload volume accepted by WritePacket.
	BytesSent *StatCounter

	// OutgoingPacketErrors counts transmits refused by the device.
	OutgoingPacketErrors *StatCounter

	// Interrupts is the number of times the device ISR ran.
	Interrupts *StatCounter
}

// IPStats collects IPv4 receive stats.
type IPStats struct {
	// PacketsReceived is the number of IP packets drained from the
	// protocol queue.
	PacketsReceived *StatCounter

	// PacketsDelivered is the number of IP packets that decoded cleanly.
	PacketsDelivered *StatCounter
}

// ARPStats collects ARP receive stats.
type ARPStats struct {
	RequestsReceived *StatCounter
	RepliesReceived  *StatCounter

	// CacheMerges counts packets that refreshed or created a cache entry.
	CacheMerges *StatCounter
}

// Stats 网络栈的统计数据，所有字段都是可选的
type Stats struct {
	// UnknownProtocolRcvdPackets is the number of packets received by the
	// stack that were for an unknown or unsupported protocol.
	UnknownProtocolRcvdPackets *StatCounter

	// MalformedRcvdPackets is the number of packets received by the stack
	// that were deemed malformed.
	MalformedRcvdPackets *StatCounter

	// DroppedPackets is the number of packets a device refused because its
	// transmit queue was full.
	DroppedPackets *StatCounter

	// SoftIRQs is the number of times the deferred handler ran.
	SoftIRQs *StatCounter

	IP  IPStats
	ARP ARPStats
}

// FillIn returns a copy of s with nil fields initialized to new StatCounters.
func (s Stats) FillIn() Stats {
	fillIn(reflect.ValueOf(&s).Elem())
	return s
}

// FillIn returns a copy of s with nil fields initialized to new StatCounters.
func (s NICStats) FillIn() NICStats {
	fillIn(reflect.ValueOf(&s).Elem())
	return s
}

func fillIn(v reflect.Value) {
	for i := 0; i < v.NumField(); i++ {
		v := v.Field(i)
		switch v.Kind() {
		case reflect.Ptr:
			if s, ok := v.Addr().Interface().(**StatCounter); ok {
				if *s == nil {
					*s = &StatCounter{}
				}
			}
		case reflect.Struct:
			fillIn(v)
		}
	}
}
