package arp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	tcpip "github.com/qxcheng/softnet/protocol"
	"github.com/qxcheng/softnet/protocol/header"
)

// DefaultTimeout 解析成功的条目的有效时间
const DefaultTimeout = 30 * time.Second

// State 单个条目的状态
type State int

const (
	Free       State = iota // 空闲，等同于不存在
	Incomplete              // 已发出解析请求
	Resolved                // 解析成功，会过期
	Static                  // 静态条目，永不过期
)

// String implements Stringer.
func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Incomplete:
		return "incomplete"
	case Resolved:
		return "resolved"
	case Static:
		return "static"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Entry 一个缓存条目的快照
type Entry struct {
	Address     tcpip.Address
	LinkAddress tcpip.LinkAddress
	State       State
	Expiration  time.Time // Free 和 Static 条目为零值
}

// Expiry 以unix秒返回过期时间，没有过期时间时为0
func (e Entry) Expiry() int64 {
	if e.Expiration.IsZero() {
		return 0
	}
	return e.Expiration.Unix()
}

type CacheOptions struct {
	// Timeout 零值使用 DefaultTimeout
	Timeout time.Duration `yaml:"timeout"`

	// Clock 零值使用 time.Now
	Clock tcpip.Clock `yaml:"-"`
}

// Cache ip-mac 对应关系的缓存，并发安全。
// 删除的条目只是被标记为 Free，仍保留在表中。
type Cache struct {
	timeout time.Duration
	clock   tcpip.Clock

	mu      sync.RWMutex
	entries map[tcpip.Address]*Entry
}

func NewCache(opts CacheOptions) *Cache {
	c := &Cache{
		timeout: opts.Timeout,
		clock:   opts.Clock,
		entries: make(map[tcpip.Address]*Entry),
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.clock == nil {
		c.clock = &tcpip.StdClock{}
	}
	return c
}

func (c *Cache) Timeout() time.Duration {
	return c.timeout
}

func (c *Cache) now() time.Time {
	return time.Unix(0, c.clock.NowNanoseconds())
}

func checkAddresses(ha tcpip.LinkAddress, pa tcpip.Address) error {
	if len(pa) != header.IPv4AddressSize {
		return errors.Wrapf(tcpip.ErrBadAddress, "protocol address length %d", len(pa))
	}
	if len(ha) != header.EthernetAddressSize {
		return errors.Wrapf(tcpip.ErrBadAddress, "hardware address length %d", len(ha))
	}
	return nil
}

// live 条目存在且未过期
func (c *Cache) live(e *Entry, now time.Time) bool {
	switch e.State {
	case Free:
		return false
	case Resolved:
		return !now.After(e.Expiration)
	default:
		return true
	}
}

// Lookup 查找 pa 对应的硬件地址。不存在、空闲、未解析或已过期时返回 false
func (c *Cache) Lookup(pa tcpip.Address) (tcpip.LinkAddress, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[pa]
	if !ok || e.State == Incomplete || !c.live(e, c.now()) {
		return "", false
	}
	return e.LinkAddress, true
}

// Entry 返回 pa 对应条目的快照，包括空闲条目
func (c *Cache) Entry(pa tcpip.Address) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[pa]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Insert 添加或覆盖一个条目，状态为 Resolved
func (c *Cache) Insert(ha tcpip.LinkAddress, pa tcpip.Address) error {
	if err := checkAddresses(ha, pa); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[pa] = &Entry{
		Address:     pa,
		LinkAddress: ha,
		State:       Resolved,
		Expiration:  c.now().Add(c.timeout),
	}
	log.WithFields(log.Fields{"pa": pa, "ha": ha}).Debug("arp cache insert")
	return nil
}

// InsertStatic 添加或覆盖一个永不过期的条目
func (c *Cache) InsertStatic(ha tcpip.LinkAddress, pa tcpip.Address) error {
	if err := checkAddresses(ha, pa); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[pa] = &Entry{
		Address:     pa,
		LinkAddress: ha,
		State:       Static,
	}
	log.WithFields(log.Fields{"pa": pa, "ha": ha}).Debug("arp cache insert static")
	return nil
}

// Update 只更新已存在的非空闲条目，不会新建条目。
// Static 条目保持不变，但同样报告为已更新。
func (c *Cache) Update(ha tcpip.LinkAddress, pa tcpip.Address) (bool, error) {
	if err := checkAddresses(ha, pa); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[pa]
	if !ok || e.State == Free {
		return false, nil
	}
	if e.State == Static {
		return true, nil
	}
	e.LinkAddress = ha
	e.State = Resolved
	e.Expiration = c.now().Add(c.timeout)
	log.WithFields(log.Fields{"pa": pa, "ha": ha}).Debug("arp cache update")
	return true, nil
}

// Delete 将条目标记为空闲
func (c *Cache) Delete(pa tcpip.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[pa]; ok {
		free(e)
		log.WithField("pa", pa).Debug("arp cache delete")
	}
}

func free(e *Entry) {
	e.LinkAddress = ""
	e.State = Free
	e.Expiration = time.Time{}
}

// Len 返回非空闲条目的数量
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, e := range c.entries {
		if e.State != Free {
			n++
		}
	}
	return n
}

// Sweep 将已过期的 Resolved 条目标记为空闲，返回数量
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for _, e := range c.entries {
		if e.State == Resolved && now.After(e.Expiration) {
			free(e)
			n++
		}
	}
	if n > 0 {
		log.WithField("num", n).Debug("arp cache sweep")
	}
	return n
}

// RunSweeper 每隔 interval 清理一次，直到 ctx 结束
func (c *Cache) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			c.Sweep()
		}
	}
}
