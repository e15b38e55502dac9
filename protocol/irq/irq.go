// Package irq emulates hardware interrupt lines. Each line is a process
// signal number; a single listener goroutine waits for them and calls back
// into a Handler, so a device's transmit path and its receive path run in
// different contexts just as they would across a real hardirq boundary.
package irq

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	tcpip "github.com/qxcheng/softnet/protocol"
)

// Number 中断号，与信号编号一一对应
type Number int

// Backend 中断的投递方式
type Backend string

const (
	// BackendSignal 使用真实的进程信号 (kill + os/signal)
	BackendSignal Backend = "signal"
	// BackendChannel 在进程内通过channel投递，不触碰信号
	BackendChannel Backend = "channel"
)

// 默认值与linux信号编号一致
const (
	DefaultMin     Number = 35 // SIGRTMIN+1
	DefaultMax     Number = 64
	DefaultSoftIRQ Number = 10 // SIGUSR1
	DefaultStop    Number = 1  // SIGHUP

	pendingLimit = 64 // 未处理中断的缓冲数，满了之后合并（丢弃）
)

var (
	ErrInvalidConfig = errors.New("invalid irq config")
	ErrClosed        = errors.New("irq controller closed")
)

// Config 中断子系统的配置，[Min, Max) 为设备可用的中断号
type Config struct {
	Backend Backend `yaml:"backend"`
	Min     Number  `yaml:"min"`
	Max     Number  `yaml:"max"`
	SoftIRQ Number  `yaml:"softirq"`
	Stop    Number  `yaml:"stop"`
}

func DefaultConfig() Config {
	return Config{
		Backend: BackendSignal,
		Min:     DefaultMin,
		Max:     DefaultMax,
		SoftIRQ: DefaultSoftIRQ,
		Stop:    DefaultStop,
	}
}

// InRange reports whether n may be bound to a device.
func (c Config) InRange(n Number) bool {
	return n >= c.Min && n < c.Max
}

// Validate checks that the device range and the two reserved numbers are
// disjoint.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendSignal, BackendChannel:
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown backend %q", c.Backend)
	}
	if c.Min <= 0 || c.Min >= c.Max {
		return errors.Wrapf(ErrInvalidConfig, "bad range [%d, %d)", c.Min, c.Max)
	}
	if c.SoftIRQ <= 0 || c.Stop <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "softirq=%d, stop=%d", c.SoftIRQ, c.Stop)
	}
	if c.SoftIRQ == c.Stop {
		return errors.Wrapf(ErrInvalidConfig, "softirq and stop share %d", c.Stop)
	}
	if c.InRange(c.SoftIRQ) || c.InRange(c.Stop) {
		return errors.Wrapf(ErrInvalidConfig, "reserved number inside [%d, %d)", c.Min, c.Max)
	}
	return nil
}

// Handler receives interrupts on the listener goroutine.
type Handler interface {
	// ISR services every device bound to n.
	ISR(n Number) error
	// SoftISR runs deferred protocol processing.
	SoftISR() error
}

// Raiser 触发中断
type Raiser interface {
	Raise(n Number) error
}

// 一条中断注册记录
type entry struct {
	irq  Number
	name string
}

type state int

const (
	stateIdle state = iota
	stateRunning
	stateStopped
)

// Controller 中断子系统，一个协议栈一个
type Controller struct {
	cfg     Config
	handler Handler

	sigCh chan os.Signal
	quit  chan struct{}
	done  chan struct{}

	mu      sync.RWMutex
	entries []entry
	state   state
	started bool

	quitOnce sync.Once
	stopOnce sync.Once
}

var _ Raiser = (*Controller)(nil)

// New creates a controller delivering to h. With the signal backend every
// usable number plus the two reserved ones are caught from here on, so a
// raise before Run stays pending instead of killing the process.
func New(cfg Config, h Handler) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:     cfg,
		handler: h,
		sigCh:   make(chan os.Signal, pendingLimit),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if cfg.Backend == BackendSignal {
		signal.Notify(c.sigCh, c.signals()...)
	}
	log.WithFields(log.Fields{"backend": cfg.Backend, "min": cfg.Min, "max": cfg.Max}).Info("irq initialized")
	return c, nil
}

func (c *Controller) signals() []os.Signal {
	sigs := []os.Signal{syscall.Signal(c.cfg.Stop), syscall.Signal(c.cfg.SoftIRQ)}
	for n := c.cfg.Min; n < c.cfg.Max; n++ {
		sigs = append(sigs, syscall.Signal(n))
	}
	return sigs
}

// Config returns the controller's configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

// Register binds n on behalf of the named device. Registering the same
// number twice keeps both bindings.
func (c *Controller) Register(n Number, name string) error {
	if !c.cfg.InRange(n) {
		return errors.Wrapf(tcpip.ErrIRQOutOfRange, "irq=%d, dev=%s", n, name)
	}
	c.mu.Lock()
	c.entries = append(c.entries, entry{irq: n, name: name})
	c.mu.Unlock()
	log.WithFields(log.Fields{"irq": n, "dev": name}).Debug("irq registered")
	return nil
}

// Registered reports whether any device is bound to n.
func (c *Controller) Registered(n Number) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.entries {
		if e.irq == n {
			return true
		}
	}
	return false
}

// Run starts the listener goroutine. It may be called once.
func (c *Controller) Run() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateIdle {
		return tcpip.ErrAlreadyRunning
	}
	c.state = stateRunning
	c.started = true
	go c.listen()
	return nil
}

// Shutdown stops the listener and waits for it to exit. It may be called
// more than once, also after the listener has consumed the stop number.
func (c *Controller) Shutdown() error {
	c.mu.Lock()
	c.state = stateStopped
	started := c.started
	c.mu.Unlock()

	c.quitOnce.Do(func() { close(c.quit) })
	if started {
		<-c.done
	}
	c.stopOnce.Do(func() {
		if c.cfg.Backend == BackendSignal {
			signal.Stop(c.sigCh)
		}
		log.Info("irq shutdown")
	})
	return nil
}

// Raise delivers n to this process. Reserved and out of range numbers are
// accepted.
func (c *Controller) Raise(n Number) error {
	c.mu.RLock()
	stopped := c.state == stateStopped
	c.mu.RUnlock()
	if stopped {
		return ErrClosed
	}

	if c.cfg.Backend == BackendSignal {
		return errors.Wrapf(raise(n), "raise irq=%d", n)
	}
	select {
	case c.sigCh <- syscall.Signal(n):
	default:
		// 与挂起的信号一样，满了就合并
		log.WithField("irq", n).Debug("irq pending queue full")
	}
	return nil
}

func (c *Controller) listen() {
	defer close(c.done)
	log.Debug("irq listener start")
	for {
		select {
		case <-c.quit:
			log.Debug("irq listener terminated")
			return
		case sig := <-c.sigCh:
			s, ok := sig.(syscall.Signal)
			if !ok {
				continue
			}
			n := Number(s)
			switch n {
			case c.cfg.Stop:
				log.Debug("irq listener stop received")
				c.mu.Lock()
				c.state = stateStopped
				c.mu.Unlock()
				return
			case c.cfg.SoftIRQ:
				if err := c.handler.SoftISR(); err != nil {
					log.WithError(err).Warn("softirq failed")
				}
			default:
				if !c.Registered(n) {
					continue
				}
				if err := c.handler.ISR(n); err != nil {
					log.WithError(err).WithField("irq", n).Warn("isr failed")
				}
			}
		}
	}
}
