// Package config loads the softnet YAML configuration.
package config

import (
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	tcpip "github.com/qxcheng/softnet/protocol"
	"github.com/qxcheng/softnet/protocol/irq"
	"github.com/qxcheng/softnet/protocol/link/loopback"
	"github.com/qxcheng/softnet/protocol/network/arp"
)

const (
	DeviceDummy    = "dummy"
	DeviceLoopback = "loopback"

	ProtocolIPv4 = "ipv4"
	ProtocolARP  = "arp"
)

type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	IRQ      irq.Config       `yaml:"irq"`
	ARP      ARP              `yaml:"arp"`
	Loopback loopback.Options `yaml:"loopback"`

	// Devices 按顺序注册的设备，下标即网卡ID
	Devices   []string `yaml:"devices"`
	Protocols []string `yaml:"protocols"`

	Transmit Transmit `yaml:"transmit"`
}

type ARP struct {
	Timeout       time.Duration `yaml:"timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"` // 0 不定期清理

	LocalAddresses []string      `yaml:"local_addresses"`
	Static         []StaticEntry `yaml:"static"`
}

type StaticEntry struct {
	Address     string `yaml:"address"`
	LinkAddress string `yaml:"link_address"`
}

// Transmit 周期性发送的测试报文
type Transmit struct {
	Device   int           `yaml:"device"`
	Interval time.Duration `yaml:"interval"` // 0 不发送
	Src      string        `yaml:"src"`
	Dst      string        `yaml:"dst"`
	Payload  string        `yaml:"payload"`
}

// Default 返回默认配置
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		IRQ:       irq.DefaultConfig(),
		ARP: ARP{
			Timeout: arp.DefaultTimeout,
		},
		Loopback:  loopback.Options{},
		Devices:   []string{DeviceDummy, DeviceLoopback},
		Protocols: []string{ProtocolIPv4, ProtocolARP},
		Transmit: Transmit{
			Device:   0,
			Interval: time.Second,
			Src:      "127.0.0.1",
			Dst:      "127.0.0.1",
			Payload:  "hello",
		},
	}
}

// Load 读取配置文件，未给出的字段使用默认值。path 为空时返回默认配置
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}
	return Parse(data)
}

// Parse 解析yaml格式的配置
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config YAML")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "validating config")
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := c.IRQ.Validate(); err != nil {
		return err
	}
	if c.ARP.Timeout < 0 || c.ARP.SweepInterval < 0 {
		return errors.New("arp: timeout and sweep_interval must not be negative")
	}
	for _, a := range c.ARP.LocalAddresses {
		if _, err := ParseIPv4(a); err != nil {
			return errors.Wrap(err, "arp.local_addresses")
		}
	}
	for i, s := range c.ARP.Static {
		if _, err := ParseIPv4(s.Address); err != nil {
			return errors.Wrapf(err, "arp.static[%d]", i)
		}
		if _, err := ParseMAC(s.LinkAddress); err != nil {
			return errors.Wrapf(err, "arp.static[%d]", i)
		}
	}
	if c.Loopback.QueueLimit < 0 {
		return errors.Errorf("loopback.queue_limit must not be negative, got %d", c.Loopback.QueueLimit)
	}

	for i, d := range c.Devices {
		if d != DeviceDummy && d != DeviceLoopback {
			return errors.Errorf("devices[%d]: must be %q or %q, got %q", i, DeviceDummy, DeviceLoopback, d)
		}
	}
	seen := make(map[string]bool)
	for i, p := range c.Protocols {
		if p != ProtocolIPv4 && p != ProtocolARP {
			return errors.Errorf("protocols[%d]: must be %q or %q, got %q", i, ProtocolIPv4, ProtocolARP, p)
		}
		if seen[p] {
			return errors.Errorf("protocols[%d]: %q listed twice", i, p)
		}
		seen[p] = true
	}

	if c.Transmit.Interval < 0 {
		return errors.New("transmit.interval must not be negative")
	}
	if c.Transmit.Interval > 0 {
		if c.Transmit.Device < 0 || c.Transmit.Device >= len(c.Devices) {
			return errors.Errorf("transmit.device %d: no such device", c.Transmit.Device)
		}
		if _, err := ParseIPv4(c.Transmit.Src); err != nil {
			return errors.Wrap(err, "transmit.src")
		}
		if _, err := ParseIPv4(c.Transmit.Dst); err != nil {
			return errors.Wrap(err, "transmit.dst")
		}
	}
	return nil
}

// ParseIPv4 将点分十进制字符串转换为4字节地址
func ParseIPv4(s string) (tcpip.Address, error) {
	ip := net.ParseIP(s).To4()
	if ip == nil {
		return "", errors.Wrapf(tcpip.ErrBadAddress, "invalid ipv4 address %q", s)
	}
	return tcpip.Address(ip), nil
}

// ParseMAC 将 aa:bb:cc:dd:ee:ff 转换为6字节地址
func ParseMAC(s string) (tcpip.LinkAddress, error) {
	hw, err := net.ParseMAC(s)
	if err != nil || len(hw) != 6 {
		return "", errors.Wrapf(tcpip.ErrBadAddress, "invalid mac address %q", s)
	}
	return tcpip.LinkAddress(hw), nil
}
