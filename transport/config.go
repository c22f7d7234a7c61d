package transport

import (
	"fmt"
	"time"

	"movesync/kcp"
)

// Config KCP 传输配置，服务端与客户端共用
type Config struct {
	// Socket 缓冲区，0 表示保持系统默认
	RecvBufferSize int
	SendBufferSize int

	// 单个数据报上限，包含 1 字节通道和 4 字节 cookie
	MTU int

	// KCP 参数
	NoDelay           bool
	Interval          time.Duration
	FastResend        int
	CongestionWindow  bool
	SendWindowSize    uint32
	ReceiveWindowSize uint32
	MaxRetransmits    uint32

	// 多久没收到任何消息判定超时
	Timeout time.Duration

	// 读 goroutine 到 Tick 之间的数据报队列长度，满了丢弃
	ReceiveQueueSize int
}

// DefaultConfig 低延迟的默认配置
func DefaultConfig() Config {
	return Config{
		RecvBufferSize:    7 * 1024 * 1024,
		SendBufferSize:    7 * 1024 * 1024,
		MTU:               kcp.MTUDefault,
		NoDelay:           true,
		Interval:          10 * time.Millisecond,
		FastResend:        2,
		CongestionWindow:  false,
		SendWindowSize:    kcp.WndRcv,
		ReceiveWindowSize: kcp.WndRcv,
		MaxRetransmits:    kcp.DeadLink,
		Timeout:           10 * time.Second,
		ReceiveQueueSize:  4096,
	}
}

// Validate 检查会导致控制块无法工作的配置
func (c Config) Validate() error {
	if c.MTU < 50+channelHeaderSize {
		return fmt.Errorf("transport: mtu %d too small", c.MTU)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("transport: interval must be positive, got %s", c.Interval)
	}
	// 可靠消息至少要能分成一片
	if c.ReceiveWindowSize < 2 {
		return fmt.Errorf("transport: receive window must be at least 2, got %d", c.ReceiveWindowSize)
	}
	if c.SendWindowSize < 1 {
		return fmt.Errorf("transport: send window must be at least 1, got %d", c.SendWindowSize)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("transport: timeout must be positive, got %s", c.Timeout)
	}
	if c.ReceiveQueueSize <= 0 {
		return fmt.Errorf("transport: receive queue size must be positive, got %d", c.ReceiveQueueSize)
	}
	return nil
}

// ReliableMax 可靠消息的最大字节数：分片数受接收窗口和 u8 分片号共同限制
func (c Config) ReliableMax() int {
	wnd := min(int(c.ReceiveWindowSize), kcp.FragMax)
	return (c.MTU-kcp.Overhead-channelHeaderSize)*(wnd-1) - 1
}

// UnreliableMax 不可靠消息的最大字节数：一个数据报减去通道、cookie、子头
func (c Config) UnreliableMax() int {
	return c.MTU - channelHeaderSize - 1
}

// MaxSendRate 理论发送上限（字节/秒）
func (c Config) MaxSendRate() uint64 {
	return uint64(c.SendWindowSize) * uint64(c.MTU) * 1000 / uint64(max(c.Interval.Milliseconds(), 1))
}

// MaxReceiveRate 理论接收上限（字节/秒）
func (c Config) MaxReceiveRate() uint64 {
	return uint64(c.ReceiveWindowSize) * uint64(c.MTU) * 1000 / uint64(max(c.Interval.Milliseconds(), 1))
}
