package server

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/multierr"

	"movesync/physics"
	"movesync/protocol"
	"movesync/transport"
)

// Config 服务进程配置
type Config struct {
	Port           int              // UDP 端口
	AdminAddr      string           // 管理 HTTP 地址，空则不启动
	TickInterval   time.Duration    // 模拟步长
	SnapshotRate   int              // 每秒快照数，可热更新
	MaxMoveSpeed   float32          // 速度上限，可热更新
	SendBufferSize int              // 单个快照的字节上限
	Log            LogConfig
	Transport      transport.Config
}

// DefaultConfig 默认配置：100Hz 模拟，20Hz 快照
func DefaultConfig() Config {
	return Config{
		Port:           7777,
		AdminAddr:      ":8080",
		TickInterval:   10 * time.Millisecond,
		SnapshotRate:   20,
		MaxMoveSpeed:   physics.MaxMoveSpeed,
		SendBufferSize: 1200,
		Log:            LogConfig{File: "movesync.log", Level: "info"},
		Transport:      transport.DefaultConfig(),
	}
}

// fileConfig JSON 配置文件格式，时间单位为毫秒，缺省字段保持默认值
type fileConfig struct {
	Port           *int       `json:"port,omitempty"`
	AdminAddr      *string    `json:"adminAddr,omitempty"`
	TickMs         *int       `json:"tickMs,omitempty"`
	SnapshotRate   *int       `json:"snapshotRate,omitempty"`
	MaxMoveSpeed   *float32   `json:"maxMoveSpeed,omitempty"`
	SendBufferSize *int       `json:"sendBufferSize,omitempty"`
	Log            *LogConfig `json:"log,omitempty"`
	Transport      *struct {
		MTU               *int    `json:"mtu,omitempty"`
		NoDelay           *bool   `json:"noDelay,omitempty"`
		IntervalMs        *int    `json:"intervalMs,omitempty"`
		FastResend        *int    `json:"fastResend,omitempty"`
		CongestionWindow  *bool   `json:"congestionWindow,omitempty"`
		SendWindowSize    *uint32 `json:"sendWindowSize,omitempty"`
		ReceiveWindowSize *uint32 `json:"receiveWindowSize,omitempty"`
		TimeoutMs         *int    `json:"timeoutMs,omitempty"`
		MaxRetransmits    *uint32 `json:"maxRetransmits,omitempty"`
		RecvBufferSize    *int    `json:"recvBufferSize,omitempty"`
		SendBufferSize    *int    `json:"sendBufferSize,omitempty"`
		ReceiveQueueSize  *int    `json:"receiveQueueSize,omitempty"`
	} `json:"transport,omitempty"`
}

// LoadConfig 默认值 → JSON 文件（path 为空则跳过）→ MOVESYNC_* 环境变量。
// 无法解析的环境变量被忽略，以 warnings 返回给调用方记录。
func LoadConfig(path string) (Config, []string, error) {
	cfg := DefaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, nil, fmt.Errorf("read config %s: %w", path, err)
		}
		var fc fileConfig
		if err := json.Unmarshal(b, &fc); err != nil {
			return cfg, nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		fc.apply(&cfg)
	}
	warnings := applyEnv(&cfg, os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return cfg, warnings, err
	}
	return cfg, warnings, nil
}

func (fc *fileConfig) apply(cfg *Config) {
	setIf(&cfg.Port, fc.Port)
	setIf(&cfg.AdminAddr, fc.AdminAddr)
	if fc.TickMs != nil {
		cfg.TickInterval = time.Duration(*fc.TickMs) * time.Millisecond
	}
	setIf(&cfg.SnapshotRate, fc.SnapshotRate)
	setIf(&cfg.MaxMoveSpeed, fc.MaxMoveSpeed)
	setIf(&cfg.SendBufferSize, fc.SendBufferSize)
	setIf(&cfg.Log, fc.Log)

	t := fc.Transport
	if t == nil {
		return
	}
	tc := &cfg.Transport
	setIf(&tc.MTU, t.MTU)
	setIf(&tc.NoDelay, t.NoDelay)
	if t.IntervalMs != nil {
		tc.Interval = time.Duration(*t.IntervalMs) * time.Millisecond
	}
	setIf(&tc.FastResend, t.FastResend)
	setIf(&tc.CongestionWindow, t.CongestionWindow)
	setIf(&tc.SendWindowSize, t.SendWindowSize)
	setIf(&tc.ReceiveWindowSize, t.ReceiveWindowSize)
	if t.TimeoutMs != nil {
		tc.Timeout = time.Duration(*t.TimeoutMs) * time.Millisecond
	}
	setIf(&tc.MaxRetransmits, t.MaxRetransmits)
	setIf(&tc.RecvBufferSize, t.RecvBufferSize)
	setIf(&tc.SendBufferSize, t.SendBufferSize)
	setIf(&tc.ReceiveQueueSize, t.ReceiveQueueSize)
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

// applyEnv 环境变量覆盖，返回被忽略的非法值说明
func applyEnv(cfg *Config, lookup func(string) (string, bool)) []string {
	var warnings []string
	intVar := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("ignore %s=%q: %v", key, v, err))
			return
		}
		*dst = n
	}

	intVar("MOVESYNC_PORT", &cfg.Port)
	if v, ok := lookup("MOVESYNC_ADMIN_ADDR"); ok {
		cfg.AdminAddr = v
	}
	tickMs := int(cfg.TickInterval / time.Millisecond)
	intVar("MOVESYNC_TICK_MS", &tickMs)
	cfg.TickInterval = time.Duration(tickMs) * time.Millisecond
	intVar("MOVESYNC_SNAPSHOT_RATE", &cfg.SnapshotRate)
	if v, ok := lookup("MOVESYNC_MAX_MOVE_SPEED"); ok {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("ignore MOVESYNC_MAX_MOVE_SPEED=%q: %v", v, err))
		} else {
			cfg.MaxMoveSpeed = float32(f)
		}
	}
	intVar("MOVESYNC_SEND_BUFFER", &cfg.SendBufferSize)
	if v, ok := lookup("MOVESYNC_LOG_FILE"); ok {
		cfg.Log.File = v
	}
	if v, ok := lookup("MOVESYNC_LOG_LEVEL"); ok {
		cfg.Log.Level = v
	}
	intVar("MOVESYNC_MTU", &cfg.Transport.MTU)
	return warnings
}

// SnapshotLimit 单个快照的实际上限：不能超过一个不可靠数据报
func (c Config) SnapshotLimit() int {
	return min(c.SendBufferSize, c.Transport.UnreliableMax())
}

// Validate 检查会让模拟循环无法运行的配置
func (c Config) Validate() error {
	var errs []error
	if c.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("tick interval must be positive, got %s", c.TickInterval))
	}
	if c.SnapshotRate <= 0 {
		errs = append(errs, fmt.Errorf("snapshot rate must be positive, got %d", c.SnapshotRate))
	}
	if c.MaxMoveSpeed < 0 {
		errs = append(errs, fmt.Errorf("max move speed must not be negative, got %v", c.MaxMoveSpeed))
	}
	if c.SendBufferSize < protocol.WorldSnapshotHeaderSize {
		errs = append(errs, fmt.Errorf("send buffer size %d smaller than snapshot header", c.SendBufferSize))
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port out of range: %d", c.Port))
	}
	if err := c.Transport.Validate(); err != nil {
		errs = append(errs, err)
	}
	return multierr.Combine(errs...)
}
