package client

import (
	"fmt"

	"go.uber.org/multierr"

	"movesync/physics"
	"movesync/transport"
)

// Config 位移同步客户端配置
type Config struct {
	InputRate          int     // 输入发送频率（Hz）
	InterpolationDelay float64 // 插值延迟（秒），默认 2 帧快照间隔 @20Hz
	BufferSize         int     // 每个远程玩家缓存的快照数
	CorrectionDistance float32 // 预测与权威位置相差超过该值时强制校正
	MaxMoveSpeed       float32 // 本地预测使用的速度上限，与服务端一致
	Transport          transport.Config
}

func DefaultConfig() Config {
	return Config{
		InputRate:          30,
		InterpolationDelay: 0.1,
		BufferSize:         30,
		CorrectionDistance: 2,
		MaxMoveSpeed:       physics.MaxMoveSpeed,
		Transport:          transport.DefaultConfig(),
	}
}

func (c Config) Validate() error {
	var err error
	if c.InputRate <= 0 {
		err = multierr.Append(err, fmt.Errorf("input rate must be positive, got %d", c.InputRate))
	}
	if c.InterpolationDelay < 0 {
		err = multierr.Append(err, fmt.Errorf("interpolation delay must not be negative, got %v", c.InterpolationDelay))
	}
	if c.BufferSize <= 0 {
		err = multierr.Append(err, fmt.Errorf("buffer size must be positive, got %d", c.BufferSize))
	}
	if c.CorrectionDistance < 0 {
		err = multierr.Append(err, fmt.Errorf("correction distance must not be negative, got %v", c.CorrectionDistance))
	}
	return multierr.Append(err, c.Transport.Validate())
}
