package server

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"movesync/transport"
)

// stopTimeout Stop 等待循环退出的上限
const stopTimeout = 3 * time.Second

var ErrStopTimeout = errors.New("server: tick loop did not stop in time")

// Start 绑定 UDP 端口并启动 Tick 循环（单 goroutine 推进世界）
func (r *Room) Start() error {
	if !r.running.CompareAndSwap(false, true) {
		return nil
	}
	if err := r.transport.Start(r.cfg.Port); err != nil {
		r.running.Store(false)
		return err
	}
	r.stopCh = make(chan struct{})
	r.done = make(chan struct{})
	r.lastSnapshot = time.Now()
	r.serverTick.Store(0)

	go r.loop(r.stopCh, r.done)
	r.log.Infow("模拟循环已启动", "port", r.cfg.Port, "tick", r.cfg.TickInterval, "snapshot_rate", r.SnapshotRate())
	return nil
}

func (r *Room) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()
	for r.running.Load() {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			start := time.Now()
			r.tick(now)
			r.metrics.AddTick(time.Since(start).Nanoseconds())
		}
	}
}

// tick 核心循环：处理输入 → 更新物理 → 按频率广播快照 → 刷出网络数据
func (r *Room) tick(now time.Time) {
	defer func() {
		if v := recover(); v != nil {
			r.metrics.IncRecoveredPanics()
			r.OnError(0, transport.ErrorUnexpected, fmt.Errorf("tick panic: %v", v))
		}
	}()

	r.transport.TickIncoming()
	r.updatePhysics(float32(r.cfg.TickInterval.Seconds()))

	interval := time.Second / time.Duration(r.SnapshotRate())
	if now.Sub(r.lastSnapshot) >= interval {
		r.serverTick.Add(1)
		r.lastSnapshot = now
		r.broadcastSnapshot()
	}

	r.transport.TickOutgoing()
}

// Stop 清除运行标记并等待循环退出（最多 3 秒），然后释放 socket
func (r *Room) Stop() error {
	if !r.running.CompareAndSwap(true, false) {
		return nil
	}
	close(r.stopCh)

	var err error
	select {
	case <-r.done:
	case <-time.After(stopTimeout):
		err = multierr.Append(err, ErrStopTimeout)
	}
	err = multierr.Append(err, r.transport.Stop())
	// 传输层关闭时不会逐个回调断开，这里一并清掉
	dropped := r.players.Clear()
	r.log.Infow("模拟循环已停止", "ticks", r.metrics.Snapshot()["tick_count"], "dropped", dropped, "err", err)
	return err
}
