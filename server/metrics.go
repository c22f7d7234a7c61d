package server

import (
	"sync/atomic"
)

// RoomMetrics 记录模拟循环运行期的关键指标（用于监控与调试）
type RoomMetrics struct {
	TickCount          int64 // 统计的 Tick 次数
	TotalTickNs        int64 // Tick 累计耗时（纳秒）
	InputsAccepted     int64 // 被接受的输入数
	OldSeqIgnored      int64 // 因旧序列被忽略的输入数
	PlayerMismatch     int64 // 玩家ID与连接不符被拒绝的输入数
	InputsBeforeJoin   int64 // 加入前收到的输入数
	DecodeErrors       int64 // 无法解析的消息数
	Joins              int64
	Leaves             int64
	SnapshotsSent      int64 // 发出的快照（按连接计）
	SnapshotsOversized int64 // 超过发送缓冲被拒绝的快照
	TransportErrors    int64
	RecoveredPanics    int64
}

func (m *RoomMetrics) IncAccepted()           { atomic.AddInt64(&m.InputsAccepted, 1) }
func (m *RoomMetrics) IncOldSeqIgnored()      { atomic.AddInt64(&m.OldSeqIgnored, 1) }
func (m *RoomMetrics) IncPlayerMismatch()     { atomic.AddInt64(&m.PlayerMismatch, 1) }
func (m *RoomMetrics) IncInputsBeforeJoin()   { atomic.AddInt64(&m.InputsBeforeJoin, 1) }
func (m *RoomMetrics) IncDecodeErrors()       { atomic.AddInt64(&m.DecodeErrors, 1) }
func (m *RoomMetrics) IncJoins()              { atomic.AddInt64(&m.Joins, 1) }
func (m *RoomMetrics) IncLeaves()             { atomic.AddInt64(&m.Leaves, 1) }
func (m *RoomMetrics) AddSnapshotsSent(n int) { atomic.AddInt64(&m.SnapshotsSent, int64(n)) }
func (m *RoomMetrics) IncSnapshotsOversized() { atomic.AddInt64(&m.SnapshotsOversized, 1) }
func (m *RoomMetrics) IncTransportErrors()    { atomic.AddInt64(&m.TransportErrors, 1) }
func (m *RoomMetrics) IncRecoveredPanics()    { atomic.AddInt64(&m.RecoveredPanics, 1) }
func (m *RoomMetrics) AddTick(ns int64) {
	atomic.AddInt64(&m.TickCount, 1)
	atomic.AddInt64(&m.TotalTickNs, ns)
}

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *RoomMetrics) Snapshot() map[string]any {
	tick := atomic.LoadInt64(&m.TickCount)
	total := atomic.LoadInt64(&m.TotalTickNs)
	var avgMs float64
	if tick > 0 {
		avgMs = float64(total) / float64(tick) / 1e6
	}
	return map[string]any{
		"tick_count":          tick,
		"avg_tick_ms":         avgMs,
		"inputs_accepted":     atomic.LoadInt64(&m.InputsAccepted),
		"old_seq_ignored":     atomic.LoadInt64(&m.OldSeqIgnored),
		"player_mismatch":     atomic.LoadInt64(&m.PlayerMismatch),
		"inputs_before_join":  atomic.LoadInt64(&m.InputsBeforeJoin),
		"decode_errors":       atomic.LoadInt64(&m.DecodeErrors),
		"joins":               atomic.LoadInt64(&m.Joins),
		"leaves":              atomic.LoadInt64(&m.Leaves),
		"snapshots_sent":      atomic.LoadInt64(&m.SnapshotsSent),
		"snapshots_oversized": atomic.LoadInt64(&m.SnapshotsOversized),
		"transport_errors":    atomic.LoadInt64(&m.TransportErrors),
		"recovered_panics":    atomic.LoadInt64(&m.RecoveredPanics),
	}
}
