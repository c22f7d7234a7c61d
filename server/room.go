package server

import (
	"errors"
	"fmt"
	"math"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"movesync/physics"
	"movesync/protocol"
	"movesync/transport"
)

// RoomObserver 订阅模拟事件，回调在模拟 goroutine 上执行，不能阻塞
type RoomObserver interface {
	OnPlayerJoined(p PlayerState)
	OnPlayerLeft(playerID int32)
	OnWorldSnapshot(s protocol.WorldSnapshot)
}

// Room 位移同步的权威世界：状态维护在内存，单 goroutine Tick 推进
type Room struct {
	cfg       Config
	log       *zap.SugaredLogger
	transport *transport.Server
	players   *PlayerManager
	metrics   *RoomMetrics
	observers []RoomObserver

	// 可热更新的规则
	snapshotRate atomic.Int64
	maxMoveSpeed atomic.Uint32 // float32 bits

	serverTick   atomic.Uint32
	start        time.Time
	lastSnapshot time.Time
	sendBuf      []byte

	running atomic.Bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewRoom 创建房间与底层传输，Start 之前不占用端口
func NewRoom(cfg Config, log *zap.SugaredLogger) *Room {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	r := &Room{
		cfg:     cfg,
		log:     log.Named("room"),
		players: NewPlayerManager(),
		metrics: &RoomMetrics{},
		start:   time.Now(),
		sendBuf: make([]byte, 0, cfg.SnapshotLimit()),
	}
	r.snapshotRate.Store(int64(cfg.SnapshotRate))
	r.maxMoveSpeed.Store(math.Float32bits(cfg.MaxMoveSpeed))
	r.transport = transport.NewServer(cfg.Transport, r, log)
	return r
}

// AddObserver 必须在 Start 之前调用
func (r *Room) AddObserver(o RoomObserver) { r.observers = append(r.observers, o) }

func (r *Room) Metrics() *RoomMetrics { return r.metrics }

func (r *Room) TransportStats() transport.ServerStats { return r.transport.Stats() }

func (r *Room) ServerTick() uint32 { return r.serverTick.Load() }

func (r *Room) ConnectionCount() int { return r.transport.ConnectionCount() }

// LocalAddr 实际监听地址，Start 之前为 nil
func (r *Room) LocalAddr() net.Addr { return r.transport.LocalAddr() }

func (r *Room) SnapshotRate() int { return int(r.snapshotRate.Load()) }

// SetSnapshotRate 热更新快照频率（次/秒）
func (r *Room) SetSnapshotRate(hz int) error {
	if hz <= 0 || time.Second/time.Duration(hz) < r.cfg.TickInterval {
		return fmt.Errorf("snapshot rate %d out of range (1..%d)", hz, int(time.Second/r.cfg.TickInterval))
	}
	r.snapshotRate.Store(int64(hz))
	return nil
}

func (r *Room) MaxMoveSpeed() float32 { return math.Float32frombits(r.maxMoveSpeed.Load()) }

// SetMaxMoveSpeed 热更新速度上限
func (r *Room) SetMaxMoveSpeed(v float32) error {
	if v < 0 || math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
		return fmt.Errorf("invalid max move speed %v", v)
	}
	r.maxMoveSpeed.Store(math.Float32bits(v))
	return nil
}

// GetPlayerState 可在任意 goroutine 调用，返回副本
func (r *Room) GetPlayerState(playerID int32) (PlayerState, bool) {
	return r.players.Get(playerID)
}

// GetAllPlayerStates 可在任意 goroutine 调用，返回副本
func (r *Room) GetAllPlayerStates() []PlayerState {
	return r.players.All()
}

func (r *Room) nowMs() int64 { return time.Since(r.start).Milliseconds() }

// ---- transport.ServerHandler ----

func (r *Room) OnConnected(id uint32) {
	// 只是握手完成，还要等 PlayerJoin 绑定玩家ID
	r.log.Infow("连接建立", "conn", id)
}

func (r *Room) OnData(id uint32, data []byte, ch transport.Channel) {
	msg, err := protocol.Decode(data)
	if err != nil {
		r.metrics.IncDecodeErrors()
		r.log.Warnw("无法解析的消息", "conn", id, "channel", ch.String(), "len", len(data), "err", err)
		return
	}
	switch m := msg.(type) {
	case protocol.PlayerJoin:
		r.handleJoin(id, m)
	case protocol.MovementInput:
		r.handleInput(id, m)
	case protocol.PlayerLeave:
		r.handleLeave(id, m)
	default:
		r.log.Infow("忽略的消息类型", "conn", id, "type", msg.Type().String())
	}
}

func (r *Room) OnDisconnected(id uint32) {
	r.log.Infow("连接断开", "conn", id)
	if p, ok := r.players.UnbindConn(id); ok {
		r.playerLeft(p.PlayerID)
		r.log.Infow("玩家移除", "player", p.PlayerID, "conn", id, "players", r.players.Len())
	}
}

func (r *Room) OnError(id uint32, code transport.ErrorCode, err error) {
	r.metrics.IncTransportErrors()
	r.log.Errorw("传输错误", "conn", id, "code", code.String(), "err", err)
}

// ---- 消息处理 ----

func (r *Room) handleJoin(conn uint32, m protocol.PlayerJoin) {
	res := r.players.Bind(conn, m.PlayerID, r.nowMs())
	if res.HasEvictedConn {
		r.log.Warnw("玩家从新连接加入，旧连接解绑", "player", m.PlayerID, "old_conn", res.EvictedConn, "conn", conn)
	}
	if res.HasReplacedPlayer {
		r.playerLeft(res.ReplacedPlayer)
	}
	r.metrics.IncJoins()

	ack, _ := protocol.Marshal(protocol.PlayerJoinAck{PlayerID: m.PlayerID, ServerTick: r.serverTick.Load()})
	if err := r.transport.Send(conn, ack, transport.Reliable); err != nil {
		r.log.Errorw("发送加入确认失败", "player", m.PlayerID, "conn", conn, "err", err)
	}
	r.log.Infow("玩家加入", "player", m.PlayerID, "conn", conn, "players", r.players.Len())
	for _, o := range r.observers {
		o.OnPlayerJoined(res.State)
	}
}

func (r *Room) handleInput(conn uint32, in protocol.MovementInput) {
	switch r.players.ApplyInput(conn, in) {
	case inputAccepted:
		r.metrics.IncAccepted()
	case inputStale:
		// 网络乱序，旧输入直接丢弃
		r.metrics.IncOldSeqIgnored()
	case inputPlayerMismatch:
		r.metrics.IncPlayerMismatch()
		p, _ := r.players.ByConn(conn)
		r.log.Warnw("玩家ID不匹配", "conn", conn, "claimed", in.PlayerID, "registered", p.PlayerID)
	case inputNotJoined:
		r.metrics.IncInputsBeforeJoin()
	}
}

func (r *Room) handleLeave(conn uint32, m protocol.PlayerLeave) {
	p, ok := r.players.ByConn(conn)
	if !ok {
		return
	}
	if p.PlayerID != m.PlayerID {
		r.log.Warnw("离开消息的玩家ID不匹配", "conn", conn, "claimed", m.PlayerID, "registered", p.PlayerID)
		return
	}
	r.players.UnbindConn(conn)
	r.playerLeft(p.PlayerID)
	r.log.Infow("玩家主动离开", "player", p.PlayerID, "conn", conn)
}

// playerLeft 通知其余玩家和观察者
func (r *Room) playerLeft(playerID int32) {
	r.metrics.IncLeaves()
	leave, _ := protocol.Marshal(protocol.PlayerLeave{PlayerID: playerID})
	for _, p := range r.players.All() {
		if err := r.transport.Send(p.ConnID, leave, transport.Reliable); err != nil {
			r.log.Debugw("发送离开通知失败", "conn", p.ConnID, "err", err)
		}
	}
	for _, o := range r.observers {
		o.OnPlayerLeft(playerID)
	}
}

// ---- 模拟 ----

// updatePhysics 只推进收到过输入的玩家，沿用最后一条输入
func (r *Room) updatePhysics(dt float32) {
	maxSpeed := r.MaxMoveSpeed()
	now := r.nowMs()
	r.players.UpdateAll(func(p *PlayerState) {
		if !p.HasInput {
			return
		}
		b := p.body()
		physics.Step(&b, p.LastInput, maxSpeed, dt)
		p.setBody(b)
		p.LastUpdateTime = now
	})
}

// broadcastSnapshot 通过不可靠通道把世界快照发给每个已加入的玩家
func (r *Room) broadcastSnapshot() {
	players := r.players.All()
	if len(players) == 0 {
		return
	}
	snap := protocol.WorldSnapshot{
		ServerTick: r.serverTick.Load(),
		Timestamp:  r.nowMs(),
		Players:    make([]protocol.PlayerSnapshot, len(players)),
	}
	for i := range players {
		snap.Players[i] = players[i].Snapshot()
	}

	limit := r.cfg.SnapshotLimit()
	buf, err := protocol.MarshalWorldSnapshot(r.sendBuf[:0], snap, limit)
	if err != nil {
		if errors.Is(err, protocol.ErrSnapshotTooLarge) {
			r.metrics.IncSnapshotsOversized()
		}
		r.log.Errorw("快照过大，本次不发送", "players", len(players), "limit", limit, "err", err)
		return
	}
	r.sendBuf = buf

	sent := 0
	for _, p := range players {
		if err := r.transport.Send(p.ConnID, buf, transport.Unreliable); err != nil {
			r.log.Errorw("发送快照失败", "conn", p.ConnID, "err", err)
			continue
		}
		sent++
	}
	r.metrics.AddSnapshotsSent(sent)
	for _, o := range r.observers {
		o.OnWorldSnapshot(snap)
	}
}
