// Package client 位移同步客户端：发送输入、本地预测、远程玩家快照插值。
//
// 所有方法和回调都在调用 Tick 的 goroutine 上执行，Client 本身不加锁。
package client

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"movesync/physics"
	"movesync/protocol"
	"movesync/transport"
)

var (
	ErrAlreadyConnected = errors.New("client: already connected")
	ErrNotJoined        = errors.New("client: player has not joined")
)

// Observer 客户端事件，回调在产生事件的 Tick 内触发
type Observer interface {
	OnConnected()
	OnDisconnected()
	OnJoinConfirmed(playerID int32, serverTick uint32)
	OnWorldSnapshot(s protocol.WorldSnapshot)
	OnPlayerLeft(playerID int32)
	OnError(code transport.ErrorCode, err error)
}

type Client struct {
	cfg   Config
	log   *zap.SugaredLogger
	clock func() time.Time
	start time.Time

	transport *transport.Client
	observers []Observer

	playerID  int32
	server    string
	connected bool
	joined    bool
	inputSeq  uint32
	limiter   *rate.Limiter

	remotes        map[int32]*Interpolator
	predictor      *Predictor
	latestLocal    protocol.PlayerSnapshot
	hasLocal       bool
	lastServerTick uint32
}

func NewClient(cfg Config, log *zap.SugaredLogger) *Client {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	c := &Client{
		cfg:     cfg,
		log:     log.Named("movement"),
		clock:   time.Now,
		remotes: make(map[int32]*Interpolator),
	}
	c.start = c.clock()
	c.limiter = rate.NewLimiter(rate.Limit(cfg.InputRate), 1)
	c.predictor = NewPredictor(cfg.MaxMoveSpeed, cfg.CorrectionDistance)
	return c
}

// AddObserver 必须在 Connect 之前调用
func (c *Client) AddObserver(o Observer) { c.observers = append(c.observers, o) }

// Connect 连接服务端，握手完成后自动以 playerID 发送 PlayerJoin
func (c *Client) Connect(host string, port int, playerID int32) error {
	if c.transport != nil && c.transport.Connected() {
		return ErrAlreadyConnected
	}
	if err := c.cfg.Validate(); err != nil {
		return err
	}
	if c.transport != nil {
		c.transport.Disconnect()
	}
	c.playerID = playerID
	c.server = fmt.Sprintf("%s:%d", host, port)
	c.inputSeq = 0
	c.transport = transport.NewClient(c.cfg.Transport, (*transportHandler)(c), c.log)
	c.log.Infow("连接位移服务", "server", c.server, "player", playerID)
	return c.transport.Connect(host, port)
}

// Disconnect 断开连接并清空远程玩家
func (c *Client) Disconnect() {
	if c.transport != nil {
		c.transport.Disconnect()
	}
	c.reset()
}

func (c *Client) reset() {
	c.connected = false
	c.joined = false
	c.hasLocal = false
	clear(c.remotes)
}

// now 自创建以来的秒数，作为快照的本地接收时间
func (c *Client) now() float64 { return c.clock().Sub(c.start).Seconds() }

// Tick 每帧调用：收发网络数据并更新所有远程玩家的插值
func (c *Client) Tick() {
	if c.transport != nil {
		c.transport.Tick()
	}
	now := c.now()
	for _, ip := range c.remotes {
		ip.Update(now)
	}
}

// SendMovementInput 按配置的频率发送输入，超频的调用直接返回 false。
// 位移数据允许丢包，走不可靠通道。
func (c *Client) SendMovementInput(dir protocol.Vec3, speed float32, jump bool, yaw float32) (bool, error) {
	if !c.connected || !c.joined {
		return false, ErrNotJoined
	}
	if !c.limiter.AllowN(c.clock(), 1) {
		return false, nil
	}
	c.inputSeq++
	buf, err := protocol.Marshal(protocol.MovementInput{
		PlayerID:      c.playerID,
		InputSequence: c.inputSeq,
		Direction:     dir,
		MoveSpeed:     speed,
		IsJumping:     jump,
		YawAngle:      yaw,
	})
	if err != nil {
		return false, err
	}
	if err := c.transport.Send(buf, transport.Unreliable); err != nil {
		return false, fmt.Errorf("send movement input %d: %w", c.inputSeq, err)
	}
	return true, nil
}

// Predict 本地预测一帧，返回预测后的本地状态
func (c *Client) Predict(dir protocol.Vec3, speed float32, jump bool, yaw float32, dt float32) physics.Body {
	return c.predictor.Apply(dir, speed, jump, yaw, dt)
}

// LocalBody 本地玩家当前显示状态（预测 + 校正）
func (c *Client) LocalBody() physics.Body { return c.predictor.Body() }

// Corrections 本地玩家被服务端强制校正的次数
func (c *Client) Corrections() int { return c.predictor.Corrections() }

// RemotePlayerIDs 当前有插值缓冲的远程玩家，升序
func (c *Client) RemotePlayerIDs() []int32 {
	return slices.Sorted(maps.Keys(c.remotes))
}

// RemotePose 远程玩家插值后的状态
func (c *Client) RemotePose(playerID int32) (Pose, bool) {
	ip, ok := c.remotes[playerID]
	if !ok {
		return Pose{}, false
	}
	return ip.Current(), true
}

// LatestLocalSnapshot 本地玩家最近一次的权威状态
func (c *Client) LatestLocalSnapshot() (protocol.PlayerSnapshot, bool) {
	return c.latestLocal, c.hasLocal
}

func (c *Client) LastServerTick() uint32 { return c.lastServerTick }

func (c *Client) Connected() bool { return c.connected }

func (c *Client) Joined() bool { return c.joined }

func (c *Client) PlayerID() int32 { return c.playerID }

func (c *Client) InputSequence() uint32 { return c.inputSeq }

// RTT 传输层估算的往返时间
func (c *Client) RTT() time.Duration {
	if c.transport == nil {
		return 0
	}
	return c.transport.RTT()
}

// DebugSummary 调试面板用的多行文本
func (c *Client) DebugSummary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "connected=%v joined=%v server=%s player=%d\n", c.connected, c.joined, c.server, c.playerID)
	fmt.Fprintf(&b, "seq=%d tick=%d rtt=%s remotes=%d corrections=%d\n",
		c.inputSeq, c.lastServerTick, c.RTT(), len(c.remotes), c.predictor.Corrections())
	if c.hasLocal {
		p := c.latestLocal.Position
		fmt.Fprintf(&b, "server pos=(%.2f, %.2f, %.2f)\n", p.X, p.Y, p.Z)
	}
	for _, id := range c.RemotePlayerIDs() {
		ip := c.remotes[id]
		p := ip.Current().Position
		fmt.Fprintf(&b, "  player %d: buf=%d pos=(%.2f, %.2f, %.2f)\n", id, ip.Len(), p.X, p.Y, p.Z)
	}
	return b.String()
}

// ---- transport.ClientHandler ----

// transportHandler 把传输层回调挂到 Client 上，不暴露在 Client 的方法集中
type transportHandler Client

func (h *transportHandler) OnConnected() {
	c := (*Client)(h)
	c.connected = true
	c.log.Infow("已连接，发送 PlayerJoin", "player", c.playerID)
	for _, o := range c.observers {
		o.OnConnected()
	}
	c.sendJoin()
}

func (h *transportHandler) OnDisconnected() {
	c := (*Client)(h)
	c.log.Infow("已断开", "server", c.server)
	c.reset()
	for _, o := range c.observers {
		o.OnDisconnected()
	}
}

func (h *transportHandler) OnError(code transport.ErrorCode, err error) {
	c := (*Client)(h)
	c.log.Errorw("传输错误", "code", code.String(), "err", err)
	for _, o := range c.observers {
		o.OnError(code, err)
	}
}

func (h *transportHandler) OnData(data []byte, ch transport.Channel) {
	c := (*Client)(h)
	msg, err := protocol.Decode(data)
	if err != nil {
		c.log.Warnw("无法解析的消息", "channel", ch.String(), "len", len(data), "err", err)
		return
	}
	switch m := msg.(type) {
	case protocol.PlayerJoinAck:
		c.handleJoinAck(m)
	case protocol.WorldSnapshot:
		c.handleWorldSnapshot(m)
	case protocol.PlayerLeave:
		c.handlePlayerLeave(m)
	default:
		c.log.Warnw("未知消息类型", "type", msg.Type().String())
	}
}

// ---- 消息处理 ----

func (c *Client) sendJoin() {
	buf, _ := protocol.Marshal(protocol.PlayerJoin{PlayerID: c.playerID})
	if err := c.transport.Send(buf, transport.Reliable); err != nil {
		c.log.Errorw("发送 PlayerJoin 失败", "player", c.playerID, "err", err)
	}
}

func (c *Client) handleJoinAck(m protocol.PlayerJoinAck) {
	if m.PlayerID != c.playerID {
		c.log.Warnw("加入确认的玩家ID不一致，忽略", "player", c.playerID, "ack", m.PlayerID)
		return
	}
	c.joined = true
	c.lastServerTick = m.ServerTick
	c.log.Infow("加入成功", "player", m.PlayerID, "server_tick", m.ServerTick)
	for _, o := range c.observers {
		o.OnJoinConfirmed(m.PlayerID, m.ServerTick)
	}
}

func (c *Client) handleWorldSnapshot(s protocol.WorldSnapshot) {
	c.lastServerTick = s.ServerTick
	received := c.now()
	for _, p := range s.Players {
		if p.PlayerID == c.playerID {
			c.latestLocal, c.hasLocal = p, true
			if c.predictor.Reconcile(p) {
				c.log.Debugw("本地位置被校正", "player", p.PlayerID, "tick", s.ServerTick)
			}
			continue
		}
		ip, ok := c.remotes[p.PlayerID]
		if !ok {
			ip = NewInterpolator(c.cfg.InterpolationDelay, c.cfg.BufferSize)
			c.remotes[p.PlayerID] = ip
		}
		ip.AddSnapshot(Snapshot{
			Timestamp:  received,
			ServerTick: s.ServerTick,
			Position:   p.Position,
			Rotation:   p.Rotation,
			Velocity:   p.Velocity,
			Grounded:   p.IsGrounded,
		})
	}
	for _, o := range c.observers {
		o.OnWorldSnapshot(s)
	}
}

func (c *Client) handlePlayerLeave(m protocol.PlayerLeave) {
	delete(c.remotes, m.PlayerID)
	c.log.Infow("玩家离开", "player", m.PlayerID)
	for _, o := range c.observers {
		o.OnPlayerLeft(m.PlayerID)
	}
}
