package transport

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"movesync/kcp"
)

// State 连接状态，Disconnected 为终态
type State uint8

const (
	StateConnected State = iota
	StateAuthenticated
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "Connected"
	case StateAuthenticated:
		return "Authenticated"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// Channel 数据报首字节
type Channel uint8

const (
	Reliable   Channel = 1
	Unreliable Channel = 2
)

func (c Channel) String() string {
	switch c {
	case Reliable:
		return "reliable"
	case Unreliable:
		return "unreliable"
	default:
		return fmt.Sprintf("channel(%d)", uint8(c))
	}
}

// 可靠消息的首字节
const (
	headerHello = 1
	headerPing  = 2
	headerData  = 3
	headerPong  = 4
)

// 不可靠消息的子头
const (
	unreliableData       = 4
	unreliableDisconnect = 5
)

const (
	channelHeaderSize = 1 + 4 // 通道 + cookie

	PingInterval             = time.Second
	QueueDisconnectThreshold = 10000
	disconnectNotices        = 5
)

// peerHooks 由持有者（服务端连接或客户端）注入的回调
type peerHooks struct {
	onAuthenticated func()
	onData          func(data []byte, ch Channel)
	onDisconnected  func()
	onError         func(code ErrorCode, err error)
	rawSend         func(b []byte) error
}

// Peer 单个连接的状态机：握手、心跳、超时、拥塞检测、收发分发。
// 与 KCP 控制块一样只能在一个 goroutine 内驱动。
type Peer struct {
	cfg   Config
	log   *zap.SugaredLogger
	hooks peerHooks

	kcp         *kcp.KCP
	state       State
	cookie      uint32
	adoptCookie bool // 客户端在握手完成前采用服务端下发的 cookie

	clock func() time.Time
	start time.Time

	lastReceive uint32
	lastPing    uint32
	pongLimiter *rate.Limiter
	rtt         uint32

	reliableMax   int
	unreliableMax int
	kcpSendBuf    []byte
	rawSendBuf    []byte

	sendErr error // socket 写失败，在当前阶段末尾处理
}

func newPeer(cfg Config, cookie uint32, adoptCookie bool, hooks peerHooks, log *zap.SugaredLogger, clock func() time.Time) *Peer {
	if clock == nil {
		clock = time.Now
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	p := &Peer{
		cfg:           cfg,
		log:           log,
		hooks:         hooks,
		cookie:        cookie,
		adoptCookie:   adoptCookie,
		clock:         clock,
		start:         clock(),
		pongLimiter:   rate.NewLimiter(rate.Every(PingInterval), 1),
		reliableMax:   cfg.ReliableMax(),
		unreliableMax: cfg.UnreliableMax(),
		rawSendBuf:    make([]byte, cfg.MTU),
	}
	p.kcpSendBuf = make([]byte, 1+p.reliableMax)

	p.kcp = kcp.New(0, p.rawSendReliable)
	p.kcp.NoDelay(cfg.NoDelay, uint32(cfg.Interval.Milliseconds()), cfg.FastResend, !cfg.CongestionWindow)
	p.kcp.SetWindowSize(cfg.SendWindowSize, cfg.ReceiveWindowSize)
	if err := p.kcp.SetMTU(uint32(cfg.MTU - channelHeaderSize)); err != nil {
		p.log.Errorw("设置 MTU 失败", "mtu", cfg.MTU, "err", err)
	}
	p.kcp.SetDeadLink(cfg.MaxRetransmits)
	return p
}

// time 距创建时刻的毫秒数
func (p *Peer) time() uint32 {
	return uint32(p.clock().Sub(p.start).Milliseconds())
}

func (p *Peer) State() State   { return p.state }
func (p *Peer) Cookie() uint32 { return p.cookie }

// RTT 最近一次 ping/pong 测得的往返时间
func (p *Peer) RTT() time.Duration { return time.Duration(p.rtt) * time.Millisecond }

func (p *Peer) ReliableMax() int   { return p.reliableMax }
func (p *Peer) UnreliableMax() int { return p.unreliableMax }

// PeerStats 调试用的队列计数
type PeerStats struct {
	State         State
	RTT           time.Duration
	SendQueue     int
	SendBuffer    int
	ReceiveQueue  int
	ReceiveBuffer int
	Retransmits   uint64
}

func (p *Peer) Stats() PeerStats {
	return PeerStats{
		State:         p.state,
		RTT:           p.RTT(),
		SendQueue:     p.kcp.SendQueueLen(),
		SendBuffer:    p.kcp.SendBufferLen(),
		ReceiveQueue:  p.kcp.ReceiveQueueLen(),
		ReceiveBuffer: p.kcp.ReceiveBufferLen(),
		Retransmits:   p.kcp.Stats().Retransmits,
	}
}

// RawInput 喂入一个从 socket 收到的完整数据报
func (p *Peer) RawInput(buf []byte) {
	if p.state == StateDisconnected || len(buf) <= channelHeaderSize {
		return
	}
	ch := Channel(buf[0])
	cookie := le.Uint32(buf[1:])

	switch {
	case p.state == StateAuthenticated && cookie != p.cookie:
		p.log.Debugw("丢弃 cookie 不匹配的数据报", "got", cookie, "want", p.cookie)
		return
	case p.state == StateConnected && p.adoptCookie:
		p.cookie = cookie
	}

	msg := buf[channelHeaderSize:]
	switch ch {
	case Reliable:
		p.rawInputReliable(msg)
	case Unreliable:
		p.rawInputUnreliable(msg)
	default:
		p.log.Debugw("丢弃未知通道的数据报", "channel", uint8(ch))
	}
	p.flushSendError()
}

func (p *Peer) rawInputReliable(msg []byte) {
	if err := p.kcp.Input(msg); err != nil {
		p.hooks.onError(ErrorInvalidReceive, fmt.Errorf("kcp input of %d bytes: %w", len(msg), err))
		p.Disconnect()
	}
}

func (p *Peer) rawInputUnreliable(msg []byte) {
	switch msg[0] {
	case unreliableData:
		if p.state == StateAuthenticated {
			p.hooks.onData(msg[1:], Unreliable)
			p.lastReceive = p.time()
		}
	case unreliableDisconnect:
		p.log.Infow("收到断开通知")
		p.Disconnect()
	default:
		// 只丢弃本数据报，不断开
		p.hooks.onError(ErrorInvalidReceive, fmt.Errorf("unknown unreliable header %d", msg[0]))
	}
}

// TickIncoming 处理超时、心跳、拥塞，并分发已收到的可靠消息
func (p *Peer) TickIncoming() {
	now := p.time()
	switch p.state {
	case StateConnected:
		if p.housekeeping(now) {
			p.tickConnected()
		}
	case StateAuthenticated:
		if p.housekeeping(now) {
			p.tickAuthenticated(now)
		}
	}
	p.flushSendError()
}

// TickOutgoing 推进 KCP 时钟并把待发数据写到 socket
func (p *Peer) TickOutgoing() {
	if p.state == StateDisconnected {
		return
	}
	p.kcp.Update(p.time())
	p.flushSendError()
}

// housekeeping 返回 false 表示连接已经被断开
func (p *Peer) housekeeping(now uint32) bool {
	if now >= p.lastReceive+uint32(p.cfg.Timeout.Milliseconds()) {
		p.hooks.onError(ErrorTimeout, fmt.Errorf("no message received for %s", p.cfg.Timeout))
		p.Disconnect()
		return false
	}
	if p.kcp.Dead() {
		p.hooks.onError(ErrorTimeout, fmt.Errorf("dead link: a message was retransmitted %d times without ack", p.cfg.MaxRetransmits))
		p.Disconnect()
		return false
	}
	if now >= p.lastPing+uint32(PingInterval.Milliseconds()) {
		p.sendPing(now)
		p.lastPing = now
	}
	total := p.kcp.ReceiveQueueLen() + p.kcp.SendQueueLen() + p.kcp.ReceiveBufferLen() + p.kcp.SendBufferLen()
	if total >= QueueDisconnectThreshold {
		p.hooks.onError(ErrorCongestion, fmt.Errorf(
			"queue total %d >= %d (rcv_queue=%d snd_queue=%d rcv_buf=%d snd_buf=%d)",
			total, QueueDisconnectThreshold,
			p.kcp.ReceiveQueueLen(), p.kcp.SendQueueLen(), p.kcp.ReceiveBufferLen(), p.kcp.SendBufferLen()))
		p.kcp.ClearSendQueue()
		p.Disconnect()
		return false
	}
	return true
}

// Connected 状态每次只取一条消息，握手完成前不处理数据
func (p *Peer) tickConnected() {
	header, _, ok := p.receiveNextReliable()
	if !ok {
		return
	}
	switch header {
	case headerHello:
		p.log.Infow("收到握手", "cookie", p.cookie)
		p.state = StateAuthenticated
		p.hooks.onAuthenticated()
	case headerPing, headerPong:
	case headerData:
		p.hooks.onError(ErrorInvalidReceive, fmt.Errorf("received data before handshake"))
		p.Disconnect()
	}
}

func (p *Peer) tickAuthenticated(now uint32) {
	for p.state == StateAuthenticated {
		header, msg, ok := p.receiveNextReliable()
		if !ok {
			return
		}
		switch header {
		case headerHello:
			p.hooks.onError(ErrorInvalidReceive, fmt.Errorf("received hello while authenticated"))
			p.Disconnect()
		case headerData:
			if len(msg) == 0 {
				p.hooks.onError(ErrorInvalidReceive, fmt.Errorf("received empty data message"))
				p.Disconnect()
				continue
			}
			p.hooks.onData(msg, Reliable)
		case headerPing:
			if len(msg) == 4 && p.pongLimiter.AllowN(p.clock(), 1) {
				p.sendPong(le.Uint32(msg))
			}
		case headerPong:
			if len(msg) == 4 {
				if echo := le.Uint32(msg); now >= echo {
					p.rtt = now - echo
				}
			}
		}
	}
}

func (p *Peer) receiveNextReliable() (header byte, msg []byte, ok bool) {
	size := p.kcp.PeekSize()
	if size <= 0 {
		return 0, nil, false
	}
	if size > len(p.kcpSendBuf) {
		p.hooks.onError(ErrorInvalidReceive, fmt.Errorf("message of %d bytes exceeds reliable max %d", size, p.reliableMax))
		p.Disconnect()
		return 0, nil, false
	}
	data, err := p.kcp.Recv()
	if err != nil {
		p.hooks.onError(ErrorInvalidReceive, fmt.Errorf("kcp recv: %w", err))
		p.Disconnect()
		return 0, nil, false
	}
	switch data[0] {
	case headerHello, headerPing, headerData, headerPong:
	default:
		p.hooks.onError(ErrorInvalidReceive, fmt.Errorf("unknown reliable header %d", data[0]))
		p.Disconnect()
		return 0, nil, false
	}
	p.lastReceive = p.time()
	return data[0], data[1:], true
}

// Send 在指定通道上发送一条消息，连接必须已完成握手
func (p *Peer) Send(data []byte, ch Channel) error {
	switch p.state {
	case StateDisconnected:
		return ErrClosed
	case StateConnected:
		return ErrNotAuthenticated
	}
	if len(data) == 0 {
		return ErrEmptyMessage
	}
	var err error
	switch ch {
	case Reliable:
		err = p.sendReliable(headerData, data)
	case Unreliable:
		err = p.sendUnreliable(unreliableData, data)
	default:
		return fmt.Errorf("%w: %d", ErrUnknownChannel, uint8(ch))
	}
	if err != nil {
		return err
	}
	if werr := p.sendErr; werr != nil {
		p.flushSendError()
		return fmt.Errorf("%w: %v", ErrClosed, werr)
	}
	return nil
}

// SendHello 发起握手
func (p *Peer) SendHello() error {
	p.log.Infow("发送握手", "cookie", p.cookie)
	return p.sendReliable(headerHello, nil)
}

func (p *Peer) sendPing(now uint32) {
	var b [4]byte
	le.PutUint32(b[:], now)
	if err := p.sendReliable(headerPing, b[:]); err != nil {
		p.log.Debugw("发送 ping 失败", "err", err)
	}
}

func (p *Peer) sendPong(echo uint32) {
	var b [4]byte
	le.PutUint32(b[:], echo)
	if err := p.sendReliable(headerPong, b[:]); err != nil {
		p.log.Debugw("发送 pong 失败", "err", err)
	}
}

func (p *Peer) sendReliable(header byte, content []byte) error {
	if 1+len(content) > len(p.kcpSendBuf) {
		return fmt.Errorf("%w: %d bytes > reliable max %d", ErrMessageTooLarge, len(content), p.reliableMax)
	}
	buf := p.kcpSendBuf[:1+len(content)]
	buf[0] = header
	copy(buf[1:], content)
	if err := p.kcp.Send(buf); err != nil {
		return fmt.Errorf("kcp send: %w", err)
	}
	return nil
}

func (p *Peer) sendUnreliable(header byte, content []byte) error {
	if len(content) > p.unreliableMax {
		return fmt.Errorf("%w: %d bytes > unreliable max %d", ErrMessageTooLarge, len(content), p.unreliableMax)
	}
	buf := p.rawSendBuf
	buf[0] = byte(Unreliable)
	le.PutUint32(buf[1:], p.cookie)
	buf[5] = header
	n := copy(buf[channelHeaderSize+1:], content)
	p.rawSend(buf[:channelHeaderSize+1+n])
	return nil
}

// rawSendReliable 作为 KCP 的 output 回调
func (p *Peer) rawSendReliable(data []byte) {
	buf := p.rawSendBuf
	buf[0] = byte(Reliable)
	le.PutUint32(buf[1:], p.cookie)
	n := copy(buf[channelHeaderSize:], data)
	p.rawSend(buf[:channelHeaderSize+n])
}

func (p *Peer) rawSend(b []byte) {
	if err := p.hooks.rawSend(b); err != nil && p.sendErr == nil {
		p.sendErr = err
	}
}

// flushSendError socket 写失败只断开这一个连接
func (p *Peer) flushSendError() {
	err := p.sendErr
	if err == nil {
		return
	}
	p.sendErr = nil
	if p.state != StateDisconnected {
		p.hooks.onError(ErrorConnectionClosed, fmt.Errorf("socket write: %w", err))
		p.Disconnect()
	}
	p.sendErr = nil
}

// Disconnect 尽力发送断开通知，然后进入终态；回调只触发一次
func (p *Peer) Disconnect() {
	if p.state == StateDisconnected {
		return
	}
	for i := 0; i < disconnectNotices; i++ {
		_ = p.sendUnreliable(unreliableDisconnect, nil)
	}
	p.sendErr = nil
	p.log.Infow("连接断开")
	p.state = StateDisconnected
	p.hooks.onDisconnected()
}
