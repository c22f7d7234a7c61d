package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ServerHandler 服务端事件回调，全部在调用 Tick 的 goroutine 上触发
type ServerHandler interface {
	OnConnected(id uint32)
	OnData(id uint32, data []byte, ch Channel) // data 只在回调期间有效
	OnDisconnected(id uint32)
	OnError(id uint32, code ErrorCode, err error)
}

type datagram struct {
	addr *net.UDPAddr
	data []byte
}

type serverConn struct {
	id         uint32
	addr       *net.UDPAddr
	peer       *Peer
	registered bool
}

// ServerStats 计数器，可以在任意 goroutine 读取
type ServerStats struct {
	Connections    int    `json:"connections"`
	DatagramsIn    uint64 `json:"datagrams_in"`
	DatagramsOut   uint64 `json:"datagrams_out"`
	BytesIn        uint64 `json:"bytes_in"`
	BytesOut       uint64 `json:"bytes_out"`
	QueueDrops     uint64 `json:"queue_drops"`
	MaxSendRate    uint64 `json:"max_send_rate"`
	MaxReceiveRate uint64 `json:"max_receive_rate"`
}

// Server 多连接 UDP 服务端。
// 读 goroutine 只负责把数据报放进有界队列，其余处理都在 Tick 里完成。
type Server struct {
	cfg     Config
	handler ServerHandler
	log     *zap.SugaredLogger
	clock   func() time.Time

	conn       *net.UDPConn
	packets    chan datagram
	errs       chan error
	readerDone chan struct{}

	mu    sync.RWMutex // 保护 conns；写入只发生在 Tick goroutine
	conns map[uint32]*serverConn

	scratch  []*serverConn
	removals []*serverConn

	datagramsIn  atomic.Uint64
	datagramsOut atomic.Uint64
	bytesIn      atomic.Uint64
	bytesOut     atomic.Uint64
	queueDrops   atomic.Uint64
}

func NewServer(cfg Config, h ServerHandler, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Server{
		cfg:     cfg,
		handler: h,
		log:     log.Named("transport"),
		clock:   time.Now,
		conns:   make(map[uint32]*serverConn),
	}
}

// Start 绑定 UDP 端口（0 表示随机端口）并启动读 goroutine
func (s *Server) Start(port int) error {
	if s.conn != nil {
		return ErrAlreadyStarted
	}
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return fmt.Errorf("listen udp :%d: %w", port, err)
	}
	configureSocketBuffers(conn, s.cfg, s.log)

	s.conn = conn
	s.packets = make(chan datagram, s.cfg.ReceiveQueueSize)
	s.errs = make(chan error, 16)
	s.readerDone = make(chan struct{})
	go s.readLoop(conn, s.packets, s.errs, s.readerDone)

	s.log.Infow("服务端已启动", "addr", conn.LocalAddr().String(),
		"mtu", s.cfg.MTU, "max_send_rate", s.cfg.MaxSendRate(), "max_receive_rate", s.cfg.MaxReceiveRate())
	return nil
}

func (s *Server) readLoop(conn *net.UDPConn, packets chan<- datagram, errs chan<- error, done chan<- struct{}) {
	defer close(done)
	buf := make([]byte, s.cfg.MTU)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case errs <- err:
			default:
			}
			continue
		}
		d := datagram{addr: addr, data: append([]byte(nil), buf[:n]...)}
		select {
		case packets <- d:
		default:
			// 队列满：丢弃，KCP 会重传
			s.queueDrops.Add(1)
		}
	}
}

// LocalAddr 监听地址，未启动时为 nil
func (s *Server) LocalAddr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Tick 先处理收到的数据，再把待发数据刷出去
func (s *Server) Tick() {
	s.TickIncoming()
	s.TickOutgoing()
}

// TickIncoming 非阻塞地处理队列中所有数据报，然后驱动每个连接
func (s *Server) TickIncoming() {
	if s.conn == nil {
		return
	}
drain:
	for {
		select {
		case err := <-s.errs:
			s.handler.OnError(0, ErrorUnexpected, fmt.Errorf("read udp: %w", err))
		case d := <-s.packets:
			s.processDatagram(d)
		default:
			break drain
		}
	}

	for _, c := range s.snapshot() {
		c.peer.TickIncoming()
	}
	s.applyRemovals()
}

// TickOutgoing 刷出所有连接的 KCP 数据
func (s *Server) TickOutgoing() {
	if s.conn == nil {
		return
	}
	for _, c := range s.snapshot() {
		c.peer.TickOutgoing()
	}
	s.applyRemovals()
}

func (s *Server) processDatagram(d datagram) {
	s.datagramsIn.Add(1)
	s.bytesIn.Add(uint64(len(d.data)))

	id := ConnID(d.addr)
	if c, ok := s.conns[id]; ok {
		c.peer.RawInput(d.data)
		return
	}
	// 未知来源：先建一个待定连接，握手成功后才登记
	c := s.newConn(id, d.addr)
	c.peer.RawInput(d.data)
	c.peer.TickIncoming()
}

func (s *Server) newConn(id uint32, addr *net.UDPAddr) *serverConn {
	c := &serverConn{id: id, addr: addr}
	conn := s.conn
	hooks := peerHooks{
		onAuthenticated: func() {
			// 立即回 hello，客户端据此拿到 cookie
			if err := c.peer.SendHello(); err != nil {
				s.log.Errorw("回复握手失败", "conn", id, "err", err)
			}
			s.mu.Lock()
			s.conns[id] = c
			s.mu.Unlock()
			c.registered = true
			s.log.Infow("新连接", "conn", id, "addr", addr.String())
			s.handler.OnConnected(id)
		},
		onData: func(data []byte, ch Channel) {
			s.handler.OnData(id, data, ch)
		},
		onDisconnected: func() {
			s.removals = append(s.removals, c)
			if c.registered {
				s.log.Infow("连接断开", "conn", id)
				s.handler.OnDisconnected(id)
			}
		},
		onError: func(code ErrorCode, err error) {
			s.handler.OnError(id, code, err)
		},
		rawSend: func(b []byte) error {
			n, err := conn.WriteToUDP(b, addr)
			if err == nil {
				s.datagramsOut.Add(1)
				s.bytesOut.Add(uint64(n))
			}
			return err
		},
	}
	c.peer = newPeer(s.cfg, newCookie(), false, hooks, s.log.With("conn", id), s.clock)
	return c
}

// snapshot 遍历用的连接快照，回调里增删连接不影响本轮遍历
func (s *Server) snapshot() []*serverConn {
	s.scratch = s.scratch[:0]
	for _, c := range s.conns {
		s.scratch = append(s.scratch, c)
	}
	return s.scratch
}

func (s *Server) applyRemovals() {
	if len(s.removals) == 0 {
		return
	}
	s.mu.Lock()
	for _, c := range s.removals {
		if s.conns[c.id] == c {
			delete(s.conns, c.id)
		}
	}
	s.mu.Unlock()
	s.removals = s.removals[:0]
}

// Send 向已握手的连接发送
func (s *Server) Send(id uint32, data []byte, ch Channel) error {
	c, ok := s.conns[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownConnection, id)
	}
	return c.peer.Send(data, ch)
}

// Disconnect 主动断开；连接在本轮 Tick 结束时移除
func (s *Server) Disconnect(id uint32) {
	if c, ok := s.conns[id]; ok {
		c.peer.Disconnect()
	}
}

// ConnectionCount 已握手的连接数，可并发调用
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// RemoteAddr 连接的远端地址，可并发调用
func (s *Server) RemoteAddr(id uint32) (net.Addr, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[id]
	if !ok {
		return nil, false
	}
	return c.addr, true
}

// Stats 可并发调用
func (s *Server) Stats() ServerStats {
	return ServerStats{
		Connections:    s.ConnectionCount(),
		DatagramsIn:    s.datagramsIn.Load(),
		DatagramsOut:   s.datagramsOut.Load(),
		BytesIn:        s.bytesIn.Load(),
		BytesOut:       s.bytesOut.Load(),
		QueueDrops:     s.queueDrops.Load(),
		MaxSendRate:    s.cfg.MaxSendRate(),
		MaxReceiveRate: s.cfg.MaxReceiveRate(),
	}
}

// Stop 清空连接、关闭 socket 并等待读 goroutine 退出
func (s *Server) Stop() error {
	if s.conn == nil {
		return nil
	}
	s.mu.Lock()
	s.conns = make(map[uint32]*serverConn)
	s.mu.Unlock()
	s.removals = s.removals[:0]

	err := s.conn.Close()
	<-s.readerDone
	s.conn = nil
	s.log.Infow("服务端已停止")
	return err
}

// configureSocketBuffers 设置失败只记录，不影响启动
func configureSocketBuffers(conn *net.UDPConn, cfg Config, log *zap.SugaredLogger) {
	if cfg.RecvBufferSize > 0 {
		if err := conn.SetReadBuffer(cfg.RecvBufferSize); err != nil {
			log.Warnw("设置接收缓冲区失败", "size", cfg.RecvBufferSize, "err", err)
		} else {
			log.Debugw("接收缓冲区已设置", "size", cfg.RecvBufferSize)
		}
	}
	if cfg.SendBufferSize > 0 {
		if err := conn.SetWriteBuffer(cfg.SendBufferSize); err != nil {
			log.Warnw("设置发送缓冲区失败", "size", cfg.SendBufferSize, "err", err)
		} else {
			log.Debugw("发送缓冲区已设置", "size", cfg.SendBufferSize)
		}
	}
}
