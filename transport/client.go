package transport

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// ClientHandler 客户端事件回调，全部在调用 Tick 的 goroutine 上触发
type ClientHandler interface {
	OnConnected()
	OnData(data []byte, ch Channel) // data 只在回调期间有效
	OnDisconnected()
	OnError(code ErrorCode, err error)
}

// Client 单连接 UDP 客户端，由宿主循环调用 Tick 驱动，Tick 不阻塞
type Client struct {
	cfg     Config
	handler ClientHandler
	log     *zap.SugaredLogger
	clock   func() time.Time

	conn       *net.UDPConn
	peer       *Peer
	packets    chan []byte
	errs       chan error
	readerDone chan struct{}
}

func NewClient(cfg Config, h ClientHandler, log *zap.SugaredLogger) *Client {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Client{
		cfg:     cfg,
		handler: h,
		log:     log.Named("transport"),
		clock:   time.Now,
	}
}

// Connect 解析地址、建立 UDP socket 并发起握手；握手结果通过回调通知
func (c *Client) Connect(host string, port int) error {
	if c.conn != nil {
		return ErrAlreadyStarted
	}
	if err := c.cfg.Validate(); err != nil {
		return err
	}
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		err = fmt.Errorf("resolve %s: %w", host, err)
		c.handler.OnError(ErrorDNSResolve, err)
		return err
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		err = fmt.Errorf("dial %s: %w", addr, err)
		c.handler.OnError(ErrorConnectionClosed, err)
		return err
	}
	configureSocketBuffers(conn, c.cfg, c.log)

	hooks := peerHooks{
		onAuthenticated: func() {
			c.log.Infow("已连接", "server", addr.String())
			c.handler.OnConnected()
		},
		onData: c.handler.OnData,
		onDisconnected: func() {
			c.log.Infow("已断开", "server", addr.String())
			c.handler.OnDisconnected()
		},
		onError: c.handler.OnError,
		rawSend: func(b []byte) error {
			_, err := conn.Write(b)
			return err
		},
	}
	c.conn = conn
	c.peer = newPeer(c.cfg, 0, true, hooks, c.log, c.clock)
	c.packets = make(chan []byte, c.cfg.ReceiveQueueSize)
	c.errs = make(chan error, 16)
	c.readerDone = make(chan struct{})
	go c.readLoop(conn, c.packets, c.errs, c.readerDone)

	c.log.Infow("开始连接", "server", addr.String())
	return c.peer.SendHello()
}

func (c *Client) readLoop(conn *net.UDPConn, packets chan<- []byte, errs chan<- error, done chan<- struct{}) {
	defer close(done)
	buf := make([]byte, c.cfg.MTU)
	for {
		n, err := conn.Read(buf)
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
		select {
		case packets <- append([]byte(nil), buf[:n]...):
		default:
		}
	}
}

func (c *Client) Tick() {
	c.TickIncoming()
	c.TickOutgoing()
}

func (c *Client) TickIncoming() {
	if c.conn == nil {
		return
	}
drain:
	for {
		select {
		case err := <-c.errs:
			// 已连接 UDP 的读错误多为对端端口不可达
			c.handler.OnError(ErrorConnectionClosed, fmt.Errorf("read udp: %w", err))
			c.peer.Disconnect()
		case b := <-c.packets:
			c.peer.RawInput(b)
		default:
			break drain
		}
	}
	c.peer.TickIncoming()
	c.closeIfDisconnected()
}

func (c *Client) TickOutgoing() {
	if c.conn == nil {
		return
	}
	c.peer.TickOutgoing()
	c.closeIfDisconnected()
}

func (c *Client) closeIfDisconnected() {
	if c.conn == nil || c.peer.State() != StateDisconnected {
		return
	}
	_ = c.conn.Close()
	<-c.readerDone
	c.conn = nil
}

// Send 连接必须已完成握手
func (c *Client) Send(data []byte, ch Channel) error {
	if c.peer == nil {
		return ErrNotConnected
	}
	return c.peer.Send(data, ch)
}

// Disconnect 发送断开通知并关闭 socket
func (c *Client) Disconnect() {
	if c.peer == nil {
		return
	}
	c.peer.Disconnect()
	c.closeIfDisconnected()
}

// Connected 握手是否完成
func (c *Client) Connected() bool {
	return c.peer != nil && c.peer.State() == StateAuthenticated
}

func (c *Client) RTT() time.Duration {
	if c.peer == nil {
		return 0
	}
	return c.peer.RTT()
}

// PeerStats 调试信息，只能在 Tick 所在 goroutine 调用
func (c *Client) PeerStats() (PeerStats, bool) {
	if c.peer == nil {
		return PeerStats{}, false
	}
	return c.peer.Stats(), true
}
