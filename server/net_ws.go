package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"movesync/protocol"
)

// ClientConn 负责发送（写）数据到观战端的轻量包装
type ClientConn struct {
	id        string
	ws        *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

func NewClientConn(ws *websocket.Conn) *ClientConn {
	return &ClientConn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, 64),
	}
}

// Enqueue 将要发送的消息压入队列（非阻塞，满则丢弃）
func (c *ClientConn) Enqueue(b []byte) bool {
	select {
	case c.send <- b:
		return true
	default:
		// 为了实时性，丢弃（防止阻塞 Tick）
		return false
	}
}

// Close 关闭发送队列，写协程随之退出并关闭连接；可重复调用
func (c *ClientConn) Close() {
	c.closeOnce.Do(func() { close(c.send) })
}

// writePump 独立协程，负责从 send 队列写出到 WS
func (c *ClientConn) writePump() {
	defer c.ws.Close()
	for msg := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// readPump 观战端只读，读循环只用来感知断开
func (c *ClientConn) readPump(onClose func()) {
	defer onClose()
	c.ws.SetReadLimit(1 << 10)
	_ = c.ws.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.ws.SetPongHandler(func(string) error { return c.ws.SetReadDeadline(time.Now().Add(60 * time.Second)) })
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(60 * time.Second))
	}
}

// spectatorFrame 推送给观战端的 JSON 文本消息
type spectatorFrame struct {
	Type      string        `json:"type"` // hello/snapshot/join/leave
	Session   string        `json:"session,omitempty"`
	Tick      uint32        `json:"tick,omitempty"`
	Timestamp int64         `json:"ts,omitempty"`
	Players   []PlayerState `json:"players,omitempty"`
	PlayerID  *int32        `json:"player,omitempty"`
}

// SpectatorHub 观战推送：作为 RoomObserver 接收世界快照，转成 JSON 发给所有观战连接
type SpectatorHub struct {
	log *zap.SugaredLogger

	mu      sync.RWMutex
	clients map[string]*ClientConn

	upgrader websocket.Upgrader
	dropped  atomic.Int64
}

func NewSpectatorHub(log *zap.SugaredLogger) *SpectatorHub {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &SpectatorHub{
		log:     log.Named("spectator"),
		clients: make(map[string]*ClientConn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// 演示环境：允许所有来源（生产环境需严格限制）
				return true
			},
		},
	}
}

// HandleWS WebSocket 接入：/ws
func (h *SpectatorHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("upgrade error", "err", err)
		return
	}
	c := NewClientConn(ws)
	hello, _ := json.Marshal(spectatorFrame{Type: "hello", Session: c.id})
	c.Enqueue(hello)

	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Infow("观战连接", "session", c.id, "remote", r.RemoteAddr, "spectators", n)

	go c.writePump()
	go c.readPump(func() { h.remove(c.id) })
}

func (h *SpectatorHub) remove(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
		c.Close()
	}
	h.mu.Unlock()
	if ok {
		h.log.Infow("观战断开", "session", id)
	}
}

// Len 当前观战连接数
func (h *SpectatorHub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped 因发送队列满被丢弃的消息数
func (h *SpectatorHub) Dropped() int64 { return h.dropped.Load() }

// Close 断开所有观战连接
func (h *SpectatorHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.Close()
		delete(h.clients, id)
	}
}

func (h *SpectatorHub) broadcast(f spectatorFrame) {
	b, err := json.Marshal(f)
	if err != nil {
		h.log.Errorw("编码观战消息失败", "err", err)
		return
	}
	// 持读锁投递，保证不会向已关闭的队列写入
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.Enqueue(b) {
			h.dropped.Add(1)
		}
	}
}

func (h *SpectatorHub) OnPlayerJoined(p PlayerState) {
	id := p.PlayerID
	h.broadcast(spectatorFrame{Type: "join", PlayerID: &id, Players: []PlayerState{p}})
}

func (h *SpectatorHub) OnPlayerLeft(playerID int32) {
	h.broadcast(spectatorFrame{Type: "leave", PlayerID: &playerID})
}

func (h *SpectatorHub) OnWorldSnapshot(s protocol.WorldSnapshot) {
	players := make([]PlayerState, len(s.Players))
	for i, p := range s.Players {
		players[i] = PlayerState{
			PlayerID:   p.PlayerID,
			Position:   p.Position,
			Rotation:   p.Rotation,
			Velocity:   p.Velocity,
			IsGrounded: p.IsGrounded,
		}
	}
	h.broadcast(spectatorFrame{Type: "snapshot", Tick: s.ServerTick, Timestamp: s.Timestamp, Players: players})
}
