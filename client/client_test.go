package client

import (
	"errors"
	"net"
	"testing"
	"time"

	"movesync/protocol"
	"movesync/server"
	"movesync/transport"
)

type recorder struct {
	connected, disconnected int
	joins                   []int32
	snapshots               int
	left                    []int32
	errs                    []transport.ErrorCode
}

func (r *recorder) OnConnected()                              { r.connected++ }
func (r *recorder) OnDisconnected()                           { r.disconnected++ }
func (r *recorder) OnJoinConfirmed(id int32, tick uint32)     { r.joins = append(r.joins, id) }
func (r *recorder) OnWorldSnapshot(protocol.WorldSnapshot)    { r.snapshots++ }
func (r *recorder) OnPlayerLeft(id int32)                     { r.left = append(r.left, id) }
func (r *recorder) OnError(code transport.ErrorCode, _ error) { r.errs = append(r.errs, code) }

func deliver(t *testing.T, c *Client, m protocol.Message) {
	t.Helper()
	buf, err := protocol.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal returned error: %v", err)
	}
	(*transportHandler)(c).OnData(buf, transport.Unreliable)
}

func TestClient_MessageDispatch(t *testing.T) {
	c := NewClient(DefaultConfig(), nil)
	rec := &recorder{}
	c.AddObserver(rec)
	c.playerID = 1
	now := time.Unix(1000, 0)
	c.clock = func() time.Time { return now }
	c.start = now

	deliver(t, c, protocol.PlayerJoinAck{PlayerID: 9, ServerTick: 40})
	if c.Joined() || c.LastServerTick() != 0 || len(rec.joins) != 0 {
		t.Fatalf("expected ack for another player to be ignored")
	}

	deliver(t, c, protocol.PlayerJoinAck{PlayerID: 1, ServerTick: 42})
	if !c.Joined() || c.LastServerTick() != 42 || len(rec.joins) != 1 {
		t.Fatalf("expected join confirmed at tick 42, got joined=%v tick=%d", c.Joined(), c.LastServerTick())
	}

	deliver(t, c, protocol.WorldSnapshot{ServerTick: 43, Players: []protocol.PlayerSnapshot{
		{PlayerID: 1, Position: protocol.Vec3{X: 5}, Rotation: protocol.IdentityQuat, IsGrounded: true},
		{PlayerID: 2, Position: protocol.Vec3{Z: 1}, Rotation: protocol.IdentityQuat, IsGrounded: true},
		{PlayerID: 3, Rotation: protocol.IdentityQuat},
	}})

	local, ok := c.LatestLocalSnapshot()
	if !ok || local.Position.X != 5 {
		t.Fatalf("expected local snapshot to be tracked, got %+v ok=%v", local, ok)
	}
	// 预测位置在原点，相差 5 > 2，被校正
	if c.Corrections() != 1 || c.LocalBody().Position.X != 5 {
		t.Fatalf("expected local correction, got %+v", c.LocalBody())
	}
	ids := c.RemotePlayerIDs()
	if len(ids) != 2 || ids[0] != 2 || ids[1] != 3 {
		t.Fatalf("expected remote players [2 3], got %v", ids)
	}

	c.Tick()
	pose, ok := c.RemotePose(2)
	if !ok || pose.Position.Z != 1 {
		t.Fatalf("expected remote pose for player 2, got %+v ok=%v", pose, ok)
	}
	if _, ok := c.RemotePose(1); ok {
		t.Fatalf("expected local player to have no interpolator")
	}

	deliver(t, c, protocol.PlayerLeave{PlayerID: 2})
	if _, ok := c.RemotePose(2); ok || len(rec.left) != 1 || rec.left[0] != 2 {
		t.Fatalf("expected player 2 to be removed, left=%v", rec.left)
	}
	if rec.snapshots != 1 {
		t.Fatalf("expected one snapshot event, got %d", rec.snapshots)
	}

	(*transportHandler)(c).OnData([]byte{0xEE}, transport.Reliable)
	if c.LastServerTick() != 43 {
		t.Fatalf("expected malformed message to be ignored")
	}
	if c.DebugSummary() == "" {
		t.Fatalf("expected a debug summary")
	}
}

func TestClient_InputRateLimit(t *testing.T) {
	c := NewClient(DefaultConfig(), nil)
	now := time.Unix(1000, 0)
	c.clock = func() time.Time { return now }

	if _, err := c.SendMovementInput(protocol.Vec3{Z: 1}, 5, false, 0); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("expected ErrNotJoined, got %v", err)
	}

	// 未连接的传输层：Send 失败，但序列号和限流照常推进
	c.connected, c.joined = true, true
	c.transport = transport.NewClient(c.cfg.Transport, (*transportHandler)(c), nil)

	if _, err := c.SendMovementInput(protocol.Vec3{Z: 1}, 5, false, 0); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if sent, err := c.SendMovementInput(protocol.Vec3{Z: 1}, 5, false, 0); sent || err != nil {
		t.Fatalf("expected second input in the same instant to be rate limited, got sent=%v err=%v", sent, err)
	}
	if c.InputSequence() != 1 {
		t.Fatalf("expected sequence 1, got %d", c.InputSequence())
	}
	now = now.Add(40 * time.Millisecond)
	_, _ = c.SendMovementInput(protocol.Vec3{Z: 1}, 5, false, 0)
	if c.InputSequence() != 2 {
		t.Fatalf("expected sequence 2 after the send interval, got %d", c.InputSequence())
	}
}

func TestConfig_Validate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got %v", err)
	}
	cfg := DefaultConfig()
	cfg.InputRate = 0
	cfg.BufferSize = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected invalid config to fail")
	}
}

func TestClient_EndToEnd(t *testing.T) {
	scfg := server.DefaultConfig()
	scfg.Port = 0
	scfg.Transport.RecvBufferSize, scfg.Transport.SendBufferSize = 0, 0
	room := server.NewRoom(scfg, nil)
	if err := room.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	defer room.Stop()
	port := room.LocalAddr().(*net.UDPAddr).Port

	ccfg := DefaultConfig()
	ccfg.Transport = scfg.Transport
	a, b := NewClient(ccfg, nil), NewClient(ccfg, nil)
	recB := &recorder{}
	b.AddObserver(recB)
	if err := a.Connect("127.0.0.1", port, 1); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	if err := b.Connect("127.0.0.1", port, 2); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	defer b.Disconnect()

	drive := func(cond func() bool, step func()) {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for !cond() {
			if time.Now().After(deadline) {
				t.Fatalf("condition not met before deadline\n%s%s", a.DebugSummary(), b.DebugSummary())
			}
			if step != nil {
				step()
			}
			a.Tick()
			b.Tick()
			time.Sleep(5 * time.Millisecond)
		}
	}

	drive(func() bool { return a.Joined() && b.Joined() }, nil)
	if recB.connected != 1 || len(recB.joins) != 1 || recB.joins[0] != 2 {
		t.Fatalf("unexpected events %+v", recB)
	}

	walk := func() { _, _ = a.SendMovementInput(protocol.Vec3{X: 1}, 5, false, 0) }
	drive(func() bool {
		pose, ok := b.RemotePose(1)
		local, hasLocal := a.LatestLocalSnapshot()
		return ok && pose.Position.X > 0 && hasLocal && local.Position.X > 0
	}, walk)

	p, ok := room.GetPlayerState(1)
	if !ok || p.LastInputSequence == 0 || p.LastInputSequence > a.InputSequence() {
		t.Fatalf("unexpected server state %+v (client seq %d)", p, a.InputSequence())
	}

	a.Disconnect()
	if a.Connected() || a.Joined() {
		t.Fatalf("expected local state reset after Disconnect")
	}
	drive(func() bool { return len(recB.left) == 1 }, nil)
	if _, ok := b.RemotePose(1); ok {
		t.Fatalf("expected player 1 to be removed on the remote client")
	}
}
