package server

import (
	"net"
	"testing"
	"time"

	"movesync/protocol"
	"movesync/transport"
)

// botHandler 记录客户端收到的移动协议消息
type botHandler struct {
	connected bool
	acks      []protocol.PlayerJoinAck
	snapshots []protocol.WorldSnapshot
	leaves    []protocol.PlayerLeave
}

func (b *botHandler) OnConnected()    { b.connected = true }
func (b *botHandler) OnDisconnected() { b.connected = false }
func (b *botHandler) OnError(code transport.ErrorCode, err error) {}
func (b *botHandler) OnData(data []byte, ch transport.Channel) {
	msg, err := protocol.Decode(data)
	if err != nil {
		return
	}
	switch m := msg.(type) {
	case protocol.PlayerJoinAck:
		b.acks = append(b.acks, m)
	case protocol.WorldSnapshot:
		b.snapshots = append(b.snapshots, m)
	case protocol.PlayerLeave:
		b.leaves = append(b.leaves, m)
	}
}

type bot struct {
	cli *transport.Client
	h   *botHandler
}

func (b *bot) send(t *testing.T, m protocol.Message, ch transport.Channel) {
	t.Helper()
	buf, err := protocol.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal returned error: %v", err)
	}
	if err := b.cli.Send(buf, ch); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Port = 0
	cfg.Transport.RecvBufferSize, cfg.Transport.SendBufferSize = 0, 0
	return cfg
}

// newNetworkRoom 只启动传输层，Tick 由测试手动驱动
func newNetworkRoom(t *testing.T) *Room {
	t.Helper()
	r := NewRoom(testConfig(), nil)
	if err := r.transport.Start(0); err != nil {
		t.Fatalf("transport Start returned error: %v", err)
	}
	t.Cleanup(func() { _ = r.transport.Stop() })
	r.lastSnapshot = time.Now()
	return r
}

func connectBot(t *testing.T, r *Room) *bot {
	t.Helper()
	b := &bot{h: &botHandler{}}
	b.cli = transport.NewClient(testConfig().Transport, b.h, nil)
	port := r.LocalAddr().(*net.UDPAddr).Port
	if err := b.cli.Connect("127.0.0.1", port); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	t.Cleanup(b.cli.Disconnect)
	return b
}

func driveUntil(t *testing.T, r *Room, bots []*bot, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		for _, b := range bots {
			b.cli.Tick()
		}
		r.tick(time.Now())
		time.Sleep(2 * time.Millisecond)
	}
}

func TestRoom_JoinInputEndToEnd(t *testing.T) {
	r := newNetworkRoom(t)
	if err := r.SetSnapshotRate(1); err != nil {
		t.Fatalf("SetSnapshotRate returned error: %v", err)
	}
	b := connectBot(t, r)
	bots := []*bot{b}

	driveUntil(t, r, bots, func() bool { return b.cli.Connected() })
	b.send(t, protocol.PlayerJoin{PlayerID: 1}, transport.Reliable)
	driveUntil(t, r, bots, func() bool { return len(b.h.acks) == 1 })

	if ack := b.h.acks[0]; ack.PlayerID != 1 || ack.ServerTick > r.ServerTick() {
		t.Fatalf("unexpected ack %+v (server tick %d)", ack, r.ServerTick())
	}
	p, ok := r.GetPlayerState(1)
	if !ok || p.Position != (protocol.Vec3{}) || !p.IsGrounded || p.Rotation != protocol.IdentityQuat {
		t.Fatalf("expected player at origin, got %+v ok=%v", p, ok)
	}

	b.send(t, protocol.MovementInput{
		PlayerID:      1,
		InputSequence: 1,
		Direction:     protocol.Vec3{Z: 1},
		MoveSpeed:     5,
	}, transport.Unreliable)
	driveUntil(t, r, bots, func() bool {
		p, _ := r.GetPlayerState(1)
		return p.HasInput
	})

	dt := float32(r.cfg.TickInterval.Seconds())
	p, _ = r.GetPlayerState(1)
	if p.Position.Z <= 0 || p.Position.Z > 5*dt+1e-6 {
		t.Fatalf("expected 0 < z <= %v after one tick, got %v", 5*dt, p.Position.Z)
	}
	if p.LastInputSequence != 1 {
		t.Fatalf("expected last input sequence 1, got %d", p.LastInputSequence)
	}
}

func TestRoom_DisconnectBroadcastsLeave(t *testing.T) {
	r := newNetworkRoom(t)
	a, b := connectBot(t, r), connectBot(t, r)
	bots := []*bot{a, b}

	driveUntil(t, r, bots, func() bool { return a.cli.Connected() && b.cli.Connected() })
	a.send(t, protocol.PlayerJoin{PlayerID: 1}, transport.Reliable)
	b.send(t, protocol.PlayerJoin{PlayerID: 2}, transport.Reliable)
	driveUntil(t, r, bots, func() bool { return len(a.h.acks) == 1 && len(b.h.acks) == 1 })

	// 快照发给所有已加入的玩家
	driveUntil(t, r, bots, func() bool { return len(a.h.snapshots) > 0 && len(b.h.snapshots) > 0 })
	if n := len(a.h.snapshots[len(a.h.snapshots)-1].Players); n != 2 {
		t.Fatalf("expected 2 players in snapshot, got %d", n)
	}

	a.cli.Disconnect()
	driveUntil(t, r, []*bot{b}, func() bool { return len(b.h.leaves) == 1 })
	if b.h.leaves[0].PlayerID != 1 {
		t.Fatalf("expected leave for player 1, got %+v", b.h.leaves[0])
	}
	if _, ok := r.GetPlayerState(1); ok {
		t.Fatalf("expected player 1 to be removed")
	}
	if len(r.GetAllPlayerStates()) != 1 {
		t.Fatalf("expected one remaining player")
	}
}

func TestRoom_SpeedClamp(t *testing.T) {
	r := NewRoom(testConfig(), nil)
	r.players.Bind(1, 1, 0)
	r.players.Bind(2, 2, 0)
	r.handleInput(1, protocol.MovementInput{PlayerID: 1, InputSequence: 1, Direction: protocol.Vec3{Z: 1}, MoveSpeed: 1000})
	r.handleInput(2, protocol.MovementInput{PlayerID: 2, InputSequence: 1, Direction: protocol.Vec3{Z: 1}, MoveSpeed: 10})

	r.updatePhysics(0.01)

	cheat, _ := r.GetPlayerState(1)
	honest, _ := r.GetPlayerState(2)
	if cheat.Position != honest.Position {
		t.Fatalf("expected clamped player to move like max speed, got %+v vs %+v", cheat.Position, honest.Position)
	}
}

func TestRoom_DirectionClamp(t *testing.T) {
	r := NewRoom(testConfig(), nil)
	r.players.Bind(1, 1, 0)
	r.handleInput(1, protocol.MovementInput{PlayerID: 1, InputSequence: 1, Direction: protocol.Vec3{X: 100}, MoveSpeed: 1000})

	const dt = 0.01
	r.updatePhysics(dt)

	p, _ := r.GetPlayerState(1)
	if limit := r.MaxMoveSpeed()*dt + 1e-6; p.Position.X > limit {
		t.Fatalf("expected at most %v in one tick, moved %v", limit, p.Position.X)
	}
}

func TestRoom_PhysicsHoldsLastInput(t *testing.T) {
	r := NewRoom(testConfig(), nil)
	r.players.Bind(1, 1, 0)
	r.players.Bind(2, 2, 0)
	r.handleInput(1, protocol.MovementInput{PlayerID: 1, InputSequence: 1, Direction: protocol.Vec3{X: 1}, MoveSpeed: 2})

	for i := 0; i < 10; i++ {
		r.updatePhysics(0.1)
	}
	p, _ := r.GetPlayerState(1)
	if d := p.Position.X - 2; d > 1e-4 || d < -1e-4 {
		t.Fatalf("expected stale input to keep integrating to x=2, got %v", p.Position.X)
	}
	idle, _ := r.GetPlayerState(2)
	if idle.Position != (protocol.Vec3{}) {
		t.Fatalf("expected player without input to stay put, got %+v", idle.Position)
	}
}

func TestRoom_InputMismatchRejected(t *testing.T) {
	r := NewRoom(testConfig(), nil)
	r.players.Bind(1, 1, 0)
	r.handleInput(1, protocol.MovementInput{PlayerID: 99, InputSequence: 1, MoveSpeed: 5})
	r.handleInput(5, protocol.MovementInput{PlayerID: 5, InputSequence: 1})
	if r.metrics.PlayerMismatch != 1 || r.metrics.InputsBeforeJoin != 1 {
		t.Fatalf("expected mismatch and before-join counters, got %+v", r.metrics.Snapshot())
	}
}

type recordingObserver struct {
	joined    []int32
	left      []int32
	snapshots []protocol.WorldSnapshot
	panicOn   bool
}

func (o *recordingObserver) OnPlayerJoined(p PlayerState) { o.joined = append(o.joined, p.PlayerID) }
func (o *recordingObserver) OnPlayerLeft(id int32)        { o.left = append(o.left, id) }
func (o *recordingObserver) OnWorldSnapshot(s protocol.WorldSnapshot) {
	if o.panicOn {
		panic("observer failure")
	}
	o.snapshots = append(o.snapshots, s)
}

func TestRoom_ObserversAndSnapshot(t *testing.T) {
	r := NewRoom(testConfig(), nil)
	obs := &recordingObserver{}
	r.AddObserver(obs)

	r.handleJoin(10, protocol.PlayerJoin{PlayerID: 1})
	r.handleJoin(20, protocol.PlayerJoin{PlayerID: 2})
	r.serverTick.Store(7)
	r.broadcastSnapshot()

	if len(obs.joined) != 2 || len(obs.snapshots) != 1 {
		t.Fatalf("expected 2 joins and 1 snapshot, got %+v", obs)
	}
	s := obs.snapshots[0]
	if s.ServerTick != 7 || len(s.Players) != 2 || s.Players[0].PlayerID != 1 {
		t.Fatalf("unexpected snapshot %+v", s)
	}

	r.OnDisconnected(10)
	if len(obs.left) != 1 || obs.left[0] != 1 {
		t.Fatalf("expected leave for player 1, got %v", obs.left)
	}
	r.OnDisconnected(10)
	if len(obs.left) != 1 {
		t.Fatalf("expected unknown connection disconnect to be ignored")
	}

	// 客户端主动离开，ID 不符时忽略
	r.handleLeave(20, protocol.PlayerLeave{PlayerID: 3})
	if _, ok := r.GetPlayerState(2); !ok {
		t.Fatalf("expected mismatched leave to be ignored")
	}
	r.handleLeave(20, protocol.PlayerLeave{PlayerID: 2})
	if _, ok := r.GetPlayerState(2); ok {
		t.Fatalf("expected player 2 to leave")
	}
}

func TestRoom_OversizedSnapshotRejected(t *testing.T) {
	cfg := testConfig()
	cfg.SendBufferSize = protocol.WorldSnapshotHeaderSize + protocol.PlayerSnapshotSize
	r := NewRoom(cfg, nil)
	obs := &recordingObserver{}
	r.AddObserver(obs)
	r.players.Bind(1, 1, 0)
	r.broadcastSnapshot()
	if len(obs.snapshots) != 1 {
		t.Fatalf("expected one-player snapshot to fit")
	}
	r.players.Bind(2, 2, 0)
	r.broadcastSnapshot()
	if r.metrics.SnapshotsOversized != 1 || len(obs.snapshots) != 1 {
		t.Fatalf("expected oversized snapshot to be rejected, metrics=%+v", r.metrics.Snapshot())
	}
}

func TestRoom_SnapshotLimitFollowsMTU(t *testing.T) {
	cfg := testConfig()
	cfg.Transport.MTU = 500
	if got, want := cfg.SnapshotLimit(), cfg.Transport.UnreliableMax(); got != want {
		t.Fatalf("expected limit %d from mtu, got %d", want, got)
	}
	r := NewRoom(cfg, nil)
	obs := &recordingObserver{}
	r.AddObserver(obs)
	for i := int32(1); i <= 12; i++ {
		r.players.Bind(uint32(i), i, 0)
	}
	r.broadcastSnapshot()
	if r.metrics.SnapshotsOversized != 1 || len(obs.snapshots) != 0 {
		t.Fatalf("expected snapshot beyond one datagram to be rejected, metrics=%+v", r.metrics.Snapshot())
	}
}

func TestRoom_TickRecoversPanic(t *testing.T) {
	r := NewRoom(testConfig(), nil)
	r.AddObserver(&recordingObserver{panicOn: true})
	r.players.Bind(1, 1, 0)

	r.tick(time.Now())
	r.tick(time.Now())
	if r.metrics.RecoveredPanics != 1 {
		t.Fatalf("expected one recovered panic, got %d", r.metrics.RecoveredPanics)
	}
	if r.ServerTick() != 1 {
		t.Fatalf("expected only the first tick to reach the snapshot interval, got %d", r.ServerTick())
	}
}

func TestRoom_StartStop(t *testing.T) {
	r := NewRoom(testConfig(), nil)
	r.players.Bind(1, 1, 0)
	if err := r.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if r.metrics.TickCount == 0 {
		t.Fatalf("expected the loop to tick at least once")
	}
	if _, ok := r.GetPlayerState(1); ok || len(r.GetAllPlayerStates()) != 0 {
		t.Fatalf("expected players to be cleared on Stop")
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("expected second Stop to be a no-op, got %v", err)
	}
}

func TestRoom_HotConfig(t *testing.T) {
	r := NewRoom(testConfig(), nil)
	if err := r.SetSnapshotRate(0); err == nil {
		t.Fatalf("expected zero snapshot rate to be rejected")
	}
	if err := r.SetSnapshotRate(1000); err == nil {
		t.Fatalf("expected snapshot rate above tick rate to be rejected")
	}
	if err := r.SetMaxMoveSpeed(-1); err == nil {
		t.Fatalf("expected negative speed to be rejected")
	}
	if err := r.SetMaxMoveSpeed(3); err != nil || r.MaxMoveSpeed() != 3 {
		t.Fatalf("expected max speed 3, got %v err=%v", r.MaxMoveSpeed(), err)
	}
}
