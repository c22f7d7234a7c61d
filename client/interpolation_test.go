package client

import (
	"math"
	"testing"

	"movesync/protocol"
)

func near(a, b protocol.Vec3) bool {
	const eps = 1e-4
	return math.Abs(float64(a.X-b.X)) < eps && math.Abs(float64(a.Y-b.Y)) < eps && math.Abs(float64(a.Z-b.Z)) < eps
}

// 延迟设为 0，Update 的参数即渲染时间
func TestInterpolator_Midpoint(t *testing.T) {
	ip := NewInterpolator(0, 30)
	ip.AddSnapshot(Snapshot{Timestamp: 0, Rotation: protocol.IdentityQuat, Grounded: true})
	ip.AddSnapshot(Snapshot{Timestamp: 1, Position: protocol.Vec3{X: 10}, Rotation: protocol.YawRotation(math.Pi / 2)})

	p := ip.Update(0.5)
	if !near(p.Position, protocol.Vec3{X: 5}) {
		t.Fatalf("expected (5,0,0), got %+v", p.Position)
	}
	want := protocol.YawRotation(math.Pi / 4)
	if math.Abs(float64(p.Rotation.Y-want.Y)) > 1e-4 || math.Abs(float64(p.Rotation.W-want.W)) > 1e-4 {
		t.Fatalf("expected slerp to half angle %+v, got %+v", want, p.Rotation)
	}
	if p.Grounded {
		t.Fatalf("expected grounded to follow the later snapshot at t=0.5")
	}
	if p = ip.Update(0.4); !p.Grounded {
		t.Fatalf("expected grounded to follow the earlier snapshot below t=0.5")
	}
	if ip.Current() != p {
		t.Fatalf("expected Current to return the last Update result")
	}
}

func TestInterpolator_Extrapolation(t *testing.T) {
	ip := NewInterpolator(0, 30)
	ip.AddSnapshot(Snapshot{Timestamp: 0, Velocity: protocol.Vec3{X: 1}, Rotation: protocol.IdentityQuat})

	if p := ip.Update(0.1); !near(p.Position, protocol.Vec3{X: 0.1}) {
		t.Fatalf("expected (0.1,0,0), got %+v", p.Position)
	}
	if p := ip.Update(5.0); p.Position != (protocol.Vec3{}) {
		t.Fatalf("expected latest position beyond the horizon, got %+v", p.Position)
	}
}

func TestInterpolator_Delay(t *testing.T) {
	ip := NewInterpolator(0.1, 30)
	ip.AddSnapshot(Snapshot{Timestamp: 1, Rotation: protocol.IdentityQuat})
	ip.AddSnapshot(Snapshot{Timestamp: 2, Position: protocol.Vec3{Z: 4}, Rotation: protocol.IdentityQuat})

	if p := ip.Update(1.6); !near(p.Position, protocol.Vec3{Z: 2}) {
		t.Fatalf("expected render time 1.5 to yield z=2, got %+v", p.Position)
	}
}

func TestInterpolator_Edges(t *testing.T) {
	ip := NewInterpolator(0, 30)
	if p := ip.Update(1); p.Rotation != protocol.IdentityQuat || p.Position != (protocol.Vec3{}) {
		t.Fatalf("expected empty buffer to return the default pose, got %+v", p)
	}

	only := Snapshot{Timestamp: 3, Position: protocol.Vec3{Y: 1}, Velocity: protocol.Vec3{X: 9}, Rotation: protocol.IdentityQuat}
	ip.AddSnapshot(only)
	if p := ip.Update(2); p != only.pose() {
		t.Fatalf("expected single snapshot verbatim, got %+v", p)
	}

	ip.AddSnapshot(Snapshot{Timestamp: 4, Position: protocol.Vec3{Y: 3}, Rotation: protocol.IdentityQuat})
	if p := ip.Update(-10); p != only.pose() {
		t.Fatalf("expected clamp to earliest snapshot, got %+v", p)
	}

	ip.Clear()
	if ip.Len() != 0 {
		t.Fatalf("expected empty buffer after Clear")
	}
}

func TestInterpolator_EqualTimestamps(t *testing.T) {
	ip := NewInterpolator(0, 30)
	ip.AddSnapshot(Snapshot{Timestamp: 1, Position: protocol.Vec3{X: 1}, Rotation: protocol.IdentityQuat})
	ip.AddSnapshot(Snapshot{Timestamp: 1, Position: protocol.Vec3{X: 2}, Rotation: protocol.IdentityQuat})
	ip.AddSnapshot(Snapshot{Timestamp: 2, Position: protocol.Vec3{X: 3}, Rotation: protocol.IdentityQuat})

	if p := ip.Update(1); !near(p.Position, protocol.Vec3{X: 1}) {
		t.Fatalf("expected earliest snapshot at its own timestamp, got %+v", p.Position)
	}
	if p := ip.Update(1.5); !near(p.Position, protocol.Vec3{X: 2.5}) {
		t.Fatalf("expected (2.5,0,0), got %+v", p.Position)
	}
}

func TestInterpolator_Eviction(t *testing.T) {
	ip := NewInterpolator(0, 3)
	for i := 0; i < 5; i++ {
		ip.AddSnapshot(Snapshot{Timestamp: float64(i), Position: protocol.Vec3{X: float32(i)}, Rotation: protocol.IdentityQuat})
	}
	if ip.Len() != 3 {
		t.Fatalf("expected buffer capped at 3, got %d", ip.Len())
	}
	// 最早的两条已被淘汰，早于缓冲区的时间夹到 t=2
	if p := ip.Update(0); p.Position.X != 2 {
		t.Fatalf("expected oldest remaining snapshot x=2, got %+v", p.Position)
	}
}
