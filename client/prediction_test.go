package client

import (
	"testing"

	"movesync/protocol"
)

func TestPredictor_MovesImmediately(t *testing.T) {
	p := NewPredictor(10, 2)
	b := p.Apply(protocol.Vec3{X: 1}, 5, false, 0, 0.1)
	if b.Position.X <= 0 {
		t.Fatalf("expected local movement without waiting for the server, got %+v", b.Position)
	}
	b = p.Apply(protocol.Vec3{X: 1}, 1000, false, 0, 0.1)
	if b.Position.X > 0.5+1.0+1e-4 {
		t.Fatalf("expected prediction to clamp speed like the server, got %v", b.Position.X)
	}
}

func TestPredictor_Reconcile(t *testing.T) {
	p := NewPredictor(10, 2)
	p.Apply(protocol.Vec3{X: 1}, 10, false, 0, 0.1) // x = 1

	if p.Reconcile(protocol.PlayerSnapshot{Position: protocol.Vec3{X: 2.5}, IsGrounded: true}) {
		t.Fatalf("expected small divergence to be tolerated")
	}
	if p.Body().Position.X != 1 {
		t.Fatalf("expected predicted position to be kept, got %+v", p.Body().Position)
	}

	auth := protocol.PlayerSnapshot{Position: protocol.Vec3{X: -3, Z: 1}, Rotation: protocol.IdentityQuat, IsGrounded: true}
	if !p.Reconcile(auth) {
		t.Fatalf("expected large divergence to be corrected")
	}
	if p.Body().Position != auth.Position || p.Corrections() != 1 {
		t.Fatalf("expected snap to authoritative position, got %+v corrections=%d", p.Body().Position, p.Corrections())
	}
}
