package client

import (
	"movesync/physics"
	"movesync/protocol"
)

// Predictor 本地玩家预测：输入立即作用于本地状态，不等服务端确认。
// 权威位置偏差超过阈值才校正，小偏差视为正常延迟，避免画面抖动。
type Predictor struct {
	body        physics.Body
	maxSpeed    float32
	threshold   float32
	corrections int
}

func NewPredictor(maxSpeed, threshold float32) *Predictor {
	return &Predictor{
		body:      physics.Body{Rotation: protocol.IdentityQuat, Grounded: true},
		maxSpeed:  maxSpeed,
		threshold: threshold,
	}
}

// Apply 用与服务端相同的运动模型推进 dt 秒
func (p *Predictor) Apply(dir protocol.Vec3, speed float32, jump bool, yaw float32, dt float32) physics.Body {
	physics.Step(&p.body, protocol.MovementInput{
		Direction: dir,
		MoveSpeed: speed,
		IsJumping: jump,
		YawAngle:  yaw,
	}, p.maxSpeed, dt)
	return p.body
}

// Reconcile 偏差超过阈值时直接对齐到权威状态，返回是否发生校正
func (p *Predictor) Reconcile(auth protocol.PlayerSnapshot) bool {
	if protocol.Distance(p.body.Position, auth.Position) <= p.threshold {
		return false
	}
	p.body = physics.Body{
		Position: auth.Position,
		Rotation: auth.Rotation,
		Velocity: auth.Velocity,
		Grounded: auth.IsGrounded,
	}
	p.corrections++
	return true
}

func (p *Predictor) Body() physics.Body { return p.body }

// Reset 重新加入时回到给定状态
func (p *Predictor) Reset(b physics.Body) { p.body = b }

func (p *Predictor) Corrections() int { return p.corrections }
