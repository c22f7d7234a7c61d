// Package physics 服务端权威模拟与客户端预测共用的极简运动模型。
package physics

import (
	"math"

	"movesync/protocol"
)

const (
	Gravity      float32 = -9.81
	GroundY      float32 = 0
	JumpVelocity float32 = 5
	MaxMoveSpeed float32 = 10 // 默认速度上限（防作弊）
)

// Body 一个玩家的运动状态
type Body struct {
	Position protocol.Vec3
	Rotation protocol.Quat
	Velocity protocol.Vec3
	Grounded bool
}

// ClampSpeed 客户端声明的速度不可信，取绝对值后限制在上限内
func ClampSpeed(declared, maxSpeed float32) float32 {
	return float32(math.Min(math.Abs(float64(declared)), float64(maxSpeed)))
}

// ClampDirection 只取水平分量，长度超过 1 时归一化，非有限值视为不动
func ClampDirection(dir protocol.Vec3) (x, z float32) {
	fx, fz := float64(dir.X), float64(dir.Z)
	if math.IsNaN(fx) || math.IsNaN(fz) || math.IsInf(fx, 0) || math.IsInf(fz, 0) {
		return 0, 0
	}
	if l := math.Hypot(fx, fz); l > 1 {
		fx, fz = fx/l, fz/l
	}
	return float32(fx), float32(fz)
}

// Step 用一条输入推进 dt 秒。
// 水平位移直接由方向和速度决定；竖直方向只受重力和跳跃影响。
func Step(b *Body, in protocol.MovementInput, maxSpeed, dt float32) {
	speed := ClampSpeed(in.MoveSpeed, maxSpeed)
	if math.IsNaN(float64(speed)) {
		speed = 0
	}
	dx, dz := ClampDirection(in.Direction)

	pos := b.Position
	vel := b.Velocity
	// 水平速度随输入给出，客户端据此外推
	vel.X = dx * speed
	vel.Z = dz * speed
	pos.X += vel.X * dt
	pos.Z += vel.Z * dt
	pos.Y += vel.Y * dt

	if !b.Grounded {
		vel.Y += Gravity * dt
	}
	if in.IsJumping && b.Grounded {
		vel.Y = JumpVelocity
		b.Grounded = false
	}
	// 只有真正落到地面以下才着地，起跳当帧不会被拉回
	if pos.Y < GroundY {
		pos.Y = GroundY
		vel.Y = 0
		b.Grounded = true
	}

	b.Position = pos
	b.Velocity = vel
	if yaw := float64(in.YawAngle); !math.IsNaN(yaw) && !math.IsInf(yaw, 0) {
		b.Rotation = protocol.YawRotation(in.YawAngle)
	}
}
