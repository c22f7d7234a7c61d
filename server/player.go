package server

import (
	"movesync/physics"
	"movesync/protocol"
)

// PlayerState 玩家的权威状态（服务端），对外返回的都是副本
type PlayerState struct {
	PlayerID          int32                  `json:"id"`
	ConnID            uint32                 `json:"conn"`
	Position          protocol.Vec3          `json:"position"`
	Rotation          protocol.Quat          `json:"rotation"`
	Velocity          protocol.Vec3          `json:"velocity"`
	IsGrounded        bool                   `json:"grounded"`
	LastInputSequence uint32                 `json:"lastInputSeq"`
	LastInput         protocol.MovementInput `json:"-"`
	HasInput          bool                   `json:"-"` // 收到过至少一条输入
	LastUpdateTime    int64                  `json:"lastUpdate"` // 服务启动后的毫秒数
}

func newPlayerState(playerID int32, connID uint32, now int64) PlayerState {
	return PlayerState{
		PlayerID:       playerID,
		ConnID:         connID,
		Rotation:       protocol.IdentityQuat,
		IsGrounded:     true,
		LastUpdateTime: now,
	}
}

// Snapshot 转为线上的快照结构
func (p *PlayerState) Snapshot() protocol.PlayerSnapshot {
	return protocol.PlayerSnapshot{
		PlayerID:   p.PlayerID,
		Position:   p.Position,
		Rotation:   p.Rotation,
		Velocity:   p.Velocity,
		IsGrounded: p.IsGrounded,
	}
}

func (p *PlayerState) body() physics.Body {
	return physics.Body{Position: p.Position, Rotation: p.Rotation, Velocity: p.Velocity, Grounded: p.IsGrounded}
}

func (p *PlayerState) setBody(b physics.Body) {
	p.Position, p.Rotation, p.Velocity, p.IsGrounded = b.Position, b.Rotation, b.Velocity, b.Grounded
}

// playerSlot 玩家数组中的一格，used 为 false 表示空闲可复用
type playerSlot struct {
	used  bool
	state PlayerState
}
