package server

import "movesync/protocol"

// inputResult 一条输入的处理结果
type inputResult int

const (
	inputAccepted inputResult = iota
	inputNotJoined            // 连接还没有 PlayerJoin
	inputPlayerMismatch       // 消息中的玩家ID不属于该连接
	inputStale                // 序列号不大于已接受的
)

// admitInput 只接受序列号严格递增的输入；输入本身在下一次物理步生效
func admitInput(p *PlayerState, in protocol.MovementInput) inputResult {
	if in.PlayerID != p.PlayerID {
		return inputPlayerMismatch
	}
	if in.InputSequence <= p.LastInputSequence {
		return inputStale
	}
	p.LastInputSequence = in.InputSequence
	p.LastInput = in
	p.HasInput = true
	return inputAccepted
}

// ApplyInput 在写锁内对连接对应的玩家执行输入准入
func (m *PlayerManager) ApplyInput(connID uint32, in protocol.MovementInput) inputResult {
	res := inputNotJoined
	m.UpdateConn(connID, func(p *PlayerState) {
		res = admitInput(p, in)
	})
	return res
}
