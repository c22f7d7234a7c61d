// Package protocol 定义位移同步的二进制线上格式。
//
// 每条消息为 [type:u8] + 固定字段（小端序），仅 WorldSnapshot 的玩家数组
// 带 u16 计数前缀。解码按位置读取，缓冲区不足视为畸形消息。
package protocol

// MessageType 消息类型字节
type MessageType uint8

const (
	TypePlayerJoin        MessageType = 1  // 客户端→服务端：绑定玩家ID
	TypePlayerJoinAck     MessageType = 2  // 服务端→客户端：加入确认
	TypeMovementInput     MessageType = 10 // 客户端→服务端：位移输入
	TypeWorldSnapshot     MessageType = 20 // 服务端→客户端：世界快照
	TypePlayerStateUpdate MessageType = 21 // 保留，当前流程未使用
	TypePlayerLeave       MessageType = 30 // 双向：玩家离开
)

func (t MessageType) String() string {
	switch t {
	case TypePlayerJoin:
		return "PlayerJoin"
	case TypePlayerJoinAck:
		return "PlayerJoinAck"
	case TypeMovementInput:
		return "MovementInput"
	case TypeWorldSnapshot:
		return "WorldSnapshot"
	case TypePlayerStateUpdate:
		return "PlayerStateUpdate"
	case TypePlayerLeave:
		return "PlayerLeave"
	default:
		return "Unknown"
	}
}

// 各消息编码后的字节数
const (
	PlayerJoinSize          = 1 + 4
	PlayerJoinAckSize       = 1 + 4 + 4
	MovementInputSize       = 1 + 4 + 4 + 12 + 4 + 1 + 4
	PlayerSnapshotSize      = 4 + 12 + 16 + 12 + 1
	WorldSnapshotHeaderSize = 1 + 4 + 8 + 2
	PlayerLeaveSize         = 1 + 4

	// MaxSnapshotPlayers u16 计数上限
	MaxSnapshotPlayers = 1<<16 - 1
)

// Message 是所有线上消息的和类型，只能由本包内的类型实现
type Message interface {
	Type() MessageType
	isMessage()
}

// PlayerJoin 玩家加入，携带玩家ID绑定连接
type PlayerJoin struct {
	PlayerID int32
}

// PlayerJoinAck 加入确认
type PlayerJoinAck struct {
	PlayerID   int32
	ServerTick uint32
}

// MovementInput 位移输入，30 字节，适合高频发送
type MovementInput struct {
	PlayerID      int32
	InputSequence uint32
	Direction     Vec3 // 归一化的世界方向
	MoveSpeed     float32
	IsJumping     bool
	YawAngle      float32 // Y 轴角度（弧度）
}

// PlayerSnapshot 单个玩家的权威状态，嵌入在 WorldSnapshot 中
type PlayerSnapshot struct {
	PlayerID   int32
	Position   Vec3
	Rotation   Quat
	Velocity   Vec3
	IsGrounded bool
}

// WorldSnapshot 世界快照，走不可靠通道
type WorldSnapshot struct {
	ServerTick uint32
	Timestamp  int64 // 服务端时间（毫秒）
	Players    []PlayerSnapshot
}

// PlayerLeave 玩家离开通知，走可靠通道
type PlayerLeave struct {
	PlayerID int32
}

func (PlayerJoin) Type() MessageType    { return TypePlayerJoin }
func (PlayerJoinAck) Type() MessageType { return TypePlayerJoinAck }
func (MovementInput) Type() MessageType { return TypeMovementInput }
func (WorldSnapshot) Type() MessageType { return TypeWorldSnapshot }
func (PlayerLeave) Type() MessageType   { return TypePlayerLeave }

func (PlayerJoin) isMessage()    {}
func (PlayerJoinAck) isMessage() {}
func (MovementInput) isMessage() {}
func (WorldSnapshot) isMessage() {}
func (PlayerLeave) isMessage()   {}

// EncodedSize 快照编码后的总字节数
func (s WorldSnapshot) EncodedSize() int {
	return WorldSnapshotHeaderSize + len(s.Players)*PlayerSnapshotSize
}
