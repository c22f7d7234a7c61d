package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var le = binary.LittleEndian

var (
	ErrShortBuffer      = errors.New("protocol: short buffer")
	ErrUnknownType      = errors.New("protocol: unknown message type")
	ErrSnapshotTooLarge = errors.New("protocol: world snapshot too large")
)

// Marshal 编码一条消息到新的缓冲区
func Marshal(m Message) ([]byte, error) {
	return Append(nil, m)
}

// Append 把消息追加编码到 dst。快照只检查 u16 计数上限，
// 发送方的 MTU 限制请用 MarshalWorldSnapshot。
func Append(dst []byte, m Message) ([]byte, error) {
	switch m := m.(type) {
	case PlayerJoin:
		dst = append(dst, byte(TypePlayerJoin))
		return appendI32(dst, m.PlayerID), nil
	case PlayerJoinAck:
		dst = append(dst, byte(TypePlayerJoinAck))
		dst = appendI32(dst, m.PlayerID)
		return le.AppendUint32(dst, m.ServerTick), nil
	case MovementInput:
		dst = append(dst, byte(TypeMovementInput))
		dst = appendI32(dst, m.PlayerID)
		dst = le.AppendUint32(dst, m.InputSequence)
		dst = appendVec3(dst, m.Direction)
		dst = appendF32(dst, m.MoveSpeed)
		dst = appendBool(dst, m.IsJumping)
		return appendF32(dst, m.YawAngle), nil
	case WorldSnapshot:
		if len(m.Players) > MaxSnapshotPlayers {
			return dst, fmt.Errorf("%w: %d players exceeds u16 count", ErrSnapshotTooLarge, len(m.Players))
		}
		dst = append(dst, byte(TypeWorldSnapshot))
		dst = le.AppendUint32(dst, m.ServerTick)
		dst = le.AppendUint64(dst, uint64(m.Timestamp))
		dst = le.AppendUint16(dst, uint16(len(m.Players)))
		for _, p := range m.Players {
			dst = appendPlayerSnapshot(dst, p)
		}
		return dst, nil
	case PlayerLeave:
		dst = append(dst, byte(TypePlayerLeave))
		return appendI32(dst, m.PlayerID), nil
	case nil:
		return dst, fmt.Errorf("%w: nil message", ErrUnknownType)
	default:
		return dst, fmt.Errorf("%w: %T", ErrUnknownType, m)
	}
}

// MarshalWorldSnapshot 编码快照；超过 limit 字节时拒绝，而不是截断
func MarshalWorldSnapshot(dst []byte, s WorldSnapshot, limit int) ([]byte, error) {
	if size := s.EncodedSize(); size > limit {
		return dst, fmt.Errorf("%w: %d bytes > limit %d (%d players)", ErrSnapshotTooLarge, size, limit, len(s.Players))
	}
	return Append(dst, s)
}

// PeekType 读取首字节的消息类型
func PeekType(b []byte) (MessageType, error) {
	if len(b) < 1 {
		return 0, fmt.Errorf("%w: empty message", ErrShortBuffer)
	}
	return MessageType(b[0]), nil
}

// Decode 解析一条消息。固定长度消息后多余的字节被忽略。
func Decode(b []byte) (Message, error) {
	t, err := PeekType(b)
	if err != nil {
		return nil, err
	}
	r := reader{buf: b, off: 1}
	switch t {
	case TypePlayerJoin:
		if err := need(t, b, PlayerJoinSize); err != nil {
			return nil, err
		}
		return PlayerJoin{PlayerID: r.i32()}, nil
	case TypePlayerJoinAck:
		if err := need(t, b, PlayerJoinAckSize); err != nil {
			return nil, err
		}
		return PlayerJoinAck{PlayerID: r.i32(), ServerTick: r.u32()}, nil
	case TypeMovementInput:
		if err := need(t, b, MovementInputSize); err != nil {
			return nil, err
		}
		var m MovementInput
		m.PlayerID = r.i32()
		m.InputSequence = r.u32()
		m.Direction = r.vec3()
		m.MoveSpeed = r.f32()
		m.IsJumping = r.bool()
		m.YawAngle = r.f32()
		return m, nil
	case TypeWorldSnapshot:
		if err := need(t, b, WorldSnapshotHeaderSize); err != nil {
			return nil, err
		}
		var s WorldSnapshot
		s.ServerTick = r.u32()
		s.Timestamp = int64(r.u64())
		n := int(r.u16())
		if err := need(t, b, WorldSnapshotHeaderSize+n*PlayerSnapshotSize); err != nil {
			return nil, err
		}
		s.Players = make([]PlayerSnapshot, n)
		for i := range s.Players {
			s.Players[i] = r.playerSnapshot()
		}
		return s, nil
	case TypePlayerLeave:
		if err := need(t, b, PlayerLeaveSize); err != nil {
			return nil, err
		}
		return PlayerLeave{PlayerID: r.i32()}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, uint8(t))
	}
}

func need(t MessageType, b []byte, n int) error {
	if len(b) < n {
		return fmt.Errorf("%w: %s needs %d bytes, got %d", ErrShortBuffer, t, n, len(b))
	}
	return nil
}

func appendI32(dst []byte, v int32) []byte { return le.AppendUint32(dst, uint32(v)) }

func appendF32(dst []byte, v float32) []byte { return le.AppendUint32(dst, math.Float32bits(v)) }

func appendBool(dst []byte, v bool) []byte {
	if v {
		return append(dst, 1)
	}
	return append(dst, 0)
}

func appendVec3(dst []byte, v Vec3) []byte {
	dst = appendF32(dst, v.X)
	dst = appendF32(dst, v.Y)
	return appendF32(dst, v.Z)
}

func appendQuat(dst []byte, q Quat) []byte {
	dst = appendF32(dst, q.X)
	dst = appendF32(dst, q.Y)
	dst = appendF32(dst, q.Z)
	return appendF32(dst, q.W)
}

func appendPlayerSnapshot(dst []byte, p PlayerSnapshot) []byte {
	dst = appendI32(dst, p.PlayerID)
	dst = appendVec3(dst, p.Position)
	dst = appendQuat(dst, p.Rotation)
	dst = appendVec3(dst, p.Velocity)
	return appendBool(dst, p.IsGrounded)
}

// reader 按位置读取的游标，调用方先保证长度足够
type reader struct {
	buf []byte
	off int
}

func (r *reader) u8() uint8 {
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) u16() uint16 {
	v := le.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *reader) u32() uint32 {
	v := le.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) u64() uint64 {
	v := le.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *reader) i32() int32   { return int32(r.u32()) }
func (r *reader) f32() float32 { return math.Float32frombits(r.u32()) }
func (r *reader) bool() bool   { return r.u8() != 0 }

func (r *reader) vec3() Vec3 {
	return Vec3{X: r.f32(), Y: r.f32(), Z: r.f32()}
}

func (r *reader) quat() Quat {
	return Quat{X: r.f32(), Y: r.f32(), Z: r.f32(), W: r.f32()}
}

func (r *reader) playerSnapshot() PlayerSnapshot {
	return PlayerSnapshot{
		PlayerID:   r.i32(),
		Position:   r.vec3(),
		Rotation:   r.quat(),
		Velocity:   r.vec3(),
		IsGrounded: r.bool(),
	}
}
